package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"google.golang.org/grpc"

	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/model"
	"github.com/ehrlich-b/smi/internal/rpc"
)

// fakeInvoker replays a canned service reply.
type fakeInvoker struct {
	reply *rpc.ProcessResponse
	err   error
	got   *rpc.ProcessRequest
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args, reply interface{}, _ ...grpc.CallOption) error {
	if method != rpc.FullMethod {
		return errors.New("wrong method: " + method)
	}
	f.got = args.(*rpc.ProcessRequest)
	if f.err != nil {
		return f.err
	}
	*reply.(*rpc.ProcessResponse) = *f.reply
	return nil
}

func testDispatcher(f *fakeInvoker) *Dispatcher {
	return &Dispatcher{clients: map[job.Type]invoker{job.LLMGeneration: f}, log: slog.Default()}
}

func chatJob() *job.Job {
	j := job.New(job.LLMGeneration, "chat-mini", []byte(`{"worker_id":"chat-mini","messages":[]}`))
	j.RemoteClass = "ChatWorker"
	j.RemoteMethod = "work"
	j.RequestModel = "ChatRequest"
	j.ResponseModel = "ChatResponse"
	return j
}

func TestExecuteJobSuccess(t *testing.T) {
	payload, _ := json.Marshal(model.ChatResponse{
		Model: "m", CreatedAt: "now", Done: true,
		Message: model.ChatMessage{Role: "assistant", Content: "ok"},
	})
	f := &fakeInvoker{reply: &rpc.ProcessResponse{JSONPayload: payload, ResponseModel: "ChatResponse"}}
	d := testDispatcher(f)

	j := chatJob()
	raw, failed := d.ExecuteJob(context.Background(), j)
	if failed != nil {
		t.Fatalf("failed = %+v", failed)
	}
	if string(raw) != string(payload) {
		t.Errorf("raw = %s", raw)
	}
	if f.got.WorkerID != "chat-mini" || f.got.RemoteMethod != "work" || f.got.Storage != "LOCAL" {
		t.Errorf("request envelope = %+v", f.got)
	}
}

func TestExecuteJobMethodCallError(t *testing.T) {
	payload, _ := json.Marshal(model.NewMethodCallError("engine exploded", "trace"))
	f := &fakeInvoker{reply: &rpc.ProcessResponse{JSONPayload: payload, ResponseModel: model.MethodCallErrorName}}
	d := testDispatcher(f)

	j := chatJob()
	raw, failed := d.ExecuteJob(context.Background(), j)
	if raw != nil {
		t.Fatal("raw must be nil on failure")
	}
	if failed == nil || failed.Status != job.Failed {
		t.Fatalf("failed = %+v", failed)
	}
	if failed.Message != "engine exploded" || failed.ID != j.ID || failed.Type != job.LLMGeneration {
		t.Errorf("failed = %+v", failed)
	}
}

func TestExecuteJobTransportError(t *testing.T) {
	f := &fakeInvoker{err: errors.New("connection refused")}
	d := testDispatcher(f)

	raw, failed := d.ExecuteJob(context.Background(), chatJob())
	if raw != nil || failed == nil {
		t.Fatalf("raw=%v failed=%+v", raw, failed)
	}
	if failed.Status != job.Failed {
		t.Errorf("status = %s", failed.Status)
	}
}

func TestExecuteJobUnknownType(t *testing.T) {
	d := testDispatcher(&fakeInvoker{})
	j := chatJob()
	j.Type = job.VideoGeneration
	_, failed := d.ExecuteJob(context.Background(), j)
	if failed == nil || failed.Status != job.Failed {
		t.Fatalf("failed = %+v", failed)
	}
}

func TestExecuteJobModelMismatch(t *testing.T) {
	f := &fakeInvoker{reply: &rpc.ProcessResponse{JSONPayload: []byte(`{}`), ResponseModel: "EmbeddingsResponse"}}
	d := testDispatcher(f)
	_, failed := d.ExecuteJob(context.Background(), chatJob())
	if failed == nil {
		t.Fatal("expected failure for mismatched response model")
	}
}

func TestCallFunction(t *testing.T) {
	payload, _ := json.Marshal(model.GPUsInfo{HostCPUCount: 8})
	f := &fakeInvoker{reply: &rpc.ProcessResponse{JSONPayload: payload, ResponseModel: "GPUsInfo"}}
	d := testDispatcher(f)

	raw, err := d.CallFunction(context.Background(), job.LLMGeneration, "gpu", "info", "GPUsInfo")
	if err != nil {
		t.Fatal(err)
	}
	var info model.GPUsInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatal(err)
	}
	if info.HostCPUCount != 8 {
		t.Errorf("info = %+v", info)
	}
	if f.got.RemoteModule != "gpu" || f.got.RemoteFunc != "info" {
		t.Errorf("request = %+v", f.got)
	}
}

func TestCallFunctionFailure(t *testing.T) {
	payload, _ := json.Marshal(model.NewMethodCallError("no such function", ""))
	f := &fakeInvoker{reply: &rpc.ProcessResponse{JSONPayload: payload, ResponseModel: model.MethodCallErrorName}}
	d := testDispatcher(f)

	if _, err := d.CallFunction(context.Background(), job.LLMGeneration, "gpu", "nope", "GPUsInfo"); !errors.Is(err, ErrDispatchFailed) {
		t.Errorf("err = %v, want ErrDispatchFailed", err)
	}
}

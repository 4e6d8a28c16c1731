// Package dispatch sends jobs to their type's service over the generic
// RPC. Worker-side failures come back as MethodCallError payloads and are
// converted into terminal Failed responses; only transport faults surface
// as dispatch errors, and those too end the job as Failed.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/model"
	"github.com/ehrlich-b/smi/internal/rpc"
)

// ErrDispatchFailed marks a transport-level failure talking to a service.
var ErrDispatchFailed = errors.New("dispatch failed")

// invoker is the slice of grpc.ClientConn the dispatcher uses; tests
// substitute a fake.
type invoker interface {
	Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error
}

// Dispatcher holds one client per job type.
type Dispatcher struct {
	clients map[job.Type]invoker
	conns   []*grpc.ClientConn
	log     *slog.Logger
}

// New connects a client for every configured service address. Connections
// are lazy; an unreachable service fails at call time, not here.
func New(addrs map[job.Type]string, log *slog.Logger) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{clients: make(map[job.Type]invoker), log: log}
	for t, addr := range addrs {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("client for %s (%s): %w", t, addr, err)
		}
		d.clients[t] = conn
		d.conns = append(d.conns, conn)
	}
	return d, nil
}

// Close tears down every client connection.
func (d *Dispatcher) Close() {
	for _, conn := range d.conns {
		conn.Close()
	}
}

// ExecuteJob runs the job on its service. Exactly one return is non-nil:
// the raw validated result payload, or a terminal Failed response. Worker
// and transport failures both end as Failed; neither is a Go error here
// because the job itself terminates either way.
func (d *Dispatcher) ExecuteJob(ctx context.Context, j *job.Job) ([]byte, *job.Response) {
	failed := func(msg string) *job.Response {
		return &job.Response{ID: j.ID, Status: job.Failed, Message: msg, Type: j.Type}
	}

	client, ok := d.clients[j.Type]
	if !ok {
		return nil, failed(fmt.Sprintf("no service for job type %s", j.Type))
	}

	req := &rpc.ProcessRequest{
		JSONPayload:   j.Payload,
		RemoteClass:   j.RemoteClass,
		RemoteMethod:  j.RemoteMethod,
		RequestModel:  j.RequestModel,
		ResponseModel: j.ResponseModel,
		WorkerID:      j.WorkerID,
		Storage:       string(j.Storage),
		KeepAlive:     j.KeepAlive,
	}
	reply := &rpc.ProcessResponse{}
	if err := client.Invoke(ctx, rpc.FullMethod, req, reply, rpc.CallOptions()...); err != nil {
		d.log.Error("job dispatch failed", "job_id", j.ID, "type", j.Type, "error", err)
		return nil, failed(fmt.Sprintf("%v: %v", ErrDispatchFailed, err))
	}

	if reply.ResponseModel == model.MethodCallErrorName {
		var mce model.MethodCallError
		if err := json.Unmarshal(reply.JSONPayload, &mce); err != nil {
			return nil, failed(fmt.Sprintf("malformed failure envelope: %v", err))
		}
		d.log.Warn("worker reported failure", "job_id", j.ID, "message", mce.Message)
		return nil, failed(mce.Message)
	}

	if reply.ResponseModel != j.ResponseModel {
		return nil, failed(fmt.Sprintf("service returned %s, expected %s", reply.ResponseModel, j.ResponseModel))
	}
	if err := model.Validate(j.ResponseModel, reply.JSONPayload); err != nil {
		return nil, failed(err.Error())
	}
	return reply.JSONPayload, nil
}

// CallFunction invokes a stateless remote function on the type's service
// and returns the validated result payload.
func (d *Dispatcher) CallFunction(ctx context.Context, t job.Type, module, function string, responseModel string) ([]byte, error) {
	client, ok := d.clients[t]
	if !ok {
		return nil, fmt.Errorf("%w: no service for job type %s", ErrDispatchFailed, t)
	}

	req := &rpc.ProcessRequest{
		RemoteModule:  module,
		RemoteFunc:    function,
		ResponseModel: responseModel,
	}
	reply := &rpc.ProcessResponse{}
	if err := client.Invoke(ctx, rpc.FullMethod, req, reply, rpc.CallOptions()...); err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrDispatchFailed, module, function, err)
	}

	if reply.ResponseModel == model.MethodCallErrorName {
		var mce model.MethodCallError
		if err := json.Unmarshal(reply.JSONPayload, &mce); err != nil {
			return nil, fmt.Errorf("%w: malformed failure envelope", ErrDispatchFailed)
		}
		return nil, fmt.Errorf("%w: %s", ErrDispatchFailed, mce.Message)
	}
	if err := model.Validate(reply.ResponseModel, reply.JSONPayload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return reply.JSONPayload, nil
}

package job

import "testing"

func TestHeadersRoundTrip(t *testing.T) {
	j := New(LLMGeneration, "chat-mini", []byte(`{"model":"chat-mini"}`))
	j.RemoteClass = "worker"
	j.RemoteMethod = "work"
	j.RequestModel = "ChatRequest"
	j.ResponseModel = "ChatResponse"
	j.Storage = StorageS3
	j.KeepAlive = 7

	got, err := FromHeaders(j.Headers(), j.Payload)
	if err != nil {
		t.Fatalf("FromHeaders: %v", err)
	}
	if got.ID != j.ID {
		t.Errorf("id = %q, want %q", got.ID, j.ID)
	}
	if got.Type != j.Type {
		t.Errorf("type = %s, want %s", got.Type, j.Type)
	}
	if got.WorkerID != j.WorkerID {
		t.Errorf("worker_id = %q, want %q", got.WorkerID, j.WorkerID)
	}
	if got.RemoteClass != j.RemoteClass || got.RemoteMethod != j.RemoteMethod {
		t.Errorf("remote = %q.%q, want %q.%q", got.RemoteClass, got.RemoteMethod, j.RemoteClass, j.RemoteMethod)
	}
	if got.RequestModel != j.RequestModel || got.ResponseModel != j.ResponseModel {
		t.Errorf("models = %q/%q, want %q/%q", got.RequestModel, got.ResponseModel, j.RequestModel, j.ResponseModel)
	}
	if got.Storage != StorageS3 {
		t.Errorf("storage = %s, want S3", got.Storage)
	}
	if got.KeepAlive != 7 {
		t.Errorf("keep_alive = %d, want 7", got.KeepAlive)
	}
	if string(got.Payload) != string(j.Payload) {
		t.Errorf("payload = %s, want %s", got.Payload, j.Payload)
	}
	// A delivered job starts its consumer-side life as Queued.
	if got.Status != Queued {
		t.Errorf("status = %s, want QUEUED", got.Status)
	}
}

func TestFromHeadersMissing(t *testing.T) {
	if _, err := FromHeaders(map[string]interface{}{}, nil); err == nil {
		t.Fatal("expected error for empty headers")
	}
	if _, err := FromHeaders(map[string]interface{}{HeaderID: "x"}, nil); err == nil {
		t.Fatal("expected error for missing job_type")
	}
}

func TestFromHeadersIntWidths(t *testing.T) {
	// AMQP clients hand header integers back at varying widths.
	for _, v := range []interface{}{int(5), int32(5), int64(5), float64(5)} {
		h := map[string]interface{}{
			HeaderID:        "a",
			HeaderType:      string(AudioGeneration),
			HeaderKeepAlive: v,
		}
		j, err := FromHeaders(h, nil)
		if err != nil {
			t.Fatalf("FromHeaders(%T): %v", v, err)
		}
		if j.KeepAlive != 5 {
			t.Errorf("keep_alive from %T = %d, want 5", v, j.KeepAlive)
		}
	}
}

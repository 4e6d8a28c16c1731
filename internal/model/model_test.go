package model

import (
	"encoding/json"
	"testing"

	"github.com/ehrlich-b/smi/internal/job"
)

func TestValidateKnownModels(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"ChatRequest", `{"worker_id":"chat-mini","messages":[{"role":"user","content":"hi"}]}`},
		{"ChatResponse", `{"model":"m","created_at":"t","message":{"role":"assistant","content":"hello"},"done":true}`},
		{"EmbeddingsRequest", `{"worker_id":"embed","prompt":"hello"}`},
		{"TextToImageRequest", `{"worker_id":"sdxl","text_prompts":[{"text":"a lighthouse"}]}`},
		{"TextToImageResponse", `{"artifacts":[{"finishReason":"SUCCESS","seed":42}]}`},
		{"SpeechToTextResponse", `{"language":"en","text":"hello"}`},
		{"StreamRequest", `{"action":"start","worker_id":"stt-fast","intype":"BYTES","outtype":"JSON","ip_address":"10.0.0.1","port":15001,"timeout":5}`},
		{"StreamResponse", `{"state":"STREAMING","host":"svc","ip_address":"10.0.0.2","port":15002}`},
		{MethodCallErrorName, `{"status":"FAILED","message":"boom"}`},
	}
	for _, tt := range tests {
		if err := Validate(tt.name, []byte(tt.raw)); err != nil {
			t.Errorf("Validate(%s) = %v", tt.name, err)
		}
	}
}

func TestValidateUnknownModel(t *testing.T) {
	if err := Validate("NoSuchModel", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown model name")
	}
	if Known("NoSuchModel") {
		t.Error("NoSuchModel should not be known")
	}
	if !Known("ChatRequest") {
		t.Error("ChatRequest should be known")
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	if err := Validate("ChatRequest", []byte(`{"messages":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if err := Validate("EmbeddingsResponse", []byte(`{"embedding":"not-a-list"}`)); err == nil {
		t.Fatal("expected error for wrong field type")
	}
}

func TestDecode(t *testing.T) {
	v, err := Decode("ChatResponse", []byte(`{"model":"m","created_at":"t","message":{"role":"assistant","content":"hello"},"done":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp, ok := v.(*ChatResponse)
	if !ok {
		t.Fatalf("Decode returned %T, want *ChatResponse", v)
	}
	if resp.Message.Content != "hello" || !resp.Done {
		t.Errorf("unexpected decode: %+v", resp)
	}
}

func TestName(t *testing.T) {
	if got := Name(&TextToImageResponse{}); got != "TextToImageResponse" {
		t.Errorf("Name = %q", got)
	}
	if got := Name(&MethodCallError{}); got != MethodCallErrorName {
		t.Errorf("Name(MethodCallError) = %q", got)
	}
	if got := Name(42); got != "" {
		t.Errorf("Name(42) = %q, want empty", got)
	}
}

func TestNewMethodCallError(t *testing.T) {
	e := NewMethodCallError("boom", "trace")
	if e.Status != job.Failed {
		t.Errorf("status = %s, want FAILED", e.Status)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(MethodCallErrorName, raw); err != nil {
		t.Errorf("round-trip validate: %v", err)
	}
}

func TestTextToImageDefaults(t *testing.T) {
	r := &TextToImageRequest{}
	r.ApplyDefaults()
	if r.Height != 512 || r.Width != 512 {
		t.Errorf("dimensions = %dx%d, want 512x512", r.Width, r.Height)
	}
	if r.Steps != 1 || r.Samples != 1 || r.CfgScale != 7 {
		t.Errorf("steps/samples/cfg = %d/%d/%d", r.Steps, r.Samples, r.CfgScale)
	}
	// Explicit values survive.
	r2 := &TextToImageRequest{Height: 1024, Width: 768, Steps: 30}
	r2.ApplyDefaults()
	if r2.Height != 1024 || r2.Width != 768 || r2.Steps != 30 {
		t.Errorf("explicit values overwritten: %+v", r2)
	}
}

func TestFrameTypeValid(t *testing.T) {
	for _, ft := range []FrameType{FrameText, FrameBytes, FrameJSON} {
		if !ft.Valid() {
			t.Errorf("%s should be valid", ft)
		}
	}
	if FrameType("XML").Valid() {
		t.Error("XML should not be a valid frame type")
	}
}

func TestSpeechToTextFileBase64(t *testing.T) {
	// []byte fields marshal as base64 strings, matching the wire contract.
	req := &SpeechToTextRequest{WorkerID: "stt", File: []byte{0x52, 0x49, 0x46, 0x46}}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var got SpeechToTextRequest
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if string(got.File) != string(req.File) {
		t.Errorf("file round-trip = %v, want %v", got.File, req.File)
	}
}

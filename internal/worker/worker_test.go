package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/model"
)

func chatConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Model: "llama3.2:1b", Worker: "llm.chat", Type: config.FamilyLLM,
		RequestModel: "ChatRequest", ResponseModel: "ChatResponse",
	}
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"llm.chat", "llm.embeddings", "image.diffusion", "audio.tts", "audio.stt", "audio.stt-stream"} {
		if !Known(name) {
			t.Errorf("%s missing from registry", name)
		}
	}
	if Known("llm.nope") {
		t.Error("llm.nope should be unknown")
	}
	if _, err := New("x", config.WorkerConfig{Worker: "llm.nope"}, &Env{}); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("err = %v, want ErrUnknownWorker", err)
	}
}

func TestStateMachine(t *testing.T) {
	w := &base{id: "w", state: Idle}
	if w.Status() != Idle {
		t.Fatalf("initial state = %s", w.Status())
	}
	if w.Duration() != 0 {
		t.Error("idle worker must report zero duration")
	}

	if err := w.Claim(Working); err != nil {
		t.Fatal(err)
	}
	if w.Status() != Working {
		t.Errorf("state = %s", w.Status())
	}
	if err := w.Claim(Streaming); !errors.Is(err, ErrBusy) {
		t.Errorf("double claim err = %v, want ErrBusy", err)
	}
	time.Sleep(10 * time.Millisecond)
	if w.Duration() <= 0 {
		t.Error("busy worker must report elapsed duration")
	}

	w.Stop()
	if w.Status() != Idle || w.Duration() != 0 {
		t.Errorf("after Stop: state=%s duration=%s", w.Status(), w.Duration())
	}
	if err := w.Claim(Streaming); err != nil {
		t.Errorf("claim after Stop: %v", err)
	}
}

func TestChatWorker(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req model.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "llama3.2:1b" {
			t.Errorf("model = %q, want catalog model", req.Model)
		}
		if req.Stream {
			t.Error("stream must be forced off")
		}
		json.NewEncoder(rw).Encode(model.ChatResponse{
			Model: req.Model, CreatedAt: "now", Done: true,
			Message: model.ChatMessage{Role: "assistant", Content: "hi there"},
		})
	}))
	defer engine.Close()

	w, err := New("chat-mini", chatConfig(), &Env{OllamaURL: engine.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Claim(Working); err != nil {
		t.Fatal(err)
	}
	raw, err := w.Work(context.Background(), []byte(`{"worker_id":"chat-mini","model":"user-pick","stream":true,"messages":[{"role":"user","content":"hello"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	var resp model.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "hi there" || !resp.Done {
		t.Errorf("resp = %+v", resp)
	}
	if w.Status() != Working {
		t.Errorf("state after Work = %s, want WORKING until Stop", w.Status())
	}
	w.Stop()
	if w.Status() != Idle {
		t.Errorf("state after Stop = %s", w.Status())
	}
}

func TestChatWorkerEngineDown(t *testing.T) {
	w, err := New("chat-mini", chatConfig(), &Env{OllamaURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Work(context.Background(), []byte(`{"worker_id":"chat-mini","messages":[]}`)); err == nil {
		t.Fatal("expected error when engine is unreachable")
	}
}

func TestEmbeddingsWorker(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		rw.Write([]byte(`{"model":"nomic","embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer engine.Close()

	cfg := config.WorkerConfig{Model: "nomic", Worker: "llm.embeddings", RequestModel: "EmbeddingsRequest", ResponseModel: "EmbeddingsResponse"}
	w, err := New("embed", cfg, &Env{OllamaURL: engine.URL})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := w.Work(context.Background(), []byte(`{"worker_id":"embed","prompt":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	var resp model.EmbeddingsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Embedding) != 3 || resp.Embedding[1] != 0.2 {
		t.Errorf("embedding = %v", resp.Embedding)
	}
}

type fakeUploader struct {
	bucket, name string
	data         []byte
}

func (f *fakeUploader) Upload(_ context.Context, bucket, name string, data []byte, _ string) (string, error) {
	f.bucket, f.name, f.data = bucket, name, data
	return "http://store/" + bucket + "/" + name, nil
}

func TestDiffusionWorkerLocalAndS3(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("not-really-a-png"))
	engine := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req txt2imgRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Height != 512 || req.Width != 512 {
			t.Errorf("defaults not applied: %dx%d", req.Width, req.Height)
		}
		if req.Prompt != "a lighthouse" || req.NegativePrompt != "blurry" {
			t.Errorf("prompts = %q / %q", req.Prompt, req.NegativePrompt)
		}
		json.NewEncoder(rw).Encode(txt2imgReply{Images: []string{png}})
	}))
	defer engine.Close()

	cfg := config.WorkerConfig{Model: "sdxl", Worker: "image.diffusion", RequestModel: "TextToImageRequest", ResponseModel: "TextToImageResponse"}
	payload := []byte(`{"worker_id":"sdxl","text_prompts":[{"text":"a lighthouse"},{"text":"blurry","weight":-1}]}`)

	// LOCAL: inline base64.
	w, err := New("sdxl", cfg, &Env{ImageEngineURL: engine.URL})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := w.Work(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	var resp model.TextToImageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Artifacts) != 1 || resp.Artifacts[0].Base64 != png || resp.Artifacts[0].URL != "" {
		t.Errorf("local artifacts = %+v", resp.Artifacts)
	}

	// S3: uploaded, URL returned.
	up := &fakeUploader{}
	w2, err := New("sdxl", cfg, &Env{ImageEngineURL: engine.URL, Store: up})
	if err != nil {
		t.Fatal(err)
	}
	w2.(*diffusionWorker).SetStorage(job.StorageS3, "job-9")
	raw, err = w2.Work(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	resp = model.TextToImageResponse{}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Artifacts[0].URL == "" || resp.Artifacts[0].Base64 != "" {
		t.Errorf("s3 artifacts = %+v", resp.Artifacts)
	}
	if string(up.data) != "not-really-a-png" {
		t.Errorf("uploaded bytes = %q", up.data)
	}
}

func TestTTSWorkerInline(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "audio/wav")
		rw.Write([]byte("RIFFwav-bytes"))
	}))
	defer engine.Close()

	cfg := config.WorkerConfig{Model: "vits", Worker: "audio.tts", RequestModel: "TextToSpeechRequest", ResponseModel: "TextToSpeechResponse"}
	w, err := New("tts", cfg, &Env{TTSEngineURL: engine.URL})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := w.Work(context.Background(), []byte(`{"worker_id":"tts","text":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	var resp model.TextToSpeechResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if string(resp.WAV) != "RIFFwav-bytes" || resp.URL != "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSTTWorkerMultipart(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		f, _, err := r.FormFile("audio_file")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		rw.Write([]byte(`{"language":"en","text":"hello world"}`))
	}))
	defer engine.Close()

	cfg := config.WorkerConfig{Model: "whisper", Worker: "audio.stt", RequestModel: "SpeechToTextRequest", ResponseModel: "SpeechToTextResponse"}
	w, err := New("stt", cfg, &Env{STTEngineURL: engine.URL})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := json.Marshal(&model.SpeechToTextRequest{WorkerID: "stt", File: []byte("RIFF....")})
	raw, err := w.Work(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	var resp model.SpeechToTextResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello world" || resp.Language != "en" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSTTStreamWorkerAccumulates(t *testing.T) {
	var uploads int
	engine := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		uploads++
		r.ParseMultipartForm(1 << 20)
		f, _, err := r.FormFile("audio_file")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		rw.Write([]byte(`{"language":"en","text":"partial","segments":[{"start":0,"end":1,"text":"partial"}]}`))
	}))
	defer engine.Close()

	cfg := config.WorkerConfig{Model: "whisper", Worker: "audio.stt-stream", RequestModel: "StreamRequest", ResponseModel: "StreamResponse"}
	w, err := New("stt-fast", cfg, &Env{STTEngineURL: engine.URL})
	if err != nil {
		t.Fatal(err)
	}
	sw := w.(*sttStreamWorker)

	out, err := sw.Stream(context.Background(), []byte("chunk-1"))
	if err != nil {
		t.Fatal(err)
	}
	var frame model.TranscriptFrame
	if err := json.Unmarshal(out, &frame); err != nil {
		t.Fatal(err)
	}
	if len(frame.Segments) != 1 || frame.IsFinal {
		t.Errorf("frame = %+v", frame)
	}

	if _, err := sw.Stream(context.Background(), []byte("chunk-2")); err != nil {
		t.Fatal(err)
	}
	if string(sw.buf) != "chunk-1chunk-2" {
		t.Errorf("buffer = %q", sw.buf)
	}
	if uploads != 2 {
		t.Errorf("uploads = %d", uploads)
	}
	if err := sw.Cleanup(); err != nil || sw.buf != nil {
		t.Errorf("cleanup: err=%v buf=%q", err, sw.buf)
	}

	// Work is refused on a stream-only worker.
	if _, err := sw.Work(context.Background(), nil); err == nil {
		t.Error("expected error from Work on streaming worker")
	}
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/model"
)

// postJSON posts in as JSON and decodes the reply into out. Non-2xx replies
// surface the engine's body text.
func postJSON(ctx context.Context, env *Env, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read engine reply: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode engine reply: %w", err)
	}
	return nil
}

// chatWorker runs conversational (and vision) generation against an
// Ollama-compatible /api/chat endpoint.
type chatWorker struct {
	base
}

func newChatWorker(id string, cfg config.WorkerConfig, env *Env) Worker {
	return &chatWorker{base: newBase(id, cfg, env)}
}

func (w *chatWorker) Work(ctx context.Context, raw []byte) ([]byte, error) {
	var req model.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode chat request: %w", err)
	}
	// The catalog owns the engine model name; streaming replies are not
	// supported on this path.
	req.Model = w.cfg.Model
	req.Stream = false

	var resp model.ChatResponse
	if err := postJSON(ctx, w.env, w.env.OllamaURL+"/api/chat", &req, &resp); err != nil {
		return nil, err
	}
	return json.Marshal(&resp)
}

// embedReply is the engine's /api/embed shape: one vector per input.
type embedReply struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// embeddingsWorker turns prompts into vectors via the engine's /api/embed.
type embeddingsWorker struct {
	base
}

func newEmbeddingsWorker(id string, cfg config.WorkerConfig, env *Env) Worker {
	return &embeddingsWorker{base: newBase(id, cfg, env)}
}

func (w *embeddingsWorker) Work(ctx context.Context, raw []byte) ([]byte, error) {
	var req model.EmbeddingsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode embeddings request: %w", err)
	}

	engineReq := map[string]interface{}{
		"model": w.cfg.Model,
		"input": req.Prompt,
	}
	var reply embedReply
	if err := postJSON(ctx, w.env, w.env.OllamaURL+"/api/embed", engineReq, &reply); err != nil {
		return nil, err
	}
	if len(reply.Embeddings) == 0 {
		return nil, fmt.Errorf("engine returned no embedding")
	}
	return json.Marshal(&model.EmbeddingsResponse{Embedding: reply.Embeddings[0]})
}

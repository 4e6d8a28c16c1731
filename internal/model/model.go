// Package model holds the typed request/response payloads carried by jobs
// and the static registry used to re-validate them after transit. The wire
// names ("ChatRequest", "TextToImageResponse", ...) replace the original
// runtime class resolution: unknown names are rejected at dispatch time.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/smi/internal/job"
)

// --- LLM generation (Ollama-compatible engine contract) ---

// ChatOptions are the sampling knobs forwarded verbatim to the engine.
type ChatOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	RepeatPenalty    *float64 `json:"repeat_penalty,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
}

// ChatMessage is one turn of a conversation. Images carries base64-encoded
// attachments for vision chat.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatRequest is the text-to-text (and image-to-text) job payload.
type ChatRequest struct {
	WorkerID string        `json:"worker_id"`
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Format   string        `json:"format,omitempty"`
	Options  *ChatOptions  `json:"options,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

// ChatResponse mirrors the engine's non-streaming chat reply.
type ChatResponse struct {
	Model              string      `json:"model"`
	CreatedAt          string      `json:"created_at"`
	Message            ChatMessage `json:"message"`
	Done               bool        `json:"done"`
	TotalDuration      int64       `json:"total_duration,omitempty"`
	LoadDuration       int64       `json:"load_duration,omitempty"`
	PromptEvalCount    int         `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64       `json:"prompt_eval_duration,omitempty"`
	EvalCount          int         `json:"eval_count,omitempty"`
	EvalDuration       int64       `json:"eval_duration,omitempty"`
}

// EmbeddingsRequest is the text-to-embeddings job payload.
type EmbeddingsRequest struct {
	WorkerID string       `json:"worker_id"`
	Model    string       `json:"model,omitempty"`
	Prompt   string       `json:"prompt"`
	Options  *ChatOptions `json:"options,omitempty"`
}

// EmbeddingsResponse carries the embedding vector.
type EmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// --- Image generation ---

// TextPrompt weights one prompt fragment for the diffusion engine.
type TextPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight,omitempty"`
}

// TextToImageRequest is the text-to-image job payload. Height and width
// default to 512 and must be multiples of 64.
type TextToImageRequest struct {
	WorkerID    string       `json:"worker_id"`
	Model       string       `json:"model,omitempty"`
	Height      int          `json:"height,omitempty"`
	Width       int          `json:"width,omitempty"`
	TextPrompts []TextPrompt `json:"text_prompts"`
	Steps       int          `json:"steps,omitempty"`
	Samples     int          `json:"samples,omitempty"`
	CfgScale    int          `json:"cfg_scale,omitempty"`
	Sampler     string       `json:"sampler,omitempty"`
	Seed        int64        `json:"seed,omitempty"`
	StylePreset string       `json:"style_preset,omitempty"`
}

// ApplyDefaults fills the engine defaults for omitted dimensions.
func (r *TextToImageRequest) ApplyDefaults() {
	if r.Height == 0 {
		r.Height = 512
	}
	if r.Width == 0 {
		r.Width = 512
	}
	if r.Steps == 0 {
		r.Steps = 1
	}
	if r.Samples == 0 {
		r.Samples = 1
	}
	if r.CfgScale == 0 {
		r.CfgScale = 7
	}
}

// FinishReason is the per-artifact engine outcome.
type FinishReason string

const (
	FinishSuccess         FinishReason = "SUCCESS"
	FinishError           FinishReason = "ERROR"
	FinishContentFiltered FinishReason = "CONTENT_FILTERED"
)

// Artifact is one generated object, inline (base64) or in the object store
// behind a signed URL.
type Artifact struct {
	Base64       string       `json:"base64,omitempty"`
	URL          string       `json:"url,omitempty"`
	FinishReason FinishReason `json:"finishReason"`
	Seed         int64        `json:"seed"`
}

// TextToImageResponse carries the generated artifacts.
type TextToImageResponse struct {
	Artifacts []Artifact `json:"artifacts"`
}

// --- Audio generation ---

// SpeechToTextRequest is the whole-file STT job payload. File carries the
// audio bytes base64-encoded for JSON transit.
type SpeechToTextRequest struct {
	WorkerID    string  `json:"worker_id"`
	Model       string  `json:"model,omitempty"`
	File        []byte  `json:"file"`
	Language    string  `json:"language,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
}

// SpeechToTextResponse is the transcript.
type SpeechToTextResponse struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// TranscriptSegment is one span of a streaming transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptFrame is the JSON frame emitted by streaming STT workers.
type TranscriptFrame struct {
	Segments []TranscriptSegment `json:"segments"`
	IsFinal  bool                `json:"is_final"`
}

// TextToSpeechRequest is the TTS job payload.
type TextToSpeechRequest struct {
	WorkerID  string `json:"worker_id"`
	Model     string `json:"model,omitempty"`
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	SpeakerID string `json:"speaker_id,omitempty"`
}

// TextToSpeechResponse carries the synthesized audio, inline or by URL.
type TextToSpeechResponse struct {
	URL string `json:"url,omitempty"`
	WAV []byte `json:"wav,omitempty"`
}

// --- Streaming handshake ---

// FrameType selects how a stream frame is read and written on each side.
type FrameType string

const (
	FrameText  FrameType = "TEXT"
	FrameBytes FrameType = "BYTES"
	FrameJSON  FrameType = "JSON"
)

// Valid reports whether t is a recognized frame type.
func (t FrameType) Valid() bool {
	return t == FrameText || t == FrameBytes || t == FrameJSON
}

// StreamRequest is the handshake payload carried by a StreamStart job. The
// gateway binds a PUSH socket on IPAddress:Port; the worker's PULL connects
// to it.
type StreamRequest struct {
	Action    string    `json:"action"`
	WorkerID  string    `json:"worker_id"`
	InType    FrameType `json:"intype"`
	OutType   FrameType `json:"outtype"`
	IPAddress string    `json:"ip_address"`
	Hostname  string    `json:"hostname,omitempty"`
	Port      int       `json:"port"`
	Timeout   int       `json:"timeout"` // seconds of per-frame inactivity
}

// StreamResponse carries the worker-side connection details back to the
// gateway: the worker binds its egress PUSH on IPAddress:Port.
type StreamResponse struct {
	State     string `json:"state"`
	Host      string `json:"host"`
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
	Message   string `json:"message,omitempty"`
}

// --- Remote calls ---

// MethodCallErrorName tags an RPC reply whose payload is a MethodCallError.
// The dispatcher recognizes worker-side failures by this value in the
// reply's response_model_class, never by inspecting the payload.
const MethodCallErrorName = "MethodCallError"

// MethodCallError is the envelope a service returns when a remote method
// fails. It travels as a normal RPC payload; the RPC itself succeeds.
type MethodCallError struct {
	Status  job.Status `json:"status"`
	Message string     `json:"message"`
	Error   string     `json:"error,omitempty"`
}

// NewMethodCallError wraps err as a terminal failure envelope.
func NewMethodCallError(message string, trace string) *MethodCallError {
	return &MethodCallError{Status: job.Failed, Message: message, Error: trace}
}

// FunctionCallError reports a failed stateless remote function call.
type FunctionCallError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// GPUInfo describes one visible GPU.
type GPUInfo struct {
	Name           string `json:"name"`
	MemoryTotalMB  int64  `json:"memory_total_mb"`
	MemoryUsedMB   int64  `json:"memory_used_mb"`
	MemoryFreeMB   int64  `json:"memory_free_mb"`
	UtilizationGPU int    `json:"utilization_gpu"`
	UtilizationMem int    `json:"utilization_mem"`
}

// GPUsInfo is the /v1/gpu/info payload. Error is set when no GPU is
// visible; host stats are reported either way.
type GPUsInfo struct {
	GPUs          []GPUInfo `json:"gpus"`
	HostCPUCount  int       `json:"host_cpu_count"`
	HostMemTotal  uint64    `json:"host_mem_total"`
	HostMemUsed   uint64    `json:"host_mem_used"`
	HostImageName string    `json:"host,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// --- Registry ---

// factories maps wire model names to zero-value constructors. Populated at
// startup; unknown names fail validation instead of a late lookup error.
var factories = map[string]func() interface{}{
	"ChatRequest":          func() interface{} { return &ChatRequest{} },
	"ChatResponse":         func() interface{} { return &ChatResponse{} },
	"EmbeddingsRequest":    func() interface{} { return &EmbeddingsRequest{} },
	"EmbeddingsResponse":   func() interface{} { return &EmbeddingsResponse{} },
	"TextToImageRequest":   func() interface{} { return &TextToImageRequest{} },
	"TextToImageResponse":  func() interface{} { return &TextToImageResponse{} },
	"SpeechToTextRequest":  func() interface{} { return &SpeechToTextRequest{} },
	"SpeechToTextResponse": func() interface{} { return &SpeechToTextResponse{} },
	"TextToSpeechRequest":  func() interface{} { return &TextToSpeechRequest{} },
	"TextToSpeechResponse": func() interface{} { return &TextToSpeechResponse{} },
	"StreamRequest":        func() interface{} { return &StreamRequest{} },
	"StreamResponse":       func() interface{} { return &StreamResponse{} },
	"GPUsInfo":             func() interface{} { return &GPUsInfo{} },
	MethodCallErrorName:    func() interface{} { return &MethodCallError{} },
	"FunctionCallError":    func() interface{} { return &FunctionCallError{} },
}

// Known reports whether name is a registered model.
func Known(name string) bool {
	_, ok := factories[name]
	return ok
}

// Validate checks that raw decodes as the named model. It is the post-transit
// schema check for job payloads and RPC replies.
func Validate(name string, raw []byte) error {
	factory, ok := factories[name]
	if !ok {
		return fmt.Errorf("unknown model %q", name)
	}
	if err := json.Unmarshal(raw, factory()); err != nil {
		return fmt.Errorf("payload does not validate as %s: %w", name, err)
	}
	return nil
}

// Decode validates and returns raw as the named model.
func Decode(name string, raw []byte) (interface{}, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", name)
	}
	v := factory()
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("payload does not validate as %s: %w", name, err)
	}
	return v, nil
}

// Name returns the registry name for a model value, or "" when it is not a
// registered model.
func Name(v interface{}) string {
	switch v.(type) {
	case *ChatRequest:
		return "ChatRequest"
	case *ChatResponse:
		return "ChatResponse"
	case *EmbeddingsRequest:
		return "EmbeddingsRequest"
	case *EmbeddingsResponse:
		return "EmbeddingsResponse"
	case *TextToImageRequest:
		return "TextToImageRequest"
	case *TextToImageResponse:
		return "TextToImageResponse"
	case *SpeechToTextRequest:
		return "SpeechToTextRequest"
	case *SpeechToTextResponse:
		return "SpeechToTextResponse"
	case *TextToSpeechRequest:
		return "TextToSpeechRequest"
	case *TextToSpeechResponse:
		return "TextToSpeechResponse"
	case *StreamRequest:
		return "StreamRequest"
	case *StreamResponse:
		return "StreamResponse"
	case *GPUsInfo:
		return "GPUsInfo"
	case *MethodCallError:
		return MethodCallErrorName
	case *FunctionCallError:
		return "FunctionCallError"
	}
	return ""
}

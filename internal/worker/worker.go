// Package worker hosts the model workers that actually run inference. Each
// worker wraps one engine endpoint (Ollama, a diffusion server, TTS, STT)
// behind a uniform interface; constructors live in a static registry keyed
// by the catalog's dotted worker name.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/model"
)

var (
	// ErrBusy is returned when a worker is asked to start work while not
	// idle.
	ErrBusy = errors.New("worker busy")

	// ErrNotStreaming is returned by StreamStart on workers without a
	// streaming mode.
	ErrNotStreaming = errors.New("worker does not stream")

	// ErrUnknownWorker is returned by the registry for an unknown dotted
	// worker name.
	ErrUnknownWorker = errors.New("unknown worker implementation")
)

// State is the worker lifecycle state.
type State string

const (
	Idle      State = "IDLE"
	Working   State = "WORKING"
	Streaming State = "STREAMING"
)

// Session carries the endpoints of one streaming hookup. The gateway's PUSH
// is bound on ClientHost:ClientPort; the worker binds its own PUSH on
// WorkerPort.
type Session struct {
	ClientHost string
	ClientPort int
	WorkerPort int
	InType     model.FrameType
	OutType    model.FrameType
	Timeout    time.Duration
}

// Worker is one engine-backed model instance. The owning pool claims a
// worker (IDLE -> WORKING/STREAMING) before dispatching to it and calls
// Stop to return it to IDLE; Cleanup runs before eviction.
type Worker interface {
	ID() string
	Config() config.WorkerConfig
	Status() State
	Duration() time.Duration
	Claim(next State) error
	Work(ctx context.Context, raw []byte) ([]byte, error)
	StreamStart(ctx context.Context, s Session) error
	Stream(ctx context.Context, frame []byte) ([]byte, error)
	Stop()
	Cleanup() error
}

// Env is what every worker needs from its surroundings: engine endpoints,
// an HTTP client, and optionally the object store for S3 artifacts.
type Env struct {
	OllamaURL      string
	ImageEngineURL string
	TTSEngineURL   string
	STTEngineURL   string

	Client *http.Client
	Store  Uploader // nil disables S3 storage
	Log    *slog.Logger
}

// Uploader stores an artifact and returns a download URL.
type Uploader interface {
	Upload(ctx context.Context, bucket, name string, data []byte, contentType string) (string, error)
}

func (e *Env) httpClient() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

func (e *Env) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// base carries the state shared by every worker implementation.
type base struct {
	id  string
	cfg config.WorkerConfig
	env *Env

	mu    sync.Mutex
	state State
	start time.Time
}

func newBase(id string, cfg config.WorkerConfig, env *Env) base {
	return base{id: id, cfg: cfg, env: env, state: Idle}
}

func (b *base) ID() string                  { return b.id }
func (b *base) Config() config.WorkerConfig { return b.cfg }

func (b *base) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Duration reports how long the worker has been busy; zero when idle.
func (b *base) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Idle {
		return 0
	}
	return time.Since(b.start)
}

// Claim moves IDLE -> next, refusing concurrent use. The pool claims under
// its own lock so two jobs can never share one instance.
func (b *base) Claim(next State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Idle {
		return fmt.Errorf("%w: %s", ErrBusy, b.state)
	}
	b.state = next
	b.start = time.Now()
	return nil
}

// Stop returns the worker to IDLE and clears the start time.
func (b *base) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Idle
	b.start = time.Time{}
}

// StreamStart is the default for non-streaming workers.
func (b *base) StreamStart(ctx context.Context, s Session) error {
	return ErrNotStreaming
}

// Stream is the default for non-streaming workers.
func (b *base) Stream(ctx context.Context, frame []byte) ([]byte, error) {
	return nil, ErrNotStreaming
}

// Cleanup is a no-op by default; engine-owned models are released by the
// engine itself.
func (b *base) Cleanup() error { return nil }

// Constructor builds a worker instance for one catalog entry.
type Constructor func(id string, cfg config.WorkerConfig, env *Env) Worker

// registry maps the catalog's dotted worker names to constructors.
var registry = map[string]Constructor{
	"llm.chat":         newChatWorker,
	"llm.embeddings":   newEmbeddingsWorker,
	"image.diffusion":  newDiffusionWorker,
	"audio.tts":        newTTSWorker,
	"audio.stt":        newSTTWorker,
	"audio.stt-stream": newSTTStreamWorker,
}

// New constructs the worker named by cfg.Worker.
func New(id string, cfg config.WorkerConfig, env *Env) (Worker, error) {
	ctor, ok := registry[cfg.Worker]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, cfg.Worker)
	}
	return ctor(id, cfg, env), nil
}

// Known reports whether the dotted worker name has a constructor.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Package api is the HTTP gateway: it authenticates requests, validates
// payloads against the worker catalog, turns them into jobs, and serves
// results back, synchronously (polling the job store) or asynchronously.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/jobstore"
	"github.com/ehrlich-b/smi/internal/model"
)

const pollInterval = time.Second

// JobManager is the per-type lifecycle surface the gateway drives;
// satisfied by *manager.Manager.
type JobManager interface {
	Submit(ctx context.Context, j *job.Job, priority job.Priority) error
	Dispatch(ctx context.Context, j *job.Job)
	GetStatus(ctx context.Context, id string) (job.Response, error)
	GetResult(ctx context.Context, id string) ([]byte, string, error)
}

// FuncCaller invokes stateless remote functions; satisfied by
// *dispatch.Dispatcher.
type FuncCaller interface {
	CallFunction(ctx context.Context, t job.Type, module, function, responseModel string) ([]byte, error)
}

// Gateway is the HTTP front end.
type Gateway struct {
	cfg      *config.Config
	catalog  config.Catalog
	managers map[job.Type]JobManager
	fn       FuncCaller
	client   *http.Client
	log      *slog.Logger

	keyDigest [32]byte
}

// New builds the gateway. An empty API key disables auth with a warning.
func New(cfg *config.Config, catalog config.Catalog, managers map[job.Type]JobManager, fn FuncCaller, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.APIKey == "" {
		log.Warn("SMI_API_KEY not set, authentication disabled")
	}
	return &Gateway{
		cfg:       cfg,
		catalog:   catalog,
		managers:  managers,
		fn:        fn,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		keyDigest: sha3.Sum256([]byte(cfg.APIKey)),
	}
}

// modalityTypes maps URL modalities to the job type serving them.
var modalityTypes = map[string]job.Type{
	"text-to-image":      job.ImageGeneration,
	"text-to-text":       job.LLMGeneration,
	"image-to-text":      job.LLMGeneration,
	"text-to-embeddings": job.LLMGeneration,
	"speech-to-text":     job.AudioGeneration,
	"text-to-speech":     job.AudioGeneration,
}

// ServeHTTP routes gateway requests.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	if path == "/healthz" && r.Method == http.MethodGet {
		g.handleHealth(w, r)
		return
	}
	if path == "/ws/v1/speech-to-text" {
		g.handleSpeechWS(w, r)
		return
	}

	if !g.authorized(r) {
		writeDetail(w, http.StatusUnauthorized, ErrAuthFailed.Error())
		return
	}

	switch {
	case path == "/v1/workers/list" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, g.catalog)
	case path == "/v1/gpu/info" && r.Method == http.MethodGet:
		g.handleGPUInfo(w, r)
	case path == "/v1/speech-to-text" && r.Method == http.MethodPost:
		g.handleSpeechUpload(w, r)
	case strings.HasPrefix(path, "/v1/"):
		g.route(w, r, strings.TrimPrefix(path, "/v1/"))
	default:
		writeDetail(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) route(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	t, ok := modalityTypes[parts[0]]
	if !ok {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "unreadable body")
			return
		}
		g.submit(w, r, t, body)
	case len(parts) == 2 && r.Method == http.MethodGet:
		g.fetch(w, r, t, parts[1])
	default:
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// authorized checks x-smi-key against the configured key in constant time.
func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.APIKey == "" {
		return true
	}
	got := sha3.Sum256([]byte(r.Header.Get("x-smi-key")))
	return subtle.ConstantTimeCompare(got[:], g.keyDigest[:]) == 1
}

// jobOptions are the per-request knobs read from headers.
type jobOptions struct {
	async     bool
	keepAlive int
	storage   job.Storage
	priority  job.Priority
}

// parseOptions validates the option headers. Any invalid value is a 401
// with that header's canonical message.
func (g *Gateway) parseOptions(r *http.Request) (jobOptions, error) {
	opts := jobOptions{
		async:     r.Header.Get("x-smi-async") != "",
		keepAlive: g.cfg.KeepAlive,
	}

	if v := r.Header.Get("x-smi-keep-alive"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, ErrKeepAliveInvalid
		}
		if n > 0 {
			opts.keepAlive = n
		}
	}

	storage, ok := job.ParseStorage(r.Header.Get("x-smi-storage"))
	if !ok {
		return opts, ErrStorageInvalid
	}
	opts.storage = storage

	priority, ok := job.ParsePriority(r.Header.Get("x-smi-priority"))
	if !ok {
		return opts, ErrPriorityInvalid
	}
	opts.priority = priority
	return opts, nil
}

// submit validates the payload, builds the job, and runs the async or sync
// flow. payload must carry a worker_id field.
func (g *Gateway) submit(w http.ResponseWriter, r *http.Request, t job.Type, payload []byte) {
	opts, err := g.parseOptions(r)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, err.Error())
		return
	}

	var ref struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	wc, ok := g.catalog.Get(ref.WorkerID)
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Worker configuration for model %s not found", ref.WorkerID))
		return
	}
	if err := model.Validate(wc.RequestModel, payload); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	j := job.New(t, ref.WorkerID, payload)
	j.Storage = opts.storage
	j.KeepAlive = opts.keepAlive
	j.RemoteClass = wc.Worker
	j.RemoteMethod = "work"
	j.RequestModel = wc.RequestModel
	j.ResponseModel = wc.ResponseModel

	m, ok := g.managers[t]
	if !ok {
		writeDetail(w, http.StatusServiceUnavailable, fmt.Sprintf("no manager for job type %s", t))
		return
	}

	if opts.priority == job.PriorityHigh {
		// High priority never queues: run inline through the same
		// terminal-write path the consumer uses.
		if opts.async {
			go m.Dispatch(context.Background(), j)
			writeJSON(w, http.StatusCreated, job.Response{ID: j.ID, Status: job.Pending, Type: t})
			return
		}
		m.Dispatch(r.Context(), j)
	} else {
		if err := m.Submit(r.Context(), j, opts.priority); err != nil {
			writeDetail(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if opts.async {
			writeJSON(w, http.StatusCreated, job.Response{ID: j.ID, Status: job.Queued, Type: t})
			return
		}
	}

	g.waitForResult(w, r, m, j.ID)
}

// waitForResult polls the job store until the job terminates or the
// polling deadline passes.
func (g *Gateway) waitForResult(w http.ResponseWriter, r *http.Request, m JobManager, id string) {
	ctx := r.Context()
	deadline := time.Now().Add(g.cfg.PollingDeadline)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		resp, err := m.GetStatus(ctx, id)
		if err != nil {
			writeDetail(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		switch resp.Status {
		case job.Completed:
			g.respondResult(w, r, m, id, http.StatusCreated)
			return
		case job.Failed:
			writeDetail(w, http.StatusServiceUnavailable, resp.Message)
			return
		}

		if time.Now().After(deadline) {
			writeDetail(w, http.StatusRequestTimeout, ErrTimeout.Error())
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fetch serves GET /<modality>/{id}: the JobResponse while in flight, the
// typed result once Completed (consuming it), UNKNOWN afterwards.
func (g *Gateway) fetch(w http.ResponseWriter, r *http.Request, t job.Type, id string) {
	m, ok := g.managers[t]
	if !ok {
		writeDetail(w, http.StatusServiceUnavailable, fmt.Sprintf("no manager for job type %s", t))
		return
	}

	resp, err := m.GetStatus(r.Context(), id)
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if resp.Status != job.Completed {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	g.respondResult(w, r, m, id, http.StatusOK)
}

// respondResult consumes the stored result and writes it, honoring Accept
// reformatting for PNG and WAV.
func (g *Gateway) respondResult(w http.ResponseWriter, r *http.Request, m JobManager, id string, code int) {
	raw, responseModel, err := m.GetResult(r.Context(), id)
	if errors.Is(err, jobstore.ErrNoResult) {
		writeJSON(w, http.StatusOK, job.NotFound(id))
		return
	}
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	accept := r.Header.Get("Accept")
	switch {
	case responseModel == "TextToImageResponse" && strings.Contains(accept, "image/png"):
		g.respondBinary(w, r, raw, responseModel, "image/png")
	case responseModel == "TextToSpeechResponse" && strings.Contains(accept, "audio/wav"):
		g.respondBinary(w, r, raw, responseModel, "audio/wav")
	default:
		writeRaw(w, code, raw)
	}
}

// respondBinary unwraps an artifact result into raw bytes: inline base64
// for LOCAL storage, a signed-URL fetch for S3.
func (g *Gateway) respondBinary(w http.ResponseWriter, r *http.Request, raw []byte, responseModel, contentType string) {
	var data []byte
	var url string

	switch responseModel {
	case "TextToImageResponse":
		var resp model.TextToImageResponse
		if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Artifacts) == 0 {
			writeDetail(w, http.StatusServiceUnavailable, "result has no artifacts")
			return
		}
		art := resp.Artifacts[0]
		if art.URL != "" {
			url = art.URL
		} else {
			decoded, err := base64.StdEncoding.DecodeString(art.Base64)
			if err != nil {
				writeDetail(w, http.StatusServiceUnavailable, "artifact is not valid base64")
				return
			}
			data = decoded
		}
	case "TextToSpeechResponse":
		var resp model.TextToSpeechResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			writeDetail(w, http.StatusServiceUnavailable, "malformed result")
			return
		}
		if resp.URL != "" {
			url = resp.URL
		} else {
			data = resp.WAV
		}
	}

	if url != "" {
		fetched, err := g.fetchURL(r.Context(), url)
		if err != nil {
			writeDetail(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		data = fetched
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (g *Gateway) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// handleSpeechUpload accepts a multipart STT submission: a `file` part and
// a `worker_id` form value, wrapped into a SpeechToTextRequest payload.
func (g *Gateway) handleSpeechUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("not multipart: %v", err))
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "missing file field")
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "unreadable file")
		return
	}

	req := model.SpeechToTextRequest{
		WorkerID: r.FormValue("worker_id"),
		File:     audio,
		Language: r.FormValue("language"),
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	g.submit(w, r, job.AudioGeneration, payload)
}

func (g *Gateway) handleGPUInfo(w http.ResponseWriter, r *http.Request) {
	raw, err := g.fn.CallFunction(r.Context(), job.LLMGeneration, "gpu", "info", "GPUsInfo")
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"workers": len(g.catalog),
	})
}

// Serve runs the gateway until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	g.log.Info("gateway listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package service hosts a worker pool behind the generic RPC surface. One
// service process serves one job type; it decodes envelopes, re-validates
// payloads, runs workers, and reports every failure as a MethodCallError
// payload so the RPC itself never fails for worker-level errors.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/gpu"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/model"
	"github.com/ehrlich-b/smi/internal/rpc"
	"github.com/ehrlich-b/smi/internal/stream"
	"github.com/ehrlich-b/smi/internal/worker"
)

const (
	// maxConcurrent bounds in-flight RPCs per service.
	maxConcurrent = 10

	reapInterval = 60 * time.Second
)

// Service owns the worker pool for one job type.
type Service struct {
	catalog config.Catalog
	env     *worker.Env
	log     *slog.Logger

	defaultKeepAlive int // minutes
	portLo, portHi   int

	mu        sync.Mutex
	pool      []worker.Worker
	keepAlive int // minutes remaining before idle workers are evicted

	sem chan struct{}
}

// New builds a service around the catalog and worker environment.
func New(cfg *config.Config, catalog config.Catalog, env *worker.Env, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		catalog:          catalog,
		env:              env,
		log:              log,
		defaultKeepAlive: cfg.KeepAlive,
		portLo:           cfg.StreamPortLo,
		portHi:           cfg.StreamPortHi,
		keepAlive:        cfg.KeepAlive,
		sem:              make(chan struct{}, maxConcurrent),
	}
}

// storageAware is implemented by workers whose artifacts can land in the
// object store.
type storageAware interface {
	SetStorage(job.Storage, string)
}

// failure wraps a worker-level error as a normal RPC payload.
func failure(msg, trace string) *rpc.ProcessResponse {
	payload, _ := json.Marshal(model.NewMethodCallError(msg, trace))
	return &rpc.ProcessResponse{JSONPayload: payload, ResponseModel: model.MethodCallErrorName}
}

// ProcessData is the single RPC entry point. Panics and errors become
// MethodCallError payloads; the error return stays nil for all of them.
func (s *Service) ProcessData(ctx context.Context, req *rpc.ProcessRequest) (resp *rpc.ProcessResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered panic in ProcessData", "panic", r, "worker_id", req.WorkerID)
			resp = failure(fmt.Sprintf("internal error: %v", r), string(debug.Stack()))
			err = nil
		}
	}()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	return s.process(ctx, req), nil
}

func (s *Service) process(ctx context.Context, req *rpc.ProcessRequest) *rpc.ProcessResponse {
	// Stateless remote functions bypass the worker pool entirely.
	if req.RemoteFunc != "" {
		return s.callFunction(ctx, req)
	}

	if !model.Known(req.RequestModel) {
		return failure(fmt.Sprintf("unknown request model %q", req.RequestModel), "")
	}
	if err := model.Validate(req.RequestModel, req.JSONPayload); err != nil {
		return failure(err.Error(), "")
	}

	cfg, ok := s.catalog.Get(req.WorkerID)
	if !ok {
		return failure(fmt.Sprintf("Worker configuration for model %s not found", req.WorkerID), "")
	}

	var state worker.State
	switch req.RemoteMethod {
	case "work":
		state = worker.Working
	case "stream":
		state = worker.Streaming
	default:
		return failure(fmt.Sprintf("unknown remote method %q", req.RemoteMethod), "")
	}

	w, err := s.getWorker(req.WorkerID, cfg, state)
	if err != nil {
		return failure(err.Error(), "")
	}
	s.resetKeepAlive(req.KeepAlive)

	if state == worker.Streaming {
		return s.streamStart(ctx, w, req)
	}
	return s.work(ctx, w, req)
}

func (s *Service) work(ctx context.Context, w worker.Worker, req *rpc.ProcessRequest) *rpc.ProcessResponse {
	if sa, ok := w.(storageAware); ok {
		storage, _ := job.ParseStorage(req.Storage)
		sa.SetStorage(storage, uuid.New().String())
	}

	defer w.Stop()
	raw, err := w.Work(ctx, req.JSONPayload)
	if err != nil {
		return failure(err.Error(), "")
	}
	if err := model.Validate(req.ResponseModel, raw); err != nil {
		return failure(err.Error(), "")
	}
	return &rpc.ProcessResponse{JSONPayload: raw, ResponseModel: req.ResponseModel}
}

func (s *Service) streamStart(ctx context.Context, w worker.Worker, req *rpc.ProcessRequest) *rpc.ProcessResponse {
	var sreq model.StreamRequest
	if err := json.Unmarshal(req.JSONPayload, &sreq); err != nil {
		w.Stop()
		return failure(fmt.Sprintf("decode stream request: %v", err), "")
	}

	port, err := stream.AllocatePort(s.portLo, s.portHi)
	if err != nil {
		w.Stop()
		return failure(err.Error(), "")
	}

	sess := worker.Session{
		ClientHost: sreq.IPAddress,
		ClientPort: sreq.Port,
		WorkerPort: port,
		InType:     sreq.InType,
		OutType:    sreq.OutType,
		Timeout:    time.Duration(sreq.Timeout) * time.Second,
	}

	// The session outlives this RPC; it ends on its own inactivity timeout
	// or when the gateway side goes away.
	go func() {
		if err := w.StreamStart(context.Background(), sess); err != nil {
			s.log.Warn("stream session ended with error", "worker_id", w.ID(), "error", err)
			w.Stop()
		}
	}()

	hostname, _ := os.Hostname()
	out, _ := json.Marshal(&model.StreamResponse{
		State:     string(worker.Streaming),
		Host:      hostname,
		IPAddress: hostname,
		Port:      port,
	})
	return &rpc.ProcessResponse{JSONPayload: out, ResponseModel: "StreamResponse"}
}

// callFunction resolves module.function in the static table.
func (s *Service) callFunction(ctx context.Context, req *rpc.ProcessRequest) *rpc.ProcessResponse {
	key := req.RemoteModule + "." + req.RemoteFunc
	switch key {
	case "gpu.info":
		out, err := json.Marshal(gpu.Info(ctx))
		if err != nil {
			return failure(err.Error(), "")
		}
		return &rpc.ProcessResponse{JSONPayload: out, ResponseModel: "GPUsInfo"}
	}
	return failure(fmt.Sprintf("unknown remote function %q", key), "")
}

// getWorker reuses a pooled instance with the same id or constructs a fresh
// one from the catalog entry. The returned worker is already claimed into
// state, so concurrent calls for the same id get distinct instances; the
// caller owns it until Stop.
func (s *Service) getWorker(id string, cfg config.WorkerConfig, state worker.State) (worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.pool {
		if w.ID() == id && w.Claim(state) == nil {
			return w, nil
		}
	}

	w, err := worker.New(id, cfg, s.env)
	if err != nil {
		return nil, err
	}
	if err := w.Claim(state); err != nil {
		return nil, err
	}
	s.pool = append(s.pool, w)
	s.log.Info("worker constructed", "worker_id", id, "worker", cfg.Worker, "pool_size", len(s.pool))
	return w, nil
}

// resetKeepAlive refreshes the eviction counter from the job's keep-alive,
// falling back to the configured default for zero.
func (s *Service) resetKeepAlive(minutes int) {
	if minutes <= 0 {
		minutes = s.defaultKeepAlive
	}
	s.mu.Lock()
	s.keepAlive = minutes
	s.mu.Unlock()
}

// reap runs one eviction pass. The counter only counts down while nothing
// is busy; busy workers are governed by the duration cap instead.
func (s *Service) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := false
	for _, w := range s.pool {
		if w.Status() != worker.Idle {
			busy = true
			break
		}
	}
	if !busy {
		s.keepAlive--
	}

	limit := time.Duration(s.keepAlive) * time.Minute
	kept := s.pool[:0]
	for _, w := range s.pool {
		switch {
		case w.Status() == worker.Idle && s.keepAlive <= 0:
			if err := w.Cleanup(); err != nil {
				s.log.Warn("worker cleanup failed", "worker_id", w.ID(), "error", err)
			}
			s.log.Info("idle worker evicted", "worker_id", w.ID())
		case w.Status() != worker.Idle && w.Duration() > limit:
			s.log.Warn("overrunning worker force-stopped", "worker_id", w.ID(), "duration", w.Duration())
			w.Stop()
			if err := w.Cleanup(); err != nil {
				s.log.Warn("worker cleanup failed", "worker_id", w.ID(), "error", err)
			}
		default:
			kept = append(kept, w)
		}
	}
	s.pool = kept
}

// runReaper ticks the eviction pass until ctx ends.
func (s *Service) runReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

// Serve runs the RPC server on addr until ctx is cancelled, with the
// reaper alongside.
func (s *Service) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	rpc.RegisterGenericServer(srv, s)

	go s.runReaper(ctx)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	s.log.Info("service listening", "addr", addr, "max_concurrent", maxConcurrent)
	return srv.Serve(lis)
}

// PoolSize reports the number of pooled workers.
func (s *Service) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pool)
}

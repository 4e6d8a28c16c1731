// Package jobstore persists job statuses and results in Redis. Statuses are
// small JSON records written monotonically along the job lifecycle; results
// are msgpack envelopes written exactly once and destroyed when consumed.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ehrlich-b/smi/internal/job"
)

var (
	// ErrStaleStatus is returned when a write would move a job backwards
	// in its lifecycle.
	ErrStaleStatus = errors.New("stale status transition")

	// ErrNoResult is returned when a job has no stored result.
	ErrNoResult = errors.New("no result for job")
)

// Store reads and writes job state. All mutation goes through a single
// manager per deployment, so monotonicity checks here guard against
// duplicate broker deliveries rather than concurrent writers.
type Store struct {
	rdb *redis.Client
	log *slog.Logger
}

// New wraps a Redis client.
func New(rdb *redis.Client, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{rdb: rdb, log: log}
}

// Ping verifies the store connection before an operation group. go-redis
// reconnects transparently on the next command after a failed ping.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("job store ping: %w", err)
	}
	return nil
}

func statusKey(id string) string { return id + ":status" }
func resultKey(id string) string { return id + ":result" }

// statusRecord is the on-wire status shape. The job id lives in the key.
type statusRecord struct {
	Status  job.Status `json:"status"`
	Message string     `json:"message"`
	Type    job.Type   `json:"type"`
}

// result is the stored result envelope.
type result struct {
	JSONPayload   []byte `msgpack:"json_payload"`
	ResponseModel string `msgpack:"response_model_class"`
}

// SetStatus records a lifecycle state for the job. Backward transitions are
// rejected with ErrStaleStatus; rewriting the current state is a no-op
// success so redelivered terminal writes stay idempotent.
func (s *Store) SetStatus(ctx context.Context, resp job.Response) error {
	current, err := s.GetStatus(ctx, resp.ID)
	if err != nil {
		return err
	}
	if current.Status != job.Unknown && !current.Status.CanAdvance(resp.Status) {
		s.log.Warn("rejecting stale status write",
			"job_id", resp.ID, "current", current.Status, "next", resp.Status)
		return fmt.Errorf("%w: %s -> %s", ErrStaleStatus, current.Status, resp.Status)
	}

	data, err := json.Marshal(statusRecord{Status: resp.Status, Message: resp.Message, Type: resp.Type})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.rdb.Set(ctx, statusKey(resp.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// GetStatus returns the job's current lifecycle state. A job the store has
// no record of reports UNKNOWN rather than an error.
func (s *Store) GetStatus(ctx context.Context, id string) (job.Response, error) {
	data, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.NotFound(id), nil
	}
	if err != nil {
		return job.Response{}, fmt.Errorf("read status: %w", err)
	}
	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return job.Response{}, fmt.Errorf("decode status: %w", err)
	}
	return job.Response{ID: id, Status: rec.Status, Message: rec.Message, Type: rec.Type}, nil
}

// SetResult stores a completed job's payload under its id.
func (s *Store) SetResult(ctx context.Context, id string, payload []byte, responseModel string) error {
	data, err := msgpack.Marshal(result{JSONPayload: payload, ResponseModel: responseModel})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.rdb.Set(ctx, resultKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// GetResult returns the stored payload and its schema name. ErrNoResult
// means the job never completed or the result was already consumed.
func (s *Store) GetResult(ctx context.Context, id string) ([]byte, string, error) {
	data, err := s.rdb.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNoResult
	}
	if err != nil {
		return nil, "", fmt.Errorf("read result: %w", err)
	}
	var res result
	if err := msgpack.Unmarshal(data, &res); err != nil {
		return nil, "", fmt.Errorf("decode result: %w", err)
	}
	return res.JSONPayload, res.ResponseModel, nil
}

// Delete removes both the status and result keys. Reading a result is
// destructive: the caller deletes the job once the payload is handed out.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, statusKey(id), resultKey(id)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Package manager owns the job lifecycle for one job type: it publishes
// submitted jobs to the broker, consumes deliveries, drives the dispatcher,
// and is the only writer of job state. High-priority jobs skip the queue
// and run inline through the same terminal-write path as the consumer.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ehrlich-b/smi/internal/broker"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/jobstore"
	"github.com/ehrlich-b/smi/internal/model"
)

const superviseInterval = 10 * time.Second

// ErrNoResult is surfaced when a result is requested for a job that never
// completed or was already consumed.
var ErrNoResult = jobstore.ErrNoResult

// Publisher enqueues a job; satisfied by *broker.Broker.
type Publisher interface {
	Publish(ctx context.Context, j *job.Job, priority job.Priority) error
}

// Source opens a delivery stream; satisfied by *broker.Broker.
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
}

// Executor runs a job to completion; satisfied by *dispatch.Dispatcher.
type Executor interface {
	ExecuteJob(ctx context.Context, j *job.Job) ([]byte, *job.Response)
}

// Manager moves jobs of one type through their lifecycle.
type Manager struct {
	typ   job.Type
	pub   Publisher
	store *jobstore.Store
	exec  Executor
	log   *slog.Logger
}

// New wires a manager for one job type.
func New(typ job.Type, pub Publisher, store *jobstore.Store, exec Executor, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{typ: typ, pub: pub, store: store, exec: exec, log: log}
}

// Submit records the job as Pending and enqueues it. On publish failure the
// job terminates as Failed and the error is returned.
func (m *Manager) Submit(ctx context.Context, j *job.Job, priority job.Priority) error {
	if err := m.store.SetStatus(ctx, job.Response{ID: j.ID, Status: job.Pending, Type: j.Type}); err != nil {
		return err
	}
	if err := m.pub.Publish(ctx, j, priority); err != nil {
		m.terminate(ctx, &job.Response{ID: j.ID, Status: job.Failed, Message: err.Error(), Type: j.Type})
		return fmt.Errorf("submit job %s: %w", j.ID, err)
	}
	if err := m.store.SetStatus(ctx, job.Response{ID: j.ID, Status: job.Queued, Type: j.Type}); err != nil {
		return err
	}
	m.log.Info("job queued", "job_id", j.ID, "type", j.Type, "priority", priority)
	return nil
}

// Dispatch runs the job inline, bypassing the broker. Used for priority
// HIGH; writes the same status sequence the consumer would.
func (m *Manager) Dispatch(ctx context.Context, j *job.Job) {
	if err := m.store.SetStatus(ctx, job.Response{ID: j.ID, Status: job.Pending, Type: j.Type}); err != nil {
		m.log.Error("status write failed", "job_id", j.ID, "error", err)
		return
	}
	m.execute(ctx, j)
}

// execute drives the dispatcher and writes the terminal state. The result
// record exists only for Completed jobs.
func (m *Manager) execute(ctx context.Context, j *job.Job) {
	if err := m.store.SetStatus(ctx, job.Response{ID: j.ID, Status: job.InProgress, Type: j.Type}); err != nil {
		m.log.Error("status write failed", "job_id", j.ID, "error", err)
	}

	raw, failed := m.exec.ExecuteJob(ctx, j)
	if failed != nil {
		m.terminate(ctx, failed)
		return
	}

	if err := m.store.SetResult(ctx, j.ID, raw, j.ResponseModel); err != nil {
		m.terminate(ctx, &job.Response{ID: j.ID, Status: job.Failed, Message: err.Error(), Type: j.Type})
		return
	}
	m.terminate(ctx, &job.Response{ID: j.ID, Status: job.Completed, Type: j.Type})
}

// terminate writes a terminal status, tolerating idempotent rewrites.
func (m *Manager) terminate(ctx context.Context, resp *job.Response) {
	if err := m.store.SetStatus(ctx, *resp); err != nil && !errors.Is(err, jobstore.ErrStaleStatus) {
		m.log.Error("terminal status write failed", "job_id", resp.ID, "status", resp.Status, "error", err)
	}
	m.log.Info("job finished", "job_id", resp.ID, "status", resp.Status, "message", resp.Message)
}

// Run consumes deliveries until the stream closes or ctx ends. A delivery
// is acked only after its terminal status is written; malformed deliveries
// get one requeue before being dropped.
func (m *Manager) Run(ctx context.Context, src Source) error {
	deliveries, err := src.Consume()
	if err != nil {
		return err
	}
	m.log.Info("consumer started", "type", m.typ)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery stream closed")
			}
			m.handleDelivery(ctx, &d)
		}
	}
}

func (m *Manager) handleDelivery(ctx context.Context, d *amqp.Delivery) {
	j, err := broker.Decode(d)
	if err != nil {
		m.log.Error("undecodable delivery", "error", err, "redelivered", d.Redelivered)
		if d.Redelivered {
			d.Nack(false, false)
			return
		}
		time.Sleep(time.Second)
		d.Nack(false, true)
		return
	}

	m.execute(ctx, j)
	if err := d.Ack(false); err != nil {
		m.log.Error("ack failed", "job_id", j.ID, "error", err)
	}
}

// RunSupervised restarts the consumer whenever it dies, until ctx ends.
func (m *Manager) RunSupervised(ctx context.Context, src Source) {
	for {
		err := m.Run(ctx, src)
		if ctx.Err() != nil {
			return
		}
		m.log.Error("consumer died, restarting", "type", m.typ, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(superviseInterval):
		}
	}
}

// GetStatus reports the job's lifecycle state; unknown ids report UNKNOWN.
func (m *Manager) GetStatus(ctx context.Context, id string) (job.Response, error) {
	return m.store.GetStatus(ctx, id)
}

// GetResult consumes the job's result: read, validate against the expected
// schema, then delete both records. The read is destructive; a second call
// returns ErrNoResult.
func (m *Manager) GetResult(ctx context.Context, id string) ([]byte, string, error) {
	raw, responseModel, err := m.store.GetResult(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if err := model.Validate(responseModel, raw); err != nil {
		return nil, "", fmt.Errorf("stored result for %s: %w", id, err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return nil, "", err
	}
	return raw, responseModel, nil
}

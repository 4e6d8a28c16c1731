// Package scheduler runs periodic maintenance. Its only current duty is
// pruning expired artifacts from the object store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Pruner removes expired data; satisfied by *objectstore.Store.
type Pruner interface {
	Prune(ctx context.Context) error
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	pruner Pruner
	log    *slog.Logger
}

// New builds a scheduler with the artifact prune job on the given cron
// schedule (standard five-field syntax).
func New(schedule string, pruner Pruner, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{cron: cron.New(), pruner: pruner, log: log}
	if _, err := s.cron.AddFunc(schedule, s.prune); err != nil {
		return nil, fmt.Errorf("bad prune schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) prune() {
	s.log.Info("pruning expired artifacts")
	if err := s.pruner.Prune(context.Background()); err != nil {
		s.log.Error("prune failed", "error", err)
		return
	}
	s.log.Info("prune complete")
}

// Run starts the cron loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// RunNow triggers an immediate prune outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.pruner.Prune(ctx)
}

// Package redrive runs the periodic recovery jobs: draining the buffered
// audit queue back to its sink and surfacing dead-letter backlog.
package redrive

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// AuditDrainer retries buffered audit events against the remote sink.
type AuditDrainer interface {
	Drain(ctx context.Context) (int, error)
	Pending(ctx context.Context) (int, error)
}

// BacklogCounter reports the dead-letter backlog awaiting reconciliation.
type BacklogCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// Scheduler owns the cron entries for recovery work.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week.
type Scheduler struct {
	cron    *cron.Cron
	drainer AuditDrainer
	backlog BacklogCounter
}

// NewScheduler builds a scheduler over the audit queue and dead-letter
// store. Either dependency may be nil; its job is then skipped.
func NewScheduler(drainer AuditDrainer, backlog BacklogCounter) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		drainer: drainer,
		backlog: backlog,
	}
}

// Register adds the recovery jobs: spec is the audit drain cadence,
// backlogSpec the dead-letter backlog report cadence.
func (s *Scheduler) Register(spec, backlogSpec string) error {
	if s.drainer != nil {
		if _, err := s.cron.AddFunc(spec, s.drainAudit); err != nil {
			return err
		}
	}
	if s.backlog != nil {
		if _, err := s.cron.AddFunc(backlogSpec, s.reportBacklog); err != nil {
			return err
		}
	}
	return nil
}

// DrainNow runs one audit drain cycle immediately, outside the schedule.
// The serve command calls it once at startup so a restart recovers queued
// events without waiting for the first tick.
func (s *Scheduler) DrainNow(ctx context.Context) {
	if s.drainer == nil {
		return
	}
	drained, err := s.drainer.Drain(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("audit_drain_incomplete")
	}
	if drained > 0 {
		log.Info().Int("drained", drained).Msg("audit_queue_recovered")
	}
}

func (s *Scheduler) drainAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.DrainNow(ctx)
}

func (s *Scheduler) reportBacklog() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.backlog.CountPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("dead_letter_backlog_check_failed")
		return
	}
	if n > 0 {
		log.Warn().Int("pending", n).Msg("dead_letter_backlog")
	}
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

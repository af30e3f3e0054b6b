package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/parallax/internal/consensus"
	"github.com/goadesign/parallax/internal/lock"
	"github.com/goadesign/parallax/internal/telemetry"
)

// DefaultPollInterval is P_freq from spec.md §4.9.
const DefaultPollInterval = 1 * time.Second

// SchedulerLockTTL is the TTL for the SCHEDULER_RUN lock.
const SchedulerLockTTL = 30 * time.Second

const errMessageTruncateLen = 500

// PatternExecutor invokes a pattern by name, mirroring the workflow
// engine's Run signature without creating a package dependency cycle.
type PatternExecutor interface {
	ExecutePattern(ctx context.Context, patternName string, input any) error
}

// Scheduler drives the polling loop described in §4.9.
type Scheduler struct {
	store     Store
	locks     lock.Service
	consensus consensus.Client
	executor  PatternExecutor
	logger    telemetry.Logger

	pollInterval time.Duration
}

// Config configures a Scheduler.
type Config struct {
	Store        Store
	Locks        lock.Service
	Consensus    consensus.Client
	Executor     PatternExecutor
	Logger       telemetry.Logger
	PollInterval time.Duration
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		store: cfg.Store, locks: cfg.Locks, consensus: cfg.Consensus,
		executor: cfg.Executor, logger: logger, pollInterval: cfg.PollInterval,
	}
}

// Run drives the poll loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.consensus != nil && !s.consensus.IsLeader() {
		return
	}

	ran, err := s.locks.TryWithLock(ctx, "SCHEDULER_RUN", SchedulerLockTTL, func(ctx context.Context) error {
		s.runDue(ctx)
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, "scheduler lock attempt failed", "err", err)
		return
	}
	_ = ran
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now().UTC()
	for _, sch := range s.store.Due(now) {
		s.fire(ctx, sch, sch.NextRunAt)
	}
}

// TriggerSchedule manually invokes sch, per §4.9 "Manual trigger".
func (s *Scheduler) TriggerSchedule(ctx context.Context, id string) error {
	sch, ok := s.store.Get(id)
	if !ok {
		return errNotFound(id)
	}
	s.fire(ctx, sch, time.Now().UTC())
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sch *Schedule, scheduledFor time.Time) {
	if sch.MaxRuns != nil && sch.RunCount >= *sch.MaxRuns {
		sch.Status = StatusCompleted
		_ = s.store.Update(sch)
		return
	}

	run := &Run{ID: uuid.New().String(), ScheduleID: sch.ID, ScheduledFor: scheduledFor, StartedAt: time.Now().UTC(), Status: RunRunning}
	_ = s.store.RecordRun(run)

	err := s.executor.ExecutePattern(ctx, sch.PatternName, sch.Input)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.DurationMs = completed.Sub(run.StartedAt).Milliseconds()
	if err != nil {
		run.Status = RunFailure
		run.Error = truncate(err.Error(), errMessageTruncateLen)
		sch.LastRunStatus = RunFailure
	} else {
		run.Status = RunCompleted
		sch.LastRunStatus = RunCompleted
	}
	_ = s.store.RecordRun(run)

	// Failures never block advancement of nextRunAt (§4.9, §7).
	next, nextErr := sch.NextRun(scheduledFor)
	if nextErr != nil {
		s.logger.Error(ctx, "advance nextRunAt failed", "schedule_id", sch.ID, "err", nextErr)
	} else {
		sch.NextRunAt = next
	}
	sch.LastRunAt = &completed
	sch.RunCount++
	if sch.MaxRuns != nil && sch.RunCount >= *sch.MaxRuns {
		sch.Status = StatusCompleted
	}
	_ = s.store.Update(sch)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type notFoundError string

func (e notFoundError) Error() string { return "schedule not found: " + string(e) }

func errNotFound(id string) error { return notFoundError(id) }

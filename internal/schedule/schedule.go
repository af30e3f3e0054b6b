// Package schedule implements the Scheduler (C9) data model and store: cron
// or interval specifications that invoke patterns at-most-once-per-tick
// cluster-wide.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MinIntervalMs is the minimum allowed interval, per spec.md §8 boundary
// behavior ("Interval < 1000 ms -> schedule creation fails").
const MinIntervalMs = 1000

// Status is Schedule.Status.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// RunStatus is ScheduleRun.Status / Schedule.LastRunStatus.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailure   RunStatus = "failure"
)

// RetryPolicy is an opaque per-schedule retry configuration, carried but not
// interpreted by the scheduler itself (the workflow engine owns retries of
// its own steps).
type RetryPolicy struct {
	MaxAttempts int
}

// Schedule mirrors the data model in spec.md §3. Exactly one of
// CronExpression/IntervalMs is set.
type Schedule struct {
	ID             string
	PatternName    string
	CronExpression string
	IntervalMs     int64
	Timezone       string
	Input          any
	StartAt        *time.Time
	EndAt          *time.Time
	// MaxRuns is nil for unlimited. A non-nil zero is invalid (§8): there is
	// no such thing as a schedule that may never fire.
	MaxRuns        *int
	RunCount       int
	NextRunAt      time.Time
	LastRunAt      *time.Time
	LastRunStatus  RunStatus
	Status         Status
	RetryPolicy    *RetryPolicy
}

// Run is a ScheduleRun row (spec.md §6 persistence schema).
type Run struct {
	ID           string
	ScheduleID   string
	ScheduledFor time.Time
	StartedAt    time.Time
	CompletedAt  *time.Time
	DurationMs   int64
	Status       RunStatus
	ExecutionID  string
	Error        string
}

// Validate enforces the creation-time invariants from spec.md §3/§8.
func (s *Schedule) Validate() error {
	hasCron := s.CronExpression != ""
	hasInterval := s.IntervalMs != 0
	if hasCron == hasInterval {
		return fmt.Errorf("exactly one of cronExpression or intervalMs must be set")
	}
	if hasInterval && s.IntervalMs < MinIntervalMs {
		return fmt.Errorf("intervalMs must be >= %d", MinIntervalMs)
	}
	if s.MaxRuns != nil && *s.MaxRuns == 0 {
		return fmt.Errorf("maxRuns must be omitted (unlimited) or >= 1")
	}
	if hasCron {
		if _, err := parseCron(s.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// NextRun computes the next fire time strictly after from, honoring
// Timezone for cron expressions.
func (s *Schedule) NextRun(from time.Time) (time.Time, error) {
	if s.CronExpression != "" {
		loc := time.UTC
		if s.Timezone != "" {
			if l, err := time.LoadLocation(s.Timezone); err == nil {
				loc = l
			}
		}
		sched, err := parseCron(s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(from.In(loc)), nil
	}
	return from.Add(time.Duration(s.IntervalMs) * time.Millisecond), nil
}

// Store persists schedules and their runs. The in-memory implementation
// makes C9/C10 testable without a real database while remaining swappable
// (see SPEC_FULL.md §6); a SQL-backed Store is a documented extension point.
type Store interface {
	Create(s *Schedule) error
	Get(id string) (*Schedule, bool)
	Update(s *Schedule) error
	Delete(id string) error
	// Due lists schedules with status=active, nextRunAt<=now, and
	// (endAt is nil or endAt>now).
	Due(now time.Time) []*Schedule
	RecordRun(r *Run) error
}

type memStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	runs      []*Run
}

// NewMemStore constructs an in-memory Store.
func NewMemStore() Store {
	return &memStore{schedules: make(map[string]*Schedule)}
}

func (m *memStore) Create(s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[s.ID]; exists {
		return fmt.Errorf("schedule %q already exists", s.ID)
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *memStore) Get(id string) (*Schedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	return s, ok
}

func (m *memStore) Update(s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[s.ID]; !exists {
		return fmt.Errorf("schedule %q not found", s.ID)
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *memStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *memStore) Due(now time.Time) []*Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Schedule
	for _, s := range m.schedules {
		if s.Status != StatusActive {
			continue
		}
		if s.NextRunAt.After(now) {
			continue
		}
		if s.EndAt != nil && !s.EndAt.After(now) {
			continue
		}
		due = append(due, s)
	}
	return due
}

func (m *memStore) RecordRun(r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

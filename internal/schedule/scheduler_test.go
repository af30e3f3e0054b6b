package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/consensus"
	"github.com/goadesign/parallax/internal/lock"
)

// fakeConsensus reports a fixed leadership state, for scheduler tests that
// don't need a real election.
type fakeConsensus struct {
	leader bool
}

func (f *fakeConsensus) Start(ctx context.Context)   {}
func (f *fakeConsensus) Stop()                       {}
func (f *fakeConsensus) IsLeader() bool              { return f.leader }
func (f *fakeConsensus) LeaderID() (string, bool)    { return "", false }
func (f *fakeConsensus) WaitForLeadership(ctx context.Context, timeout time.Duration) bool {
	return f.leader
}
func (f *fakeConsensus) Subscribe() <-chan consensus.Event     { return make(chan consensus.Event) }
func (f *fakeConsensus) Unsubscribe(ch <-chan consensus.Event) {}

type countingExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *countingExecutor) ExecutePattern(ctx context.Context, patternName string, input any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, patternName)
	return c.err
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestTriggerScheduleRunsImmediatelyRegardlessOfNextRunAt(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Create(&Schedule{ID: "s1", IntervalMs: 60000, Status: StatusActive, NextRunAt: time.Now().Add(time.Hour)}))
	exec := &countingExecutor{}
	sch := New(Config{Store: store, Locks: lock.NewLocal(), Consensus: &fakeConsensus{leader: true}, Executor: exec})

	err := sch.TriggerSchedule(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 1, exec.count())
}

func TestTriggerScheduleUnknownIDErrors(t *testing.T) {
	store := NewMemStore()
	sch := New(Config{Store: store, Locks: lock.NewLocal(), Consensus: &fakeConsensus{leader: true}, Executor: &countingExecutor{}})

	err := sch.TriggerSchedule(context.Background(), "ghost")
	require.Error(t, err)
}

func TestFireAdvancesNextRunAtEvenOnExecutorFailure(t *testing.T) {
	store := NewMemStore()
	s := &Schedule{ID: "s1", IntervalMs: 1000, Status: StatusActive, NextRunAt: time.Now().UTC()}
	require.NoError(t, store.Create(s))
	exec := &countingExecutor{err: errors.New("pattern exploded")}
	sch := New(Config{Store: store, Locks: lock.NewLocal(), Consensus: &fakeConsensus{leader: true}, Executor: exec})

	before := s.NextRunAt
	require.NoError(t, sch.TriggerSchedule(context.Background(), "s1"))

	after, _ := store.Get("s1")
	require.True(t, after.NextRunAt.After(before))
	require.Equal(t, RunFailure, after.LastRunStatus)
	require.Equal(t, 1, after.RunCount)
}

func intPtr(n int) *int { return &n }

func TestFireMarksCompletedAtMaxRuns(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Create(&Schedule{ID: "s1", IntervalMs: 1000, Status: StatusActive, MaxRuns: intPtr(1), NextRunAt: time.Now().UTC()}))
	exec := &countingExecutor{}
	sch := New(Config{Store: store, Locks: lock.NewLocal(), Consensus: &fakeConsensus{leader: true}, Executor: exec})

	require.NoError(t, sch.TriggerSchedule(context.Background(), "s1"))
	after, _ := store.Get("s1")
	require.Equal(t, StatusCompleted, after.Status)
	require.Equal(t, 1, exec.count())

	// A schedule already at StatusCompleted is skipped by runDue but
	// TriggerSchedule's manual path still fires fire(), which re-checks
	// MaxRuns and refuses to execute again.
	require.NoError(t, sch.TriggerSchedule(context.Background(), "s1"))
	require.Equal(t, 1, exec.count())
}

func TestTickSkipsWorkWhenNotLeader(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Create(&Schedule{ID: "s1", IntervalMs: 1000, Status: StatusActive, NextRunAt: time.Now().Add(-time.Minute)}))
	exec := &countingExecutor{}
	sch := New(Config{Store: store, Locks: lock.NewLocal(), Consensus: &fakeConsensus{leader: false}, Executor: exec, PollInterval: 10 * time.Millisecond})

	sch.tick(context.Background())
	require.Equal(t, 0, exec.count())
}

func TestTickRunsDueSchedulesWhenLeader(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Create(&Schedule{ID: "s1", IntervalMs: 1000, Status: StatusActive, NextRunAt: time.Now().Add(-time.Minute)}))
	exec := &countingExecutor{}
	sch := New(Config{Store: store, Locks: lock.NewLocal(), Consensus: &fakeConsensus{leader: true}, Executor: exec})

	sch.tick(context.Background())
	require.Equal(t, 1, exec.count())
}

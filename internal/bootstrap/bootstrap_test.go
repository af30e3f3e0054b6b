package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/config"
)

func nonHAConfig() *config.Config {
	return &config.Config{
		HAEnabled: false, AppPrefix: "parallax",
		HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second,
		LeaseTTL: time.Second, SchedulerPollInterval: 10 * time.Millisecond,
		HTTPAddr: ":0",
	}
}

func TestNewWiresNonHAAppWithoutRedis(t *testing.T) {
	app, err := New(nonHAConfig(), nil)
	require.NoError(t, err)
	require.Nil(t, app.Redis)
	require.NotNil(t, app.Consensus)
	require.True(t, app.Consensus.IsLeader())
	require.NotNil(t, app.Locks)
	require.NotNil(t, app.Federation)
	require.NotNil(t, app.Scheduler)
	require.NotNil(t, app.Triggers)
	require.NotNil(t, app.HTTP)
}

func TestAlwaysLeaderReportsLeadershipImmediately(t *testing.T) {
	var a alwaysLeader
	require.True(t, a.IsLeader())
	require.True(t, a.WaitForLeadership(context.Background(), time.Millisecond))
	_, ok := a.LeaderID()
	require.False(t, ok)
}

func TestRunStopsOnContextCancelWithoutRedis(t *testing.T) {
	app, err := New(nonHAConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		app.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

package federation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/runtimeprovider"
	"github.com/goadesign/parallax/internal/runtimeprovider/localprovider"
)

func fakeAgentConfig() runtimeprovider.AgentConfig { return runtimeprovider.AgentConfig{RoleID: "coder"} }
func fakeStopOptions() runtimeprovider.StopOptions { return runtimeprovider.StopOptions{} }
func fakeSendOptions() runtimeprovider.SendOptions { return runtimeprovider.SendOptions{} }
func fakeListFilter() runtimeprovider.ListFilter    { return runtimeprovider.ListFilter{} }

func TestSpawnUsesOnlyRegisteredProvider(t *testing.T) {
	fed := New(Config{})
	fed.Register(context.Background(), "local", "local", localprovider.New("local"), 0)

	handle, err := fed.Spawn(context.Background(), fakeAgentConfig(), "")
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)

	name, ok := fed.ProviderNameFor(handle.ID)
	require.True(t, ok)
	require.Equal(t, "local", name)
}

func TestSpawnFailsWithNoRegisteredProviders(t *testing.T) {
	fed := New(Config{})
	_, err := fed.Spawn(context.Background(), fakeAgentConfig(), "")
	require.Error(t, err)
}

func TestSpawnPrefersLowestPriorityProvider(t *testing.T) {
	fed := New(Config{})
	fed.Register(context.Background(), "slow", "local", localprovider.New("slow"), 10)
	fed.Register(context.Background(), "fast", "local", localprovider.New("fast"), 1)

	handle, err := fed.Spawn(context.Background(), fakeAgentConfig(), "")
	require.NoError(t, err)
	name, _ := fed.ProviderNameFor(handle.ID)
	require.Equal(t, "fast", name)
}

func TestSpawnHonorsPreferredRuntime(t *testing.T) {
	fed := New(Config{})
	fed.Register(context.Background(), "a", "local", localprovider.New("a"), 0)
	fed.Register(context.Background(), "b", "local", localprovider.New("b"), 0)

	handle, err := fed.Spawn(context.Background(), fakeAgentConfig(), "b")
	require.NoError(t, err)
	name, _ := fed.ProviderNameFor(handle.ID)
	require.Equal(t, "b", name)
}

func TestGetAndStopRoundTrip(t *testing.T) {
	fed := New(Config{})
	fed.Register(context.Background(), "local", "local", localprovider.New("local"), 0)

	handle, err := fed.Spawn(context.Background(), fakeAgentConfig(), "")
	require.NoError(t, err)

	got, err := fed.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	require.Equal(t, handle.ID, got.ID)

	require.NoError(t, fed.Stop(context.Background(), handle.ID, fakeStopOptions()))
}

func TestSendRequiresTrackedAgent(t *testing.T) {
	fed := New(Config{})
	fed.Register(context.Background(), "local", "local", localprovider.New("local"), 0)

	_, err := fed.Send(context.Background(), "unknown-agent", "hi", fakeSendOptions())
	require.Error(t, err)
}

func TestListAggregatesAcrossProviders(t *testing.T) {
	fed := New(Config{})
	fed.Register(context.Background(), "a", "local", localprovider.New("a"), 0)
	fed.Register(context.Background(), "b", "local", localprovider.New("b"), 0)

	_, err := fed.Spawn(context.Background(), fakeAgentConfig(), "a")
	require.NoError(t, err)
	_, err = fed.Spawn(context.Background(), fakeAgentConfig(), "b")
	require.NoError(t, err)

	all := fed.List(context.Background(), fakeListFilter())
	require.Len(t, all, 2)
}

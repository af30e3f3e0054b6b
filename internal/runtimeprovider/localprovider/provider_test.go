package localprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/runtimeprovider"
)

func TestSpawnTransitionsToReady(t *testing.T) {
	p := New("local")
	handle, err := p.Spawn(context.Background(), runtimeprovider.AgentConfig{RoleID: "coder"})
	require.NoError(t, err)
	require.Equal(t, runtimeprovider.HandleReady, handle.Status)
	require.Equal(t, "coder", handle.Role)
}

func TestSubscribeAfterSpawnReceivesOnlySendMessage(t *testing.T) {
	p := New("local")
	handle, err := p.Spawn(context.Background(), runtimeprovider.AgentConfig{})
	require.NoError(t, err)

	var kinds []runtimeprovider.EventKind
	unsub, err := p.Subscribe(context.Background(), handle.ID, func(ev runtimeprovider.Event) {
		kinds = append(kinds, ev.Kind)
	})
	require.NoError(t, err)
	defer unsub()

	_, err = p.Send(context.Background(), handle.ID, "hello", runtimeprovider.SendOptions{})
	require.NoError(t, err)
	require.Equal(t, []runtimeprovider.EventKind{runtimeprovider.EventMessage}, kinds)
}

func TestSendWithoutExpectResponseReturnsNil(t *testing.T) {
	p := New("local")
	handle, _ := p.Spawn(context.Background(), runtimeprovider.AgentConfig{})

	resp, err := p.Send(context.Background(), handle.ID, "hi", runtimeprovider.SendOptions{ExpectResponse: false})
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestSendWithExpectResponseEchoesMessage(t *testing.T) {
	p := New("local")
	handle, _ := p.Spawn(context.Background(), runtimeprovider.AgentConfig{})

	resp, err := p.Send(context.Background(), handle.ID, "hi", runtimeprovider.SendOptions{ExpectResponse: true})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Body)
}

func TestSendUnknownAgentErrors(t *testing.T) {
	p := New("local")
	_, err := p.Send(context.Background(), "ghost", "hi", runtimeprovider.SendOptions{})
	require.Error(t, err)
}

func TestLogsReturnsSentMessagesTailLimited(t *testing.T) {
	p := New("local")
	handle, _ := p.Spawn(context.Background(), runtimeprovider.AgentConfig{})
	for _, msg := range []string{"one", "two", "three"} {
		_, err := p.Send(context.Background(), handle.ID, msg, runtimeprovider.SendOptions{})
		require.NoError(t, err)
	}

	logs, err := p.Logs(context.Background(), handle.ID, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, logs)
}

func TestListFiltersByRole(t *testing.T) {
	p := New("local")
	coder, _ := p.Spawn(context.Background(), runtimeprovider.AgentConfig{RoleID: "coder"})
	_, _ = p.Spawn(context.Background(), runtimeprovider.AgentConfig{RoleID: "reviewer"})

	coders, err := p.List(context.Background(), runtimeprovider.ListFilter{Role: "coder"})
	require.NoError(t, err)
	require.Len(t, coders, 1)
	require.Equal(t, coder.ID, coders[0].ID)
}

func TestStopMarksAgentStopped(t *testing.T) {
	p := New("local")
	handle, _ := p.Spawn(context.Background(), runtimeprovider.AgentConfig{})
	require.NoError(t, p.Stop(context.Background(), handle.ID, runtimeprovider.StopOptions{}))

	got, err := p.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	require.Equal(t, runtimeprovider.HandleStopped, got.Status)
}

func TestHealthCheckAlwaysHealthy(t *testing.T) {
	p := New("local")
	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, status.Healthy)
}

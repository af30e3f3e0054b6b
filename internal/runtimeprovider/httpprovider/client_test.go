package httpprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/backoff"
	"github.com/goadesign/parallax/internal/runtimeprovider"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Retry: backoff.Config{MaxAttempts: 1}})
}

func TestSpawnDecodesHandleFromResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var cfg runtimeprovider.AgentConfig
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
		require.Equal(t, "coder", cfg.RoleID)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(runtimeprovider.AgentHandle{ID: "a1", Role: "coder", Status: runtimeprovider.HandleReady})
	})
	c := newTestClient(t, mux)

	handle, err := c.Spawn(context.Background(), runtimeprovider.AgentConfig{RoleID: "coder"})
	require.NoError(t, err)
	require.Equal(t, "a1", handle.ID)
	require.Equal(t, runtimeprovider.HandleReady, handle.Status)
}

func TestGetReturnsNilHandleOn404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents/ghost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	handle, err := c.Get(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, handle)
}

func TestStopIsIdempotentOn404(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents/gone", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Stop(context.Background(), "gone", runtimeprovider.StopOptions{}))
}

func TestListFiltersByCapabilitiesLocally(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agents": []*runtimeprovider.AgentHandle{
				{ID: "a1", Capabilities: []string{"go", "review"}},
				{ID: "a2", Capabilities: []string{"go"}},
			},
			"count": 2,
		})
	})
	c := newTestClient(t, mux)

	agents, err := c.List(context.Background(), runtimeprovider.ListFilter{Capabilities: []string{"review"}})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, "a1", agents[0].ID)
}

func TestSendReturnsDecodedResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents/a1/send", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sent":     true,
			"response": runtimeprovider.AgentMessage{AgentID: "a1", Body: "hi back"},
		})
	})
	c := newTestClient(t, mux)

	resp, err := c.Send(context.Background(), "a1", "hi", runtimeprovider.SendOptions{ExpectResponse: true})
	require.NoError(t, err)
	require.Equal(t, "hi back", resp.Body)
}

func TestHealthCheckDecodesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(runtimeprovider.HealthStatus{Healthy: true})
	})
	c := newTestClient(t, mux)

	status, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, status.Healthy)
}

func TestDoSurfacesServerErrorAfterRetriesExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents/a1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)

	_, err := c.Get(context.Background(), "a1")
	require.Error(t, err)
}

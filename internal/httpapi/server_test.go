package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/federation"
	"github.com/goadesign/parallax/internal/runtimeprovider/localprovider"
	"github.com/goadesign/parallax/internal/schedule"
	"github.com/goadesign/parallax/internal/trigger"
)

type stubExecutor struct{ err error }

func (s *stubExecutor) ExecutePattern(ctx context.Context, patternName string, input any) error {
	return s.err
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fed := federation.New(federation.Config{})
	fed.Register(context.Background(), "local", "local", localprovider.New("local"), 0)
	trigs := trigger.NewStore()
	scheduleStore := schedule.NewMemStore()
	return New(Config{
		Federation: fed, RuntimeName: "local", RuntimeType: "local",
		Triggers: trigs, PatternExecutor: &stubExecutor{}, Schedules: scheduleStore,
	})
}

func TestHandleHealthReportsRuntime(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["healthy"])
}

func TestHandleSpawnAndGet(t *testing.T) {
	s := newTestServer(t)

	spawnBody, _ := json.Marshal(map[string]string{"roleId": "coder"})
	req := httptest.NewRequest(http.MethodPost, "/api/agents", bytes.NewReader(spawnBody))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var spawned map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spawned))
	id := spawned["ID"].(string)
	require.NotEmpty(t, id)

	getReq := httptest.NewRequest(http.MethodGet, "/api/agents/"+id, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestHandleGetUnknownAgentReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/agents/ghost", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSpawnRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/agents", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookUnknownPathReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/ghost", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleScheduleGetReturnsNotFoundForUnknownID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/schedules/ghost", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleScheduleTriggerReturns501WithoutScheduler(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/schedules/s1/trigger", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

// Package httpapi wires the Runtime HTTP API and webhook surface from
// spec.md §6 onto a go-chi/chi/v5 router. Request parsing/routing is kept
// thin; all business logic defers to C1–C11.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/goadesign/parallax/internal/federation"
	"github.com/goadesign/parallax/internal/runtimeprovider"
	"github.com/goadesign/parallax/internal/schedule"
	"github.com/goadesign/parallax/internal/telemetry"
	"github.com/goadesign/parallax/internal/trigger"
)

// Server exposes the control plane's HTTP surface.
type Server struct {
	router   chi.Router
	fed      *federation.Federation
	runtime  runtimeRuntime
	trigs    *trigger.Store
	execs    trigger.PatternExecutor
	schedules schedule.Store
	scheduler *schedule.Scheduler
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

// runtimeRuntime names the local runtime for health reporting.
type runtimeRuntime struct {
	name string
	typ  string
}

// Config configures a Server.
type Config struct {
	Federation      *federation.Federation
	RuntimeName     string
	RuntimeType     string
	Triggers        *trigger.Store
	PatternExecutor trigger.PatternExecutor
	// Schedules backs the administrative GET /api/schedules/{id} route and
	// Scheduler backs POST /api/schedules/{id}/trigger, used by the
	// "parallaxd schedule" CLI one-shots; each is optional (nil makes its
	// route reply 501).
	Schedules schedule.Store
	Scheduler *schedule.Scheduler
	Logger    telemetry.Logger
}

// New builds a Server with all routes mounted.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{
		fed:       cfg.Federation,
		runtime:   runtimeRuntime{name: cfg.RuntimeName, typ: cfg.RuntimeType},
		trigs:     cfg.Triggers,
		execs:     cfg.PatternExecutor,
		schedules: cfg.Schedules,
		scheduler: cfg.Scheduler,
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	r := chi.NewRouter()
	r.Get("/api/health", s.handleHealth)
	r.Post("/api/agents", s.handleSpawn)
	r.Get("/api/agents", s.handleList)
	r.Get("/api/agents/{id}", s.handleGet)
	r.Delete("/api/agents/{id}", s.handleStop)
	r.Post("/api/agents/{id}/send", s.handleSend)
	r.Get("/api/agents/{id}/logs", s.handleLogs)
	r.Get("/api/agents/{id}/metrics", s.handleMetrics)
	r.Get("/ws", s.handleWS)
	r.Post("/api/webhooks/{path}", s.handleWebhook)
	r.Get("/api/schedules/{id}", s.handleScheduleGet)
	r.Post("/api/schedules/{id}/trigger", s.handleScheduleTrigger)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := s.fed.List(r.Context(), runtimeprovider.ListFilter{})
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"runtime": map[string]any{"name": s.runtime.name, "type": s.runtime.typ, "activeAgents": len(agents)},
	})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var cfg runtimeprovider.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	handle, err := s.fed.Spawn(r.Context(), cfg, "")
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := runtimeprovider.ListFilter{
		Status: runtimeprovider.HandleStatus(r.URL.Query().Get("status")),
		Role:   r.URL.Query().Get("role"),
		Type:   r.URL.Query().Get("type"),
	}
	agents := s.fed.List(r.Context(), filter)
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, err := s.fed.Get(r.Context(), id)
	if err != nil || handle == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opts := runtimeprovider.StopOptions{Force: r.URL.Query().Get("force") == "true"}
	if t := r.URL.Query().Get("timeout"); t != "" {
		if secs, err := strconv.Atoi(t); err == nil {
			opts.Timeout = time.Duration(secs) * time.Second
		}
	}
	if err := s.fed.Stop(r.Context(), id, opts); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Message        string `json:"message"`
		ExpectResponse bool   `json:"expectResponse"`
		Timeout        int    `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	opts := runtimeprovider.SendOptions{ExpectResponse: body.ExpectResponse, Timeout: time.Duration(body.Timeout) * time.Second}
	resp, err := s.fed.Send(r.Context(), id, body.Message, opts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true, "response": resp})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tail := 0
	if t := r.URL.Query().Get("tail"); t != "" {
		tail, _ = strconv.Atoi(t)
	}
	logs, err := s.fed.Logs(r.Context(), id, tail)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.fed.Metrics(r.Context(), id)
	if err != nil || m == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if agentID == "" {
		return
	}

	done := make(chan struct{})
	unsub, err := s.fed.Subscribe(r.Context(), agentID, func(ev runtimeprovider.Event) {
		frame := map[string]any{"event": ev.Kind, "data": ev, "timestamp": ev.Timestamp}
		if writeErr := conn.WriteJSON(frame); writeErr != nil {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	if err != nil {
		return
	}
	defer unsub()

	<-done
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "schedule store not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	sched, ok := s.schedules.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "schedule not found"})
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "scheduler not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.scheduler.TriggerSchedule(r.Context(), id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true, "id": id})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result := trigger.DispatchWebhook(r.Context(), s.trigs, s.execs, path, body, r.Header.Get("x-parallax-signature"))
	if result.Err != nil {
		s.logger.Warn(r.Context(), "webhook dispatch failed", "path", path, "err", result.Err)
		writeJSON(w, result.StatusCode, map[string]string{"error": result.Err.Error()})
		return
	}
	w.WriteHeader(result.StatusCode)
}

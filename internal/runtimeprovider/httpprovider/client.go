// Package httpprovider implements runtimeprovider.Provider as a thin client
// of the Runtime HTTP API named in spec.md §6, giving the federation at
// least one real, wire-level exercised provider instead of only a mock.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goadesign/parallax/internal/backoff"
	"github.com/goadesign/parallax/internal/runtimeprovider"
	"github.com/goadesign/parallax/internal/telemetry"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the provider's HTTP base, e.g. "http://localhost:8090".
	BaseURL string
	HTTP    *http.Client
	Retry   backoff.Config
	Logger  telemetry.Logger
}

// Client is a runtimeprovider.Provider backed by a remote Runtime HTTP API.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client

	mu   sync.Mutex
	subs map[string][]chan runtimeprovider.Event
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = backoff.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimSuffix(cfg.BaseURL, "/"),
		http: cfg.HTTP,
		subs: make(map[string][]chan runtimeprovider.Event),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return backoff.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return errNotFound
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("runtime provider %s %s: status %d", method, path, resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// notFoundError marks 404s as non-retryable: retrying a missing agent
// against backoff.Do would just waste the full retry budget before
// surfacing the same 404.
type notFoundError struct{}

func (notFoundError) Error() string   { return "agent not found" }
func (notFoundError) Retryable() bool { return false }

var errNotFound error = notFoundError{}

func (c *Client) Spawn(ctx context.Context, cfg runtimeprovider.AgentConfig) (*runtimeprovider.AgentHandle, error) {
	var handle runtimeprovider.AgentHandle
	if err := c.do(ctx, http.MethodPost, "/api/agents", cfg, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

func (c *Client) Stop(ctx context.Context, id string, opts runtimeprovider.StopOptions) error {
	q := url.Values{}
	if opts.Force {
		q.Set("force", "true")
	}
	if opts.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(opts.Timeout.Milliseconds())))
	}
	path := "/api/agents/" + id
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err == errNotFound {
		// Stop is idempotent: stopping an already-stopped agent succeeds.
		return nil
	}
	return err
}

func (c *Client) Get(ctx context.Context, id string) (*runtimeprovider.AgentHandle, error) {
	var handle runtimeprovider.AgentHandle
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+id, nil, &handle); err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &handle, nil
}

func (c *Client) List(ctx context.Context, filter runtimeprovider.ListFilter) ([]*runtimeprovider.AgentHandle, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Role != "" {
		q.Set("role", filter.Role)
	}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	var out struct {
		Agents []*runtimeprovider.AgentHandle `json:"agents"`
		Count  int                            `json:"count"`
	}
	path := "/api/agents"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return filterByCapabilities(out.Agents, filter.Capabilities), nil
}

func filterByCapabilities(handles []*runtimeprovider.AgentHandle, required []string) []*runtimeprovider.AgentHandle {
	if len(required) == 0 {
		return handles
	}
	var out []*runtimeprovider.AgentHandle
	for _, h := range handles {
		have := make(map[string]struct{}, len(h.Capabilities))
		for _, c := range h.Capabilities {
			have[c] = struct{}{}
		}
		all := true
		for _, req := range required {
			if _, ok := have[req]; !ok {
				all = false
				break
			}
		}
		if all {
			out = append(out, h)
		}
	}
	return out
}

func (c *Client) Send(ctx context.Context, id string, message string, opts runtimeprovider.SendOptions) (*runtimeprovider.AgentMessage, error) {
	body := struct {
		Message        string `json:"message"`
		ExpectResponse bool   `json:"expectResponse,omitempty"`
		Timeout        int64  `json:"timeout,omitempty"`
	}{Message: message, ExpectResponse: opts.ExpectResponse, Timeout: opts.Timeout.Milliseconds()}

	var out struct {
		Sent     bool                            `json:"sent"`
		Response *runtimeprovider.AgentMessage   `json:"response,omitempty"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+id+"/send", body, &out); err != nil {
		return nil, err
	}
	return out.Response, nil
}

func (c *Client) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	path := "/api/agents/" + id + "/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out struct {
		Logs  []string `json:"logs"`
		Count int      `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

func (c *Client) Metrics(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+id+"/metrics", nil, &out); err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) HealthCheck(ctx context.Context) (runtimeprovider.HealthStatus, error) {
	var out runtimeprovider.HealthStatus
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return runtimeprovider.HealthStatus{}, err
	}
	return out, nil
}

// Subscribe connects to the provider's /ws event stream, optionally filtered
// to a single agent id, and invokes cb for every decoded frame until the
// returned UnsubscribeFunc is called.
func (c *Client) Subscribe(ctx context.Context, id string, cb func(runtimeprovider.Event)) (runtimeprovider.UnsubscribeFunc, error) {
	wsURL := strings.Replace(c.base, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1) + "/ws"
	if id != "" {
		wsURL += "?agentId=" + url.QueryEscape(id)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Event     string          `json:"event"`
				Data      json.RawMessage `json:"data"`
				Timestamp time.Time       `json:"timestamp"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				c.cfg.Logger.Warn(ctx, "decode event frame failed", "err", err)
				continue
			}
			var msg runtimeprovider.AgentMessage
			_ = json.Unmarshal(frame.Data, &msg)
			cb(runtimeprovider.Event{
				Kind:      runtimeprovider.EventKind(frame.Event),
				AgentID:   msg.AgentID,
				Message:   &msg,
				Timestamp: frame.Timestamp,
			})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = conn.Close()
			<-done
		})
	}, nil
}

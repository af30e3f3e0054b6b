// Package health implements Cluster Health (C4): per-node heartbeat and
// cluster quorum view, derived from the State Bus and Consensus Client
// rather than a push-based failure detector (the rmap-style heartbeat
// pattern).
package health

import (
	"context"
	"strings"
	"time"

	"github.com/goadesign/parallax/internal/consensus"
	"github.com/goadesign/parallax/internal/statebus"
	"github.com/goadesign/parallax/internal/telemetry"
)

const (
	// DefaultInterval is H_interval from spec.md §4.4.
	DefaultInterval = 5 * time.Second
	// DefaultTimeout is H_timeout from spec.md §4.4.
	DefaultTimeout = 15 * time.Second
)

// Status classifies a node's observed liveness.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// NodeInfo mirrors the data model in spec.md §3.
type NodeInfo struct {
	InstanceID    string         `json:"instanceId"`
	Hostname      string         `json:"hostname"`
	Port          int            `json:"port"`
	StartedAt     time.Time      `json:"startedAt"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	IsLeader      bool           `json:"isLeader"`
	Status        Status         `json:"status"`
	Metrics       map[string]any `json:"metrics,omitempty"`
}

// Tracker is the Cluster Health contract (§4.4).
type Tracker interface {
	Start(ctx context.Context)
	Stop()
	// Nodes enumerates every node:* entry in the state bus, classified by
	// lastHeartbeat age against timeout.
	Nodes(ctx context.Context) ([]NodeInfo, error)
	// HasQuorum is true iff healthy-count >= min AND a leader exists.
	HasQuorum(ctx context.Context, min int) (bool, error)
}

// Config configures a Tracker.
type Config struct {
	Bus        statebus.Bus
	Consensus  consensus.Client
	InstanceID string
	Hostname   string
	Port       int
	Interval   time.Duration
	Timeout    time.Duration
	Logger     telemetry.Logger
}

type tracker struct {
	cfg       Config
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Tracker.
func New(cfg Config) Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &tracker{cfg: cfg, startedAt: time.Now().UTC()}
}

func (t *tracker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(runCtx)
}

func (t *tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.writeHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.writeHeartbeat(ctx)
		}
	}
}

func (t *tracker) writeHeartbeat(ctx context.Context) {
	info := NodeInfo{
		InstanceID:    t.cfg.InstanceID,
		Hostname:      t.cfg.Hostname,
		Port:          t.cfg.Port,
		StartedAt:     t.startedAt,
		LastHeartbeat: time.Now().UTC(),
		IsLeader:      t.cfg.Consensus != nil && t.cfg.Consensus.IsLeader(),
		Status:        StatusHealthy,
	}
	ttl := 2 * t.cfg.Timeout
	if err := t.cfg.Bus.Set(ctx, "node:"+t.cfg.InstanceID, info, ttl); err != nil {
		t.cfg.Logger.Warn(ctx, "heartbeat write failed", "err", err)
	}
}

func (t *tracker) Nodes(ctx context.Context) ([]NodeInfo, error) {
	keys, err := t.cfg.Bus.Keys(ctx, "node:*")
	if err != nil {
		return nil, err
	}
	now := time.Now()
	nodes := make([]NodeInfo, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, "node:") {
			continue
		}
		var info NodeInfo
		ok, err := t.cfg.Bus.Get(ctx, k, &info)
		if err != nil || !ok {
			continue
		}
		if now.Sub(info.LastHeartbeat) <= t.cfg.Timeout {
			info.Status = StatusHealthy
		} else {
			info.Status = StatusUnhealthy
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}

func (t *tracker) HasQuorum(ctx context.Context, min int) (bool, error) {
	nodes, err := t.Nodes(ctx)
	if err != nil {
		return false, err
	}
	healthy := 0
	for _, n := range nodes {
		if n.Status == StatusHealthy {
			healthy++
		}
	}
	haveLeader := false
	if t.cfg.Consensus != nil {
		_, haveLeader = t.cfg.Consensus.LeaderID()
	}
	return healthy >= min && haveLeader, nil
}

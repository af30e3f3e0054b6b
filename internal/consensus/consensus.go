// Package consensus implements the Consensus Client (C1): lease-based leader
// election over a named election key, with local event notification of
// leadership transitions.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goadesign/parallax/internal/redisutil"
	"github.com/goadesign/parallax/internal/telemetry"
)

// DefaultLeaseTTL is T_lease from spec.md §4.1.
const DefaultLeaseTTL = 10 * time.Second

// watchBackoff is how often run re-reads the election key to notice
// external leadership changes.
const watchBackoff = 1 * time.Second

// EventKind identifies a leadership transition.
type EventKind int

const (
	// Elected fires when this instance becomes leader.
	Elected EventKind = iota
	// Demoted fires when this instance, having held leadership, loses it.
	Demoted
	// LeaderChanged fires whenever the observed leader id changes, including
	// to/from self.
	LeaderChanged
)

// Event is delivered to local subscribers on a leadership transition.
type Event struct {
	Kind     EventKind
	LeaderID string
}

// payload is the JSON value stored under the election key.
type payload struct {
	InstanceID string         `json:"instanceId"`
	ElectedAt  time.Time      `json:"electedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Config configures a Client.
type Config struct {
	Redis      *redis.Client
	Keys       redisutil.Keys
	InstanceID string
	// LeaseTTL defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration
	Metadata map[string]any
	Logger   telemetry.Logger
}

// Client is the Consensus Client contract (§4.1).
type Client interface {
	// Start joins the campaign. Never blocks waiting for leadership.
	Start(ctx context.Context)
	// Stop ends the campaign; no in-process state persists afterward.
	Stop()
	IsLeader() bool
	LeaderID() (string, bool)
	// WaitForLeadership awaits the local elected event, or returns false on
	// timeout.
	WaitForLeadership(ctx context.Context, timeout time.Duration) bool
	// Subscribe returns a channel of leadership transition events. Callers
	// must drain it; Unsubscribe releases it.
	Subscribe() <-chan Event
	Unsubscribe(ch <-chan Event)
}

type client struct {
	cfg  Config
	keys redisutil.Keys

	mu          sync.RWMutex
	isLeader    bool
	leaderID    string
	haveLeader  bool
	subscribers map[chan Event]struct{}

	runOnce  sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a Client. The caller must call Start to join the campaign.
func New(cfg Config) Client {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &client{
		cfg:         cfg,
		keys:        cfg.Keys,
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
}

func (c *client) Start(ctx context.Context) {
	c.runOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(runCtx)
	})
}

func (c *client) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
	})
	c.mu.Lock()
	c.isLeader = false
	c.haveLeader = false
	c.leaderID = ""
	c.mu.Unlock()
}

func (c *client) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isLeader
}

func (c *client) LeaderID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderID, c.haveLeader
}

func (c *client) WaitForLeadership(ctx context.Context, timeout time.Duration) bool {
	if c.IsLeader() {
		return true
	}
	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == Elected {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (c *client) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

func (c *client) Unsubscribe(ch <-chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subscribers {
		if sub == ch {
			delete(c.subscribers, sub)
			close(sub)
			return
		}
	}
}

func (c *client) emit(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sub := range c.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// run drives the campaign loop: attempt to take or renew the lease every
// LeaseTTL/2, and re-read the election key every watchBackoff to notice
// external changes, per §4.1.
func (c *client) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.LeaseTTL / 2)
	defer ticker.Stop()

	c.campaign(ctx)
	c.watchOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.campaign(ctx)
		case <-time.After(watchBackoff):
			c.watchOnce(ctx)
		}
	}
}

// campaign attempts to take or renew the lease. The election key's value is
// always the literal instance id, since both the renewal CAS and every
// observer's comparison match against that bare token; the richer JSON
// payload lives under a separate meta key for observability only.
func (c *client) campaign(ctx context.Context) {
	key := c.keys.Election()
	metaKey := c.keys.ElectionMeta()
	wasLeader := c.IsLeader()

	p := payload{InstanceID: c.cfg.InstanceID, ElectedAt: time.Now().UTC(), Metadata: c.cfg.Metadata}
	data, err := json.Marshal(p)
	if err != nil {
		c.cfg.Logger.Error(ctx, "marshal election payload failed", "err", err)
		return
	}

	if wasLeader {
		// Renew: only succeeds if we still own the key.
		ok, err := redisutil.CompareAndExpire(ctx, c.cfg.Redis, key, c.cfg.InstanceID, c.cfg.LeaseTTL)
		if err != nil || !ok {
			// Lost the lease; someone else may have taken over, or the
			// store is unavailable. Either way we self-demote.
			c.observe(ctx, "", false)
			return
		}
		_ = c.cfg.Redis.Set(ctx, metaKey, string(data), c.cfg.LeaseTTL).Err()
		c.observe(ctx, c.cfg.InstanceID, true)
		return
	}

	acquired, err := redisutil.SetIfAbsent(ctx, c.cfg.Redis, key, c.cfg.InstanceID, c.cfg.LeaseTTL)
	if err != nil {
		c.cfg.Logger.Warn(ctx, "election attempt failed", "err", err)
		return
	}
	if acquired {
		_ = c.cfg.Redis.Set(ctx, metaKey, string(data), c.cfg.LeaseTTL).Err()
		c.observe(ctx, c.cfg.InstanceID, true)
		return
	}

	// Someone else holds the key; observe who.
	c.pollCurrentLeader(ctx)
}

// watchOnce performs one poll-and-compare pass over the election key,
// standing in for a push-based watch: the backing store is polled at
// watchBackoff cadence and any observed value change emits leaderChanged.
func (c *client) watchOnce(ctx context.Context) {
	c.pollCurrentLeader(ctx)
}

func (c *client) pollCurrentLeader(ctx context.Context) {
	key := c.keys.Election()
	val, err := c.cfg.Redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		c.observe(ctx, "", false)
		return
	}
	if err != nil {
		c.cfg.Logger.Warn(ctx, "poll election key failed", "err", err)
		return
	}
	c.observe(ctx, val, val == c.cfg.InstanceID)
}

// observe reconciles newly-observed leader state against the locally cached
// state and emits the appropriate events.
func (c *client) observe(ctx context.Context, leaderID string, selfLeader bool) {
	c.mu.Lock()
	prevLeader, hadLeader := c.leaderID, c.haveLeader
	wasLeader := c.isLeader

	c.leaderID = leaderID
	c.haveLeader = leaderID != ""
	c.isLeader = selfLeader
	c.mu.Unlock()

	if leaderID != "" && (!hadLeader || prevLeader != leaderID) {
		c.emit(Event{Kind: LeaderChanged, LeaderID: leaderID})
	}
	if selfLeader && !wasLeader {
		c.emit(Event{Kind: Elected, LeaderID: leaderID})
	}
	if wasLeader && !selfLeader {
		c.cfg.Logger.Info(ctx, "instance demoted", "instance_id", c.cfg.InstanceID)
		c.emit(Event{Kind: Demoted, LeaderID: leaderID})
	}
}

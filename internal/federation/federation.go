// Package federation implements Runtime Federation (C6): a single virtual
// provider over N registered runtime providers, with health-weighted
// placement and per-agent call routing.
package federation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goadesign/parallax/internal/parallaxerr"
	"github.com/goadesign/parallax/internal/runtimeprovider"
	"github.com/goadesign/parallax/internal/telemetry"
)

// DefaultHealthLoopInterval is the 30s health loop cadence from §4.6.
const DefaultHealthLoopInterval = 30 * time.Second

type registration struct {
	name     string
	provType string
	priority int
	provider runtimeprovider.Provider

	mu      sync.RWMutex
	healthy bool

	cancel context.CancelFunc
}

// Federation is the C6 contract.
type Federation struct {
	logger telemetry.Logger

	mu    sync.RWMutex
	regs  map[string]*registration
	index map[string]string // agentId -> providerName

	listeners []func(Event)
}

// Event is emitted on runtime health transitions, re-stamped with the
// owning provider's name (§4.6 "forwards its events re-stamped with a
// runtime:name field").
type Event struct {
	RuntimeName string
	Healthy     bool
	Provider    runtimeprovider.Event
}

// Config configures New.
type Config struct {
	Logger telemetry.Logger
}

// New constructs an empty Federation.
func New(cfg Config) *Federation {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Federation{
		logger: logger,
		regs:   make(map[string]*registration),
		index:  make(map[string]string),
	}
}

// OnEvent registers a listener for federation-level events (health
// transitions and forwarded provider events).
func (f *Federation) OnEvent(fn func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *Federation) emit(ev Event) {
	f.mu.RLock()
	listeners := append([]func(Event){}, f.listeners...)
	f.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Register constructs a provider health loop and adds it to the federation.
// name must be unique; re-registering the same name replaces the prior
// registration after stopping its health loop.
func (f *Federation) Register(ctx context.Context, name, provType string, provider runtimeprovider.Provider, priority int) {
	reg := &registration{name: name, provType: provType, priority: priority, provider: provider, healthy: true}

	loopCtx, cancel := context.WithCancel(context.Background())
	reg.cancel = cancel

	f.mu.Lock()
	if old, ok := f.regs[name]; ok {
		old.cancel()
	}
	f.regs[name] = reg
	f.mu.Unlock()

	go f.healthLoop(loopCtx, reg)
}

// Unregister stops name's health loop and removes it from the federation.
// The per-agent index is left untouched so in-flight routing can still
// surface a clear error rather than silently losing track of agents.
func (f *Federation) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reg, ok := f.regs[name]; ok {
		reg.cancel()
		delete(f.regs, name)
	}
}

func (f *Federation) healthLoop(ctx context.Context, reg *registration) {
	ticker := time.NewTicker(DefaultHealthLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkHealth(ctx, reg)
		}
	}
}

func (f *Federation) checkHealth(ctx context.Context, reg *registration) {
	status, err := reg.provider.HealthCheck(ctx)
	healthy := err == nil && status.Healthy

	reg.mu.Lock()
	was := reg.healthy
	reg.healthy = healthy
	reg.mu.Unlock()

	if was != healthy {
		f.logger.Info(ctx, "runtime health transition", "runtime", reg.name, "healthy", healthy)
		f.emit(Event{RuntimeName: reg.name, Healthy: healthy})
	}
}

func (f *Federation) isHealthy(reg *registration) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.healthy
}

// Spawn places a new agent: the preferred runtime if named and healthy,
// else the lowest-priority healthy provider, per §4.6 placement.
func (f *Federation) Spawn(ctx context.Context, cfg runtimeprovider.AgentConfig, preferredRuntime string) (*runtimeprovider.AgentHandle, error) {
	f.mu.RLock()
	var candidates []*registration
	var preferred *registration
	for _, r := range f.regs {
		candidates = append(candidates, r)
		if preferredRuntime != "" && r.name == preferredRuntime {
			preferred = r
		}
	}
	f.mu.RUnlock()

	if preferred != nil && f.isHealthy(preferred) {
		return f.spawnOn(ctx, preferred, cfg)
	}

	var healthy []*registration
	for _, r := range candidates {
		if f.isHealthy(r) {
			healthy = append(healthy, r)
		}
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].priority < healthy[j].priority })

	if len(healthy) == 0 {
		return nil, parallaxerr.New(parallaxerr.ResourceExhaustion, parallaxerr.CodeNoRuntime, "no healthy runtime provider available")
	}
	return f.spawnOn(ctx, healthy[0], cfg)
}

func (f *Federation) spawnOn(ctx context.Context, reg *registration, cfg runtimeprovider.AgentConfig) (*runtimeprovider.AgentHandle, error) {
	handle, err := reg.provider.Spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.index[handle.ID] = reg.name
	f.mu.Unlock()
	return handle, nil
}

// lookup resolves the provider owning agentId, probing every provider when
// the index is cold (§4.6 routing).
func (f *Federation) lookup(ctx context.Context, agentID string) (*registration, bool) {
	f.mu.RLock()
	name, ok := f.index[agentID]
	f.mu.RUnlock()
	if ok {
		f.mu.RLock()
		reg := f.regs[name]
		f.mu.RUnlock()
		if reg != nil {
			return reg, true
		}
	}

	f.mu.RLock()
	all := make([]*registration, 0, len(f.regs))
	for _, r := range f.regs {
		all = append(all, r)
	}
	f.mu.RUnlock()

	for _, r := range all {
		handle, err := r.provider.Get(ctx, agentID)
		if err == nil && handle != nil {
			f.mu.Lock()
			f.index[agentID] = r.name
			f.mu.Unlock()
			return r, true
		}
	}
	return nil, false
}

// ProviderNameFor returns the runtime name that owns agentID, if tracked.
func (f *Federation) ProviderNameFor(agentID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	name, ok := f.index[agentID]
	return name, ok
}

func (f *Federation) Get(ctx context.Context, agentID string) (*runtimeprovider.AgentHandle, error) {
	reg, ok := f.lookup(ctx, agentID)
	if !ok {
		return nil, nil
	}
	return reg.provider.Get(ctx, agentID)
}

// Stop probes every provider until one succeeds when agentID is untracked.
func (f *Federation) Stop(ctx context.Context, agentID string, opts runtimeprovider.StopOptions) error {
	if reg, ok := f.lookup(ctx, agentID); ok {
		return reg.provider.Stop(ctx, agentID, opts)
	}

	f.mu.RLock()
	all := make([]*registration, 0, len(f.regs))
	for _, r := range f.regs {
		all = append(all, r)
	}
	f.mu.RUnlock()

	var lastErr error
	for _, r := range all {
		if err := r.provider.Stop(ctx, agentID, opts); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (f *Federation) Send(ctx context.Context, agentID, message string, opts runtimeprovider.SendOptions) (*runtimeprovider.AgentMessage, error) {
	reg, ok := f.lookup(ctx, agentID)
	if !ok {
		return nil, parallaxerr.New(parallaxerr.ContractViolation, parallaxerr.CodeNoRuntime, "agent not tracked by any runtime")
	}
	return reg.provider.Send(ctx, agentID, message, opts)
}

func (f *Federation) Logs(ctx context.Context, agentID string, tail int) ([]string, error) {
	reg, ok := f.lookup(ctx, agentID)
	if !ok {
		return nil, nil
	}
	return reg.provider.Logs(ctx, agentID, tail)
}

func (f *Federation) Metrics(ctx context.Context, agentID string) (map[string]any, error) {
	reg, ok := f.lookup(ctx, agentID)
	if !ok {
		return nil, nil
	}
	return reg.provider.Metrics(ctx, agentID)
}

func (f *Federation) Subscribe(ctx context.Context, agentID string, cb func(runtimeprovider.Event)) (runtimeprovider.UnsubscribeFunc, error) {
	reg, ok := f.lookup(ctx, agentID)
	if !ok {
		return nil, parallaxerr.New(parallaxerr.ContractViolation, parallaxerr.CodeNoRuntime, "agent not tracked by any runtime")
	}
	return reg.provider.Subscribe(ctx, agentID, func(ev runtimeprovider.Event) {
		f.emit(Event{RuntimeName: reg.name, Healthy: f.isHealthy(reg), Provider: ev})
		cb(ev)
	})
}

// List degrades gracefully: a failing provider is logged and skipped.
func (f *Federation) List(ctx context.Context, filter runtimeprovider.ListFilter) []*runtimeprovider.AgentHandle {
	f.mu.RLock()
	all := make([]*registration, 0, len(f.regs))
	for _, r := range f.regs {
		all = append(all, r)
	}
	f.mu.RUnlock()

	var out []*runtimeprovider.AgentHandle
	for _, r := range all {
		handles, err := r.provider.List(ctx, filter)
		if err != nil {
			f.logger.Warn(ctx, "list failed on runtime", "runtime", r.name, "err", err)
			continue
		}
		out = append(out, handles...)
	}
	return out
}

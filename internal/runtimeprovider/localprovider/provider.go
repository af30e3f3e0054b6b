// Package localprovider implements an in-process Runtime Provider (C5): it
// manages agent lifecycle entirely in memory, with no external process or
// container boundary. It is the default runtime registered by the C12
// bootstrap and also backs the HTTP API surface described in spec.md §6.
package localprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/parallax/internal/runtimeprovider"
)

type agentRecord struct {
	handle      runtimeprovider.AgentHandle
	subscribers map[int]func(runtimeprovider.Event)
	nextSubID   int
	inbox       []runtimeprovider.AgentMessage
}

// Provider is an in-memory runtimeprovider.Provider implementation.
type Provider struct {
	name string

	mu     sync.Mutex
	agents map[string]*agentRecord
}

// New constructs an empty local Provider.
func New(name string) *Provider {
	return &Provider{name: name, agents: make(map[string]*agentRecord)}
}

func (p *Provider) Spawn(ctx context.Context, cfg runtimeprovider.AgentConfig) (*runtimeprovider.AgentHandle, error) {
	id := uuid.New().String()
	rec := &agentRecord{
		handle: runtimeprovider.AgentHandle{
			ID:           id,
			Status:       runtimeprovider.HandleStarting,
			Endpoint:     fmt.Sprintf("local://%s/%s", p.name, id),
			Capabilities: cfg.Capabilities,
			Role:         cfg.RoleID,
		},
		subscribers: make(map[int]func(runtimeprovider.Event)),
	}

	p.mu.Lock()
	p.agents[id] = rec
	p.mu.Unlock()

	p.emit(id, runtimeprovider.Event{Kind: runtimeprovider.EventAgentStarted, AgentID: id, Timestamp: time.Now().UTC()})

	p.mu.Lock()
	rec.handle.Status = runtimeprovider.HandleReady
	handleCopy := rec.handle
	p.mu.Unlock()

	p.emit(id, runtimeprovider.Event{Kind: runtimeprovider.EventAgentReady, AgentID: id, Timestamp: time.Now().UTC()})

	return &handleCopy, nil
}

func (p *Provider) Stop(ctx context.Context, id string, opts runtimeprovider.StopOptions) error {
	p.mu.Lock()
	rec, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	rec.handle.Status = runtimeprovider.HandleStopped
	p.mu.Unlock()

	p.emit(id, runtimeprovider.Event{Kind: runtimeprovider.EventAgentStopped, AgentID: id, Timestamp: time.Now().UTC()})
	return nil
}

func (p *Provider) Get(ctx context.Context, id string) (*runtimeprovider.AgentHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[id]
	if !ok {
		return nil, nil
	}
	h := rec.handle
	return &h, nil
}

func (p *Provider) List(ctx context.Context, filter runtimeprovider.ListFilter) ([]*runtimeprovider.AgentHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*runtimeprovider.AgentHandle
agents:
	for _, rec := range p.agents {
		if filter.Status != "" && rec.handle.Status != filter.Status {
			continue
		}
		if filter.Role != "" && rec.handle.Role != filter.Role {
			continue
		}
		for _, want := range filter.Capabilities {
			found := false
			for _, c := range rec.handle.Capabilities {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				continue agents
			}
		}
		h := rec.handle
		out = append(out, &h)
	}
	return out, nil
}

func (p *Provider) Send(ctx context.Context, id string, message string, opts runtimeprovider.SendOptions) (*runtimeprovider.AgentMessage, error) {
	p.mu.Lock()
	rec, ok := p.agents[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %q not found", id)
	}

	msg := runtimeprovider.AgentMessage{AgentID: id, Body: message, Timestamp: time.Now().UTC()}
	p.emit(id, runtimeprovider.Event{Kind: runtimeprovider.EventMessage, AgentID: id, Message: &msg, Timestamp: msg.Timestamp})

	p.mu.Lock()
	rec.inbox = append(rec.inbox, msg)
	p.mu.Unlock()

	if !opts.ExpectResponse {
		return nil, nil
	}
	return &msg, nil
}

func (p *Provider) Subscribe(ctx context.Context, id string, cb func(runtimeprovider.Event)) (runtimeprovider.UnsubscribeFunc, error) {
	p.mu.Lock()
	rec, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("agent %q not found", id)
	}
	subID := rec.nextSubID
	rec.nextSubID++
	rec.subscribers[subID] = cb
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(rec.subscribers, subID)
		p.mu.Unlock()
	}, nil
}

func (p *Provider) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[id]
	if !ok {
		return nil, nil
	}
	logs := make([]string, 0, len(rec.inbox))
	for _, m := range rec.inbox {
		logs = append(logs, m.Body)
	}
	if tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	return logs, nil
}

func (p *Provider) Metrics(ctx context.Context, id string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[id]
	if !ok {
		return nil, nil
	}
	return map[string]any{"messages_sent": len(rec.inbox), "status": string(rec.handle.Status)}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (runtimeprovider.HealthStatus, error) {
	return runtimeprovider.HealthStatus{Healthy: true}, nil
}

func (p *Provider) emit(id string, ev runtimeprovider.Event) {
	p.mu.Lock()
	rec, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	cbs := make([]func(runtimeprovider.Event), 0, len(rec.subscribers))
	for _, cb := range rec.subscribers {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

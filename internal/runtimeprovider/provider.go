// Package runtimeprovider defines the Runtime Provider API (C5): the
// abstract contract every concrete runtime provider (local process,
// container, cluster) implements. The provider is unaware of workflows; it
// exposes primitive lifecycle and I/O only.
package runtimeprovider

import (
	"context"
	"time"
)

// AgentConfig describes an agent to spawn.
type AgentConfig struct {
	RoleID       string
	DisplayName  string
	Capabilities []string
	Task         string
	Metadata     map[string]any
}

// HandleStatus mirrors orgchart.AgentStatus without importing it, so
// providers stay decoupled from the workflow engine's package.
type HandleStatus string

const (
	HandlePending        HandleStatus = "pending"
	HandleStarting       HandleStatus = "starting"
	HandleAuthenticating HandleStatus = "authenticating"
	HandleReady          HandleStatus = "ready"
	HandleBusy           HandleStatus = "busy"
	HandleWaiting        HandleStatus = "waiting"
	HandleError          HandleStatus = "error"
	HandleStopping       HandleStatus = "stopping"
	HandleStopped        HandleStatus = "stopped"
)

// AgentHandle is the provider's view of a running agent.
type AgentHandle struct {
	ID           string
	Status       HandleStatus
	Endpoint     string
	Capabilities []string
	Role         string
}

// ListFilter narrows List results.
type ListFilter struct {
	Status       HandleStatus
	Type         string
	Role         string
	Capabilities []string // subset match
}

// SendOptions configures Send.
type SendOptions struct {
	ExpectResponse bool
	Timeout        time.Duration
}

// StopOptions configures Stop.
type StopOptions struct {
	Force   bool
	Timeout time.Duration
}

// AgentMessage is a message exchanged with an agent.
type AgentMessage struct {
	AgentID   string
	Body      string
	Timestamp time.Time
}

// EventKind names the events a provider emits (§4.5).
type EventKind string

const (
	EventAgentStarted   EventKind = "agent_started"
	EventAgentReady     EventKind = "agent_ready"
	EventAgentStopped   EventKind = "agent_stopped"
	EventAgentError     EventKind = "agent_error"
	EventMessage        EventKind = "message"
	EventQuestion       EventKind = "question"
	EventLoginRequired  EventKind = "login_required"
	EventBlockingPrompt EventKind = "blocking_prompt"
)

// Event is one provider-emitted occurrence, delivered to Subscribe callbacks.
type Event struct {
	Kind      EventKind
	AgentID   string
	Message   *AgentMessage
	Reason    string
	Timestamp time.Time
}

// HealthStatus is returned by HealthCheck.
type HealthStatus struct {
	Healthy bool
	Message string
}

// UnsubscribeFunc releases a Subscribe registration. Callers MUST invoke it
// on every exit path (§4.5).
type UnsubscribeFunc func()

// Provider is the contract every concrete runtime provider implements.
type Provider interface {
	Spawn(ctx context.Context, cfg AgentConfig) (*AgentHandle, error)
	Stop(ctx context.Context, id string, opts StopOptions) error
	Get(ctx context.Context, id string) (*AgentHandle, error)
	List(ctx context.Context, filter ListFilter) ([]*AgentHandle, error)
	Send(ctx context.Context, id string, message string, opts SendOptions) (*AgentMessage, error)
	Subscribe(ctx context.Context, id string, cb func(Event)) (UnsubscribeFunc, error)
	Logs(ctx context.Context, id string, tail int) ([]string, error)
	Metrics(ctx context.Context, id string) (map[string]any, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// Package audit implements the Audit Sink (C11): a structured-log adapter
// recording control-plane events, per SPEC_FULL.md §4.11.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goadesign/parallax/internal/telemetry"
)

// EventType enumerates the audited event categories.
type EventType string

const (
	EventAgentSpawned      EventType = "agent_spawned"
	EventAgentStopped      EventType = "agent_stopped"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventLeaderElected     EventType = "leader_elected"
	EventLockAcquired      EventType = "lock_acquired"
	EventScheduleFired     EventType = "schedule_fired"
	EventTriggerFired      EventType = "trigger_fired"
	EventEscalation        EventType = "escalation"
)

// Event is a single audit record. Details is arbitrary, JSON-serializable
// event-specific payload.
type Event struct {
	Type      EventType
	Timestamp time.Time
	ActorID   string // agent/instance/user id that caused the event, if any
	Subject   string // the affected resource id (agent id, execution id, ...)
	Details   any
}

// Sink records audit events. The only implementation is a structured-log
// adapter: audit records are operational history, not a queryable store, so
// nothing beyond "log it reliably" is needed (per SPEC_FULL.md §4.11).
type Sink interface {
	Record(ctx context.Context, ev Event)
}

type logSink struct {
	logger telemetry.Logger
}

// NewLogSink builds a Sink that writes every event through logger at info
// level with component=audit, matching the teacher's convention of tagging
// cross-cutting log streams with a component field.
func NewLogSink(logger telemetry.Logger) Sink {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &logSink{logger: logger}
}

// Record serializes ev.Details to JSON for logging. Serialization failures
// are swallowed (the raw Go value is logged instead) rather than dropping
// the audit record, since an audit entry missing detail still beats no
// audit entry at all.
func (s *logSink) Record(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	kv := []any{
		"component", "audit",
		"event_type", string(ev.Type),
		"timestamp", ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.ActorID != "" {
		kv = append(kv, "actor_id", ev.ActorID)
	}
	if ev.Subject != "" {
		kv = append(kv, "subject", ev.Subject)
	}
	if ev.Details != nil {
		if raw, err := json.Marshal(ev.Details); err == nil {
			kv = append(kv, "details", string(raw))
		} else {
			kv = append(kv, "details", ev.Details)
		}
	}

	s.logger.Info(ctx, "audit event", kv...)
}

package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type capturingLogger struct {
	msg string
	kv  []any
}

func (c *capturingLogger) Debug(ctx context.Context, msg string, keyvals ...any) {}
func (c *capturingLogger) Warn(ctx context.Context, msg string, keyvals ...any)  {}
func (c *capturingLogger) Error(ctx context.Context, msg string, keyvals ...any) {}
func (c *capturingLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	c.msg = msg
	c.kv = keyvals
}

func kvMap(kv []any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[key] = kv[i+1]
	}
	return m
}

func TestRecordLogsAtInfoWithComponentTag(t *testing.T) {
	logger := &capturingLogger{}
	sink := NewLogSink(logger)

	sink.Record(context.Background(), Event{Type: EventAgentSpawned, Subject: "agent-1"})

	require.Equal(t, "audit event", logger.msg)
	fields := kvMap(logger.kv)
	require.Equal(t, "audit", fields["component"])
	require.Equal(t, "agent_spawned", fields["event_type"])
	require.Equal(t, "agent-1", fields["subject"])
}

func TestRecordOmitsEmptyActorAndSubject(t *testing.T) {
	logger := &capturingLogger{}
	sink := NewLogSink(logger)

	sink.Record(context.Background(), Event{Type: EventLeaderElected})

	fields := kvMap(logger.kv)
	_, hasActor := fields["actor_id"]
	_, hasSubject := fields["subject"]
	require.False(t, hasActor)
	require.False(t, hasSubject)
}

func TestRecordMarshalsDetailsToJSON(t *testing.T) {
	logger := &capturingLogger{}
	sink := NewLogSink(logger)

	sink.Record(context.Background(), Event{Type: EventWorkflowFailed, Details: map[string]any{"error": "boom"}})

	fields := kvMap(logger.kv)
	require.Equal(t, `{"error":"boom"}`, fields["details"])
}

func TestRecordFillsTimestampWhenZero(t *testing.T) {
	logger := &capturingLogger{}
	sink := NewLogSink(logger)

	sink.Record(context.Background(), Event{Type: EventScheduleFired})

	fields := kvMap(logger.kv)
	require.NotEmpty(t, fields["timestamp"])
}

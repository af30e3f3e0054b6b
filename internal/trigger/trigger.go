// Package trigger implements the Trigger Dispatcher (C10): webhook and
// event-driven pattern execution, with HMAC signature verification and
// event-filter matching.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Type is Trigger.Type.
type Type string

const (
	TypeWebhook Type = "webhook"
	TypeEvent   Type = "event"
)

// Status is Trigger.Status.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// Trigger mirrors the data model in spec.md §3.
type Trigger struct {
	ID            string
	Type          Type
	PatternName   string
	Status        Status
	InputMapping  map[string]string // target -> sourcePath (dot-separated)
	WebhookPath   string
	WebhookSecret string
	EventType     string
	EventFilter   map[string]any
	TriggerCount  int
	LastTriggered *string
}

// NewWebhookPath allocates a unique random webhook path (16 hex bytes).
func NewWebhookPath() (string, error) {
	return randomHex(16)
}

// NewWebhookSecret allocates a webhook HMAC secret (32 hex bytes).
func NewWebhookSecret() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// VerifySignature checks "sha256=<hex>" against an HMAC-SHA256 of body
// using secret, in constant time (spec.md §8 invariant #8: no early return
// on first mismatching byte).
func VerifySignature(body []byte, signatureHeader, secret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(given, expected)
}

// ApplyInputMapping walks each target<-sourcePath mapping against body
// using dot-separated gjson paths; undefined resolves to undefined (the
// key is omitted), per §4.10.
func ApplyInputMapping(body []byte, mapping map[string]string) map[string]any {
	if len(mapping) == 0 {
		var generic map[string]any
		_ = json.Unmarshal(body, &generic)
		return generic
	}
	out := make(map[string]any, len(mapping))
	for target, sourcePath := range mapping {
		res := gjson.GetBytes(body, sourcePath)
		if !res.Exists() {
			continue
		}
		out[target] = res.Value()
	}
	return out
}

// MatchFilter evaluates an event filter grammar against payload: an object
// of field -> value-or-operator-object. Operators: $eq, $ne, $gt, $gte,
// $lt, $lte, $in, $nin, $exists. Nested fields use dot-paths (§4.10).
func MatchFilter(filter map[string]any, payload []byte) bool {
	for field, spec := range filter {
		actual := gjson.GetBytes(payload, field)
		if !matchField(spec, actual) {
			return false
		}
	}
	return true
}

func matchField(spec any, actual gjson.Result) bool {
	ops, isOps := spec.(map[string]any)
	if !isOps {
		return valueEquals(actual, spec)
	}
	for op, operand := range ops {
		if !strings.HasPrefix(op, "$") {
			// Not an operator map; treat the whole spec as a direct
			// object-equality comparison.
			return valueEquals(actual, spec)
		}
		if !matchOperator(op, operand, actual) {
			return false
		}
	}
	return true
}

func matchOperator(op string, operand any, actual gjson.Result) bool {
	switch op {
	case "$exists":
		want, _ := operand.(bool)
		return actual.Exists() == want
	case "$eq":
		return valueEquals(actual, operand)
	case "$ne":
		return !valueEquals(actual, operand)
	case "$gt":
		return compareNumeric(actual, operand) > 0
	case "$gte":
		return compareNumeric(actual, operand) >= 0
	case "$lt":
		return compareNumeric(actual, operand) < 0
	case "$lte":
		return compareNumeric(actual, operand) <= 0
	case "$in":
		return inSet(actual, operand, true)
	case "$nin":
		return inSet(actual, operand, false)
	default:
		return false
	}
}

func valueEquals(actual gjson.Result, want any) bool {
	switch w := want.(type) {
	case string:
		return actual.Type == gjson.String && actual.String() == w
	case float64:
		return actual.Num == w
	case int:
		return actual.Num == float64(w)
	case bool:
		if w {
			return actual.Type == gjson.True
		}
		return actual.Type == gjson.False
	default:
		data, _ := json.Marshal(want)
		return actual.Raw == string(data)
	}
}

func compareNumeric(actual gjson.Result, operand any) int {
	a := actual.Num
	var b float64
	switch v := operand.(type) {
	case float64:
		b = v
	case int:
		b = float64(v)
	default:
		return 0
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

func inSet(actual gjson.Result, operand any, wantIn bool) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	found := false
	for _, v := range list {
		if valueEquals(actual, v) {
			found = true
			break
		}
	}
	return found == wantIn
}

// Store persists triggers and keeps the in-memory event multimap in sync.
// Registration/pause/delete mutates both in the same call sequence, per
// §4.10's invariant that under concurrent mutation the last writer wins.
type Store struct {
	mu           sync.Mutex
	byID         map[string]*Trigger
	byWebhook    map[string]*Trigger
	byEventType  map[string][]*Trigger
}

// NewStore constructs an empty trigger Store.
func NewStore() *Store {
	return &Store{
		byID:        make(map[string]*Trigger),
		byWebhook:   make(map[string]*Trigger),
		byEventType: make(map[string][]*Trigger),
	}
}

func (s *Store) Register(t *Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[t.ID] = t
	if t.Type == TypeWebhook && t.WebhookPath != "" {
		s.byWebhook[t.WebhookPath] = t
	}
	if t.Type == TypeEvent && t.EventType != "" {
		s.rebuildEventIndexLocked()
	}
}

func (s *Store) SetStatus(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[id]; ok {
		t.Status = status
		s.rebuildEventIndexLocked()
	}
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.byWebhook, t.WebhookPath)
	s.rebuildEventIndexLocked()
}

func (s *Store) rebuildEventIndexLocked() {
	byType := make(map[string][]*Trigger)
	for _, t := range s.byID {
		if t.Type == TypeEvent && t.Status == StatusActive && t.EventType != "" {
			byType[t.EventType] = append(byType[t.EventType], t)
		}
	}
	s.byEventType = byType
}

// ByWebhookPath looks up a trigger by its unique webhook path.
func (s *Store) ByWebhookPath(path string) (*Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byWebhook[path]
	return t, ok
}

// ByEventType returns every active trigger registered for eventType.
func (s *Store) ByEventType(eventType string) []*Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Trigger{}, s.byEventType[eventType]...)
}

// PatternExecutor invokes a pattern by name with a mapped input.
type PatternExecutor interface {
	ExecutePattern(ctx context.Context, patternName string, input any) error
}

// WebhookResult is the dispatch outcome, translating directly to an HTTP
// status per spec.md §6.
type WebhookResult struct {
	StatusCode int
	Err        error
}

// DispatchWebhook implements the webhook flow in §4.10: lookup, optional
// HMAC verification, input mapping, and invocation.
func DispatchWebhook(ctx context.Context, store *Store, executor PatternExecutor, path string, body []byte, signatureHeader string) WebhookResult {
	t, ok := store.ByWebhookPath(path)
	if !ok {
		return WebhookResult{StatusCode: 404}
	}
	if t.Status != StatusActive {
		return WebhookResult{StatusCode: 403}
	}
	if t.WebhookSecret != "" {
		if signatureHeader == "" || !VerifySignature(body, signatureHeader, t.WebhookSecret) {
			return WebhookResult{StatusCode: 401}
		}
	}

	input := ApplyInputMapping(body, t.InputMapping)
	if err := executor.ExecutePattern(ctx, t.PatternName, input); err != nil {
		return WebhookResult{StatusCode: 500, Err: err}
	}

	store.mu.Lock()
	t.TriggerCount++
	store.mu.Unlock()
	return WebhookResult{StatusCode: 201}
}

// EmitEvent implements §4.10's event flow: look up triggers by eventType,
// apply eventFilter, and invoke matching ones.
func EmitEvent(ctx context.Context, store *Store, executor PatternExecutor, eventType string, payload []byte) error {
	for _, t := range store.ByEventType(eventType) {
		if t.EventFilter != nil && !MatchFilter(t.EventFilter, payload) {
			continue
		}
		input := ApplyInputMapping(payload, t.InputMapping)
		if err := executor.ExecutePattern(ctx, t.PatternName, input); err != nil {
			return fmt.Errorf("execute pattern %q for trigger %q: %w", t.PatternName, t.ID, err)
		}
		store.mu.Lock()
		t.TriggerCount++
		store.mu.Unlock()
	}
	return nil
}

// Package router implements the Message Router (C7): routes peer messages
// and questions up the org hierarchy with escalation bounded by maxDepth.
// The router is event-driven; the workflow engine subscribes and performs
// the actual agent send (§4.7).
package router

import (
	"strings"

	"github.com/goadesign/parallax/internal/orgchart"
)

// EventKind tags a routed occurrence.
type EventKind string

const (
	// SendQuestion asks ToAgentID to answer Question.
	SendQuestion EventKind = "send_question"
	// SendAnswer delivers Answer to ToAgentID.
	SendAnswer EventKind = "send_answer"
	// SurfaceToUser is a user-facing event when no route exists.
	SurfaceToUser EventKind = "surface_to_user"
)

// Event is emitted by Route* calls for the caller (normally the workflow
// engine) to act on.
type Event struct {
	Kind        EventKind
	ToAgentID   string
	ToRoleID    string
	Question    string
	Answer      string
	Reason      string
	EscalationPath []string
}

// Message describes one inbound routing request.
type Message struct {
	FromAgentID string
	FromRoleID  string
	Topic       string
	MessageType string
	Priority    int
	Body        string
	// EscalationPath holds the role ids hopped so far. When Route escalates
	// to reportsTo it appends FromRoleID itself and returns the extended
	// path on the Event, so a forwarded hop passes that path back as is.
	EscalationPath []string
}

// Router resolves a Message against an OrgStructure's routing rules and
// escalation policy.
type Router struct {
	structure *orgchart.OrgStructure
}

// New constructs a Router bound to structure.
func New(structure *orgchart.OrgStructure) *Router {
	return &Router{structure: structure}
}

// Route consults exact-match routing rules first; if none match, applies
// escalation.defaultBehavior. toAgentFor resolves a role id to a concrete
// agent id (the workflow engine owns role->agent assignment).
func (r *Router) Route(msg Message, toAgentFor func(roleID string) (string, bool)) Event {
	if rule, ok := r.matchRule(msg); ok {
		if agentID, ok := toAgentFor(rule.To); ok {
			return Event{Kind: SendQuestion, ToAgentID: agentID, ToRoleID: rule.To, Question: msg.Body, EscalationPath: msg.EscalationPath}
		}
	}

	switch r.structure.Escalation.DefaultBehavior {
	case orgchart.Broadcast:
		return Event{Kind: SendQuestion, ToRoleID: "*", Question: msg.Body, EscalationPath: msg.EscalationPath}
	case orgchart.RouteToReportsTo:
		return r.routeToReportsTo(msg, toAgentFor)
	default:
		return Event{Kind: SurfaceToUser, Question: msg.Body, Reason: "no route matched"}
	}
}

func (r *Router) matchRule(msg Message) (orgchart.RoutingRule, bool) {
	var best orgchart.RoutingRule
	found := false
	for _, rule := range r.structure.Routing {
		if rule.From != "" && rule.From != msg.FromRoleID {
			continue
		}
		if len(rule.Topics) > 0 && !contains(rule.Topics, msg.Topic) {
			continue
		}
		if len(rule.MessageTypes) > 0 && !contains(rule.MessageTypes, msg.MessageType) {
			continue
		}
		if !found || rule.Priority > best.Priority {
			best = rule
			found = true
		}
	}
	return best, found
}

func (r *Router) routeToReportsTo(msg Message, toAgentFor func(roleID string) (string, bool)) Event {
	role, ok := r.structure.RoleByID(msg.FromRoleID)
	if !ok || role.ReportsTo == "" {
		return Event{Kind: SurfaceToUser, Question: msg.Body, Reason: "root role has no reportsTo"}
	}

	path := append(append([]string{}, msg.EscalationPath...), msg.FromRoleID)
	maxDepth := r.structure.Escalation.MaxDepth
	if maxDepth > 0 && len(path) > maxDepth {
		return r.onMaxDepth(msg, path)
	}

	agentID, ok := toAgentFor(role.ReportsTo)
	if !ok {
		return Event{Kind: SurfaceToUser, Question: msg.Body, Reason: "no agent available for " + role.ReportsTo}
	}
	return Event{Kind: SendQuestion, ToAgentID: agentID, ToRoleID: role.ReportsTo, Question: msg.Body, EscalationPath: path}
}

func (r *Router) onMaxDepth(msg Message, path []string) Event {
	switch r.structure.Escalation.OnMaxDepth {
	case orgchart.OnMaxDepthFail:
		return Event{Kind: SurfaceToUser, Question: msg.Body, Reason: "escalation exceeded maxDepth", EscalationPath: path}
	case orgchart.OnMaxDepthBestEffort:
		return Event{Kind: SurfaceToUser, Question: msg.Body, Reason: "best-effort: maxDepth reached", EscalationPath: path}
	default:
		return Event{Kind: SurfaceToUser, Question: msg.Body, Reason: "maxDepth reached", EscalationPath: path}
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

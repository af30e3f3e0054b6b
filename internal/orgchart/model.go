// Package orgchart defines the data model shared by the Message Router,
// Workflow Engine, Scheduler and Trigger Dispatcher: roles, org structures,
// workflow steps, patterns, agent instances and execution contexts (spec.md
// §3).
package orgchart

import (
	"fmt"
	"time"
)

// Role is a node in the organizational tree.
type Role struct {
	ID                  string
	AgentType           []string
	Capabilities        map[string]struct{}
	ReportsTo           string // empty means root
	Singleton           bool
	MinInstances        int
	MaxInstances        int
	Expertise           map[string]struct{}
	AgentConfigOverride any
}

// SelectCriteria is the criteria set accepted by a select step.
type SelectCriteria string

const (
	CriteriaAvailability SelectCriteria = "availability"
	CriteriaExpertise    SelectCriteria = "expertise"
	CriteriaRoundRobin   SelectCriteria = "round_robin"
)

// EscalationBehavior is OrgStructure.Escalation.DefaultBehavior.
type EscalationBehavior string

const (
	RouteToReportsTo EscalationBehavior = "route_to_reports_to"
	Broadcast        EscalationBehavior = "broadcast"
	SurfaceToUser    EscalationBehavior = "surface_to_user"
)

// MaxDepthBehavior is OrgStructure.Escalation.OnMaxDepth.
type MaxDepthBehavior string

const (
	OnMaxDepthSurface     MaxDepthBehavior = "surface_to_user"
	OnMaxDepthFail        MaxDepthBehavior = "fail"
	OnMaxDepthBestEffort  MaxDepthBehavior = "return_best_effort"
)

// RoutingRule is one exact-match routing entry consulted before escalation.
type RoutingRule struct {
	From         string
	To           string
	Topics       []string
	MessageTypes []string
	Priority     int
}

// Escalation is the OrgStructure escalation policy.
type Escalation struct {
	DefaultBehavior EscalationBehavior
	TimeoutMs       int
	MaxDepth        int
	OnMaxDepth      MaxDepthBehavior
}

// OrgStructure is a collection of roles plus routing and escalation policy.
type OrgStructure struct {
	Roles      map[string]*Role
	Routing    []RoutingRule
	Escalation Escalation
}

// RoleByID looks up a role, returning (nil, false) if absent.
func (s *OrgStructure) RoleByID(id string) (*Role, bool) {
	r, ok := s.Roles[id]
	return r, ok
}

// Validate checks the reportsTo forest invariant: acyclic and within
// Escalation.MaxDepth (spec.md §3, §8 invariant #5). Returns a plain
// error describing the first offense found.
func (s *OrgStructure) Validate() error {
	depth := make(map[string]int)
	var walk func(id string, seen map[string]bool) (int, error)
	walk = func(id string, seen map[string]bool) (int, error) {
		if d, ok := depth[id]; ok {
			return d, nil
		}
		if seen[id] {
			return 0, fmt.Errorf("reportsTo cycle detected at role %q", id)
		}
		role, ok := s.Roles[id]
		if !ok {
			return 0, fmt.Errorf("unknown role %q", id)
		}
		if role.ReportsTo == "" {
			depth[id] = 0
			return 0, nil
		}
		seen[id] = true
		parentDepth, err := walk(role.ReportsTo, seen)
		if err != nil {
			return 0, err
		}
		delete(seen, id)
		d := parentDepth + 1
		if s.Escalation.MaxDepth > 0 && d > s.Escalation.MaxDepth {
			return 0, fmt.Errorf("role %q exceeds maxDepth %d", id, s.Escalation.MaxDepth)
		}
		depth[id] = d
		return d, nil
	}
	for id, role := range s.Roles {
		if role.Singleton && (role.MinInstances != 1 || role.MaxInstances != 1) {
			return fmt.Errorf("singleton role %q must have minInstances=maxInstances=1", id)
		}
		if _, err := walk(id, map[string]bool{}); err != nil {
			return err
		}
	}
	return nil
}

// StepKind tags the variant of a WorkflowStep.
type StepKind string

const (
	StepAssign     StepKind = "assign"
	StepParallel   StepKind = "parallel"
	StepSequential StepKind = "sequential"
	StepSelect     StepKind = "select"
	StepReview     StepKind = "review"
	StepApprove    StepKind = "approve"
	StepAggregate  StepKind = "aggregate"
	StepCondition  StepKind = "condition"
)

// AggregateMethod is the aggregate step's method.
type AggregateMethod string

const (
	AggregateConsensus AggregateMethod = "consensus"
	AggregateMajority  AggregateMethod = "majority"
	AggregateMerge     AggregateMethod = "merge"
	AggregateBest      AggregateMethod = "best"
)

// WorkflowStep is a tagged union dispatched by Kind, per the "Dynamic
// dispatch" design note: avoid inheritance, dispatch by tag into dedicated
// handlers.
type WorkflowStep struct {
	Kind StepKind

	// assign
	Role  string
	Task  string
	Input any

	// parallel / sequential
	Steps []WorkflowStep

	// select
	Criteria SelectCriteria

	// review / approve
	Reviewer string
	Approver string
	Subject  string

	// aggregate
	Method AggregateMethod

	// condition
	Check string
	Then  *WorkflowStep
	Else  *WorkflowStep
}

// Workflow is the ordered list of top-level steps plus an optional named
// output variable.
type Workflow struct {
	Steps  []WorkflowStep
	Output string
}

// Pattern is an immutable-after-load {name, version, structure, workflow}.
type Pattern struct {
	Name      string
	Version   string
	Structure OrgStructure
	Workflow  Workflow
}

// AgentStatus is AgentInstance.Status.
type AgentStatus string

const (
	AgentPending        AgentStatus = "pending"
	AgentStarting       AgentStatus = "starting"
	AgentAuthenticating AgentStatus = "authenticating"
	AgentReady          AgentStatus = "ready"
	AgentBusy           AgentStatus = "busy"
	AgentWaiting        AgentStatus = "waiting"
	AgentError          AgentStatus = "error"
	AgentStopping       AgentStatus = "stopping"
	AgentStopped        AgentStatus = "stopped"
)

// AgentInstance is owned exclusively by the ExecutionContext that spawned
// it; destroyed on workflow end or explicit stop.
type AgentInstance struct {
	ID             string
	RoleID         string
	Endpoint       string
	Status         AgentStatus
	CurrentTask    string
	ProviderName   string
	StartedAt      time.Time
	LastActivityAt time.Time
}

// ExecutionState is ExecutionContext.State.
type ExecutionState string

const (
	ExecInitializing ExecutionState = "initializing"
	ExecRunning      ExecutionState = "running"
	ExecWaiting      ExecutionState = "waiting"
	ExecCompleted    ExecutionState = "completed"
	ExecFailed       ExecutionState = "failed"
)

// ExecutionContext's lifetime spans exactly one workflow invocation; it is
// never shared across workflows (§5 shared-resource discipline).
type ExecutionContext struct {
	ID               string
	Pattern          *Pattern
	Agents           map[string]*AgentInstance
	RoleAssignments  map[string][]string
	State            ExecutionState
	Variables        map[string]any
	StartedAt        time.Time
	CurrentStepIndex int
}

// NewExecutionContext constructs an ExecutionContext bound to pattern,
// seeded with the caller's input variable.
func NewExecutionContext(id string, pattern *Pattern, input any) *ExecutionContext {
	return &ExecutionContext{
		ID:              id,
		Pattern:         pattern,
		Agents:          make(map[string]*AgentInstance),
		RoleAssignments: make(map[string][]string),
		State:           ExecInitializing,
		Variables:       map[string]any{"input": input},
		StartedAt:       time.Now().UTC(),
	}
}

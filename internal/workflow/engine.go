// Package workflow implements the Workflow Engine (C8): a step interpreter
// that provisions a role-typed agent population via the federation, routes
// peer messages through the router, applies aggregation operators, and
// guarantees resource cleanup on every exit path.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/parallax/internal/federation"
	"github.com/goadesign/parallax/internal/orgchart"
	"github.com/goadesign/parallax/internal/parallaxerr"
	"github.com/goadesign/parallax/internal/router"
	"github.com/goadesign/parallax/internal/runtimeprovider"
	"github.com/goadesign/parallax/internal/telemetry"
)

// DefaultStepTimeout bounds each assign/review/approve step (§5).
const DefaultStepTimeout = 60 * time.Second

// UserEventKind names events surfaced directly to the human operator rather
// than routed to another agent.
type UserEventKind string

const (
	LeadAgentMessage UserEventKind = "lead_agent_message"
	SurfaceToUser    UserEventKind = "surface_to_user"
)

// UserEvent is delivered via Config.OnUserEvent.
type UserEvent struct {
	Kind    UserEventKind
	AgentID string
	Message string
	Reason  string
}

// Config configures an Engine.
type Config struct {
	Federation  *federation.Federation
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
	StepTimeout time.Duration
	// OnUserEvent receives lead_agent_message and surface_to_user
	// occurrences. May be nil.
	OnUserEvent func(UserEvent)
}

// Engine executes patterns.
type Engine struct {
	cfg Config
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{cfg: cfg}
}

// Result is the structured outcome of a workflow invocation.
type Result struct {
	ExecutionID string
	Output      any
	AgentsUsed  int
}

// Run provisions pattern's agent population, executes its workflow against
// input, and guarantees cleanup on every exit path (success, failure,
// cancellation).
func (e *Engine) Run(ctx context.Context, pattern *orgchart.Pattern, input any) (*Result, error) {
	if err := pattern.Structure.Validate(); err != nil {
		return nil, parallaxerr.Wrap(parallaxerr.ContractViolation, parallaxerr.CodePatternNotFound, "invalid pattern structure", err)
	}

	execCtx := orgchart.NewExecutionContext(uuid.New().String(), pattern, input)

	if err := e.initializeAgents(ctx, execCtx); err != nil {
		return nil, err
	}

	unsubs := e.subscribeMessageRouting(ctx, execCtx)
	defer e.cleanup(execCtx, unsubs)

	execCtx.State = orgchart.ExecRunning
	for i, step := range pattern.Workflow.Steps {
		execCtx.CurrentStepIndex = i
		result, err := e.executeStep(ctx, execCtx, step)
		if err != nil {
			execCtx.State = orgchart.ExecFailed
			return nil, parallaxerr.Wrap(parallaxerr.AgentLevel, parallaxerr.CodeStepFailed, fmt.Sprintf("step %d failed", i), err)
		}
		execCtx.Variables[fmt.Sprintf("step_%d_result", i)] = result
	}
	execCtx.State = orgchart.ExecCompleted

	return &Result{
		ExecutionID: execCtx.ID,
		Output:      e.extractOutput(execCtx),
		AgentsUsed:  len(execCtx.Agents),
	}, nil
}

// initializeAgents spawns singleton ? 1 : max(minInstances, 1) agents per
// role in parallel. If any spawn fails, every already-spawned agent is
// stopped before the failure propagates (§4.8).
func (e *Engine) initializeAgents(ctx context.Context, execCtx *orgchart.ExecutionContext) error {
	type spawned struct {
		roleID string
		handle *runtimeprovider.AgentHandle
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []spawned
		firstErr error
	)

	for roleID, role := range execCtx.Pattern.Structure.Roles {
		count := 1
		if !role.Singleton {
			count = role.MinInstances
			if count < 1 {
				count = 1
			}
		}
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func(role *orgchart.Role, index int) {
				defer wg.Done()
				caps := make([]string, 0, len(role.Capabilities))
				for c := range role.Capabilities {
					caps = append(caps, c)
				}
				handle, err := e.cfg.Federation.Spawn(ctx, runtimeprovider.AgentConfig{
					RoleID:       role.ID,
					DisplayName:  fmt.Sprintf("%s %d", role.ID, index+1),
					Capabilities: caps,
				}, "")

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					return
				}
				results = append(results, spawned{roleID: role.ID, handle: handle})
			}(role, i)
		}
	}
	wg.Wait()

	if firstErr != nil {
		for _, s := range results {
			_ = e.cfg.Federation.Stop(context.Background(), s.handle.ID, runtimeprovider.StopOptions{})
		}
		return parallaxerr.Wrap(parallaxerr.ResourceExhaustion, parallaxerr.CodeRoleNotProvisioned, "agent provisioning failed", firstErr)
	}

	for _, s := range results {
		now := time.Now().UTC()
		providerName, _ := e.cfg.Federation.ProviderNameFor(s.handle.ID)
		execCtx.Agents[s.handle.ID] = &orgchart.AgentInstance{
			ID: s.handle.ID, RoleID: s.roleID, Endpoint: s.handle.Endpoint,
			Status: orgchart.AgentReady, ProviderName: providerName,
			StartedAt: now, LastActivityAt: now,
		}
		execCtx.RoleAssignments[s.roleID] = append(execCtx.RoleAssignments[s.roleID], s.handle.ID)
	}
	return nil
}

// cleanup unsubscribes every message stream and stops every agent
// concurrently; individual stop failures are logged, not propagated (§4.8).
func (e *Engine) cleanup(execCtx *orgchart.ExecutionContext, unsubs []runtimeprovider.UnsubscribeFunc) {
	for _, unsub := range unsubs {
		unsub()
	}

	var wg sync.WaitGroup
	for id := range execCtx.Agents {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.cfg.Federation.Stop(context.Background(), id, runtimeprovider.StopOptions{}); err != nil {
				e.cfg.Logger.Warn(context.Background(), "agent stop failed during cleanup", "agent_id", id, "err", err)
			}
		}(id)
	}
	wg.Wait()
}

// extractOutput resolves workflow.output if declared, else returns the last
// step's result (§4.8).
func (e *Engine) extractOutput(execCtx *orgchart.ExecutionContext) any {
	if name := execCtx.Pattern.Workflow.Output; name != "" {
		return resolveVar(execCtx, "$"+name)
	}
	if n := len(execCtx.Pattern.Workflow.Steps); n > 0 {
		return execCtx.Variables[fmt.Sprintf("step_%d_result", n-1)]
	}
	return nil
}

// firstAgentOf returns the first agent assigned to roleID, per list-order
// stability (§5 ordering guarantees).
func firstAgentOf(execCtx *orgchart.ExecutionContext, roleID string) (string, bool) {
	ids := execCtx.RoleAssignments[roleID]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substitute replaces every ${...} occurrence in s with the looked-up
// variable's string representation; unresolved references resolve to the
// empty string (§4.8 "unknown references resolve to undefined").
func substitute(execCtx *orgchart.ExecutionContext, s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := varPattern.FindStringSubmatch(m)[1]
		v := resolveVar(execCtx, "$"+ref)
		if v == nil {
			return ""
		}
		return toDisplayString(v)
	})
}

// resolveVar resolves a "$name" or "$name.path" reference against
// execCtx.Variables. Unknown references resolve to nil, never an error.
func resolveVar(execCtx *orgchart.ExecutionContext, ref string) any {
	if !strings.HasPrefix(ref, "$") {
		return ref
	}
	path := strings.Split(strings.TrimPrefix(ref, "$"), ".")
	var cur any = execCtx.Variables[path[0]]
	for _, segment := range path[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[segment]
	}
	return cur
}

func toDisplayString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// executeStep dispatches on step.Kind into dedicated handlers (§9 "Dynamic
// dispatch").
func (e *Engine) executeStep(ctx context.Context, execCtx *orgchart.ExecutionContext, step orgchart.WorkflowStep) (any, error) {
	switch step.Kind {
	case orgchart.StepAssign:
		return e.stepAssign(ctx, execCtx, step)
	case orgchart.StepParallel:
		return e.stepParallel(ctx, execCtx, step)
	case orgchart.StepSequential:
		return e.stepSequential(ctx, execCtx, step)
	case orgchart.StepSelect:
		return e.stepSelect(execCtx, step)
	case orgchart.StepReview:
		return e.stepReviewApprove(ctx, execCtx, step.Reviewer, step.Subject)
	case orgchart.StepApprove:
		return e.stepReviewApprove(ctx, execCtx, step.Approver, step.Subject)
	case orgchart.StepAggregate:
		return e.stepAggregate(execCtx, step)
	case orgchart.StepCondition:
		return e.stepCondition(ctx, execCtx, step)
	default:
		return nil, parallaxerr.Errorf(parallaxerr.ContractViolation, parallaxerr.CodeStepFailed, "unknown step kind %q", step.Kind)
	}
}

func (e *Engine) stepAssign(ctx context.Context, execCtx *orgchart.ExecutionContext, step orgchart.WorkflowStep) (any, error) {
	agentID, ok := firstAgentOf(execCtx, step.Role)
	if !ok {
		return nil, parallaxerr.Errorf(parallaxerr.ContractViolation, parallaxerr.CodeRoleNotProvisioned, "no agent for role %q", step.Role)
	}

	execCtx.Agents[agentID].Status = orgchart.AgentBusy
	task := substitute(execCtx, step.Task)
	resp, err := e.cfg.Federation.Send(ctx, agentID, task, runtimeprovider.SendOptions{ExpectResponse: true, Timeout: e.cfg.StepTimeout})
	execCtx.Agents[agentID].Status = orgchart.AgentReady
	execCtx.Agents[agentID].LastActivityAt = time.Now().UTC()
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Body, nil
}

func (e *Engine) stepParallel(ctx context.Context, execCtx *orgchart.ExecutionContext, step orgchart.WorkflowStep) (any, error) {
	results := make([]any, len(step.Steps))
	errs := make([]error, len(step.Steps))
	var wg sync.WaitGroup
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, child := range step.Steps {
		wg.Add(1)
		go func(i int, child orgchart.WorkflowStep) {
			defer wg.Done()
			r, err := e.executeStep(childCtx, execCtx, child)
			results[i] = r
			errs[i] = err
			if err != nil {
				cancel()
			}
		}(i, child)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Engine) stepSequential(ctx context.Context, execCtx *orgchart.ExecutionContext, step orgchart.WorkflowStep) (any, error) {
	results := make([]any, 0, len(step.Steps))
	for _, child := range step.Steps {
		r, err := e.executeStep(ctx, execCtx, child)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (e *Engine) stepSelect(execCtx *orgchart.ExecutionContext, step orgchart.WorkflowStep) (any, error) {
	ids := execCtx.RoleAssignments[step.Role]
	if len(ids) == 0 {
		return nil, parallaxerr.Errorf(parallaxerr.ContractViolation, parallaxerr.CodeRoleNotProvisioned, "no agents for role %q", step.Role)
	}

	switch step.Criteria {
	case orgchart.CriteriaAvailability:
		for _, id := range ids {
			if execCtx.Agents[id].Status == orgchart.AgentReady {
				return id, nil
			}
		}
		return ids[0], nil
	case orgchart.CriteriaRoundRobin:
		return ids[execCtx.CurrentStepIndex%len(ids)], nil
	default:
		// expertise (default or unset): first agent, per §4.8.
		return ids[0], nil
	}
}

func (e *Engine) stepReviewApprove(ctx context.Context, execCtx *orgchart.ExecutionContext, roleID, subject string) (any, error) {
	agentID, ok := firstAgentOf(execCtx, roleID)
	if !ok {
		return nil, parallaxerr.Errorf(parallaxerr.ContractViolation, parallaxerr.CodeRoleNotProvisioned, "no agent for role %q", roleID)
	}
	resolved := resolveVar(execCtx, subject)
	if resolved == nil {
		resolved = substitute(execCtx, subject)
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, err
	}
	resp, err := e.cfg.Federation.Send(ctx, agentID, string(data), runtimeprovider.SendOptions{ExpectResponse: true, Timeout: e.cfg.StepTimeout})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Body, nil
}

func (e *Engine) stepAggregate(execCtx *orgchart.ExecutionContext, step orgchart.WorkflowStep) (any, error) {
	prevKey := fmt.Sprintf("step_%d_result", execCtx.CurrentStepIndex-1)
	prev, ok := execCtx.Variables[prevKey].([]any)
	if !ok {
		return nil, parallaxerr.Errorf(parallaxerr.ContractViolation, parallaxerr.CodeStepFailed, "aggregate requires a list result at %q", prevKey)
	}

	switch step.Method {
	case orgchart.AggregateConsensus:
		return aggregateConsensus(prev), nil
	case orgchart.AggregateMajority:
		return aggregateMajority(prev), nil
	case orgchart.AggregateMerge:
		return aggregateMerge(prev), nil
	case orgchart.AggregateBest:
		return aggregateBest(prev), nil
	default:
		return nil, parallaxerr.Errorf(parallaxerr.ContractViolation, parallaxerr.CodeStepFailed, "unknown aggregate method %q", step.Method)
	}
}

// aggregateConsensus returns the modal element, ties broken first-seen.
func aggregateConsensus(items []any) any {
	type count struct {
		value any
		n     int
		order int
	}
	counts := map[string]*count{}
	order := 0
	for _, v := range items {
		k := toDisplayString(v)
		c, ok := counts[k]
		if !ok {
			c = &count{value: v, order: order}
			counts[k] = c
			order++
		}
		c.n++
	}
	var best *count
	for _, c := range counts {
		if best == nil || c.n > best.n || (c.n == best.n && c.order < best.order) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.value
}

// aggregateMajority returns the first element whose running occurrence
// count reaches ceil(n/2); else nil.
func aggregateMajority(items []any) any {
	threshold := (len(items) + 1) / 2
	counts := map[string]int{}
	for _, v := range items {
		k := toDisplayString(v)
		counts[k]++
		if counts[k] >= threshold {
			return v
		}
	}
	return nil
}

// aggregateMerge structurally merges items (later wins) if every item is an
// object; otherwise returns the list unchanged.
func aggregateMerge(items []any) any {
	merged := map[string]any{}
	for _, v := range items {
		m, ok := v.(map[string]any)
		if !ok {
			return items
		}
		for k, val := range m {
			merged[k] = val
		}
	}
	return merged
}

// aggregateBest returns the element with the highest "confidence"
// attribute, defaulting to 0.
func aggregateBest(items []any) any {
	var best any
	bestConfidence := -1.0
	for _, v := range items {
		conf := 0.0
		if m, ok := v.(map[string]any); ok {
			if c, ok := m["confidence"].(float64); ok {
				conf = c
			}
		}
		if conf > bestConfidence {
			bestConfidence = conf
			best = v
		}
	}
	return best
}

func (e *Engine) stepCondition(ctx context.Context, execCtx *orgchart.ExecutionContext, step orgchart.WorkflowStep) (any, error) {
	v := resolveVar(execCtx, step.Check)
	if truthy(v) {
		if step.Then != nil {
			return e.executeStep(ctx, execCtx, *step.Then)
		}
		return nil, nil
	}
	if step.Else != nil {
		return e.executeStep(ctx, execCtx, *step.Else)
	}
	return nil, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}

// subscribeMessageRouting subscribes to every agent's outbound stream at
// workflow start, implementing the message routing side-channel (§4.8).
func (e *Engine) subscribeMessageRouting(ctx context.Context, execCtx *orgchart.ExecutionContext) []runtimeprovider.UnsubscribeFunc {
	r := router.New(&execCtx.Pattern.Structure)
	unsubs := make([]runtimeprovider.UnsubscribeFunc, 0, len(execCtx.Agents))

	for agentID, agent := range execCtx.Agents {
		agentID, agent := agentID, agent
		unsub, err := e.cfg.Federation.Subscribe(ctx, agentID, func(ev runtimeprovider.Event) {
			if ev.Kind != runtimeprovider.EventMessage || ev.Message == nil {
				return
			}
			e.routeOutboundMessage(ctx, execCtx, r, agentID, agent.RoleID, ev.Message.Body)
		})
		if err != nil {
			e.cfg.Logger.Warn(ctx, "subscribe failed", "agent_id", agentID, "err", err)
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubs
}

func (e *Engine) routeOutboundMessage(ctx context.Context, execCtx *orgchart.ExecutionContext, r *router.Router, agentID, roleID, body string) {
	role, ok := execCtx.Pattern.Structure.RoleByID(roleID)
	if !ok || role.ReportsTo == "" {
		e.surfaceUser(UserEvent{Kind: LeadAgentMessage, AgentID: agentID, Message: body})
		return
	}

	managerID, ok := firstAgentOf(execCtx, role.ReportsTo)
	if !ok {
		e.fallbackEscalate(ctx, execCtx, r, roleID, body)
		return
	}

	prefixed := fmt.Sprintf("Message from %s (%s):\n%s", role.ID, role.ID, body)
	resp, err := e.cfg.Federation.Send(ctx, managerID, prefixed, runtimeprovider.SendOptions{ExpectResponse: true, Timeout: 30 * time.Second})
	if err != nil {
		e.fallbackEscalate(ctx, execCtx, r, roleID, body)
		return
	}
	if resp == nil {
		return
	}
	forwarded := fmt.Sprintf("Response from %s:\n%s", role.ReportsTo, resp.Body)
	if _, err := e.cfg.Federation.Send(ctx, agentID, forwarded, runtimeprovider.SendOptions{ExpectResponse: false}); err != nil {
		e.cfg.Logger.Warn(ctx, "forward reply failed", "agent_id", agentID, "err", err)
	}
}

func (e *Engine) fallbackEscalate(ctx context.Context, execCtx *orgchart.ExecutionContext, r *router.Router, fromRoleID, body string) {
	ev := r.Route(router.Message{FromRoleID: fromRoleID, Body: body}, func(roleID string) (string, bool) {
		return firstAgentOf(execCtx, roleID)
	})
	switch ev.Kind {
	case router.SendQuestion:
		if ev.ToAgentID != "" {
			_, _ = e.cfg.Federation.Send(ctx, ev.ToAgentID, ev.Question, runtimeprovider.SendOptions{ExpectResponse: true, Timeout: 30 * time.Second})
		}
	case router.SurfaceToUser:
		e.surfaceUser(UserEvent{Kind: SurfaceToUser, Message: ev.Question, Reason: ev.Reason})
	}
}

func (e *Engine) surfaceUser(ev UserEvent) {
	if e.cfg.OnUserEvent != nil {
		e.cfg.OnUserEvent(ev)
	}
}

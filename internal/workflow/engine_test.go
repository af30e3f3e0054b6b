package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/federation"
	"github.com/goadesign/parallax/internal/orgchart"
	"github.com/goadesign/parallax/internal/runtimeprovider/localprovider"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	fed := federation.New(federation.Config{})
	fed.Register(context.Background(), "local", "local", localprovider.New("local"), 0)
	return New(Config{Federation: fed})
}

func singleRolePattern(roleID string) *orgchart.Pattern {
	return &orgchart.Pattern{
		Name: "solo",
		Structure: orgchart.OrgStructure{
			Roles: map[string]*orgchart.Role{
				roleID: {ID: roleID, Singleton: true, MinInstances: 1, MaxInstances: 1},
			},
		},
	}
}

func TestRunExecutesAssignStepAndProvisionsAgent(t *testing.T) {
	engine := newTestEngine(t)
	pattern := singleRolePattern("coder")
	pattern.Workflow = orgchart.Workflow{
		Steps: []orgchart.WorkflowStep{
			{Kind: orgchart.StepAssign, Role: "coder", Task: "write the thing"},
		},
	}

	result, err := engine.Run(context.Background(), pattern, "ticket-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.AgentsUsed)
	require.NotEmpty(t, result.ExecutionID)
}

func TestRunFailsForUnknownRole(t *testing.T) {
	engine := newTestEngine(t)
	pattern := &orgchart.Pattern{
		Structure: orgchart.OrgStructure{Roles: map[string]*orgchart.Role{}},
		Workflow: orgchart.Workflow{
			Steps: []orgchart.WorkflowStep{{Kind: orgchart.StepAssign, Role: "ghost"}},
		},
	}

	_, err := engine.Run(context.Background(), pattern, nil)
	require.Error(t, err)
}

func TestRunRejectsInvalidStructure(t *testing.T) {
	engine := newTestEngine(t)
	pattern := &orgchart.Pattern{
		Structure: orgchart.OrgStructure{
			Roles: map[string]*orgchart.Role{
				"a": {ID: "a", ReportsTo: "b"},
				"b": {ID: "b", ReportsTo: "a"},
			},
		},
	}

	_, err := engine.Run(context.Background(), pattern, nil)
	require.Error(t, err)
}

func TestRunConditionStepBranchesOnInput(t *testing.T) {
	engine := newTestEngine(t)
	pattern := singleRolePattern("coder")
	pattern.Workflow = orgchart.Workflow{
		Steps: []orgchart.WorkflowStep{
			{
				Kind:  orgchart.StepCondition,
				Check: "$input",
				Then:  &orgchart.WorkflowStep{Kind: orgchart.StepAssign, Role: "coder", Task: "then branch"},
				Else:  &orgchart.WorkflowStep{Kind: orgchart.StepAssign, Role: "coder", Task: "else branch"},
			},
		},
	}

	result, err := engine.Run(context.Background(), pattern, true)
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestRunOutputResolvesNamedVariable(t *testing.T) {
	engine := newTestEngine(t)
	pattern := singleRolePattern("coder")
	pattern.Workflow = orgchart.Workflow{
		Steps: []orgchart.WorkflowStep{
			{Kind: orgchart.StepAssign, Role: "coder", Task: "do it"},
		},
		Output: "step_0_result",
	}

	result, err := engine.Run(context.Background(), pattern, "in")
	require.NoError(t, err)
	require.NotNil(t, result.Output)
}

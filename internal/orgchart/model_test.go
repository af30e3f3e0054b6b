package orgchart

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func structureWith(roles map[string]*Role, maxDepth int) *OrgStructure {
	return &OrgStructure{Roles: roles, Escalation: Escalation{MaxDepth: maxDepth}}
}

func TestValidateAcceptsWellFormedForest(t *testing.T) {
	s := structureWith(map[string]*Role{
		"lead":   {ID: "lead"},
		"coder":  {ID: "coder", ReportsTo: "lead"},
		"critic": {ID: "critic", ReportsTo: "lead"},
	}, 0)
	require.NoError(t, s.Validate())
}

func TestValidateDetectsCycle(t *testing.T) {
	s := structureWith(map[string]*Role{
		"a": {ID: "a", ReportsTo: "b"},
		"b": {ID: "b", ReportsTo: "a"},
	}, 0)
	err := s.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsUnknownReportsTo(t *testing.T) {
	s := structureWith(map[string]*Role{
		"a": {ID: "a", ReportsTo: "ghost"},
	}, 0)
	err := s.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown role")
}

func TestValidateEnforcesMaxDepth(t *testing.T) {
	s := structureWith(map[string]*Role{
		"root":  {ID: "root"},
		"mid":   {ID: "mid", ReportsTo: "root"},
		"leaf":  {ID: "leaf", ReportsTo: "mid"},
		"deep":  {ID: "deep", ReportsTo: "leaf"},
	}, 2)
	err := s.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "maxDepth")
}

func TestValidateRejectsMisconfiguredSingleton(t *testing.T) {
	s := structureWith(map[string]*Role{
		"lead": {ID: "lead", Singleton: true, MinInstances: 1, MaxInstances: 3},
	}, 0)
	err := s.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "singleton")
}

func TestRoleByIDLookup(t *testing.T) {
	s := structureWith(map[string]*Role{"lead": {ID: "lead"}}, 0)
	role, ok := s.RoleByID("lead")
	require.True(t, ok)
	require.Equal(t, "lead", role.ID)

	_, ok = s.RoleByID("missing")
	require.False(t, ok)
}

func TestNewExecutionContextSeedsInputVariable(t *testing.T) {
	pattern := &Pattern{Name: "triage", Version: "1.0"}
	ec := NewExecutionContext("exec-1", pattern, map[string]any{"ticket": 42})

	require.Equal(t, ExecInitializing, ec.State)
	require.Equal(t, pattern, ec.Pattern)
	require.Equal(t, map[string]any{"ticket": 42}, ec.Variables["input"])
	require.Empty(t, ec.Agents)
	require.False(t, ec.StartedAt.IsZero())
}

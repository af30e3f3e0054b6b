package patternstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/parallax/internal/orgchart"
)

func TestRegisterAndGet(t *testing.T) {
	store := New()
	store.Register(&orgchart.Pattern{Name: "triage", Version: "1.0"})

	p, err := store.Get("triage")
	require.NoError(t, err)
	require.Equal(t, "1.0", p.Version)
}

func TestGetUnknownPatternReturnsWellKnownError(t *testing.T) {
	store := New()
	_, err := store.Get("missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "pattern-not-found")
	require.Contains(t, err.Error(), "missing")
}

func TestRegisterOverwritesExistingName(t *testing.T) {
	store := New()
	store.Register(&orgchart.Pattern{Name: "triage", Version: "1.0"})
	store.Register(&orgchart.Pattern{Name: "triage", Version: "2.0"})

	p, err := store.Get("triage")
	require.NoError(t, err)
	require.Equal(t, "2.0", p.Version)
}

// Package patternstore is a minimal in-memory registry mapping pattern
// names to orgchart.Pattern definitions, used by the scheduler and trigger
// dispatcher to resolve a pattern name into a runnable workflow.
package patternstore

import (
	"fmt"
	"sync"

	"github.com/goadesign/parallax/internal/orgchart"
)

// Store holds registered patterns, keyed by name.
type Store struct {
	mu       sync.RWMutex
	patterns map[string]*orgchart.Pattern
}

// New constructs an empty Store.
func New() *Store {
	return &Store{patterns: make(map[string]*orgchart.Pattern)}
}

// Register adds or replaces a pattern definition.
func (s *Store) Register(p *orgchart.Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.Name] = p
}

// Get resolves a pattern by name. Unknown names are a contract violation
// per spec.md §7 ("pattern-not-found").
func (s *Store) Get(name string) (*orgchart.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[name]
	if !ok {
		return nil, fmt.Errorf("pattern-not-found: %q", name)
	}
	return p, nil
}

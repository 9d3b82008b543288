package breaker

import (
	"sort"
	"strings"
	"sync"
)

// Set holds one breaker per operation kind. Breakers are created on first
// use and live as long as the set.
type Set struct {
	base Config

	mu        sync.Mutex
	overrides map[string]Config
	breakers  map[string]*Breaker
}

// NewSet returns a set whose breakers default to cfg.
func NewSet(cfg Config) *Set {
	return &Set{
		base:      cfg,
		overrides: make(map[string]Config),
		breakers:  make(map[string]*Breaker),
	}
}

// Configure sets the config used when kind's breaker is created. It has no
// effect on a breaker that already exists.
func (s *Set) Configure(kind string, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[strings.TrimSpace(kind)] = cfg
}

// For returns the breaker for kind, creating it if needed.
func (s *Set) For(kind string) *Breaker {
	kind = strings.TrimSpace(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[kind]; ok {
		return b
	}
	cfg, ok := s.overrides[kind]
	if !ok {
		cfg = s.base
	}
	b := New(kind, cfg)
	s.breakers[kind] = b
	return b
}

// Lookup returns the breaker for kind without creating one.
func (s *Set) Lookup(kind string) (*Breaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[strings.TrimSpace(kind)]
	return b, ok
}

// Snapshots returns every breaker's snapshot ordered by name.
func (s *Set) Snapshots() []Snapshot {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Reset closes kind's breaker. It reports false when no breaker exists.
func (s *Set) Reset(kind string) bool {
	b, ok := s.Lookup(kind)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

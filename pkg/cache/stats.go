package cache

import (
	"context"
	"fmt"
	"sync"
)

// Stats counts cache activity for one request. The HTTP layer installs a
// tracker in the request context and renders the counts as the X-Cache and
// X-Airtable-Hits response headers that the dev-tooling overlay consumes.
// Observability only, never correctness-critical.
type Stats struct {
	mu          sync.Mutex
	hits        int
	misses      int
	sourceCalls int
	bypassed    bool
}

type statsContextKey struct{}

// WithStats returns a context carrying a fresh stats tracker.
func WithStats(ctx context.Context) (context.Context, *Stats) {
	s := &Stats{}
	return context.WithValue(ctx, statsContextKey{}, s), s
}

// StatsFromContext returns the request's tracker, or nil when none is
// installed. All Stats methods are nil-safe so cache code records
// unconditionally.
func StatsFromContext(ctx context.Context) *Stats {
	s, _ := ctx.Value(statsContextKey{}).(*Stats)
	return s
}

// Hit records a cache hit.
func (s *Stats) Hit() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

// Miss records a cache miss.
func (s *Stats) Miss() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

// SourceCall records one round-trip to the source datastore.
func (s *Stats) SourceCall() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.sourceCalls++
	s.mu.Unlock()
}

// Bypass records that the store was unavailable and the request was served
// straight from the source.
func (s *Stats) Bypass() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.bypassed = true
	s.mu.Unlock()
}

// SourceCalls returns the number of source round-trips so far.
func (s *Stats) SourceCalls() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceCalls
}

// CacheHeader renders the X-Cache header value: BYPASS when the store was
// down, MISS (n) when anything missed, HIT (n) when everything hit, empty
// when the request touched no cache.
func (s *Stats) CacheHeader() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.bypassed:
		return "BYPASS"
	case s.misses > 0:
		return fmt.Sprintf("MISS (%d)", s.misses)
	case s.hits > 0:
		return fmt.Sprintf("HIT (%d)", s.hits)
	default:
		return ""
	}
}

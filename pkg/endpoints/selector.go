package endpoints

import (
	"sync"
	"time"
)

// DefaultStickyTTL bounds how long the last successful endpoint is reused
// before falling back to round robin.
const DefaultStickyTTL = 3 * time.Minute

// Selector chooses which endpoint to try next. A fresh request sticks to
// the last known-good endpoint while it is recent and healthy; otherwise
// the selector scans the registry round robin, skipping blacklisted
// entries. Retries always bypass the sticky slot so the endpoint that
// just failed is never retried.
type Selector struct {
	registry  *Registry
	blacklist *Blacklist

	mu        sync.Mutex
	cursor    int
	stickyURL string
	stickyAt  time.Time
	stickyTTL time.Duration

	now func() time.Time
}

// NewSelector creates a selector over registry and blacklist.
func NewSelector(registry *Registry, blacklist *Blacklist) *Selector {
	return &Selector{
		registry:  registry,
		blacklist: blacklist,
		stickyTTL: DefaultStickyTTL,
		now:       time.Now,
	}
}

// Blacklist returns the blacklist backing this selector.
func (s *Selector) Blacklist() *Blacklist {
	return s.blacklist
}

// Preferred returns the endpoint a fresh request should use: the sticky
// last-success endpoint when recent and healthy, else the next healthy
// endpoint in round-robin order. ok is false when every endpoint is
// blacklisted; callers must fail fast rather than dispatch.
func (s *Selector) Preferred() (url string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stickyURL != "" &&
		s.now().Sub(s.stickyAt) < s.stickyTTL &&
		!s.blacklist.IsBlacklisted(s.stickyURL) {
		return s.stickyURL, true
	}
	return s.next()
}

// Next returns the next healthy endpoint in round-robin order, ignoring
// the sticky slot. Used for retries.
func (s *Selector) Next() (url string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

// next scans from the cursor, wrapping once. Caller holds s.mu.
func (s *Selector) next() (string, bool) {
	n := s.registry.Len()
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		url := s.registry.At(idx)
		if !s.blacklist.IsBlacklisted(url) {
			s.cursor = (idx + 1) % n
			return url, true
		}
	}
	return "", false
}

// Peek reports which endpoint Preferred would return without advancing
// the cursor. Used by the health read path.
func (s *Selector) Peek() (url string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stickyURL != "" &&
		s.now().Sub(s.stickyAt) < s.stickyTTL &&
		!s.blacklist.IsBlacklisted(s.stickyURL) {
		return s.stickyURL, true
	}
	n := s.registry.Len()
	for i := 0; i < n; i++ {
		url := s.registry.At((s.cursor + i) % n)
		if !s.blacklist.IsBlacklisted(url) {
			return url, true
		}
	}
	return "", false
}

// MarkSuccess records url as the sticky last-success endpoint.
func (s *Selector) MarkSuccess(url string) {
	s.mu.Lock()
	s.stickyURL = url
	s.stickyAt = s.now()
	s.mu.Unlock()
}

// MarkFailure blacklists url for the cooldown matching err's
// classification and drops the sticky slot when it pointed there, so a
// just-blacklisted endpoint is never sticky-reused.
func (s *Selector) MarkFailure(url string, err error) FailureType {
	ft := s.blacklist.Add(url, err)

	s.mu.Lock()
	if s.stickyURL == url {
		s.stickyURL = ""
		s.stickyAt = time.Time{}
	}
	s.mu.Unlock()
	return ft
}

// LastSuccessful returns the sticky endpoint and when it last succeeded.
func (s *Selector) LastSuccessful() (url string, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stickyURL == "" {
		return "", time.Time{}, false
	}
	return s.stickyURL, s.stickyAt, true
}

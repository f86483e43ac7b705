package endpoints

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cooldowns maps each failure type to how long an endpoint stays blocked
// after a failure of that type. The durations are operational tuning, not
// a correctness contract.
type Cooldowns map[FailureType]time.Duration

// DefaultCooldowns returns the default cooldown table. Transient failure
// types recover quickly; structural ones stay blocked longer.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		FailureRateLimit: 30 * time.Second,
		FailureForbidden: 5 * time.Minute,
		FailureDNS:       10 * time.Minute,
		FailureCert:      10 * time.Minute,
		FailureTimeout:   15 * time.Second,
		FailureGeneric:   30 * time.Second,
	}
}

// cooldown returns the configured duration for ft, falling back to the
// generic cooldown for unknown types.
func (c Cooldowns) cooldown(ft FailureType) time.Duration {
	if d, ok := c[ft]; ok {
		return d
	}
	return c[FailureGeneric]
}

// entry records why and until when an endpoint is blocked. failureCount is
// monotonic across re-blacklisting for the process lifetime.
type entry struct {
	failureType  FailureType
	failureCount int
	blockedUntil time.Time
}

// Status is an externally visible snapshot of one blacklist entry.
type Status struct {
	Endpoint     string      `json:"endpoint"`
	FailureType  FailureType `json:"failureType"`
	FailureCount int         `json:"failureCount"`
	BlockedUntil time.Time   `json:"blockedUntil"`
	RemainingMs  int64       `json:"remainingMs"`
}

// Blacklist blocks endpoints for a failure-type-specific cooldown window.
// Entries expire lazily: absence means eligible.
type Blacklist struct {
	mu        sync.Mutex
	entries   map[string]*entry
	strikes   map[string]int
	cooldowns Cooldowns
	logger    *zap.Logger

	// onChange is invoked outside the lock when an endpoint transitions
	// between blocked and eligible.
	onChange func(url string, ft FailureType, blocked bool)

	now func() time.Time
}

// NewBlacklist creates an empty blacklist with the given cooldown table.
func NewBlacklist(cooldowns Cooldowns, logger *zap.Logger) *Blacklist {
	if cooldowns == nil {
		cooldowns = DefaultCooldowns()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blacklist{
		entries:   make(map[string]*entry),
		strikes:   make(map[string]int),
		cooldowns: cooldowns,
		logger:    logger,
		now:       time.Now,
	}
}

// SetOnChange registers a callback for blacklist transitions. Must be
// called before the blacklist is shared across goroutines.
func (b *Blacklist) SetOnChange(fn func(url string, ft FailureType, blocked bool)) {
	b.onChange = fn
}

// Add classifies err and blocks url until now plus the cooldown for the
// resulting failure type. Returns the classification.
func (b *Blacklist) Add(url string, err error) FailureType {
	ft := Classify(err)
	cooldown := b.cooldowns.cooldown(ft)

	b.mu.Lock()
	b.strikes[url]++
	b.entries[url] = &entry{
		failureType:  ft,
		failureCount: b.strikes[url],
		blockedUntil: b.now().Add(cooldown),
	}
	count := b.strikes[url]
	b.mu.Unlock()

	b.logger.Warn("endpoint blacklisted",
		zap.String("endpoint", url),
		zap.String("failureType", string(ft)),
		zap.Int("failureCount", count),
		zap.Duration("cooldown", cooldown))

	if b.onChange != nil {
		b.onChange(url, ft, true)
	}
	return ft
}

// IsBlacklisted reports whether url is currently blocked. Stale entries
// are removed on the way through.
func (b *Blacklist) IsBlacklisted(url string) bool {
	b.mu.Lock()
	e, ok := b.entries[url]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if b.now().After(e.blockedUntil) {
		delete(b.entries, url)
		ft := e.failureType
		b.mu.Unlock()
		if b.onChange != nil {
			b.onChange(url, ft, false)
		}
		return false
	}
	b.mu.Unlock()
	return true
}

// Snapshot returns the current blacklist state, skipping entries whose
// window already elapsed.
func (b *Blacklist) Snapshot() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	statuses := make([]Status, 0, len(b.entries))
	for url, e := range b.entries {
		if now.After(e.blockedUntil) {
			continue
		}
		statuses = append(statuses, Status{
			Endpoint:     url,
			FailureType:  e.failureType,
			FailureCount: e.failureCount,
			BlockedUntil: e.blockedUntil,
			RemainingMs:  e.blockedUntil.Sub(now).Milliseconds(),
		})
	}
	return statuses
}

// FailureCount returns the cumulative strike count for url.
func (b *Blacklist) FailureCount(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strikes[url]
}

// Len returns the number of currently blocked endpoints, including stale
// entries not yet lazily expired.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

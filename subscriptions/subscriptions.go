// Package subscriptions tracks live server-push listeners so that feature
// modules can tear down many of them as a group, instead of each call site
// hand-tracking its own cancel handles.
package subscriptions

import (
	"context"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

// Cleanup tears down a single listener. It is invoked at most once per
// registration.
type Cleanup func()

type entry struct {
	cleanup   Cleanup
	owner     string
	kind      string
	createdAt time.Time
}

// EntryInfo describes a live registration for diagnostics.
type EntryInfo struct {
	Owner      string `json:"owner"`
	Kind       string `json:"kind"`
	AgeSeconds int64  `json:"age_seconds"`
}

// Registry is the process-wide ledger of live listeners. Construct one with
// New and pass it to every feature module that holds listeners; there is no
// package-level instance.
type Registry struct {
	clock  quartz.Clock
	logger slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock, for tests.
func WithClock(clock quartz.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

func New(logger slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		clock:   quartz.NewReal(),
		logger:  logger.Named("subscriptions"),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores cleanup under key. If the key is already registered, the
// prior cleanup is invoked first: the new registration supersedes and cancels
// the old one. This makes registration idempotent under rapid re-subscription,
// e.g. a view remounting.
func (r *Registry) Register(key string, cleanup Cleanup, owner, kind string) {
	r.mu.Lock()
	prior, existed := r.entries[key]
	if existed {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	// The superseded cleanup runs before the new entry is stored, so a
	// reentrant Unregister(key) from it finds nothing and cannot tear down
	// the new registration.
	if existed {
		r.logger.Debug(context.Background(), "superseding registration",
			slog.F("key", key), slog.F("owner", prior.owner))
		r.invoke(key, prior)
	}

	r.mu.Lock()
	r.entries[key] = entry{
		cleanup:   cleanup,
		owner:     owner,
		kind:      kind,
		createdAt: r.clock.Now(),
	}
	r.mu.Unlock()
}

// Unregister invokes the stored cleanup and removes the entry. A missing key
// is a no-op. A panicking cleanup is logged and the entry is still removed.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.invoke(key, e)
}

// UnregisterPrefix unregisters every entry whose key starts with prefix.
func (r *Registry) UnregisterPrefix(prefix string) {
	r.unregisterMatching(func(key string, _ entry) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// UnregisterOwner unregisters every entry registered with the given owner.
func (r *Registry) UnregisterOwner(owner string) {
	r.unregisterMatching(func(_ string, e entry) bool {
		return e.owner == owner
	})
}

// UnregisterAll unregisters every entry.
func (r *Registry) UnregisterAll() {
	r.unregisterMatching(func(string, entry) bool { return true })
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Introspect returns metadata for every live entry, keyed by registration
// key. It is for diagnostics, not correctness.
func (r *Registry) Introspect() map[string]EntryInfo {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	info := make(map[string]EntryInfo, len(r.entries))
	for key, e := range r.entries {
		info[key] = EntryInfo{
			Owner:      e.owner,
			Kind:       e.kind,
			AgeSeconds: int64(now.Sub(e.createdAt).Seconds()),
		}
	}
	return info
}

// unregisterMatching removes every matching entry, then invokes cleanups
// outside the lock. Cleanups may themselves call back into the Registry, so
// holding the lock across them would deadlock on reentrant unregisters.
func (r *Registry) unregisterMatching(match func(key string, e entry) bool) {
	r.mu.Lock()
	matched := make(map[string]entry)
	for key, e := range r.entries {
		if match(key, e) {
			matched[key] = e
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for key, e := range matched {
		r.invoke(key, e)
	}
}

// invoke runs a cleanup, recovering panics. A failing cleanup never blocks
// removal of its entry or the execution of sibling cleanups.
func (r *Registry) invoke(key string, e entry) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error(context.Background(), "cleanup panicked",
				slog.F("key", key),
				slog.F("owner", e.owner),
				slog.F("kind", e.kind),
				slog.F("panic", p),
			)
		}
	}()
	if e.cleanup != nil {
		e.cleanup()
	}
}

// Package diskcache bounds the storage footprint of locally-persisted,
// non-authoritative data (offline drafts, cached metadata) under a fixed
// byte budget. Items carry a priority and a timestamp; when the namespace
// nears its budget, the lowest-priority, oldest items are evicted first.
// Multiple caches may share one Store, isolated by namespace.
package diskcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const (
	defaultMaxSize          = 5 << 20 // 5 MiB
	defaultCleanupThreshold = 0.8
	defaultTTL              = 7 * 24 * time.Hour
)

// Item is a stored value plus the metadata the eviction pass sorts on.
type Item struct {
	Value     []byte
	Size      int64
	Priority  int
	CreatedAt time.Time
}

// Entry is item metadata without the value, as enumerated by Store.List.
type Entry struct {
	Key       string
	Size      int64
	Priority  int
	CreatedAt time.Time
}

// Store is the durable key/value layer beneath a Cache. Implementations must
// keep namespaces disjoint. A missing key is (Item{}, false, nil), never an
// error; an unreadable row is treated the same way.
type Store interface {
	Put(ctx context.Context, namespace, key string, item Item) error
	Get(ctx context.Context, namespace, key string) (Item, bool, error)
	Delete(ctx context.Context, namespace, key string) error
	DeleteAll(ctx context.Context, namespace string) error
	List(ctx context.Context, namespace string) ([]Entry, error)
}

// EventKind discriminates cache events.
type EventKind string

const (
	// EventCleanupStarted fires before an eviction pass enumerates the
	// namespace.
	EventCleanupStarted EventKind = "cleanup_started"
	// EventCleanupDone fires after an eviction pass. Freed is the number of
	// bytes evicted and Free the remaining budget.
	EventCleanupDone EventKind = "cleanup_done"
	// EventQuotaExceeded fires when a Set is rejected because the item
	// cannot fit within MaxSize even after eviction.
	EventQuotaExceeded EventKind = "quota_exceeded"
)

// Event is emitted on the cache's event stream. Callers subscribe to react
// to capacity pressure, e.g. by lowering the priority of future writes.
type Event struct {
	Kind  EventKind
	Key   string
	Freed int64
	Free  int64
}

// Options configures a Cache. The zero value of each field selects the
// documented default.
type Options struct {
	Logger slog.Logger
	Clock  quartz.Clock
	// Namespace isolates this cache's keys from others sharing the Store.
	Namespace string
	// MaxSize is the byte budget for the namespace.
	MaxSize int64
	// CleanupThreshold is the fraction of MaxSize at which a Set triggers a
	// proactive eviction pass.
	CleanupThreshold float64
	// TTL is the age beyond which an item is stale regardless of capacity.
	TTL time.Duration
}

// Cache is a bounded, namespaced view over a Store.
//
// After any successful Set, the cumulative size of live items in the
// namespace is at most MaxSize; the eviction pass runs before the write, not
// after a violation.
type Cache struct {
	store Store
	opts  Options

	// mu serializes Set/Cleanup so two writers cannot both pass the
	// capacity check and overshoot the budget.
	mu sync.Mutex

	subMu       sync.RWMutex
	subscribers map[uuid.UUID]func(Event)
}

func New(store Store, opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.CleanupThreshold <= 0 || opts.CleanupThreshold > 1 {
		opts.CleanupThreshold = defaultCleanupThreshold
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	opts.Logger = opts.Logger.Named("diskcache").With(slog.F("namespace", opts.Namespace))
	return &Cache{
		store:       store,
		opts:        opts,
		subscribers: make(map[uuid.UUID]func(Event)),
	}
}

// Subscribe registers a listener for cache events and returns a cancel
// function. Listeners are invoked synchronously, after the write lock is
// released, and must not block. A listener may call back into the cache.
func (c *Cache) Subscribe(listener func(Event)) (cancel func()) {
	id := uuid.New()
	c.subMu.Lock()
	c.subscribers[id] = listener
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Cache) publish(ev Event) {
	c.subMu.RLock()
	listeners := make([]func(Event), 0, len(c.subscribers))
	for _, listener := range c.subscribers {
		listeners = append(listeners, listener)
	}
	c.subMu.RUnlock()

	for _, listener := range listeners {
		listener(ev)
	}
}

// Set stores value under key. It returns false, with no error, when the item
// cannot fit within MaxSize even after an eviction pass; an EventQuotaExceeded
// event is published alongside the rejection.
func (c *Cache) Set(ctx context.Context, key string, value []byte, priority int) (bool, error) {
	c.mu.Lock()
	ok, events, err := c.setLocked(ctx, key, value, priority)
	c.mu.Unlock()

	// Events are published outside the write lock so a listener may call
	// back into the cache without deadlocking.
	for _, ev := range events {
		c.publish(ev)
	}
	return ok, err
}

func (c *Cache) setLocked(ctx context.Context, key string, value []byte, priority int) (bool, []Event, error) {
	size := itemSize(key, value)

	var events []Event
	usage, err := c.usage(ctx)
	if err != nil {
		return false, events, xerrors.Errorf("compute usage: %w", err)
	}

	// The pending item's size counts toward the pre-insert check so that
	// usage never exceeds MaxSize after this call returns.
	if float64(usage) >= c.threshold() || usage+size > c.opts.MaxSize {
		evs, err := c.cleanupLocked(ctx)
		events = append(events, evs...)
		if err != nil {
			return false, events, xerrors.Errorf("cleanup: %w", err)
		}
		usage, err = c.usage(ctx)
		if err != nil {
			return false, events, xerrors.Errorf("recompute usage: %w", err)
		}
	}

	if usage+size > c.opts.MaxSize {
		c.opts.Logger.Warn(ctx, "item rejected, namespace over budget",
			slog.F("key", key),
			slog.F("item_size", size),
			slog.F("usage", usage),
			slog.F("max_size", c.opts.MaxSize),
		)
		events = append(events, Event{Kind: EventQuotaExceeded, Key: key, Free: c.opts.MaxSize - usage})
		return false, events, nil
	}

	err = c.store.Put(ctx, c.opts.Namespace, key, Item{
		Value:     value,
		Size:      size,
		Priority:  priority,
		CreatedAt: c.opts.Clock.Now(),
	})
	if err != nil {
		return false, events, xerrors.Errorf("put %q: %w", key, err)
	}
	return true, events, nil
}

// Get returns the stored value. Expiry is lazy: an item older than TTL
// (strictly greater, so an item exactly at the boundary is still valid) is
// deleted as a side effect and reported as absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	item, ok, err := c.store.Get(ctx, c.opts.Namespace, key)
	if err != nil {
		return nil, false, xerrors.Errorf("get %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	if c.opts.Clock.Now().Sub(item.CreatedAt) > c.opts.TTL {
		if err := c.store.Delete(ctx, c.opts.Namespace, key); err != nil {
			return nil, false, xerrors.Errorf("expire %q: %w", key, err)
		}
		return nil, false, nil
	}
	return item.Value, true, nil
}

// Delete removes a single item. Deleting a missing key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, c.opts.Namespace, key); err != nil {
		return xerrors.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every item in the namespace.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.DeleteAll(ctx, c.opts.Namespace); err != nil {
		return xerrors.Errorf("clear namespace: %w", err)
	}
	return nil
}

// Cleanup runs an eviction pass: items are evicted lowest priority first,
// oldest first within equal priority, until usage falls to or below
// CleanupThreshold*MaxSize. Set triggers the same pass automatically; this
// export exists for callers that want to reclaim space ahead of time.
func (c *Cache) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	events, err := c.cleanupLocked(ctx)
	c.mu.Unlock()

	for _, ev := range events {
		c.publish(ev)
	}
	return err
}

// Stats reports usage for the namespace.
type Stats struct {
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
	Count int   `json:"count"`
	// NearCapacity is true when usage has crossed the cleanup threshold.
	NearCapacity bool `json:"near_capacity"`
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.store.List(ctx, c.opts.Namespace)
	if err != nil {
		return Stats{}, xerrors.Errorf("list namespace: %w", err)
	}
	var used int64
	for _, e := range entries {
		used += e.Size
	}
	return Stats{
		Used:         used,
		Free:         c.opts.MaxSize - used,
		Count:        len(entries),
		NearCapacity: float64(used) >= c.threshold(),
	}, nil
}

// cleanupLocked runs the eviction pass and returns the events it produced;
// the caller publishes them once c.mu is released.
func (c *Cache) cleanupLocked(ctx context.Context) ([]Event, error) {
	events := []Event{{Kind: EventCleanupStarted}}

	entries, err := c.store.List(ctx, c.opts.Namespace)
	if err != nil {
		return events, xerrors.Errorf("list namespace: %w", err)
	}
	var usage int64
	for _, e := range entries {
		usage += e.Size
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	var freed int64
	target := int64(c.threshold())
	for _, e := range entries {
		if usage <= target {
			break
		}
		if err := c.store.Delete(ctx, c.opts.Namespace, e.Key); err != nil {
			return events, xerrors.Errorf("evict %q: %w", e.Key, err)
		}
		c.opts.Logger.Debug(ctx, "evicted item",
			slog.F("key", e.Key),
			slog.F("size", e.Size),
			slog.F("priority", e.Priority),
		)
		usage -= e.Size
		freed += e.Size
	}

	events = append(events, Event{Kind: EventCleanupDone, Freed: freed, Free: c.opts.MaxSize - usage})
	return events, nil
}

func (c *Cache) threshold() float64 {
	return c.opts.CleanupThreshold * float64(c.opts.MaxSize)
}

func (c *Cache) usage(ctx context.Context) (int64, error) {
	entries, err := c.store.List(ctx, c.opts.Namespace)
	if err != nil {
		return 0, err
	}
	var usage int64
	for _, e := range entries {
		usage += e.Size
	}
	return usage, nil
}

// itemSize is the accounted size of an item: the serialized value plus its
// key, which stands in for per-item metadata overhead.
func itemSize(key string, value []byte) int64 {
	return int64(len(value) + len(key))
}

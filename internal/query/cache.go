package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntriesPerKind bounds each kind's LRU.
const DefaultMaxEntriesPerKind = 256

// ErrLoaderRequired is returned when Fetch is called without a loader.
var ErrLoaderRequired = errors.New("query: loader required")

// State is the lifecycle position of a cache entry.
type State int

const (
	StateAbsent State = iota
	StateFetching
	StateFresh
	StateStale
	StateError
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entry is a snapshot of one cached view. Payload survives invalidation and
// failed refetches so callers can keep showing last-known-good data.
type Entry struct {
	Key       Key
	Payload   any
	FetchedAt time.Time
	State     State
	Err       error
}

// HasPayload reports whether a payload was ever stored.
func (e Entry) HasPayload() bool { return !e.FetchedAt.IsZero() }

// Loader produces the payload for a key.
type Loader func(ctx context.Context) (any, error)

// Config tunes the cache.
type Config struct {
	// StaleAfter is the default freshness window used when Fetch is called
	// with maxAge <= 0. Zero keeps entries fresh until invalidated.
	StaleAfter        time.Duration
	MaxEntriesPerKind int
	Logger            *slog.Logger
	Metrics           *Metrics
	Now               func() time.Time
}

type entry struct {
	key       Key
	payload   any
	fetchedAt time.Time
	state     State
	err       error
	// gen changes on every invalidation so a load that started before it
	// lands as stale.
	gen uint64
	// loadedGen is the gen the stored payload was requested under.
	loadedGen uint64
	// flight names the singleflight call currently loading this entry and
	// flightGen the gen it started under.
	flight    string
	flightGen uint64
	// detached marks an in-flight entry dropped by the LRU; it is tracked
	// again once its load settles.
	detached bool
}

func (e *entry) snapshot() Entry {
	return Entry{Key: e.key, Payload: e.payload, FetchedAt: e.fetchedAt, State: e.state, Err: e.err}
}

// Cache stores one entry per Key and guarantees a single in-flight load per
// key.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lrus     map[Kind]*simplelru.LRU[string, *entry]
	group    singleflight.Group
	watchers map[uint64]func(Key)
	nextID   uint64
	flights  uint64

	staleAfter time.Duration
	maxPerKind int
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

// NewCache constructs a Cache.
func NewCache(cfg Config) *Cache {
	if cfg.MaxEntriesPerKind <= 0 {
		cfg.MaxEntriesPerKind = DefaultMaxEntriesPerKind
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		entries:    make(map[string]*entry),
		lrus:       make(map[Kind]*simplelru.LRU[string, *entry]),
		watchers:   make(map[uint64]func(Key)),
		staleAfter: cfg.StaleAfter,
		maxPerKind: cfg.MaxEntriesPerKind,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}
}

// Get returns the entry for key, creating an absent one on first access.
func (c *Cache) Get(key Key) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key).snapshot()
}

// Peek returns the entry without creating or touching it.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of entries held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fetch returns the cached payload when the entry is fresh and younger than
// maxAge, otherwise loads it. Concurrent callers for the same key share a
// single loader invocation and its result. A failed load keeps the previous
// payload and reports StateError.
func (c *Cache) Fetch(ctx context.Context, key Key, maxAge time.Duration, loader Loader) (any, error) {
	return c.fetch(ctx, key, maxAge, loader, false)
}

// Refresh loads key even when it is fresh, joining a load already in flight
// for the current generation. Watchers are not notified.
func (c *Cache) Refresh(ctx context.Context, key Key, loader Loader) (any, error) {
	return c.fetch(ctx, key, 0, loader, true)
}

func (c *Cache) fetch(ctx context.Context, key Key, maxAge time.Duration, loader Loader, force bool) (any, error) {
	if loader == nil {
		return nil, ErrLoaderRequired
	}
	if maxAge <= 0 {
		maxAge = c.staleAfter
	}

	c.mu.Lock()
	e := c.lookup(key)
	if e.state == StateFresh {
		if !force && (maxAge <= 0 || c.now().Sub(e.fetchedAt) <= maxAge) {
			payload := e.payload
			c.mu.Unlock()
			c.metrics.recordHit(key.Kind())
			return payload, nil
		}
		e.state = StateStale
	}
	c.metrics.recordMiss(key.Kind())
	if e.state == StateFetching && e.flightGen == e.gen {
		c.metrics.recordShared(key.Kind())
	} else {
		// Either nothing is loading or the running load predates an
		// invalidation; a new flight serves the current generation.
		c.flights++
		e.state = StateFetching
		e.flight = key.String() + "#" + strconv.FormatUint(c.flights, 10)
		e.flightGen = e.gen
	}
	// DoChan registers the flight before the lock is released, so any caller
	// observing StateFetching joins this flight instead of starting another.
	started, gen := e, e.gen
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(e.flight, func() (any, error) {
		return c.load(loadCtx, started, gen, loader)
	})
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Cache) load(ctx context.Context, started *entry, gen uint64, loader Loader) (any, error) {
	key := started.key
	payload, err := loader(ctx)
	c.metrics.recordLoad(key.Kind(), err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key.String()]; !ok || cur != started {
		// Removed while loading; the result still reaches the waiters.
		return payload, wrapLoadErr(key, err)
	}
	e := started
	if gen < e.loadedGen {
		// A load issued after this one already landed.
		return payload, wrapLoadErr(key, err)
	}
	superseded := e.state == StateFetching && e.flightGen != gen
	switch {
	case err != nil:
		e.err = err
		if !superseded {
			e.state = StateError
		}
		c.logger.Warn("query cache load failed", slog.String("key", key.String()), slog.Any("error", err))
	default:
		e.payload = payload
		e.fetchedAt = c.now()
		e.loadedGen = gen
		e.err = nil
		switch {
		case superseded:
		case e.gen == gen:
			e.state = StateFresh
		default:
			e.state = StateStale
		}
	}
	if e.detached && e.state != StateFetching {
		e.detached = false
		c.track(e)
	}
	return payload, wrapLoadErr(key, err)
}

func wrapLoadErr(key Key, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("query: load %s: %w", key, err)
}

// Invalidate marks key stale, keeping its payload.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	hit := c.invalidateLocked(key.String())
	c.mu.Unlock()
	if hit {
		c.notify([]Key{key})
	}
}

// InvalidatePrefix marks every key in the family stale and returns how many
// entries matched.
func (c *Cache) InvalidatePrefix(prefix Prefix) int {
	c.mu.Lock()
	var keys []Key
	for k, e := range c.entries {
		if e.key.Matches(prefix) && c.invalidateLocked(k) {
			keys = append(keys, e.key)
		}
	}
	c.mu.Unlock()
	c.notify(keys)
	return len(keys)
}

func (c *Cache) invalidateLocked(k string) bool {
	e, ok := c.entries[k]
	if !ok {
		return false
	}
	e.gen++
	switch e.state {
	case StateFresh, StateError:
		e.state = StateStale
	}
	return true
}

// Remove deletes the entry for key outright.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	k := key.String()
	e, ok := c.entries[k]
	if ok {
		delete(c.entries, k)
		if lru, tracked := c.lrus[key.Kind()]; tracked {
			lru.Remove(k)
		}
		e.gen++
	}
	c.mu.Unlock()
	if ok {
		c.notify([]Key{key})
	}
	return ok
}

// Update patches the payload of every entry in the family that holds one.
// fn returns the new payload and whether it changed anything.
func (c *Cache) Update(prefix Prefix, fn func(key Key, payload any) (any, bool)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if !e.key.Matches(prefix) || e.fetchedAt.IsZero() {
			continue
		}
		if next, changed := fn(e.key, e.payload); changed {
			e.payload = next
			n++
		}
	}
	return n
}

// Snapshot copies every entry in the family, for rollback via Restore.
func (c *Cache) Snapshot(prefix Prefix) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.key.Matches(prefix) {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Restore writes back payloads and states captured by Snapshot. Entries in
// flight are left alone.
func (c *Cache) Restore(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range entries {
		e := c.lookup(s.Key)
		if e.state == StateFetching {
			continue
		}
		e.payload = s.Payload
		e.fetchedAt = s.FetchedAt
		e.state = s.State
		e.err = s.Err
	}
}

// Reset drops every entry; used when the session ends.
func (c *Cache) Reset() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.lrus = make(map[Kind]*simplelru.LRU[string, *entry])
	c.mu.Unlock()
	c.logger.Debug("query cache reset", slog.Int("entries", n))
}

// Watch registers fn to be called with every invalidated or removed key. The
// returned function unregisters it.
func (c *Cache) Watch(fn func(Key)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

func (c *Cache) notify(keys []Key) {
	if len(keys) == 0 {
		return
	}
	c.mu.Lock()
	fns := make([]func(Key), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, k := range keys {
		for _, fn := range fns {
			fn(k)
		}
	}
}

// lookup returns the entry for key, creating it if needed, and marks it as
// recently used. Callers hold c.mu.
func (c *Cache) lookup(key Key) *entry {
	k := key.String()
	if e, ok := c.entries[k]; ok {
		if lru, tracked := c.lrus[key.Kind()]; tracked && !e.detached {
			lru.Get(k)
		}
		return e
	}
	e := &entry{key: key, state: StateAbsent}
	c.entries[k] = e
	c.track(e)
	return e
}

func (c *Cache) track(e *entry) {
	kind := e.key.Kind()
	lru, ok := c.lrus[kind]
	if !ok {
		var err error
		lru, err = simplelru.NewLRU[string, *entry](c.maxPerKind, c.onEvict)
		if err != nil {
			// Only a non-positive size fails, which NewCache rules out.
			panic(err)
		}
		c.lrus[kind] = lru
	}
	lru.Add(e.key.String(), e)
}

// onEvict runs inside LRU calls made with c.mu held.
func (c *Cache) onEvict(k string, e *entry) {
	cur, ok := c.entries[k]
	if !ok || cur != e {
		return
	}
	if e.state == StateFetching {
		e.detached = true
		return
	}
	delete(c.entries, k)
	c.metrics.recordEviction(e.key.Kind())
}

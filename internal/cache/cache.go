// Package cache provides the short-TTL, single-flight resource cache that
// coalesces concurrent reads of the same document and absorbs field-level
// change messages while a fetch is in flight.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tidepool/internal/channel"
	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
)

const defaultTTL = 10 * time.Second

// Key identifies one cached resource.
type Key struct {
	Type string
	ID   string
}

// Complete reports whether the key addresses a single resource.
func (key Key) Complete() bool {
	return key.Type != "" && key.ID != ""
}

// EventKind names the cache lifecycle events.
type EventKind string

const (
	EventHit    EventKind = "hit"
	EventMiss   EventKind = "miss"
	EventSet    EventKind = "set"
	EventClear  EventKind = "clear"
	EventExpire EventKind = "expire"
	EventUpdate EventKind = "update"
)

// Callback receives the outcome of a cached read.
type Callback func(document schema.Document, err error)

// Provider performs the backing fetch and reports through done exactly once.
type Provider func(done Callback)

// Listener observes cache lifecycle events for one key.
type Listener func(key Key)

// Config wires the cache.
type Config struct {
	// TTL bounds the life of every entry. Defaults to 10 seconds.
	TTL time.Duration
	// Disabled routes every Pass straight to its provider.
	Disabled bool
	Logger   *zap.Logger
}

type entry struct {
	pending  bool
	resource schema.Document
	patch    map[string]any
	waiters  []Callback
	timer    *time.Timer
}

// ResourceCache is the single-flight TTL cache. All map mutation happens
// under one mutex; waiter callbacks and event listeners run outside it.
type ResourceCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	disabled  bool
	logger    *zap.Logger
	entries   map[Key]*entry
	listeners map[EventKind][]Listener
}

// New constructs a ResourceCache.
func New(cfg Config) *ResourceCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceCache{
		ttl:       ttl,
		disabled:  cfg.Disabled,
		logger:    logger,
		entries:   map[Key]*entry{},
		listeners: map[EventKind][]Listener{},
	}
}

// OnEvent registers a listener for one event kind. Registration is expected
// at wiring time, before traffic.
func (cache *ResourceCache) OnEvent(kind EventKind, listener Listener) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.listeners[kind] = append(cache.listeners[kind], listener)
}

// Pass serves a read through the cache. Concurrent calls for the same key
// share a single provider invocation; waiters are notified in enqueue order.
func (cache *ResourceCache) Pass(key Key, provider Provider, callback Callback) {
	if cache.disabled || !key.Complete() {
		provider(callback)
		return
	}

	cache.mu.Lock()
	existing := cache.entries[key]
	if existing == nil {
		fresh := &entry{
			pending: true,
			patch:   map[string]any{},
			waiters: []Callback{callback},
		}
		cache.entries[key] = fresh
		fresh.timer = cache.startTimer(key, fresh)
		cache.mu.Unlock()

		cache.emit(EventMiss, key)
		provider(func(document schema.Document, err error) {
			cache.resolve(key, fresh, document, err)
		})
		return
	}

	existing.waiters = append(existing.waiters, callback)
	if existing.pending {
		cache.mu.Unlock()
		return
	}

	waiters := existing.waiters
	existing.waiters = nil
	deliveries := copiesFor(existing.resource, len(waiters))
	cache.mu.Unlock()

	cache.emit(EventHit, key)
	for index, waiter := range waiters {
		waiter(deliveries[index], nil)
	}
}

// Get returns the resolved document for a key, if cached. The caller owns
// the returned map.
func (cache *ResourceCache) Get(key Key) (schema.Document, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cached := cache.entries[key]
	if cached == nil || cached.pending {
		return nil, false
	}
	return copyDocument(cached.resource), true
}

// Set stores a resolved document under a fresh TTL, cancelling any prior
// expiry timer for the key.
func (cache *ResourceCache) Set(key Key, document schema.Document) {
	if cache.disabled || !key.Complete() {
		return
	}
	cache.mu.Lock()
	if previous := cache.entries[key]; previous != nil && previous.timer != nil {
		previous.timer.Stop()
	}
	fresh := &entry{resource: document}
	cache.entries[key] = fresh
	fresh.timer = cache.startTimer(key, fresh)
	cache.mu.Unlock()

	cache.emit(EventSet, key)
}

// Clear removes the entry for a key and cancels its timer.
func (cache *ResourceCache) Clear(key Key) {
	cache.mu.Lock()
	existing := cache.entries[key]
	if existing == nil {
		cache.mu.Unlock()
		return
	}
	delete(cache.entries, key)
	if existing.timer != nil {
		existing.timer.Stop()
	}
	cache.mu.Unlock()

	cache.emit(EventClear, key)
}

// ApplyUpdate folds a field-channel update message into the cache. Pending
// entries accumulate the value in their patch map; resolved entries are
// patched in place. Other channel shapes and message types are ignored.
func (cache *ResourceCache) ApplyUpdate(channelName string, message channel.Message) {
	descriptor, ok := channel.Parse(channelName)
	if !ok || descriptor.Kind != channel.KindModel || descriptor.Field == "" {
		return
	}
	if message.Type != channel.MessageTypeUpdate {
		return
	}

	key := Key{Type: descriptor.Type, ID: descriptor.ID}
	cache.mu.Lock()
	existing := cache.entries[key]
	if existing == nil {
		cache.mu.Unlock()
		return
	}
	if existing.pending {
		existing.patch[descriptor.Field] = message.Value
	} else {
		existing.resource[descriptor.Field] = message.Value
	}
	cache.mu.Unlock()

	cache.emit(EventUpdate, key)
}

// resolve completes the pending fetch that created owner. The entry may have
// expired or been cleared meanwhile; its waiters are still notified, and a
// successful late result installs a fresh entry.
func (cache *ResourceCache) resolve(key Key, owner *entry, document schema.Document, err error) {
	cache.mu.Lock()
	waiters := owner.waiters
	owner.waiters = nil

	if err != nil {
		if cache.entries[key] == owner {
			delete(cache.entries, key)
			if owner.timer != nil {
				owner.timer.Stop()
			}
		}
		cache.mu.Unlock()
		for _, waiter := range waiters {
			waiter(nil, err)
		}
		return
	}

	merged := mergePatch(document, owner.patch)
	owner.pending = false
	owner.resource = merged
	owner.patch = nil

	if cache.entries[key] == owner {
		if owner.timer != nil {
			owner.timer.Stop()
		}
		owner.timer = cache.startTimer(key, owner)
	} else {
		replacement := &entry{resource: merged}
		cache.entries[key] = replacement
		replacement.timer = cache.startTimer(key, replacement)
	}
	deliveries := copiesFor(merged, len(waiters))
	cache.mu.Unlock()

	cache.emit(EventSet, key)
	for index, waiter := range waiters {
		waiter(deliveries[index], nil)
	}
}

// startTimer arms the expiry for an entry. Callers hold the mutex.
func (cache *ResourceCache) startTimer(key Key, owner *entry) *time.Timer {
	return time.AfterFunc(cache.ttl, func() {
		cache.mu.Lock()
		if cache.entries[key] != owner {
			cache.mu.Unlock()
			return
		}
		delete(cache.entries, key)
		cache.mu.Unlock()
		cache.emit(EventExpire, key)
	})
}

func (cache *ResourceCache) emit(kind EventKind, key Key) {
	cache.mu.Lock()
	registered := cache.listeners[kind]
	listeners := make([]Listener, len(registered))
	copy(listeners, registered)
	cache.mu.Unlock()

	for _, listener := range listeners {
		listener(key)
	}
}

// copyDocument returns a shallow copy. ApplyUpdate keeps writing into the
// stored map, so callers never receive the cache's own reference. Callers
// hold the mutex.
func copyDocument(document schema.Document) schema.Document {
	copied := make(schema.Document, len(document))
	for field, value := range document {
		copied[field] = value
	}
	return copied
}

// copiesFor makes one independent copy per waiter. Callers hold the mutex.
func copiesFor(document schema.Document, count int) []schema.Document {
	deliveries := make([]schema.Document, count)
	for index := range deliveries {
		deliveries[index] = copyDocument(document)
	}
	return deliveries
}

// mergePatch copies the fetched document and overlays patched fields; the
// patch always wins over the fetched value.
func mergePatch(document schema.Document, patch map[string]any) schema.Document {
	merged := make(schema.Document, len(document)+len(patch))
	for field, value := range document {
		merged[field] = value
	}
	for field, value := range patch {
		merged[field] = value
	}
	return merged
}

package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/channel"
	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
)

func newTestCache(ttl time.Duration) *ResourceCache {
	return New(Config{TTL: ttl})
}

func TestPassCoalescesConcurrentReads(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}

	fetches := 0
	var release Callback
	provider := func(done Callback) {
		fetches++
		release = done
	}

	var results []schema.Document
	collect := func(document schema.Document, err error) {
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		results = append(results, document)
	}

	resourceCache.Pass(key, provider, collect)
	resourceCache.Pass(key, provider, collect)
	resourceCache.Pass(key, provider, collect)

	if fetches != 1 {
		t.Fatalf("expected a single provider invocation, got %d", fetches)
	}
	if len(results) != 0 {
		t.Fatalf("waiters must not resolve before the fetch completes")
	}

	release(schema.Document{"id": "p1", "name": "A"}, nil)
	if len(results) != 3 {
		t.Fatalf("expected all waiters notified, got %d", len(results))
	}
	for _, document := range results {
		if document["name"] != "A" {
			t.Fatalf("unexpected document: %#v", document)
		}
	}
}

func TestPassServesResolvedEntryWithoutRefetch(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}

	fetches := 0
	provider := func(done Callback) {
		fetches++
		done(schema.Document{"id": "p1"}, nil)
	}

	served := 0
	callback := func(document schema.Document, err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		served++
	}

	resourceCache.Pass(key, provider, callback)
	resourceCache.Pass(key, provider, callback)
	if fetches != 1 {
		t.Fatalf("expected one fetch, got %d", fetches)
	}
	if served != 2 {
		t.Fatalf("expected both callbacks served, got %d", served)
	}
}

func TestPendingPatchWinsOverFetchedValue(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}

	var release Callback
	resourceCache.Pass(key, func(done Callback) { release = done }, func(document schema.Document, err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if document["price"] != 9 {
			t.Fatalf("expected patched price to win, got %#v", document["price"])
		}
	})

	resourceCache.ApplyUpdate(channel.Field("Product", "p1", "price"), channel.Message{Type: channel.MessageTypeUpdate, Value: 9})
	release(schema.Document{"id": "p1", "price": 3}, nil)

	cached, ok := resourceCache.Get(key)
	if !ok {
		t.Fatalf("expected resolved entry")
	}
	if cached["price"] != 9 {
		t.Fatalf("expected cached price 9, got %#v", cached["price"])
	}
}

func TestApplyUpdatePatchesResolvedEntries(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}
	resourceCache.Set(key, schema.Document{"id": "p1", "name": "A"})

	resourceCache.ApplyUpdate(channel.Field("Product", "p1", "name"), channel.Message{Type: channel.MessageTypeUpdate, Value: "B"})

	cached, ok := resourceCache.Get(key)
	if !ok || cached["name"] != "B" {
		t.Fatalf("expected direct patch, got %#v", cached)
	}
}

func TestApplyUpdateIgnoresForeignChannels(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}
	resourceCache.Set(key, schema.Document{"id": "p1", "name": "A"})

	resourceCache.ApplyUpdate(channel.Resource("Product", "p1"), channel.Message{Type: channel.MessageTypeUpdate, Value: "B"})
	resourceCache.ApplyUpdate("chat>Product/p1/name", channel.Message{Type: channel.MessageTypeUpdate, Value: "B"})
	resourceCache.ApplyUpdate(channel.Field("Product", "p1", "name"), channel.Message{Type: channel.MessageTypeDelete})

	cached, _ := resourceCache.Get(key)
	if cached["name"] != "A" {
		t.Fatalf("expected document untouched, got %#v", cached)
	}
}

func TestErrorResultsAreNotCached(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}
	fetchErr := errors.New("store down")

	delivered := 0
	resourceCache.Pass(key, func(done Callback) { done(nil, fetchErr) }, func(document schema.Document, err error) {
		if !errors.Is(err, fetchErr) {
			t.Fatalf("expected fetch error, got %v", err)
		}
		delivered++
	})
	if delivered != 1 {
		t.Fatalf("expected error delivered once, got %d", delivered)
	}
	if _, ok := resourceCache.Get(key); ok {
		t.Fatalf("errors must not populate the cache")
	}
}

func TestClearRemovesEntryAndEmitsEvent(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}

	var cleared []Key
	resourceCache.OnEvent(EventClear, func(key Key) { cleared = append(cleared, key) })

	resourceCache.Set(key, schema.Document{"id": "p1"})
	resourceCache.Clear(key)

	if _, ok := resourceCache.Get(key); ok {
		t.Fatalf("expected entry removed")
	}
	if len(cleared) != 1 || cleared[0] != key {
		t.Fatalf("expected clear event, got %#v", cleared)
	}
}

func TestEntriesExpire(t *testing.T) {
	resourceCache := newTestCache(20 * time.Millisecond)
	key := Key{Type: "Product", ID: "p1"}

	expired := make(chan Key, 1)
	resourceCache.OnEvent(EventExpire, func(key Key) { expired <- key })

	resourceCache.Set(key, schema.Document{"id": "p1"})

	select {
	case expiredKey := <-expired:
		if expiredKey != key {
			t.Fatalf("unexpected expired key: %#v", expiredKey)
		}
	case <-time.After(time.Second):
		t.Fatal("expected expiry event")
	}
	if _, ok := resourceCache.Get(key); ok {
		t.Fatalf("expected expired entry removed")
	}
}

func TestDisabledCacheBypassesEntries(t *testing.T) {
	resourceCache := New(Config{TTL: time.Minute, Disabled: true})
	key := Key{Type: "Product", ID: "p1"}

	fetches := 0
	provider := func(done Callback) {
		fetches++
		done(schema.Document{"id": "p1"}, nil)
	}
	discard := func(schema.Document, error) {}

	resourceCache.Pass(key, provider, discard)
	resourceCache.Pass(key, provider, discard)
	if fetches != 2 {
		t.Fatalf("disabled cache must fetch every time, got %d", fetches)
	}
}

func TestConcurrentPassSingleFlight(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}

	var fetchCount int
	var fetchMu sync.Mutex
	started := make(chan Callback, 1)
	provider := func(done Callback) {
		fetchMu.Lock()
		fetchCount++
		fetchMu.Unlock()
		started <- done
	}

	var wg sync.WaitGroup
	results := make(chan schema.Document, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resourceCache.Pass(key, provider, func(document schema.Document, err error) {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				results <- document
			})
		}()
	}

	release := <-started
	wg.Wait()
	release(schema.Document{"id": "p1"}, nil)
	close(results)

	fetchMu.Lock()
	if fetchCount != 1 {
		t.Fatalf("expected one fetch, got %d", fetchCount)
	}
	fetchMu.Unlock()

	delivered := 0
	for document := range results {
		if document["id"] != "p1" {
			t.Fatalf("unexpected document: %#v", document)
		}
		delivered++
	}
	if delivered != 16 {
		t.Fatalf("expected all readers served, got %d", delivered)
	}
}

func TestDeliveredDocumentsAreNotAliasedToCacheState(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}

	var delivered schema.Document
	resourceCache.Pass(key, func(done Callback) {
		done(schema.Document{"id": "p1", "price": 1.0}, nil)
	}, func(document schema.Document, err error) {
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		delivered = document
	})

	resourceCache.ApplyUpdate("crud>Product/p1/price", channel.UpdateValue(2.0))
	if delivered["price"] != 1.0 {
		t.Fatalf("delivered document mutated by a later update: %#v", delivered)
	}

	cached, ok := resourceCache.Get(key)
	if !ok || cached["price"] != 2.0 {
		t.Fatalf("expected the stored document patched, got %#v", cached)
	}
	cached["price"] = 99.0
	fresh, ok := resourceCache.Get(key)
	if !ok || fresh["price"] != 2.0 {
		t.Fatalf("caller mutation leaked into the cache: %#v", fresh)
	}
}

func TestConcurrentUpdatesDoNotRaceDeliveredDocuments(t *testing.T) {
	resourceCache := newTestCache(time.Minute)
	key := Key{Type: "Product", ID: "p1"}

	resourceCache.Pass(key, func(done Callback) {
		done(schema.Document{"id": "p1", "price": 1.0, "qty": 3.0}, nil)
	}, func(schema.Document, error) {})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		price := 0.0
		for {
			select {
			case <-stop:
				return
			default:
				price++
				resourceCache.ApplyUpdate("crud>Product/p1/price", channel.UpdateValue(price))
			}
		}
	}()

	for iteration := 0; iteration < 200; iteration++ {
		resourceCache.Pass(key, nil, func(document schema.Document, err error) {
			if err != nil {
				t.Errorf("unexpected read error: %v", err)
				return
			}
			for field := range document {
				_ = document[field]
			}
		})
	}
	close(stop)
	wg.Wait()
}

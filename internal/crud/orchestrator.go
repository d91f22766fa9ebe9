// Package crud is the orchestration core of the data layer: it serializes
// CRUD intentions against the schema, coalesces reads through the resource
// cache, derives affected views from mutations, and fans change
// notifications out over the broker.
package crud

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tidepool/internal/broker"
	"github.com/MarcoPoloResearchLab/tidepool/internal/cache"
	"github.com/MarcoPoloResearchLab/tidepool/internal/channel"
	"github.com/MarcoPoloResearchLab/tidepool/internal/filter"
	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
	"github.com/MarcoPoloResearchLab/tidepool/internal/store"
)

const (
	defaultPageSize      = 10
	defaultCacheDuration = 10 * time.Second
)

const (
	opCreate = "crud.create"
	opRead   = "crud.read"
	opUpdate = "crud.update"
	opDelete = "crud.delete"
	opNotify = "crud.notify"

	fieldType    = "model_type"
	fieldID      = "doc_id"
	fieldChannel = "channel"
)

var (
	errMissingSchema = errors.New("crud: schema registry is required")
	errMissingStore  = errors.New("crud: store adapter is required")
)

// SubscriptionObserver is notified as server-side resource channel
// subscriptions come live and are torn down.
type SubscriptionObserver interface {
	SubscriptionOpened()
	SubscriptionClosed()
}

// Config wires the orchestrator.
type Config struct {
	Schema *schema.Registry
	Store  store.Adapter
	// Broker is optional; without one, no notifications are published and
	// the cache defaults to disabled.
	Broker broker.Broker
	Logger *zap.Logger
	// Subscriptions is optional; it observes the resource channel
	// subscription count.
	Subscriptions   SubscriptionObserver
	DefaultPageSize int
	CacheDuration   time.Duration
	// CacheDisabled overrides the default (disabled exactly when no broker
	// is attached).
	CacheDisabled *bool
	// BlockInboundByDefault denies socket emits that carry no CRUD query.
	BlockInboundByDefault bool
	BlockPreByDefault     bool
	BlockPostByDefault    bool
}

// Orchestrator exposes the CRUD entry points and the out-of-band notify API.
type Orchestrator struct {
	registry      *schema.Registry
	store         store.Adapter
	broker        broker.Broker
	cache         *cache.ResourceCache
	filters       *filter.Pipeline
	logger        *zap.Logger
	subscriptions SubscriptionObserver
	pageSize      int

	bufferMu sync.Mutex
	buffers  map[string]*readBuffer
}

// New constructs the orchestrator, builds its cache and filter pipeline, and
// attaches the broker middleware when a broker is present.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Schema == nil {
		return nil, errMissingSchema
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.DefaultPageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	cacheDuration := cfg.CacheDuration
	if cacheDuration <= 0 {
		cacheDuration = defaultCacheDuration
	}
	cacheDisabled := cfg.Broker == nil
	if cfg.CacheDisabled != nil {
		cacheDisabled = *cfg.CacheDisabled
	}

	pipeline, err := filter.New(filter.Config{
		Registry:           cfg.Schema,
		BlockPreByDefault:  cfg.BlockPreByDefault,
		BlockPostByDefault: cfg.BlockPostByDefault,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	orchestrator := &Orchestrator{
		registry: cfg.Schema,
		store:    cfg.Store,
		broker:   cfg.Broker,
		cache: cache.New(cache.Config{
			TTL:      cacheDuration,
			Disabled: cacheDisabled,
			Logger:   logger,
		}),
		filters:       pipeline,
		logger:        logger,
		subscriptions: cfg.Subscriptions,
		pageSize:      pageSize,
		buffers:       map[string]*readBuffer{},
	}

	orchestrator.cache.OnEvent(cache.EventExpire, orchestrator.teardownResourceChannel)
	orchestrator.cache.OnEvent(cache.EventClear, orchestrator.teardownResourceChannel)

	if cfg.Broker != nil {
		orchestrator.attachMiddleware(cfg.BlockInboundByDefault)
	}
	return orchestrator, nil
}

// Cache exposes the resource cache for metrics wiring.
func (orchestrator *Orchestrator) Cache() *cache.ResourceCache {
	return orchestrator.cache
}

// Filters exposes the filter pipeline.
func (orchestrator *Orchestrator) Filters() *filter.Pipeline {
	return orchestrator.filters
}

// attachMiddleware installs the three broker gates: emits run the pre phase,
// inbound publishes to crud> channels are always denied, and crud>
// subscriptions run pre then post with a cached resource fetch.
func (orchestrator *Orchestrator) attachMiddleware(blockInboundByDefault bool) {
	orchestrator.broker.AddMiddleware(broker.MiddlewareEmit, func(request *broker.Request, next func(error)) {
		query, ok := request.Data.(*schema.Query)
		if !ok {
			if blockInboundByDefault {
				next(newError(KindInvalidArguments, "inbound event carries no query"))
				return
			}
			next(nil)
			return
		}
		filterRequest := &schema.Request{
			Action:    actionForEvent(request.Event),
			Query:     query,
			AuthToken: request.AuthToken,
			SocketID:  request.SocketID,
		}
		next(orchestrator.filters.RunPre(context.Background(), filterRequest))
	})

	orchestrator.broker.AddMiddleware(broker.MiddlewarePublishIn, func(request *broker.Request, next func(error)) {
		if _, ok := channel.Parse(request.Channel); ok {
			// The server owns publication on crud> channels.
			next(newError(KindPublishNotAllowed, "clients cannot publish to crud channels"))
			return
		}
		next(nil)
	})

	orchestrator.broker.AddMiddleware(broker.MiddlewareSubscribe, func(request *broker.Request, next func(error)) {
		descriptor, ok := channel.Parse(request.Channel)
		if !ok {
			next(nil)
			return
		}
		query := queryForDescriptor(descriptor)
		filterRequest := &schema.Request{
			Action:    schema.ActionSubscribe,
			Query:     query,
			AuthToken: request.AuthToken,
			SocketID:  request.SocketID,
		}
		ctx := context.Background()
		if err := orchestrator.filters.RunPre(ctx, filterRequest); err != nil {
			next(err)
			return
		}
		next(orchestrator.filters.RunPostFetch(ctx, filterRequest, orchestrator.loadThroughCache))
	})
}

func actionForEvent(event string) schema.Action {
	switch event {
	case "create":
		return schema.ActionCreate
	case "read":
		return schema.ActionRead
	case "update":
		return schema.ActionUpdate
	case "delete":
		return schema.ActionDelete
	default:
		return schema.Action(event)
	}
}

func queryForDescriptor(descriptor channel.Descriptor) *schema.Query {
	if descriptor.Kind == channel.KindView {
		return &schema.Query{
			Type:       descriptor.Type,
			View:       descriptor.View,
			ViewParams: descriptor.ViewPrimaryParams,
		}
	}
	return &schema.Query{
		Type:  descriptor.Type,
		ID:    descriptor.ID,
		Field: descriptor.Field,
	}
}

// loadThroughCache fetches a document via the resource cache so post-phase
// subscribe checks share in-flight fetches with concurrent reads.
func (orchestrator *Orchestrator) loadThroughCache(ctx context.Context, modelType, id string) (schema.Document, error) {
	type outcome struct {
		document schema.Document
		err      error
	}
	done := make(chan outcome, 1)
	key := cache.Key{Type: modelType, ID: id}
	orchestrator.cache.Pass(key, orchestrator.fetchProvider(ctx, modelType, id), func(document schema.Document, err error) {
		done <- outcome{document: document, err: err}
	})
	result := <-done
	return result.document, result.err
}

// fetchProvider adapts the store fetch into a cache provider.
func (orchestrator *Orchestrator) fetchProvider(ctx context.Context, modelType, id string) cache.Provider {
	return func(done cache.Callback) {
		document, err := orchestrator.store.Fetch(ctx, modelType, id)
		if err != nil {
			done(nil, orchestrator.storeFailure(opRead, modelType, id, err))
			return
		}
		done(document, nil)
	}
}

func (orchestrator *Orchestrator) storeFailure(operation, modelType, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindInvalidParams, "unknown resource")
	}
	orchestrator.logger.Error("store operation failed",
		zap.String("operation", operation),
		zap.String(fieldType, modelType),
		zap.String(fieldID, id),
		zap.Error(err))
	return newStoreError(err)
}

// publish sends a message on the broker, logging failures as warnings: a
// mutation that already happened is acknowledged even when some of its
// notifications could not be delivered.
func (orchestrator *Orchestrator) publish(operation, channelName string, message any) {
	if orchestrator.broker == nil {
		return
	}
	if err := orchestrator.broker.Publish(channelName, message); err != nil {
		orchestrator.logger.Warn("notification publish failed",
			zap.String("operation", operation),
			zap.String(fieldChannel, channelName),
			zap.Error(err))
	}
}

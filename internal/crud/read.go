package crud

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/tidepool/internal/cache"
	"github.com/MarcoPoloResearchLab/tidepool/internal/channel"
	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
	"github.com/MarcoPoloResearchLab/tidepool/internal/store"
)

// CollectionPage is the shaped result of a view read.
type CollectionPage struct {
	Data       []string `json:"data"`
	IsLastPage bool     `json:"isLastPage"`
	Count      *int64   `json:"count,omitempty"`
}

// ReadResult carries either a single document or a collection page.
type ReadResult struct {
	Document   schema.Document `json:"document,omitempty"`
	Collection *CollectionPage `json:"collection,omitempty"`
}

type readState int

const (
	stateSubscribing readState = iota
	stateSubscribed
)

type bufferedRead struct {
	key      cache.Key
	provider cache.Provider
	callback cache.Callback
}

// readBuffer holds reads queued behind one resource channel subscription.
type readBuffer struct {
	state       readState
	waiters     []bufferedRead
	cancelWatch func()
}

// Read serves a single document when the query carries an id, otherwise a
// page of a declared view.
func (orchestrator *Orchestrator) Read(ctx context.Context, query schema.Query) (*ReadResult, error) {
	if err := orchestrator.validateQuery(query); err != nil {
		return nil, err
	}
	if query.ID == "" {
		page, err := orchestrator.readCollection(ctx, query)
		if err != nil {
			return nil, err
		}
		return &ReadResult{Collection: page}, nil
	}
	document, err := orchestrator.readResource(ctx, query)
	if err != nil {
		return nil, err
	}
	return &ReadResult{Document: document}, nil
}

// readResource funnels the read through the per-resource subscription state
// machine: the broker subscription that invalidates the cache must be live
// before any cached value is served.
func (orchestrator *Orchestrator) readResource(ctx context.Context, query schema.Query) (schema.Document, error) {
	if orchestrator.broker == nil {
		return orchestrator.loadThroughCache(ctx, query.Type, query.ID)
	}

	type outcome struct {
		document schema.Document
		err      error
	}
	done := make(chan outcome, 1)
	pending := bufferedRead{
		key:      cache.Key{Type: query.Type, ID: query.ID},
		provider: orchestrator.fetchProvider(ctx, query.Type, query.ID),
		callback: func(document schema.Document, err error) {
			done <- outcome{document: document, err: err}
		},
	}

	channelName := channel.Resource(query.Type, query.ID)
	orchestrator.enqueueRead(channelName, pending)

	result := <-done
	if result.err != nil {
		return nil, result.err
	}

	filterRequest := &schema.Request{
		Action:   schema.ActionRead,
		Query:    &query,
		Resource: result.document,
	}
	if err := orchestrator.filters.RunPost(ctx, filterRequest); err != nil {
		return nil, err
	}
	return result.document, nil
}

// enqueueRead appends the read to the channel's buffer and advances the
// subscription state machine.
func (orchestrator *Orchestrator) enqueueRead(channelName string, pending bufferedRead) {
	orchestrator.bufferMu.Lock()
	buffer := orchestrator.buffers[channelName]
	if buffer == nil {
		buffer = &readBuffer{state: stateSubscribing, waiters: []bufferedRead{pending}}
		orchestrator.buffers[channelName] = buffer
		orchestrator.bufferMu.Unlock()

		orchestrator.broker.Subscribe(channelName, func(err error) {
			if err != nil {
				orchestrator.failBuffer(channelName, err)
				return
			}
			orchestrator.markSubscribed(channelName, pending.key)
		})
		return
	}

	buffer.waiters = append(buffer.waiters, pending)
	if buffer.state == stateSubscribing {
		// The in-flight subscribe's success handler will drain.
		orchestrator.bufferMu.Unlock()
		return
	}
	orchestrator.bufferMu.Unlock()
	orchestrator.drainBuffer(channelName)
}

// markSubscribed installs the invalidation watch and drains queued reads.
func (orchestrator *Orchestrator) markSubscribed(channelName string, key cache.Key) {
	cancel := orchestrator.broker.Channel(channelName).Watch(func(any) {
		// Any observed change message means the cached document is stale.
		orchestrator.cache.Clear(key)
	})

	orchestrator.bufferMu.Lock()
	buffer := orchestrator.buffers[channelName]
	if buffer == nil {
		orchestrator.bufferMu.Unlock()
		cancel()
		return
	}
	buffer.state = stateSubscribed
	buffer.cancelWatch = cancel
	orchestrator.bufferMu.Unlock()

	if orchestrator.subscriptions != nil {
		orchestrator.subscriptions.SubscriptionOpened()
	}
	orchestrator.drainBuffer(channelName)
}

// drainBuffer releases queued reads through the cache in enqueue order.
func (orchestrator *Orchestrator) drainBuffer(channelName string) {
	orchestrator.bufferMu.Lock()
	buffer := orchestrator.buffers[channelName]
	if buffer == nil {
		orchestrator.bufferMu.Unlock()
		return
	}
	waiters := buffer.waiters
	buffer.waiters = nil
	orchestrator.bufferMu.Unlock()

	for _, waiter := range waiters {
		orchestrator.cache.Pass(waiter.key, waiter.provider, waiter.callback)
	}
}

// failBuffer flushes every queued read with a subscription failure.
func (orchestrator *Orchestrator) failBuffer(channelName string, cause error) {
	orchestrator.bufferMu.Lock()
	buffer := orchestrator.buffers[channelName]
	if buffer == nil {
		orchestrator.bufferMu.Unlock()
		return
	}
	delete(orchestrator.buffers, channelName)
	waiters := buffer.waiters
	orchestrator.bufferMu.Unlock()

	orchestrator.logger.Warn("resource channel subscription failed",
		zap.String(fieldChannel, channelName),
		zap.Error(cause))
	failure := &Error{kind: KindSubscribeFailed, message: "could not subscribe to resource channel", cause: cause}
	for _, waiter := range waiters {
		waiter.callback(nil, failure)
	}
}

// teardownResourceChannel reacts to cache expiry and clearing by returning
// the resource channel to the idle state.
func (orchestrator *Orchestrator) teardownResourceChannel(key cache.Key) {
	if orchestrator.broker == nil {
		return
	}
	channelName := channel.Resource(key.Type, key.ID)

	orchestrator.bufferMu.Lock()
	buffer := orchestrator.buffers[channelName]
	if buffer == nil || len(buffer.waiters) > 0 {
		orchestrator.bufferMu.Unlock()
		return
	}
	delete(orchestrator.buffers, channelName)
	cancel := buffer.cancelWatch
	orchestrator.bufferMu.Unlock()

	if cancel != nil {
		cancel()
		if orchestrator.subscriptions != nil {
			orchestrator.subscriptions.SubscriptionClosed()
		}
	}
	handle := orchestrator.broker.Channel(channelName)
	handle.Unsubscribe()
	handle.Destroy()
}

// readCollection materializes a view page, fetching the page and the
// optional count in parallel.
func (orchestrator *Orchestrator) readCollection(ctx context.Context, query schema.Query) (*CollectionPage, error) {
	if query.View == "" {
		return nil, newError(KindInvalidParams, "collection reads require a view")
	}
	view, err := orchestrator.registry.ViewSchema(query.Type, query.View)
	if err != nil {
		return nil, newError(KindInvalidParams, "unknown view "+query.View)
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = orchestrator.pageSize
	}
	viewQuery := store.ViewQuery{
		Type:      query.Type,
		Transform: view.Transform,
		Params:    sanitizeViewParams(view, query.ViewParams),
		Offset:    query.Offset,
		// One row beyond the page decides isLastPage.
		Limit: pageSize + 1,
	}

	var ids []string
	var count int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		fetched, fetchErr := orchestrator.store.ViewIDs(groupCtx, viewQuery)
		if fetchErr != nil {
			return fetchErr
		}
		ids = fetched
		return nil
	})
	if query.GetCount {
		group.Go(func() error {
			counted, countErr := orchestrator.store.ViewCount(groupCtx, viewQuery)
			if countErr != nil {
				return countErr
			}
			count = counted
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, orchestrator.storeFailure(opRead, query.Type, "", err)
	}

	isLastPage := len(ids) <= pageSize
	if !isLastPage {
		ids = ids[:pageSize]
	}

	filterRequest := &schema.Request{Action: schema.ActionRead, Query: &query}
	if err := orchestrator.filters.RunPost(ctx, filterRequest); err != nil {
		return nil, err
	}

	page := &CollectionPage{Data: ids, IsLastPage: isLastPage}
	if query.GetCount {
		page.Count = &count
	}
	return page, nil
}

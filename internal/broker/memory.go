package broker

import (
	"sync"

	"go.uber.org/zap"
)

// Memory is the in-process Broker. It keeps per-channel watcher and socket
// registries behind one RWMutex; handler invocation happens outside it and
// socket delivery must not block.
type Memory struct {
	mu            sync.RWMutex
	channels      map[string]*memoryChannel
	middlewares   map[MiddlewareKind][]Middleware
	handshakes    []func(Socket)
	nextWatcherID int64
	logger        *zap.Logger
}

type memoryChannel struct {
	name             string
	serverSubscribed bool
	watchers         map[int64]WatchHandler
	sockets          map[string]Socket
}

// MemoryConfig wires the in-process broker.
type MemoryConfig struct {
	Logger *zap.Logger
}

// NewMemory constructs the in-process broker.
func NewMemory(cfg MemoryConfig) *Memory {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		channels:    map[string]*memoryChannel{},
		middlewares: map[MiddlewareKind][]Middleware{},
		logger:      logger,
	}
}

// AddMiddleware appends a middleware to the chain for kind.
func (memory *Memory) AddMiddleware(kind MiddlewareKind, middleware Middleware) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	memory.middlewares[kind] = append(memory.middlewares[kind], middleware)
}

// RunMiddleware evaluates the registered chain in order. A middleware that
// returns without calling next denies the request.
func (memory *Memory) RunMiddleware(kind MiddlewareKind, request *Request) error {
	memory.mu.RLock()
	registered := memory.middlewares[kind]
	chain := make([]Middleware, len(registered))
	copy(chain, registered)
	memory.mu.RUnlock()

	for _, middleware := range chain {
		var denied error
		continued := false
		middleware(request, func(err error) {
			continued = true
			denied = err
		})
		if !continued {
			return ErrMiddlewareHalted
		}
		if denied != nil {
			return denied
		}
	}
	return nil
}

// Subscribe establishes the server-side subscription. In-process
// subscriptions complete synchronously and cannot fail; done always receives
// nil.
func (memory *Memory) Subscribe(channelName string, done func(err error)) {
	memory.mu.Lock()
	entry := memory.ensureChannel(channelName)
	if entry.serverSubscribed {
		memory.mu.Unlock()
		if done != nil {
			done(nil)
		}
		return
	}
	entry.serverSubscribed = true
	memory.mu.Unlock()

	if done != nil {
		done(nil)
	}
}

// IsSubscribed reports the server-side subscription state for a channel.
// In-process subscriptions complete synchronously, so there is never a
// pending state for includePending to widen the answer with.
func (memory *Memory) IsSubscribed(channelName string, _ bool) bool {
	memory.mu.RLock()
	defer memory.mu.RUnlock()
	entry := memory.channels[channelName]
	return entry != nil && entry.serverSubscribed
}

// Channel returns the server-side handle for a channel name.
func (memory *Memory) Channel(channelName string) Channel {
	return &memoryChannelHandle{broker: memory, name: channelName}
}

// Publish delivers a message to all watchers and subscribed sockets.
func (memory *Memory) Publish(channelName string, message any) error {
	memory.mu.RLock()
	entry := memory.channels[channelName]
	if entry == nil {
		memory.mu.RUnlock()
		return nil
	}
	watchers := make([]WatchHandler, 0, len(entry.watchers))
	for _, watcher := range entry.watchers {
		watchers = append(watchers, watcher)
	}
	sockets := make([]Socket, 0, len(entry.sockets))
	for _, socket := range entry.sockets {
		sockets = append(sockets, socket)
	}
	memory.mu.RUnlock()

	for _, watcher := range watchers {
		watcher(message)
	}
	for _, socket := range sockets {
		socket.Send(channelName, message)
	}
	return nil
}

// OnHandshake registers a handler for connecting sockets.
func (memory *Memory) OnHandshake(handler func(Socket)) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	memory.handshakes = append(memory.handshakes, handler)
}

// Connect introduces a socket and fires the handshake handlers.
func (memory *Memory) Connect(socket Socket) {
	memory.mu.RLock()
	handlers := make([]func(Socket), len(memory.handshakes))
	copy(handlers, memory.handshakes)
	memory.mu.RUnlock()

	for _, handler := range handlers {
		handler(socket)
	}
}

// SubscribeSocket attaches a socket to a channel.
func (memory *Memory) SubscribeSocket(socket Socket, channelName string) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	entry := memory.ensureChannel(channelName)
	entry.sockets[socket.ID()] = socket
}

// UnsubscribeSocket detaches a socket from one channel.
func (memory *Memory) UnsubscribeSocket(socket Socket, channelName string) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	entry := memory.channels[channelName]
	if entry == nil {
		return
	}
	delete(entry.sockets, socket.ID())
	memory.dropIfUnused(channelName, entry)
}

// DisconnectSocket detaches a socket from every channel.
func (memory *Memory) DisconnectSocket(socket Socket) {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	for name, entry := range memory.channels {
		delete(entry.sockets, socket.ID())
		memory.dropIfUnused(name, entry)
	}
}

// ensureChannel returns the record for a name, creating it when absent.
// Callers hold the write lock.
func (memory *Memory) ensureChannel(channelName string) *memoryChannel {
	entry := memory.channels[channelName]
	if entry == nil {
		entry = &memoryChannel{
			name:     channelName,
			watchers: map[int64]WatchHandler{},
			sockets:  map[string]Socket{},
		}
		memory.channels[channelName] = entry
	}
	return entry
}

// dropIfUnused removes an idle channel record. Callers hold the write lock.
func (memory *Memory) dropIfUnused(channelName string, entry *memoryChannel) {
	if !entry.serverSubscribed && len(entry.watchers) == 0 && len(entry.sockets) == 0 {
		delete(memory.channels, channelName)
	}
}

type memoryChannelHandle struct {
	broker *Memory
	name   string
}

func (handle *memoryChannelHandle) Name() string {
	return handle.name
}

func (handle *memoryChannelHandle) Watch(handler WatchHandler) func() {
	handle.broker.mu.Lock()
	entry := handle.broker.ensureChannel(handle.name)
	handle.broker.nextWatcherID++
	watcherID := handle.broker.nextWatcherID
	entry.watchers[watcherID] = handler
	handle.broker.mu.Unlock()

	return func() {
		handle.broker.mu.Lock()
		defer handle.broker.mu.Unlock()
		current := handle.broker.channels[handle.name]
		if current == nil {
			return
		}
		delete(current.watchers, watcherID)
		handle.broker.dropIfUnused(handle.name, current)
	}
}

func (handle *memoryChannelHandle) Unsubscribe() {
	handle.broker.mu.Lock()
	defer handle.broker.mu.Unlock()
	entry := handle.broker.channels[handle.name]
	if entry == nil {
		return
	}
	entry.serverSubscribed = false
	handle.broker.dropIfUnused(handle.name, entry)
}

func (handle *memoryChannelHandle) Destroy() {
	handle.broker.mu.Lock()
	defer handle.broker.mu.Unlock()
	entry := handle.broker.channels[handle.name]
	if entry == nil {
		return
	}
	entry.serverSubscribed = false
	entry.watchers = map[int64]WatchHandler{}
	handle.broker.dropIfUnused(handle.name, entry)
}

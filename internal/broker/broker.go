// Package broker abstracts the pub/sub transport the CRUD layer publishes
// change notifications through, and ships an in-process implementation.
package broker

import "errors"

// MiddlewareKind selects which inbound socket operation a middleware gates.
type MiddlewareKind int

const (
	// MiddlewareEmit gates CRUD event emissions from sockets.
	MiddlewareEmit MiddlewareKind = iota
	// MiddlewarePublishIn gates publishes originating from sockets.
	MiddlewarePublishIn
	// MiddlewareSubscribe gates channel subscriptions from sockets.
	MiddlewareSubscribe
)

// ErrMiddlewareHalted reports a middleware that returned without continuing
// the chain; the request is treated as denied.
var ErrMiddlewareHalted = errors.New("broker: middleware halted without calling next")

// Request describes one inbound socket operation flowing through middleware.
type Request struct {
	SocketID  string
	Event     string
	Channel   string
	Data      any
	AuthToken map[string]any
}

// Middleware inspects a request and continues the chain via next. Passing a
// non-nil error to next denies the request.
type Middleware func(request *Request, next func(err error))

// WatchHandler observes messages published on a channel.
type WatchHandler func(message any)

// Channel is the server-side handle on one named channel.
type Channel interface {
	Name() string
	// Watch registers a handler for published messages and returns its
	// cancel function.
	Watch(handler WatchHandler) func()
	// Unsubscribe drops the server-side subscription, keeping the channel
	// alive for connected sockets.
	Unsubscribe()
	// Destroy drops the server-side subscription and every watcher.
	Destroy()
}

// Socket is one connected client as seen by the broker.
type Socket interface {
	ID() string
	AuthToken() map[string]any
	// Send delivers a channel message to the client. Implementations must
	// not block.
	Send(channelName string, message any)
}

// Broker is the transport surface the orchestrator consumes.
type Broker interface {
	AddMiddleware(kind MiddlewareKind, middleware Middleware)
	// RunMiddleware evaluates the chain registered for kind in order; the
	// first denial wins.
	RunMiddleware(kind MiddlewareKind, request *Request) error
	// Subscribe establishes the server-side subscription and reports the
	// outcome through done exactly once.
	Subscribe(channelName string, done func(err error))
	IsSubscribed(channelName string, includePending bool) bool
	Channel(channelName string) Channel
	// Publish delivers a message to every watcher and subscribed socket.
	Publish(channelName string, message any) error
	// OnHandshake registers a handler invoked for each connecting socket.
	OnHandshake(handler func(socket Socket))
	// Connect introduces a socket to the broker and fires handshakes.
	Connect(socket Socket)
	// SubscribeSocket attaches a socket to a channel after its subscribe
	// request passed middleware.
	SubscribeSocket(socket Socket, channelName string)
	UnsubscribeSocket(socket Socket, channelName string)
	// DisconnectSocket detaches a socket from every channel.
	DisconnectSocket(socket Socket)
}

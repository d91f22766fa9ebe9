package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tidepool/internal/broker"
	"github.com/MarcoPoloResearchLab/tidepool/internal/crud"
	"github.com/MarcoPoloResearchLab/tidepool/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
)

const (
	eventSubscribe   = "#subscribe"
	eventUnsubscribe = "#unsubscribe"
	eventPublish     = "#publish"
	eventCreate      = "create"
	eventRead        = "read"
	eventUpdate      = "update"
	eventDelete      = "delete"

	socketSendBuffer = 64
)

// clientFrame is one inbound websocket message. CID correlates the reply.
type clientFrame struct {
	Event string          `json:"event"`
	CID   int64           `json:"cid,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// serverFrame is one outbound websocket message: either a reply (RID set) or
// a channel push (Event #publish).
type serverFrame struct {
	RID     int64  `json:"rid,omitempty"`
	Event   string `json:"event,omitempty"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type channelPayload struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// gatewaySocket adapts one websocket connection to the broker's Socket
// interface. Delivery is decoupled through a buffered channel; a slow client
// loses pushes instead of stalling publishers. The closed flag keeps
// publishers that snapshotted the socket before disconnect from sending into
// a closed channel.
type gatewaySocket struct {
	id        string
	authToken map[string]any
	logger    *zap.Logger

	mu     sync.Mutex
	send   chan serverFrame
	closed bool
}

func (socket *gatewaySocket) ID() string {
	return socket.id
}

func (socket *gatewaySocket) AuthToken() map[string]any {
	return socket.authToken
}

func (socket *gatewaySocket) Send(channelName string, message any) {
	frame := serverFrame{Event: eventPublish, Channel: channelName, Data: message}
	if !socket.deliver(frame) {
		socket.logger.Warn("dropping channel push for slow or closed socket",
			zap.String("socket_id", socket.id),
			zap.String("channel", channelName))
	}
}

func (socket *gatewaySocket) reply(frame serverFrame) {
	if !socket.deliver(frame) {
		socket.logger.Warn("dropping reply for slow socket",
			zap.String("socket_id", socket.id))
	}
}

func (socket *gatewaySocket) deliver(frame serverFrame) bool {
	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.closed {
		return false
	}
	select {
	case socket.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel exactly once. No deliver can be in flight
// while the mutex is held, so the write loop drains and exits safely.
func (socket *gatewaySocket) shutdown() {
	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.closed {
		return
	}
	socket.closed = true
	close(socket.send)
}

// Gateway terminates the websocket protocol and routes frames between
// sockets, the broker, and the orchestrator.
type Gateway struct {
	transport    broker.Broker
	orchestrator *crud.Orchestrator
	metrics      *metrics.Metrics
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

// GatewayConfig wires the websocket gateway.
type GatewayConfig struct {
	Broker       broker.Broker
	Orchestrator *crud.Orchestrator
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// NewGateway constructs the gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		transport:    cfg.Broker,
		orchestrator: cfg.Orchestrator,
		metrics:      cfg.Metrics,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and serves the socket until it
// disconnects. The auth token was validated by the router beforehand; nil
// means an anonymous socket.
func (gateway *Gateway) HandleConnection(writer http.ResponseWriter, request *http.Request, authToken map[string]any) {
	conn, err := gateway.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		gateway.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	socket := &gatewaySocket{
		id:        uuid.NewString(),
		authToken: authToken,
		send:      make(chan serverFrame, socketSendBuffer),
		logger:    gateway.logger,
	}
	gateway.transport.Connect(socket)

	writerDone := make(chan struct{})
	go gateway.writeLoop(conn, socket, writerDone)

	gateway.readLoop(request.Context(), conn, socket)

	gateway.transport.DisconnectSocket(socket)
	socket.shutdown()
	<-writerDone
	conn.Close()
}

func (gateway *Gateway) writeLoop(conn *websocket.Conn, socket *gatewaySocket, done chan<- struct{}) {
	defer close(done)
	for frame := range socket.send {
		if err := conn.WriteJSON(frame); err != nil {
			gateway.logger.Debug("websocket write failed",
				zap.String("socket_id", socket.id),
				zap.Error(err))
			return
		}
	}
}

func (gateway *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, socket *gatewaySocket) {
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		gateway.dispatch(ctx, socket, frame)
	}
}

func (gateway *Gateway) dispatch(ctx context.Context, socket *gatewaySocket, frame clientFrame) {
	switch frame.Event {
	case eventSubscribe:
		gateway.handleSubscribe(socket, frame)
	case eventUnsubscribe:
		gateway.handleUnsubscribe(socket, frame)
	case eventPublish:
		gateway.handlePublish(socket, frame)
	case eventCreate, eventRead, eventUpdate, eventDelete:
		gateway.handleCRUD(ctx, socket, frame)
	default:
		socket.reply(serverFrame{RID: frame.CID, Error: "unknown event"})
	}
}

func (gateway *Gateway) handleSubscribe(socket *gatewaySocket, frame clientFrame) {
	var payload channelPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Channel == "" {
		socket.reply(serverFrame{RID: frame.CID, Error: "subscribe requires a channel"})
		return
	}

	request := &broker.Request{
		SocketID:  socket.id,
		Event:     frame.Event,
		Channel:   payload.Channel,
		AuthToken: socket.authToken,
	}
	if err := gateway.transport.RunMiddleware(broker.MiddlewareSubscribe, request); err != nil {
		socket.reply(serverFrame{RID: frame.CID, Error: err.Error()})
		return
	}
	gateway.transport.SubscribeSocket(socket, payload.Channel)
	socket.reply(serverFrame{RID: frame.CID, Data: map[string]any{"channel": payload.Channel}})
}

func (gateway *Gateway) handleUnsubscribe(socket *gatewaySocket, frame clientFrame) {
	var payload channelPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Channel == "" {
		socket.reply(serverFrame{RID: frame.CID, Error: "unsubscribe requires a channel"})
		return
	}
	gateway.transport.UnsubscribeSocket(socket, payload.Channel)
	socket.reply(serverFrame{RID: frame.CID, Data: map[string]any{"channel": payload.Channel}})
}

func (gateway *Gateway) handlePublish(socket *gatewaySocket, frame clientFrame) {
	var payload channelPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Channel == "" {
		socket.reply(serverFrame{RID: frame.CID, Error: "publish requires a channel"})
		return
	}

	request := &broker.Request{
		SocketID:  socket.id,
		Event:     frame.Event,
		Channel:   payload.Channel,
		Data:      payload.Data,
		AuthToken: socket.authToken,
	}
	if err := gateway.transport.RunMiddleware(broker.MiddlewarePublishIn, request); err != nil {
		socket.reply(serverFrame{RID: frame.CID, Error: err.Error()})
		return
	}

	var message any
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &message); err != nil {
			socket.reply(serverFrame{RID: frame.CID, Error: "publish data is not valid JSON"})
			return
		}
	}
	if err := gateway.transport.Publish(payload.Channel, message); err != nil {
		socket.reply(serverFrame{RID: frame.CID, Error: err.Error()})
		return
	}
	socket.reply(serverFrame{RID: frame.CID})
}

func (gateway *Gateway) handleCRUD(ctx context.Context, socket *gatewaySocket, frame clientFrame) {
	var query schema.Query
	if err := json.Unmarshal(frame.Data, &query); err != nil {
		socket.reply(serverFrame{RID: frame.CID, Error: "malformed query"})
		return
	}

	request := &broker.Request{
		SocketID:  socket.id,
		Event:     frame.Event,
		Data:      &query,
		AuthToken: socket.authToken,
	}
	if err := gateway.transport.RunMiddleware(broker.MiddlewareEmit, request); err != nil {
		socket.reply(serverFrame{RID: frame.CID, Error: err.Error()})
		return
	}

	data, err := gateway.execute(ctx, frame.Event, query)
	if gateway.metrics != nil {
		gateway.metrics.ObserveOperation(frame.Event, err)
	}
	if err != nil {
		socket.reply(serverFrame{RID: frame.CID, Error: err.Error()})
		return
	}
	socket.reply(serverFrame{RID: frame.CID, Data: data})
}

func (gateway *Gateway) execute(ctx context.Context, event string, query schema.Query) (any, error) {
	switch event {
	case eventCreate:
		id, err := gateway.orchestrator.Create(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	case eventRead:
		result, err := gateway.orchestrator.Read(ctx, query)
		if err != nil {
			return nil, err
		}
		if result.Collection != nil {
			return result.Collection, nil
		}
		return result.Document, nil
	case eventUpdate:
		return nil, gateway.orchestrator.Update(ctx, query)
	case eventDelete:
		return nil, gateway.orchestrator.Delete(ctx, query)
	default:
		return nil, fmt.Errorf("unknown event %q", event)
	}
}

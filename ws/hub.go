package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirachand04/p2pchat/pkg/metrics"
)

// EventPublisher is how the relay talks back to clients.
//
// Services depend on this interface, not on *Hub, so tests can record
// outbound events without sockets. Every method is non-blocking: a client
// whose buffer is full is dropped instead of slowing the caller down.
type EventPublisher interface {
	SendToConn(connID string, event Event)
	BroadcastToConns(connIDs []string, event Event)
	DisconnectConn(connID string)
}

// Dispatcher handles what clients send. The hub calls it from a single
// goroutine, so implementations need no locking of their own. Each call
// must do bounded work.
type Dispatcher interface {
	HandleEvent(conn Conn, in Inbound)
	// HandleDisconnect is called exactly once per client, however the
	// connection ended.
	HandleDisconnect(conn Conn)
	// Maintain runs periodic sweeps between events.
	Maintain(now time.Time)
}

const inboundBufferSize = 1024

type inboundMessage struct {
	client *Client
	in     Inbound
}

// Hub owns every websocket connection and serializes all inbound events
// onto one goroutine (Run).
//
// Each client runs a read and a write goroutine. Reads are funnelled into
// the inbound channel; writes go through the client's buffered send
// channel, so the loop never blocks on a socket. A client that cannot keep
// up is removed rather than waited for.
//
// clients is guarded by mu because EventPublisher methods may also be
// called from outside the loop; the dispatcher itself only ever runs on
// the loop.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage

	// seq numbers every outbound event.
	seq atomic.Int64

	dispatcher    Dispatcher
	maintainEvery time.Duration
	metrics       *metrics.Metrics

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub that calls the dispatcher's Maintain every
// maintainEvery. m may be nil.
func NewHub(maintainEvery time.Duration, m *metrics.Metrics) *Hub {
	if maintainEvery <= 0 {
		maintainEvery = time.Minute
	}
	return &Hub{
		clients:       make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inboundMessage, inboundBufferSize),
		maintainEvery: maintainEvery,
		metrics:       m,
		done:          make(chan struct{}),
	}
}

// SetDispatcher wires the event handler. Must be called before Run.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// Run is the hub's event loop; main starts it with `go hub.Run(ctx)`.
// Registration, disconnects, inbound events and maintenance ticks are
// handled one at a time, so none of them can starve the others for longer
// than one bounded step. Run returns when ctx is cancelled, after closing
// every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.maintainEvery)
	defer ticker.Stop()
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
			if !client.released {
				client.released = true
				h.dispatch("disconnect", func(d Dispatcher) { d.HandleDisconnect(client.info()) })
			}

		case msg := <-h.inbound:
			if msg.client.released {
				continue
			}
			h.dispatch(msg.in.Op, func(d Dispatcher) { d.HandleEvent(msg.client.info(), msg.in) })

		case now := <-ticker.C:
			h.dispatch("maintain", func(d Dispatcher) { d.Maintain(now) })
		}
	}
}

// dispatch runs fn against the dispatcher and recovers from any panic so
// one bad event cannot take the loop (and every other session) down.
func (h *Hub) dispatch(op string, fn func(Dispatcher)) {
	if h.dispatcher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.metrics.RecordPanic()
			slog.Error("dispatcher panic",
				"component", "ws",
				"op", op,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(h.dispatcher)
}

// Register queues a new client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// submit queues an inbound event; false once the hub has stopped.
func (h *Hub) submit(client *Client, in Inbound) bool {
	select {
	case h.inbound <- inboundMessage{client: client, in: in}:
		return true
	case <-h.done:
		return false
	}
}

// leave queues client for removal without blocking a stopped hub.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetConnections(n)
	slog.Debug("client connected", "component", "ws", "conn", client.id, "address", client.address, "connections", n)
}

// removeClient drops client from the map and closes its send channel. It
// is a no-op if the client was already removed.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.id]
	if ok && current == client {
		delete(h.clients, client.id)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok && current == client {
		h.metrics.SetConnections(n)
		slog.Debug("client disconnected", "component", "ws", "conn", client.id, "connections", n)
	}
}

// SendToConn sends event to one connection.
func (h *Hub) SendToConn(connID string, event Event) {
	data, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if client, ok := h.clients[connID]; ok {
		h.trySend(client, data)
	}
}

// BroadcastToConns sends the same event to every listed connection.
func (h *Hub) BroadcastToConns(connIDs []string, event Event) {
	if len(connIDs) == 0 {
		return
	}
	data, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range connIDs {
		if client, ok := h.clients[id]; ok {
			h.trySend(client, data)
		}
	}
}

// DisconnectConn closes a connection from the server side. Anything
// already queued for it (a "kicked" notice, say) is still written before
// the close frame.
func (h *Hub) DisconnectConn(connID string) {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.SetConnections(n)
		slog.Info("connection closed by server", "component", "ws", "conn", connID)
	}
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) encode(event Event) ([]byte, bool) {
	event.Seq = h.seq.Add(1)
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "component", "ws", "op", event.Op, "error", err)
		return nil, false
	}
	return data, true
}

// trySend must be called with mu held (read or write).
func (h *Hub) trySend(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		// Buffer full: the client is too slow, drop it.
		slog.Warn("send buffer full, dropping client", "component", "ws", "conn", client.id)
		go h.leave(client)
	}
}

// shutdown closes every connection. Pumps blocked on the hub see done and
// exit.
func (h *Hub) shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, client := range h.clients {
			close(client.send)
		}
		h.clients = make(map[string]*Client)
		h.mu.Unlock()

		h.metrics.SetConnections(0)
		slog.Info("hub shut down, all connections closed", "component", "ws")
	})
}

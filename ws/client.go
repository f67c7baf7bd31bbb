package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for writing one frame.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent. Clients send a
	// heartbeat every 30s, so three missed heartbeats drop the connection.
	pongWait = 90 * time.Second

	// sendBufferSize is the per-client outbound queue. A client that lets
	// it fill up is disconnected.
	sendBufferSize = 256

	// heartbeatMinGap is the closest spacing at which heartbeats are
	// answered by the transport. Faster ones go to the dispatcher so the
	// abuse gate sees them.
	heartbeatMinGap = time.Second

	// envelopeOverhead is added to the payload ceiling to get the frame
	// read limit, leaving room for the JSON envelope around a maximal
	// message.
	envelopeOverhead = 64 << 10
)

// Client is one websocket connection. It runs two goroutines: ReadPump
// (socket → hub) and WritePump (send → socket), since gorilla/websocket
// allows one concurrent reader and one concurrent writer.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	address string
	lang    string

	readLimit int64

	send chan []byte
	mu   sync.Mutex // serializes conn writes

	// lastHeartbeat is only touched by ReadPump.
	lastHeartbeat time.Time

	// released is set by the hub loop once the dispatcher has seen the
	// disconnect. Only touched on the loop.
	released bool
}

func newClient(hub *Hub, conn *websocket.Conn, id, address, lang string, maxPayload int64) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		id:        id,
		address:   address,
		lang:      lang,
		readLimit: maxPayload + envelopeOverhead,
		send:      make(chan []byte, sendBufferSize),
	}
}

func (c *Client) info() Conn {
	return Conn{ID: c.id, Address: c.address, Lang: c.lang}
}

// ReadPump reads frames until the connection fails or closes, then
// unregisters the client. It runs on the HTTP handler's goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.readLimit)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline", "component", "ws", "conn", c.id, "error", err)
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("unexpected close", "component", "ws", "conn", c.id, "error", err)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Op == "" {
			// Unparseable frames carry no ack or payload, but the sender
			// still pays for them at the gate.
			slog.Debug("invalid frame", "component", "ws", "conn", c.id, "bytes", len(raw))
			in = Inbound{Op: OpInvalidFrame}
		}

		now := time.Now()
		if in.Op == OpHeartbeat && now.Sub(c.lastHeartbeat) >= heartbeatMinGap {
			c.lastHeartbeat = now
			if err := c.conn.SetReadDeadline(now.Add(pongWait)); err != nil {
				slog.Warn("failed to set read deadline", "component", "ws", "conn", c.id, "error", err)
				return
			}
			c.hub.SendToConn(c.id, Event{Op: OpHeartbeatAck, Ack: in.Ack})
			continue
		}

		// Invalid frames do not refresh liveness; everything else does.
		if in.Op != OpInvalidFrame {
			if err := c.conn.SetReadDeadline(now.Add(pongWait)); err != nil {
				return
			}
		}
		if !c.hub.submit(c, in) {
			return
		}
	}
}

// WritePump drains the send channel onto the socket. A closed channel
// means the hub removed the client: write a close frame and stop.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		message, ok := <-c.send
		if !ok {
			c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		if err := c.writeMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

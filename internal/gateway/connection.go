package gateway

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"alex/internal/adapter"
	"alex/internal/store"
)

// clientFrame is the inbound JSON envelope a connected client may send
// (spec §4.8, §6 "ping" / "pty:*").
type clientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`   // pty session id, for pty:* frames
	Data string `json:"data"` // pty:input payload
	Cols int    `json:"cols"` // pty:resize
	Rows int    `json:"rows"`
}

// connection is one upgraded WebSocket client. It fans the bus and adapter
// event streams out, and routes pty:* client frames into the PTY manager.
type connection struct {
	id   string
	conn *websocket.Conn
	gw   *Gateway

	outbound chan []byte
	closed   chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	bufferedBytes int
	paused        bool
	attached      map[string]bool

	unsubscribeBus     func()
	unsubscribeAdapter func()
}

func newConnection(conn *websocket.Conn, gw *Gateway) *connection {
	return &connection{
		id:       uuid.NewString(),
		conn:     conn,
		gw:       gw,
		outbound: make(chan []byte, outboundQueueDepth),
		closed:   make(chan struct{}),
		attached: make(map[string]bool),
	}
}

// ID satisfies pty.Subscriber.
func (c *connection) ID() string { return c.id }

// Deliver satisfies pty.Subscriber: pty output/exit frames from an attached
// session. Output frames are droppable under gateway-level backpressure;
// exit frames are always delivered (spec §4.8, §8 P8/S6).
func (c *connection) Deliver(data []byte, exit bool, code *int) {
	if exit {
		c.enqueue(encodePTYExit(c.lastAttachedID(), code), false)
		return
	}
	c.enqueue(encodePTYOutput(c.lastAttachedID(), data), true)
}

// lastAttachedID is a best-effort label for Deliver frames: a connection
// typically attaches to one pty session at a time from the client's point
// of view, so one of the attached ids is used to tag output. With several
// sessions attached, which id is returned is not defined (map order).
func (c *connection) lastAttachedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.attached {
		return id
	}
	return ""
}

func (c *connection) run() {
	c.unsubscribeBus = c.gw.bus.Subscribe(c.onAgentEvent)
	if c.gw.adapter != nil {
		c.unsubscribeAdapter = c.gw.adapter.OnEvent(c.onAdapterEvent)
	}

	go c.writePump()
	go c.heartbeat()

	c.readPump()
	c.shutdown()
}

func (c *connection) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
	if c.unsubscribeBus != nil {
		c.unsubscribeBus()
	}
	if c.unsubscribeAdapter != nil {
		c.unsubscribeAdapter()
	}
	c.gw.pty.DetachAll(c)
	_ = c.conn.Close()
}

func (c *connection) readPump() {
	c.conn.SetReadLimit(MaxPayloadBytes)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.closeWithCode(websocket.CloseNormalClosure, "Pong timeout")
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.gw.log.Warn("connection %s: malformed frame: %v", c.id, err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *connection) handleFrame(frame clientFrame) {
	switch frame.Type {
	case "ping":
		c.enqueue(mustJSON(map[string]string{"type": "pong"}), false)
	case "pty:attach":
		if err := c.gw.pty.Attach(frame.ID, c); err != nil {
			c.enqueue(encodePTYError(frame.ID, err.Error()), false)
			return
		}
		c.mu.Lock()
		c.attached[frame.ID] = true
		c.mu.Unlock()
		c.enqueue(mustJSON(map[string]string{"type": "pty:attached", "id": frame.ID}), false)
	case "pty:detach":
		_ = c.gw.pty.Detach(frame.ID, c)
		c.mu.Lock()
		delete(c.attached, frame.ID)
		c.mu.Unlock()
	case "pty:input":
		if err := c.gw.pty.Write(frame.ID, []byte(frame.Data)); err != nil {
			c.enqueue(encodePTYError(frame.ID, err.Error()), false)
		}
	case "pty:resize":
		if err := c.gw.pty.Resize(frame.ID, frame.Cols, frame.Rows); err != nil {
			c.enqueue(encodePTYError(frame.ID, err.Error()), false)
		}
	default:
		c.gw.log.Debug("connection %s: unhandled frame type %q", c.id, frame.Type)
	}
}

// onAgentEvent forwards a Store domain event (spec §6 "Event wire format").
// These are never dropped under backpressure.
func (c *connection) onAgentEvent(evt store.AgentEvent) {
	c.enqueue(mustJSON(map[string]any{"type": "agent", "event": evt}), false)
}

// onAdapterEvent forwards the adapter's raw streaming events. Agent-message
// deltas are droppable under backpressure; everything else is not (spec
// §4.8 "Agent-message and tool-call delta events may be dropped while
// paused; all other events ... must be delivered").
func (c *connection) onAdapterEvent(evt adapter.Event) {
	droppable := evt.Type == adapter.EventAgentMessageDelta
	c.enqueue(mustJSON(map[string]any{"type": evt.Type, "event": evt}), droppable)
}

// enqueue applies gateway-level backpressure (spec §4.8, §8 P8): while
// paused, droppable frames are silently discarded; non-droppable frames are
// always queued (best-effort — a full channel still drops to avoid
// blocking the emitting goroutine, per spec §5 "Gateway awaits socket send
// completion" being scoped to the write pump, not publishers).
func (c *connection) enqueue(data []byte, droppable bool) {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused && droppable {
		return
	}

	select {
	case c.outbound <- data:
		c.mu.Lock()
		c.bufferedBytes += len(data)
		if c.bufferedBytes > pauseThreshold {
			c.paused = true
		}
		c.mu.Unlock()
	case <-c.closed:
	default:
		// Outbound queue itself is full; drop rather than block the
		// publisher (bus Publish / adapter OnEvent dispatch).
	}
}

func (c *connection) writePump() {
	for {
		select {
		case data, ok := <-c.outbound:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.mu.Lock()
			c.bufferedBytes -= len(data)
			if c.bufferedBytes < 0 {
				c.bufferedBytes = 0
			}
			if c.paused && c.bufferedBytes < resumeThreshold {
				c.paused = false
			}
			c.mu.Unlock()
		case <-c.closed:
			return
		}
	}
}

func (c *connection) heartbeat() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(pongTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.closeWithCode(websocket.CloseNormalClosure, "Pong timeout")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.closeOnce.Do(func() { close(c.closed) })
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","error":"internal_error"}`)
	}
	return b
}

func encodePTYOutput(id string, data []byte) []byte {
	return mustJSON(map[string]any{"type": "pty:output", "id": id, "data": string(data)})
}

func encodePTYExit(id string, code *int) []byte {
	return mustJSON(map[string]any{"type": "pty:exit", "id": id, "code": code})
}

func encodePTYError(id, message string) []byte {
	return mustJSON(map[string]any{"type": "pty:error", "id": id, "error": message})
}

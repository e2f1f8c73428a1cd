package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/perpstream/feedhub/src/types"
)

const sendQueueSlots = 256

// Client wraps one subscriber connection and manages its message flow.
// The transport handle is owned by the read/write pumps; every field tagged
// "hub loop" below is touched only by the hub goroutine.
type Client struct {
	ID      uint64
	IP      string
	traceID string // correlation id for logs

	conn types.Conn
	hub  *Hub

	send        chan []byte
	queued      int64 // atomic: bytes sitting in send
	maxQueued   int64
	connectedAt time.Time

	// hub loop only.
	authenticated bool
	authTimer     *time.Timer

	// Heartbeat: armed by the write pump on ping, cleared by the pong
	// handler running on the read side.
	pongTimer *time.Timer

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewClient creates a client for an accepted connection. The caller must
// Register it before starting the pumps.
func (h *Hub) NewClient(conn types.Conn, ip string) *Client {
	c := &Client{
		ID:          atomic.AddUint64(&h.nextID, 1),
		IP:          ip,
		traceID:     uuid.New().String(),
		conn:        conn,
		hub:         h,
		send:        make(chan []byte, sendQueueSlots),
		maxQueued:   int64(h.cfg.Limits.MaxSendBuffer),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	conn.SetPongHandler(c.handlePong)
	return c
}

// Info returns metadata about this client, channels included.
// Safe only from the hub loop.
func (c *Client) Info() types.ClientInfo {
	channels := make([]string, 0, 4)
	for key := range c.hub.index.byConn[c.ID] {
		channels = append(channels, key.String())
	}
	return types.ClientInfo{
		ID:          c.ID,
		IP:          c.IP,
		ConnectedAt: c.connectedAt,
		Channels:    channels,
	}
}

// enqueue queues an outbound frame without blocking. It refuses when the
// client's queued bytes would exceed the backpressure bound or the slot
// buffer is full; the caller moves on and a later event retries.
func (c *Client) enqueue(data []byte) bool {
	n := int64(len(data))
	if atomic.LoadInt64(&c.queued)+n > c.maxQueued {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		atomic.AddInt64(&c.queued, n)
		return true
	default:
		return false
	}
}

// sendJSON marshals and enqueues a control reply.
func (c *Client) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

// sendError enqueues an error reply. The connection stays open.
func (c *Client) sendError(message string) {
	c.sendJSON(map[string]any{"type": types.MsgError, "message": message})
}

// ReadPump reads frames from the connection and routes them to the hub.
// It runs on the accepting goroutine and unregisters the client on exit.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	maxBytes := c.hub.cfg.Limits.MaxMessageBytes
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.metrics.countReceived(len(data))

		if len(data) > maxBytes {
			c.sendError("message too large")
			continue
		}
		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		select {
		case c.hub.incoming <- inbound{client: c, msg: msg}:
		case <-c.hub.done:
			return
		case <-c.done:
			return
		}
	}
}

// WritePump writes queued frames and drives the heartbeat. Call in a
// goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.Timing.PingInterval())
	defer func() {
		ticker.Stop()
		c.stopPongTimer()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			atomic.AddInt64(&c.queued, -int64(len(data)))
			if err := c.conn.WriteMessage(data); err != nil {
				c.hub.logger.Debug().
					Uint64("client_id", c.ID).
					Err(err).
					Msg("write failed, disconnecting")
				return
			}
			c.hub.metrics.countSent(len(data))

		case <-ticker.C:
			c.armPongTimeout()
			if err := c.conn.Ping(); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// armPongTimeout starts the pong deadline unless a ping is already
// outstanding.
func (c *Client) armPongTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pongTimer != nil {
		return
	}
	c.pongTimer = time.AfterFunc(c.hub.cfg.Timing.PongTimeout(), c.terminateUnresponsive)
}

// handlePong clears the outstanding-ping mark and cancels the deadline.
func (c *Client) handlePong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

func (c *Client) stopPongTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// terminateUnresponsive force-closes a connection whose peer missed the
// pong deadline. No close frame: a non-responsive peer cannot read one.
func (c *Client) terminateUnresponsive() {
	c.hub.logger.Warn().
		Uint64("client_id", c.ID).
		Str("ip", c.IP).
		Msg("pong timeout, terminating connection")
	c.hub.metrics.countHeartbeatKill()
	c.conn.Close()
}

// closeWithPolicy sends a policy-violation close frame, then drops the
// transport. The read pump's exit drives the actual unregistration.
func (c *Client) closeWithPolicy(reason string) {
	c.conn.WriteClose(types.ClosePolicyViolation, reason)
	c.conn.Close()
}

// Close releases the client's local resources. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	close(c.done)
}

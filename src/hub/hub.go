package hub

import (
	"context"
	"time"

	"github.com/perpstream/feedhub/config"
	"github.com/perpstream/feedhub/src/auth"
	"github.com/perpstream/feedhub/src/types"
	"github.com/rs/zerolog"
)

// SnapshotSource supplies the last known price for a market, used to seed
// a new price subscription. Defined here to avoid circular imports with
// the snapshot package.
type SnapshotSource interface {
	// LastPrice returns nil data when no snapshot exists.
	LastPrice(ctx context.Context, marketID string) (map[string]any, error)
}

const snapshotTimeout = 2 * time.Second

// Hub is the single owner of all shared subscription state: the connection
// registry, the subscription index, the pending-update map, and every
// derived counter. All mutation funnels through its Run loop; other
// goroutines only send requests over the channels below. Socket I/O never
// happens on the loop — delivery is a non-blocking enqueue to each
// recipient's write pump.
type Hub struct {
	cfg       *config.Config
	gate      *auth.Gate
	snapshots SnapshotSource

	registry registry
	index    subIndex
	batcher  batcher
	metrics  *Metrics

	register    chan registerReq
	unregister  chan *Client
	incoming    chan inbound
	events      chan types.Event
	flush       chan string
	authExpired chan uint64
	inspect     chan func()

	nextID uint64
	logger zerolog.Logger
	done   chan struct{}
}

type registerReq struct {
	client *Client
	reply  chan error
}

type inbound struct {
	client *Client
	msg    types.ClientMessage
}

// New creates a hub. gate must not be nil; snapshots may be (snapshot
// delivery is then skipped).
func New(cfg *config.Config, gate *auth.Gate, snapshots SnapshotSource, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		gate:        gate,
		snapshots:   snapshots,
		registry:    newRegistry(cfg.Limits.MaxConnections, cfg.Limits.MaxPerIP),
		index:       newSubIndex(cfg.Limits.MaxSubsPerClient, cfg.Limits.MaxPerChannel, cfg.Limits.MaxSubsGlobal),
		batcher:     newBatcher(cfg.Timing.BatchWindow()),
		metrics:     newMetrics(cfg.Metrics.Window()),
		register:    make(chan registerReq),
		unregister:  make(chan *Client, 64),
		incoming:    make(chan inbound, 256),
		events:      make(chan types.Event, 1024),
		flush:       make(chan string, 256),
		authExpired: make(chan uint64, 64),
		inspect:     make(chan func()),
		logger:      logger.With().Str("component", "hub").Logger(),
		done:        make(chan struct{}),
	}
}

// Metrics exposes the collector for the status surface.
func (h *Hub) Metrics() *Metrics { return h.metrics }

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	go h.metrics.run()
	defer h.metrics.stop()

	for {
		select {
		case req := <-h.register:
			req.reply <- h.addClient(req.client)
		case c := <-h.unregister:
			h.removeClient(c)
		case in := <-h.incoming:
			h.handleMessage(in.client, in.msg)
		case ev := <-h.events:
			h.handleEvent(ev)
		case market := <-h.flush:
			h.flushMarket(market)
		case id := <-h.authExpired:
			h.expireAuth(id)
		case fn := <-h.inspect:
			fn()
		case <-h.done:
			h.batcher.stopAll()
			return
		}
	}
}

// Stop halts the hub event loop.
func (h *Hub) Stop() {
	close(h.done)
}

// Shutdown closes every client with a going-away frame, then stops the
// loop.
func (h *Hub) Shutdown() {
	h.do(func() {
		for _, c := range h.registry.clients {
			c.conn.WriteClose(types.CloseGoingAway, "server shutting down")
			c.conn.Close()
			c.Close()
		}
	})
	h.Stop()
}

// Register admits a client, enforcing the global and per-IP caps. On error
// the caller owns the connection and should refuse it with a
// policy-violation close.
func (h *Hub) Register(c *Client) error {
	req := registerReq{client: c, reply: make(chan error, 1)}
	select {
	case h.register <- req:
		return <-req.reply
	case <-h.done:
		return ErrShuttingDown
	}
}

// Unregister queues a client for removal. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish injects an upstream market event.
func (h *Hub) Publish(ev types.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// do runs fn on the hub loop and waits for it. Read-only inspection only.
func (h *Hub) do(fn func()) {
	doneFn := make(chan struct{})
	wrapped := func() {
		fn()
		close(doneFn)
	}
	select {
	case h.inspect <- wrapped:
		<-doneFn
	case <-h.done:
	}
}

// Stats is the hub-level view served by the status endpoint.
type Stats struct {
	Connections   int            `json:"connections"`
	Subscriptions int            `json:"subscriptions"`
	Channels      int            `json:"channels"`
	Markets       map[string]int `json:"markets"`
}

// Snapshot copies the current registry and index aggregates.
func (h *Hub) Snapshot() Stats {
	var s Stats
	h.do(func() {
		s = Stats{
			Connections:   h.registry.count(),
			Subscriptions: h.index.global,
			Channels:      len(h.index.byChannel),
			Markets:       h.index.marketConnCounts(),
		}
	})
	return s
}

// ClientInfo returns info for a connected client, or nil.
func (h *Hub) ClientInfo(id uint64) *types.ClientInfo {
	var info *types.ClientInfo
	h.do(func() {
		if c, ok := h.registry.get(id); ok {
			i := c.Info()
			info = &i
		}
	})
	return info
}

func (h *Hub) addClient(c *Client) error {
	if err := h.registry.admit(c); err != nil {
		h.logger.Warn().
			Str("ip", c.IP).
			Err(err).
			Msg("connection refused")
		return err
	}
	h.metrics.countConnection()
	h.metrics.setConnections(h.registry.count())

	if h.gate.Required() {
		id := c.ID
		c.authTimer = time.AfterFunc(h.cfg.Auth.Deadline(), func() {
			select {
			case h.authExpired <- id:
			case <-h.done:
			}
		})
	} else {
		c.authenticated = true
	}

	c.sendJSON(map[string]any{"type": types.MsgConnected, "id": c.ID})

	h.logger.Info().
		Uint64("client_id", c.ID).
		Str("ip", c.IP).
		Str("trace_id", c.traceID).
		Msg("client registered")
	return nil
}

// removeClient tears a connection down exactly once: subscriptions first,
// then counters, then the client's own timers. Safe to reach from every
// close path.
func (h *Hub) removeClient(c *Client) {
	if !h.registry.remove(c) {
		return
	}
	removed := h.index.removeConn(c.ID)
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.Close()

	h.metrics.setConnections(h.registry.count())
	h.metrics.setSubscriptions(h.index.global)

	h.logger.Info().
		Uint64("client_id", c.ID).
		Str("ip", c.IP).
		Int("subscriptions_removed", removed).
		Msg("client unregistered")
}

// expireAuth closes a connection that missed the authentication deadline.
func (h *Hub) expireAuth(id uint64) {
	c, ok := h.registry.get(id)
	if !ok || c.authenticated {
		return
	}
	h.logger.Warn().
		Uint64("client_id", id).
		Str("ip", c.IP).
		Msg("authentication deadline missed, closing")
	c.closeWithPolicy("authentication timeout")
}

// handleEvent routes an upstream event: trades and funding forward
// immediately, price coalesces through the batcher. Events for unwatched
// channels are discarded without touching pending state.
func (h *Hub) handleEvent(ev types.Event) {
	key := ev.Channel()
	subs := h.index.subscribers(key)
	if len(subs) == 0 {
		return
	}

	if key.Kind == types.KindPrice {
		market := ev.MarketID
		h.batcher.add(ev, func() {
			select {
			case h.flush <- market:
			case <-h.done:
			}
		})
		return
	}

	h.deliver(subs, encodeEvent(ev))
}

// flushMarket delivers the latest coalesced price update to the market's
// current subscribers.
func (h *Hub) flushMarket(marketID string) {
	ev, ok := h.batcher.take(marketID)
	if !ok {
		return
	}
	subs := h.index.subscribers(types.ChannelKey{Kind: types.KindPrice, MarketID: marketID})
	if len(subs) == 0 {
		return
	}
	h.deliver(subs, encodeEvent(ev))
}

// deliver enqueues a pre-encoded frame to every recipient, skipping
// clients whose outbound buffer is over the backpressure bound.
func (h *Hub) deliver(subs map[uint64]struct{}, data []byte) {
	for id := range subs {
		c, ok := h.registry.get(id)
		if !ok {
			continue
		}
		if !c.enqueue(data) {
			h.metrics.countDrop()
			h.logger.Debug().
				Uint64("client_id", id).
				Msg("send buffer full, dropping")
		}
	}
}

// deliverSnapshot fetches the last known price off-loop and sends it to
// one subscriber, best-effort.
func (h *Hub) deliverSnapshot(c *Client, marketID string) {
	if h.snapshots == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		data, err := h.snapshots.LastPrice(ctx, marketID)
		if err != nil || data == nil {
			return
		}
		out := map[string]any{"type": types.MsgPrice, "marketId": marketID}
		for k, v := range data {
			if k == "type" || k == "marketId" {
				continue
			}
			out[k] = v
		}
		if _, ok := out["timestamp"]; !ok {
			out["timestamp"] = time.Now().UnixMilli()
		}
		c.sendJSON(out)
	}()
}

package types

import "time"

// Close codes sent with a websocket close frame. Mirrors RFC 6455.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// ClientMessage is an inbound message from a subscriber.
// Channels carries the current channel-array form; MarketID carries the
// legacy single-market form, which expands to every channel kind.
type ClientMessage struct {
	Type     string   `json:"type"`
	Token    string   `json:"token,omitempty"`
	Channels []string `json:"channels,omitempty"`
	MarketID string   `json:"marketId,omitempty"`
}

// Inbound message types.
const (
	MsgAuth        = "auth"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
)

// Outbound message types.
const (
	MsgConnected     = "connected"
	MsgAuthenticated = "authenticated"
	MsgSubscribed    = "subscribed"
	MsgUnsubscribed  = "unsubscribed"
	MsgPrice         = "price"
	MsgTrade         = "trade"
	MsgFunding       = "funding"
	MsgError         = "error"
)

// Event is an upstream market event injected by the feed.
type Event struct {
	Kind     EventKind      `json:"kind"`
	MarketID string         `json:"marketId"`
	Data     map[string]any `json:"data"`
	At       time.Time      `json:"at"`
}

// EventKind names the upstream event families.
type EventKind string

const (
	EventPriceUpdated   EventKind = "price.updated"
	EventTradeExecuted  EventKind = "trade.executed"
	EventFundingUpdated EventKind = "funding.updated"
)

// Channel returns the channel key this event is delivered on.
func (e Event) Channel() ChannelKey {
	switch e.Kind {
	case EventTradeExecuted:
		return ChannelKey{Kind: KindTrades, MarketID: e.MarketID}
	case EventFundingUpdated:
		return ChannelKey{Kind: KindFunding, MarketID: e.MarketID}
	default:
		return ChannelKey{Kind: KindPrice, MarketID: e.MarketID}
	}
}

// Conn abstracts a WebSocket connection for testability.
// Implementations must be safe for one concurrent reader and one writer.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends a single text frame.
	WriteMessage(data []byte) error

	// Ping sends a transport-level ping frame.
	Ping() error

	// SetPongHandler registers a callback invoked when a pong frame
	// arrives. Pongs surface while ReadMessage is blocked.
	SetPongHandler(fn func())

	// WriteClose sends a close frame with the given code and reason.
	WriteClose(code int, reason string) error

	Close() error
}

// ClientInfo holds metadata about a connected subscriber.
type ClientInfo struct {
	ID          uint64    `json:"id"`
	IP          string    `json:"ip"`
	ConnectedAt time.Time `json:"connected_at"`
	Channels    []string  `json:"channels"`
}

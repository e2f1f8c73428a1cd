package types

import (
	"fmt"
	"strings"
)

// ChannelKind is the event family a channel carries.
type ChannelKind string

const (
	KindPrice   ChannelKind = "price"
	KindTrades  ChannelKind = "trades"
	KindFunding ChannelKind = "funding"
)

// Kinds lists every channel kind, in the order the legacy single-market
// subscribe form expands to.
var Kinds = []ChannelKind{KindPrice, KindTrades, KindFunding}

// ChannelKey identifies one subscribable channel: a kind plus a market.
// It is an immutable value and is used directly as a map key.
type ChannelKey struct {
	Kind     ChannelKind
	MarketID string
}

// String renders the wire form, e.g. "price:BTC-PERP".
func (k ChannelKey) String() string {
	return string(k.Kind) + ":" + k.MarketID
}

const maxMarketIDLen = 64

// ParseChannel parses and validates a wire channel string ("kind:marketId").
func ParseChannel(s string) (ChannelKey, error) {
	kind, market, ok := strings.Cut(s, ":")
	if !ok {
		return ChannelKey{}, fmt.Errorf("malformed channel %q: want kind:marketId", s)
	}

	switch ChannelKind(kind) {
	case KindPrice, KindTrades, KindFunding:
	default:
		return ChannelKey{}, fmt.Errorf("unknown channel kind %q", kind)
	}

	market, err := SanitizeMarketID(market)
	if err != nil {
		return ChannelKey{}, err
	}
	return ChannelKey{Kind: ChannelKind(kind), MarketID: market}, nil
}

// SanitizeMarketID validates a market identifier: non-empty, bounded
// length, and limited to alphanumerics plus '-', '_', '.', '/'.
func SanitizeMarketID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty market id")
	}
	if len(s) > maxMarketIDLen {
		return "", fmt.Errorf("market id too long: %d bytes", len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '/':
		default:
			return "", fmt.Errorf("market id %q contains invalid byte %q", s, c)
		}
	}
	return s, nil
}

// ExpandMarket returns the channel keys the legacy single-market form
// stands for: one channel of each kind for the market.
func ExpandMarket(marketID string) ([]ChannelKey, error) {
	market, err := SanitizeMarketID(marketID)
	if err != nil {
		return nil, err
	}
	keys := make([]ChannelKey, 0, len(Kinds))
	for _, kind := range Kinds {
		keys = append(keys, ChannelKey{Kind: kind, MarketID: market})
	}
	return keys, nil
}

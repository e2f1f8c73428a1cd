package hub

import (
	"errors"

	"github.com/perpstream/feedhub/src/types"
)

// Subscription quota errors.
var (
	ErrGlobalSubLimit  = errors.New("global subscription limit reached")
	ErrClientSubLimit  = errors.New("subscription limit reached for this connection")
	ErrChannelSubLimit = errors.New("channel is full")
)

// subIndex is the bidirectional connection-channel mapping, plus a derived
// market index for cheap "does anyone care about this market" checks.
// Both directions are kept mutually consistent by construction: every
// mutation updates both or neither. All access happens on the hub loop.
type subIndex struct {
	byConn    map[uint64]map[types.ChannelKey]struct{}
	byChannel map[types.ChannelKey]map[uint64]struct{}
	byMarket  map[string]map[uint64]struct{}

	global        int
	maxPerClient  int
	maxPerChannel int
	maxGlobal     int
}

func newSubIndex(maxPerClient, maxPerChannel, maxGlobal int) subIndex {
	return subIndex{
		byConn:        make(map[uint64]map[types.ChannelKey]struct{}),
		byChannel:     make(map[types.ChannelKey]map[uint64]struct{}),
		byMarket:      make(map[string]map[uint64]struct{}),
		maxPerClient:  maxPerClient,
		maxPerChannel: maxPerChannel,
		maxGlobal:     maxGlobal,
	}
}

// subscribe commits one (connection, channel) pair. added is false when the
// pair already exists. A quota error leaves every map and counter untouched.
func (x *subIndex) subscribe(id uint64, key types.ChannelKey) (added bool, err error) {
	if _, ok := x.byConn[id][key]; ok {
		return false, nil
	}
	if x.global >= x.maxGlobal {
		return false, ErrGlobalSubLimit
	}
	if len(x.byConn[id]) >= x.maxPerClient {
		return false, ErrClientSubLimit
	}
	if len(x.byChannel[key]) >= x.maxPerChannel {
		return false, ErrChannelSubLimit
	}

	if x.byConn[id] == nil {
		x.byConn[id] = make(map[types.ChannelKey]struct{})
	}
	x.byConn[id][key] = struct{}{}

	if x.byChannel[key] == nil {
		x.byChannel[key] = make(map[uint64]struct{})
	}
	x.byChannel[key][id] = struct{}{}

	if x.byMarket[key.MarketID] == nil {
		x.byMarket[key.MarketID] = make(map[uint64]struct{})
	}
	x.byMarket[key.MarketID][id] = struct{}{}

	x.global++
	return true, nil
}

// unsubscribe removes one pair. Removing a pair that does not exist is a
// no-op.
func (x *subIndex) unsubscribe(id uint64, key types.ChannelKey) bool {
	if _, ok := x.byConn[id][key]; !ok {
		return false
	}
	delete(x.byConn[id], key)
	if len(x.byConn[id]) == 0 {
		delete(x.byConn, id)
	}

	delete(x.byChannel[key], id)
	if len(x.byChannel[key]) == 0 {
		delete(x.byChannel, key)
	}

	// The market index holds the connection while any kind for that
	// market remains subscribed.
	if !x.hasMarket(id, key.MarketID) {
		delete(x.byMarket[key.MarketID], id)
		if len(x.byMarket[key.MarketID]) == 0 {
			delete(x.byMarket, key.MarketID)
		}
	}

	x.global--
	return true
}

// removeConn unsubscribes the connection from every channel it holds and
// returns how many subscriptions were dropped.
func (x *subIndex) removeConn(id uint64) int {
	keys := make([]types.ChannelKey, 0, len(x.byConn[id]))
	for key := range x.byConn[id] {
		keys = append(keys, key)
	}
	removed := 0
	for _, key := range keys {
		if x.unsubscribe(id, key) {
			removed++
		}
	}
	return removed
}

func (x *subIndex) hasMarket(id uint64, marketID string) bool {
	for _, kind := range types.Kinds {
		if _, ok := x.byConn[id][types.ChannelKey{Kind: kind, MarketID: marketID}]; ok {
			return true
		}
	}
	return false
}

// subscribers returns the set for a channel; nil when nobody listens.
func (x *subIndex) subscribers(key types.ChannelKey) map[uint64]struct{} {
	return x.byChannel[key]
}

// marketConnCounts snapshots the per-market connection counts.
func (x *subIndex) marketConnCounts() map[string]int {
	out := make(map[string]int, len(x.byMarket))
	for market, conns := range x.byMarket {
		out[market] = len(conns)
	}
	return out
}

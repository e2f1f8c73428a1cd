package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/perpstream/feedhub/src/types"
)

// handleMessage dispatches one parsed inbound message. While a connection
// is unauthenticated in required mode, everything except auth is rejected
// with an error reply; the connection stays open.
func (h *Hub) handleMessage(c *Client, msg types.ClientMessage) {
	if h.gate.Required() && !c.authenticated && msg.Type != types.MsgAuth {
		c.sendError("Authentication required")
		return
	}

	switch msg.Type {
	case types.MsgAuth:
		h.handleAuth(c, msg)
	case types.MsgSubscribe:
		h.handleSubscribe(c, msg)
	case types.MsgUnsubscribe:
		h.handleUnsubscribe(c, msg)
	default:
		c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (h *Hub) handleAuth(c *Client, msg types.ClientMessage) {
	if c.authenticated {
		c.sendJSON(map[string]any{"type": types.MsgAuthenticated})
		return
	}
	if err := h.gate.VerifyToken(msg.Token, time.Now()); err != nil {
		h.logger.Debug().
			Uint64("client_id", c.ID).
			Err(err).
			Msg("token rejected")
		c.sendError("Authentication failed")
		return
	}

	c.authenticated = true
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.sendJSON(map[string]any{"type": types.MsgAuthenticated})
	h.logger.Debug().Uint64("client_id", c.ID).Msg("client authenticated")
}

// requestedChannels resolves a subscribe/unsubscribe request to channel
// keys. The legacy single-market form expands to every channel kind.
// Unparseable items become per-item errors; valid items are still
// returned.
func requestedChannels(msg types.ClientMessage) (keys []types.ChannelKey, errs []string) {
	if len(msg.Channels) > 0 {
		for _, raw := range msg.Channels {
			key, err := types.ParseChannel(raw)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			keys = append(keys, key)
		}
		return keys, errs
	}
	if msg.MarketID != "" {
		expanded, err := types.ExpandMarket(msg.MarketID)
		if err != nil {
			return nil, []string{err.Error()}
		}
		return expanded, nil
	}
	return nil, []string{"no channels requested"}
}

// handleSubscribe processes a batch subscribe. Per-channel cap rejections
// skip the one item; the global and per-client caps stop the batch, since
// every later item would fail the same way.
func (h *Hub) handleSubscribe(c *Client, msg types.ClientMessage) {
	keys, errs := requestedChannels(msg)

	var accepted []string
	for _, key := range keys {
		added, err := h.index.subscribe(c.ID, key)
		switch err {
		case nil:
		case ErrChannelSubLimit:
			errs = append(errs, fmt.Sprintf("%s: %s", key, err))
			continue
		default:
			errs = append(errs, err.Error())
		}
		if err != nil {
			break
		}
		if !added {
			continue // already subscribed
		}
		accepted = append(accepted, key.String())
		if key.Kind == types.KindPrice {
			h.deliverSnapshot(c, key.MarketID)
		}
	}
	h.metrics.setSubscriptions(h.index.global)

	if len(accepted) > 0 {
		c.sendJSON(map[string]any{"type": types.MsgSubscribed, "channels": accepted})
		h.logger.Debug().
			Uint64("client_id", c.ID).
			Strs("channels", accepted).
			Msg("subscribed")
	}
	if len(errs) > 0 {
		c.sendError(strings.Join(errs, "; "))
	}
}

func (h *Hub) handleUnsubscribe(c *Client, msg types.ClientMessage) {
	keys, errs := requestedChannels(msg)

	removed := make([]string, 0, len(keys))
	for _, key := range keys {
		if h.index.unsubscribe(c.ID, key) {
			removed = append(removed, key.String())
		}
	}
	h.metrics.setSubscriptions(h.index.global)

	c.sendJSON(map[string]any{"type": types.MsgUnsubscribed, "channels": removed})
	if len(errs) > 0 {
		c.sendError(strings.Join(errs, "; "))
	}
	if len(removed) > 0 {
		h.logger.Debug().
			Uint64("client_id", c.ID).
			Strs("channels", removed).
			Msg("unsubscribed")
	}
}

var eventMsgTypes = map[types.EventKind]string{
	types.EventPriceUpdated:   types.MsgPrice,
	types.EventTradeExecuted:  types.MsgTrade,
	types.EventFundingUpdated: types.MsgFunding,
}

// encodeEvent builds the outbound frame for an event once, so fan-out
// reuses the same bytes for every recipient.
func encodeEvent(ev types.Event) []byte {
	out := make(map[string]any, len(ev.Data)+3)
	out["type"] = eventMsgTypes[ev.Kind]
	out["marketId"] = ev.MarketID
	for k, v := range ev.Data {
		if k == "type" || k == "marketId" {
			continue
		}
		out[k] = v
	}
	if _, ok := out["timestamp"]; !ok {
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		out["timestamp"] = at.UnixMilli()
	}
	data, _ := json.Marshal(out)
	return data
}

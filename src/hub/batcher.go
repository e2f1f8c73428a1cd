package hub

import (
	"time"

	"github.com/perpstream/feedhub/src/types"
)

// batcher coalesces rapid price updates per market: the latest payload
// overwrites any pending one, and a single timer per market bounds flushes
// to one per window. Intermediate values are deliberately dropped.
// The maps are touched only on the hub loop; the timer callback hands the
// market back to the loop instead of reading state itself.
type batcher struct {
	pending map[string]types.Event
	armed   map[string]*time.Timer
	window  time.Duration
}

func newBatcher(window time.Duration) batcher {
	return batcher{
		pending: make(map[string]types.Event),
		armed:   make(map[string]*time.Timer),
		window:  window,
	}
}

// add stores the latest event for its market and arms the flush timer if
// none is pending. fire runs on the timer goroutine; it must only signal
// the hub loop.
func (b *batcher) add(ev types.Event, fire func()) {
	b.pending[ev.MarketID] = ev
	if _, ok := b.armed[ev.MarketID]; !ok {
		b.armed[ev.MarketID] = time.AfterFunc(b.window, fire)
	}
}

// take pops the pending event for a market and clears its timer slot, so
// the next update re-arms.
func (b *batcher) take(marketID string) (types.Event, bool) {
	ev, ok := b.pending[marketID]
	if !ok {
		delete(b.armed, marketID)
		return types.Event{}, false
	}
	delete(b.pending, marketID)
	delete(b.armed, marketID)
	return ev, true
}

// stopAll cancels every armed timer and drops pending state. Shutdown only.
func (b *batcher) stopAll() {
	for market, timer := range b.armed {
		timer.Stop()
		delete(b.armed, market)
	}
	for market := range b.pending {
		delete(b.pending, market)
	}
}

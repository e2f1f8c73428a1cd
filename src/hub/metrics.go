package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics aggregates throughput counters for external polling. It has no
// behavioral effect on the broadcast path: the hub and the pumps bump
// atomic counters, and a ticker folds them into per-second rates once per
// window.
type Metrics struct {
	window  time.Duration
	started time.Time

	// Gauges, written by the hub loop.
	connections   int64
	subscriptions int64

	// Lifetime counters.
	totalConnections int64
	heartbeatKills   int64

	// Window counters, reset every window.
	msgsSent  int64
	bytesSent int64
	msgsRecv  int64
	bytesRecv int64
	drops     int64

	mu    sync.RWMutex
	rates Rates

	done chan struct{}
	once sync.Once
}

// Rates holds per-second throughput over the last completed window.
type Rates struct {
	MessagesSentPerSec float64 `json:"messages_sent_per_sec"`
	BytesSentPerSec    float64 `json:"bytes_sent_per_sec"`
	MessagesRecvPerSec float64 `json:"messages_recv_per_sec"`
	BytesRecvPerSec    float64 `json:"bytes_recv_per_sec"`
	DropsPerSec        float64 `json:"drops_per_sec"`
}

// MetricsSnapshot is the read-only view served by the status endpoint.
type MetricsSnapshot struct {
	UptimeSeconds    int64 `json:"uptime_seconds"`
	Connections      int64 `json:"connections"`
	Subscriptions    int64 `json:"subscriptions"`
	TotalConnections int64 `json:"total_connections"`
	HeartbeatKills   int64 `json:"heartbeat_kills"`
	Rates            Rates `json:"rates"`
}

func newMetrics(window time.Duration) *Metrics {
	return &Metrics{
		window:  window,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// run folds window counters into rates. Started by the hub, stopped with it.
func (m *Metrics) run() {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.roll()
		case <-m.done:
			return
		}
	}
}

func (m *Metrics) stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *Metrics) roll() {
	secs := m.window.Seconds()
	r := Rates{
		MessagesSentPerSec: float64(atomic.SwapInt64(&m.msgsSent, 0)) / secs,
		BytesSentPerSec:    float64(atomic.SwapInt64(&m.bytesSent, 0)) / secs,
		MessagesRecvPerSec: float64(atomic.SwapInt64(&m.msgsRecv, 0)) / secs,
		BytesRecvPerSec:    float64(atomic.SwapInt64(&m.bytesRecv, 0)) / secs,
		DropsPerSec:        float64(atomic.SwapInt64(&m.drops, 0)) / secs,
	}
	m.mu.Lock()
	m.rates = r
	m.mu.Unlock()
}

func (m *Metrics) countSent(bytes int) {
	atomic.AddInt64(&m.msgsSent, 1)
	atomic.AddInt64(&m.bytesSent, int64(bytes))
}

func (m *Metrics) countReceived(bytes int) {
	atomic.AddInt64(&m.msgsRecv, 1)
	atomic.AddInt64(&m.bytesRecv, int64(bytes))
}

func (m *Metrics) countDrop()          { atomic.AddInt64(&m.drops, 1) }
func (m *Metrics) countHeartbeatKill() { atomic.AddInt64(&m.heartbeatKills, 1) }

func (m *Metrics) setConnections(n int) {
	atomic.StoreInt64(&m.connections, int64(n))
}

func (m *Metrics) setSubscriptions(n int) {
	atomic.StoreInt64(&m.subscriptions, int64(n))
}

func (m *Metrics) countConnection() { atomic.AddInt64(&m.totalConnections, 1) }

// Snapshot copies the current aggregates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	rates := m.rates
	m.mu.RUnlock()
	return MetricsSnapshot{
		UptimeSeconds:    int64(time.Since(m.started).Seconds()),
		Connections:      atomic.LoadInt64(&m.connections),
		Subscriptions:    atomic.LoadInt64(&m.subscriptions),
		TotalConnections: atomic.LoadInt64(&m.totalConnections),
		HeartbeatKills:   atomic.LoadInt64(&m.heartbeatKills),
		Rates:            rates,
	}
}

package hub

import "errors"

// Admission errors, surfaced to the upgrade handler as a policy-violation
// close reason.
var (
	ErrServerFull   = errors.New("connection limit reached")
	ErrIPLimit      = errors.New("per-ip connection limit reached")
	ErrShuttingDown = errors.New("server shutting down")
)

// registry owns the set of live connections and the admission caps.
// All access happens on the hub loop.
type registry struct {
	clients  map[uint64]*Client
	perIP    map[string]int
	maxConns int
	maxPerIP int
}

func newRegistry(maxConns, maxPerIP int) registry {
	return registry{
		clients:  make(map[uint64]*Client),
		perIP:    make(map[string]int),
		maxConns: maxConns,
		maxPerIP: maxPerIP,
	}
}

// admit adds the client unless a cap is already reached.
func (r *registry) admit(c *Client) error {
	if len(r.clients) >= r.maxConns {
		return ErrServerFull
	}
	if r.perIP[c.IP] >= r.maxPerIP {
		return ErrIPLimit
	}
	r.clients[c.ID] = c
	r.perIP[c.IP]++
	return nil
}

// remove deletes the client and decrements its IP count. Calling twice is
// a no-op after the first call.
func (r *registry) remove(c *Client) bool {
	if _, ok := r.clients[c.ID]; !ok {
		return false
	}
	delete(r.clients, c.ID)
	if n := r.perIP[c.IP]; n <= 1 {
		delete(r.perIP, c.IP)
	} else {
		r.perIP[c.IP] = n - 1
	}
	return true
}

func (r *registry) get(id uint64) (*Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

func (r *registry) count() int { return len(r.clients) }

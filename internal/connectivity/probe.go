// Package connectivity reports network reachability for the provider and
// execution paths. Results are cached briefly so hot-path polling stays cheap.
package connectivity

import (
	"net"
	"sync"
	"time"
)

const (
	defaultProbeAddr = "1.1.1.1:443"
	cacheTTL         = 3 * time.Second
	dialTimeout      = 1 * time.Second
)

// Probe checks TCP reachability to a well-known address.
type Probe struct {
	addr string
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu        sync.Mutex
	lastCheck time.Time
	lastValue bool
}

func NewProbe(addr string) *Probe {
	if addr == "" {
		addr = defaultProbeAddr
	}
	return &Probe{addr: addr, dial: net.DialTimeout}
}

func (p *Probe) IsNetworkAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastCheck) < cacheTTL {
		return p.lastValue
	}

	conn, err := p.dial("tcp", p.addr, dialTimeout)
	if conn != nil {
		conn.Close()
	}
	p.lastCheck = now
	p.lastValue = err == nil
	return p.lastValue
}

// Static always reports the given state. Used in tests and in single-box
// deployments that are known to be online.
type Static bool

func (s Static) IsNetworkAvailable() bool { return bool(s) }

package cache

import (
	"net"
	"sync"
	"time"

	"github.com/transitlive/transit-cache/types"
)

// StaticConnectivity reports a fixed online state. The default checker
// assumes the process is online; tests and embedded callers flip it to
// exercise the offline fallback.
type StaticConnectivity struct {
	mu     sync.RWMutex
	online bool
}

func NewStaticConnectivity(online bool) *StaticConnectivity {
	return &StaticConnectivity{online: online}
}

func (s *StaticConnectivity) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *StaticConnectivity) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

// ProbeConnectivity dials a well-known address to decide whether the network
// is reachable, caching the result for the configured interval so hot cache
// paths never block on a dial.
type ProbeConnectivity struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu      sync.Mutex
	online  bool
	checked time.Time
}

func NewProbeConnectivity(addr string, interval, timeout time.Duration) *ProbeConnectivity {
	return &ProbeConnectivity{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		online:   true,
		dial:     net.DialTimeout,
	}
}

func (p *ProbeConnectivity) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.checked.IsZero() && time.Since(p.checked) < p.interval {
		return p.online
	}

	conn, err := p.dial("tcp", p.addr, p.timeout)
	if err == nil {
		_ = conn.Close()
	}

	p.online = err == nil
	p.checked = time.Now()

	return p.online
}

func NewConnectivityChecker(config *types.ConnectivityConfig) types.ConnectivityChecker {
	if config == nil || config.Type == "" || config.Type == "static" {
		return NewStaticConnectivity(true)
	}

	if config.Type == "probe" && config.ProbeAddr != "" {
		return NewProbeConnectivity(config.ProbeAddr, config.ProbeInterval, config.ProbeTimeout)
	}

	return NewStaticConnectivity(true)
}

// Package quota owns per-client throughput accounting and throttle delays.
//
// Ownership boundary:
// - the RecordAndThrottle contract consumed by the server read loop
// - the default per-client token-bucket manager
//
// Throttle protocol: the first request that crosses a client's threshold is
// admitted without delay and marked FirstViolation, so the response can tell
// the client it is now being throttled. Every later violating request
// carries the full computed delay. Collapsing the two into an unconditional
// delay breaks client-side backoff.
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is the admission decision for one request.
type Throttle struct {
	FirstViolation bool
	Delay          time.Duration
}

// Limiter is the rate-limiting contract consumed by the server. clientID is
// the wire client id; requests with an absent or empty id share one bucket.
type Limiter interface {
	RecordAndThrottle(clientID string, size int) Throttle
}

// Config bounds per-client throughput for the default Manager.
type Config struct {
	// BytesPerSecond is the sustained per-client budget; zero or negative
	// disables throttling.
	BytesPerSecond float64
	// Burst is the bucket depth in bytes. Requests larger than the burst
	// are charged the full burst.
	Burst int
}

func DefaultConfig() Config {
	return Config{
		BytesPerSecond: 2 << 20,
		Burst:          4 << 20,
	}
}

type clientState struct {
	lim *rate.Limiter
	// throttled is set while the client is over threshold, so only the
	// first violating request passes undelayed.
	throttled bool
}

// Manager tracks one token bucket per client id.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	clients map[string]*clientState
}

func NewManager(cfg Config) *Manager {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.BytesPerSecond)
	}
	return &Manager{
		cfg:     cfg,
		clients: make(map[string]*clientState),
	}
}

func (m *Manager) RecordAndThrottle(clientID string, size int) Throttle {
	if m.cfg.BytesPerSecond <= 0 {
		return Throttle{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.clients[clientID]
	if !ok {
		st = &clientState{
			lim: rate.NewLimiter(rate.Limit(m.cfg.BytesPerSecond), m.cfg.Burst),
		}
		m.clients[clientID] = st
	}

	n := size
	if n > m.cfg.Burst {
		n = m.cfg.Burst
	}
	delay := st.lim.ReserveN(time.Now(), n).Delay()
	if delay <= 0 {
		st.throttled = false
		return Throttle{}
	}
	if !st.throttled {
		st.throttled = true
		return Throttle{FirstViolation: true, Delay: delay}
	}
	return Throttle{Delay: delay}
}

package broker

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/good-yellow-bee/kycstream/internal/metrics"
)

const (
	// DefaultStaleThreshold is how long a connection may stay silent.
	DefaultStaleThreshold = 30 * time.Second
	// DefaultSweepInterval is how often silent connections are looked for.
	DefaultSweepInterval = 5 * time.Second
)

// HeartbeatMonitor tracks inbound activity and evicts silent connections.
type HeartbeatMonitor struct {
	registry  *Registry
	clock     clockwork.Clock
	threshold time.Duration
	interval  time.Duration
	evict     func(*Connection)
	verbose   bool
}

// NewHeartbeatMonitor creates a monitor. evict is called once for every
// connection that crosses the threshold, after it has been marked STALE.
func NewHeartbeatMonitor(registry *Registry, clock clockwork.Clock, threshold, interval time.Duration, evict func(*Connection)) *HeartbeatMonitor {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HeartbeatMonitor{
		registry:  registry,
		clock:     clock,
		threshold: threshold,
		interval:  interval,
		evict:     evict,
	}
}

// SetVerbose enables verbose logging.
func (h *HeartbeatMonitor) SetVerbose(v bool) {
	h.verbose = v
}

// Threshold returns the stale threshold.
func (h *HeartbeatMonitor) Threshold() time.Duration {
	return h.threshold
}

// Touch records inbound activity for id. It reports false for unknown,
// stale or closed connections.
func (h *HeartbeatMonitor) Touch(id string) bool {
	conn, ok := h.registry.Get(id)
	if !ok {
		return false
	}
	return conn.touch(h.clock.Now())
}

// Sweep marks every connection silent for longer than the threshold as
// STALE and evicts it. It returns the number of evicted connections.
func (h *HeartbeatMonitor) Sweep() int {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := h.clock.Now()
	var stale []*Connection
	for _, conn := range h.registry.All() {
		if now.Sub(conn.LastSeen()) <= h.threshold {
			continue
		}
		if conn.state.CompareAndSwap(int32(StateActive), int32(StateStale)) {
			stale = append(stale, conn)
		}
	}

	for _, conn := range stale {
		h.logf("connection %s (%s) stale after %v", conn.id, conn.subject, now.Sub(conn.LastSeen()).Round(time.Millisecond))
		metrics.StaleEvictionsTotal.Inc()
		if h.evict != nil {
			h.evict(conn)
		}
	}
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.logf("heartbeat monitor started, threshold=%v, interval=%v", h.threshold, h.interval)

	for {
		select {
		case <-ctx.Done():
			h.logf("heartbeat monitor stopped")
			return
		case <-ticker.Chan():
			h.Sweep()
		}
	}
}

func (h *HeartbeatMonitor) logf(format string, args ...any) {
	if h.verbose {
		log.Printf("[heartbeat] "+format, args...)
	}
}

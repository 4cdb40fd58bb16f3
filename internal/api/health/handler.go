// Package health serves the liveness and readiness endpoints.
//
// Readiness combines the broker's admission state with the registered
// dependency checks, and reports the broker's live counts next to them so an
// operator can see at a glance what a draining or degraded node is holding.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/kycstream/internal/broker"
)

const (
	StatusOK       = "ok"
	StatusLive     = "live"
	StatusReady    = "ready"
	StatusNotReady = "not_ready"

	defaultCheckTimeout = 5 * time.Second
)

// Checker is a dependency the node needs before it takes traffic.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Broker is the part of the broker readiness depends on.
type Broker interface {
	Accepting() bool
	Stats() broker.Stats
}

// BrokerStatus is the broker section of a readiness report.
type BrokerStatus struct {
	Accepting bool `json:"accepting"`
	broker.Stats
}

// Response is the body of every health endpoint.
type Response struct {
	Status string            `json:"status"`
	Broker *BrokerStatus     `json:"broker,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /health, /health/live and /health/ready.
type Handler struct {
	broker  Broker
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// NewHandler creates a handler reporting on b. b may be nil.
func NewHandler(b Broker) *Handler {
	return &Handler{broker: b, timeout: defaultCheckTimeout}
}

// RegisterChecker adds a dependency checker.
func (h *Handler) RegisterChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Health reports that the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: StatusOK})
}

// Live reports liveness. It ignores dependencies.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Status: StatusLive})
}

// Ready returns 200 while the broker admits connections and every checker
// passes, 503 otherwise. Checkers run concurrently under one deadline.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := Response{Status: StatusReady, Checks: h.runChecks(ctx)}
	ready := true
	for _, result := range resp.Checks {
		if result != StatusOK {
			ready = false
		}
	}
	if h.broker != nil {
		resp.Broker = &BrokerStatus{Accepting: h.broker.Accepting(), Stats: h.broker.Stats()}
		ready = ready && resp.Broker.Accepting
	}

	if !ready {
		resp.Status = StatusNotReady
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) runChecks(ctx context.Context) map[string]string {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}

	results := make([]string, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			if err := c.Check(ctx); err != nil {
				results[i] = err.Error()
				return nil
			}
			results[i] = StatusOK
			return nil
		})
	}
	g.Wait()

	out := make(map[string]string, len(checkers))
	for i, c := range checkers {
		out[c.Name()] = results[i]
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[health] encode response: %v", err)
	}
}

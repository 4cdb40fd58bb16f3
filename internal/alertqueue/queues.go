// Package alertqueue keeps the most recent alerts per subject for replay.
package alertqueue

import (
	"context"
	"iter"
	"log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/good-yellow-bee/kycstream/internal/metrics"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

// DefaultCapacity is the per-subject replay window.
const DefaultCapacity = 1000

const numShards = 64

// Queues holds one bounded FIFO ring per subject.
// Subjects are spread over shards so unrelated subjects never contend.
type Queues struct {
	capacity int
	clock    clockwork.Clock
	shards   [numShards]shard
}

type shard struct {
	mu     sync.RWMutex
	queues map[string]*ring
}

// ring is a fixed-capacity circular buffer. items grows until it reaches
// capacity, after which head marks the oldest entry.
type ring struct {
	items         []*models.Alert
	head          int
	lastCreatedAt time.Time
	lastAppendAt  time.Time
}

// New creates an empty set of queues. capacity <= 0 uses DefaultCapacity.
func New(capacity int, clock clockwork.Clock) *Queues {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	q := &Queues{capacity: capacity, clock: clock}
	for i := range q.shards {
		q.shards[i].queues = make(map[string]*ring)
	}
	return q
}

func (q *Queues) shardFor(subject string) *shard {
	return &q.shards[xxhash.Sum64String(subject)%numShards]
}

// Capacity returns the per-subject bound.
func (q *Queues) Capacity() int {
	return q.capacity
}

// Append inserts alert at the tail of subject's queue, evicting the oldest
// entry when the queue is full. It reports whether an eviction happened.
func (q *Queues) Append(subject string, alert *models.Alert) bool {
	s := q.shardFor(subject)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.queues[subject]
	if !ok {
		r = &ring{items: make([]*models.Alert, 0, min(q.capacity, 64))}
		s.queues[subject] = r
		metrics.QueueSubjects.Inc()
	}

	evicted := r.push(alert, q.capacity)
	if alert.CreatedAt.After(r.lastCreatedAt) {
		r.lastCreatedAt = alert.CreatedAt
	}
	r.lastAppendAt = q.clock.Now()

	if evicted {
		metrics.QueueEvictionsTotal.Inc()
	}
	return evicted
}

func (r *ring) push(alert *models.Alert, capacity int) bool {
	if len(r.items) < capacity {
		r.items = append(r.items, alert)
		return false
	}
	r.items[r.head] = alert
	r.head = (r.head + 1) % capacity
	return true
}

// copyFrom returns the entries after sinceID, oldest first. An empty or
// unknown sinceID yields every entry.
func (r *ring) copyFrom(sinceID string) []*models.Alert {
	n := len(r.items)
	start := 0
	if sinceID != "" {
		for i := n - 1; i >= 0; i-- {
			if r.items[(r.head+i)%n].ID == sinceID {
				start = i + 1
				break
			}
		}
	}
	out := make([]*models.Alert, 0, n-start)
	for i := start; i < n; i++ {
		out = append(out, r.items[(r.head+i)%n])
	}
	return out
}

// Snapshot returns subject's queued alerts after sinceID, oldest first.
//
// The queue is copied when Snapshot is called, so the returned sequence is
// unaffected by later appends and may be ranged over any number of times.
// Call Snapshot again to observe newer alerts.
func (q *Queues) Snapshot(subject, sinceID string) iter.Seq[*models.Alert] {
	s := q.shardFor(subject)
	s.mu.RLock()
	var items []*models.Alert
	if r, ok := s.queues[subject]; ok {
		items = r.copyFrom(sinceID)
	}
	s.mu.RUnlock()

	return func(yield func(*models.Alert) bool) {
		for _, a := range items {
			if !yield(a) {
				return
			}
		}
	}
}

// Len returns the number of alerts queued for subject.
func (q *Queues) Len(subject string) int {
	s := q.shardFor(subject)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.queues[subject]; ok {
		return len(r.items)
	}
	return 0
}

// LastCreatedAt returns the newest createdAt appended for subject, or the
// zero time if the subject has no queue.
func (q *Queues) LastCreatedAt(subject string) time.Time {
	s := q.shardFor(subject)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.queues[subject]; ok {
		return r.lastCreatedAt
	}
	return time.Time{}
}

// Subjects returns the number of subjects holding a queue.
func (q *Queues) Subjects() int {
	total := 0
	for i := range q.shards {
		s := &q.shards[i]
		s.mu.RLock()
		total += len(s.queues)
		s.mu.RUnlock()
	}
	return total
}

// Sweep frees queues that have not been appended to for retention and for
// which inUse reports false. It returns the number of queues released.
func (q *Queues) Sweep(retention time.Duration, inUse func(subject string) bool) int {
	if retention <= 0 {
		return 0
	}
	cutoff := q.clock.Now().Add(-retention)
	released := 0

	for i := range q.shards {
		s := &q.shards[i]
		s.mu.Lock()
		for subject, r := range s.queues {
			if r.lastAppendAt.After(cutoff) {
				continue
			}
			if inUse != nil && inUse(subject) {
				continue
			}
			delete(s.queues, subject)
			released++
		}
		s.mu.Unlock()
	}

	if released > 0 {
		metrics.QueueSubjects.Sub(float64(released))
		metrics.QueueReleasedTotal.Add(float64(released))
	}
	return released
}

// RunRetention calls Sweep every interval until ctx is done.
func (q *Queues) RunRetention(ctx context.Context, interval, retention time.Duration, inUse func(subject string) bool) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := q.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := q.Sweep(retention, inUse); n > 0 {
				log.Printf("[queue] released %d idle subject queues", n)
			}
		}
	}
}

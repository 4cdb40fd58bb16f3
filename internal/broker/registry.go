package broker

import (
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/good-yellow-bee/kycstream/internal/metrics"
)

const numShards = 64

// DefaultSoftConnectionCap is the per-subject connection count above which
// registration logs a warning.
const DefaultSoftConnectionCap = 50

// Registry maps subjects to their live connections.
// Subjects are sharded by hash so no operation takes a global lock.
type Registry struct {
	shards  [numShards]registryShard
	byID    sync.Map // id -> *Connection
	softCap int
}

type registryShard struct {
	mu       sync.RWMutex
	subjects map[string]map[string]*Connection
}

// NewRegistry creates an empty registry. softCap <= 0 disables the warning.
func NewRegistry(softCap int) *Registry {
	r := &Registry{softCap: softCap}
	for i := range r.shards {
		r.shards[i].subjects = make(map[string]map[string]*Connection)
	}
	return r
}

func (r *Registry) shardFor(subject string) *registryShard {
	return &r.shards[xxhash.Sum64String(subject)%numShards]
}

// Register adds conn under its subject and marks it ACTIVE.
// A connection that was closed before registration is rejected.
func (r *Registry) Register(conn *Connection) (string, error) {
	s := r.shardFor(conn.subject)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !conn.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) {
		return "", ErrConnectionClosed
	}

	bucket, ok := s.subjects[conn.subject]
	if !ok {
		bucket = make(map[string]*Connection)
		s.subjects[conn.subject] = bucket
		metrics.SubjectsActive.Inc()
	}
	bucket[conn.id] = conn
	r.byID.Store(conn.id, conn)
	metrics.ConnectionsActive.Inc()

	if r.softCap > 0 && len(bucket) > r.softCap {
		metrics.SoftCapExceededTotal.Inc()
		log.Printf("[registry] subject %s has %d connections (soft cap %d)", conn.subject, len(bucket), r.softCap)
	}

	return conn.id, nil
}

// Unregister removes the connection and closes it if still open.
// Unknown or already removed ids are ignored. It reports whether anything was removed.
func (r *Registry) Unregister(id string) bool {
	v, ok := r.byID.LoadAndDelete(id)
	if !ok {
		return false
	}
	conn := v.(*Connection)

	s := r.shardFor(conn.subject)
	s.mu.Lock()
	if bucket, ok := s.subjects[conn.subject]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(s.subjects, conn.subject)
			metrics.SubjectsActive.Dec()
		}
	}
	s.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	conn.close(CloseServerError, nil, false)
	return true
}

// ConnectionsFor returns the ACTIVE connections for subject at call time.
// The returned slice is owned by the caller.
func (r *Registry) ConnectionsFor(subject string) []*Connection {
	s := r.shardFor(subject)
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.subjects[subject]
	if len(bucket) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(bucket))
	for _, c := range bucket {
		if c.State() == StateActive {
			conns = append(conns, c)
		}
	}
	return conns
}

// UpdateFilter replaces the connection's filter. A nil filter clears it.
// It reports false for unknown or closed connections.
func (r *Registry) UpdateFilter(id string, f *Filter) bool {
	conn, ok := r.Get(id)
	if !ok || conn.State() == StateClosed {
		return false
	}
	conn.filter.Store(f)
	return true
}

// Get returns a registered connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	v, ok := r.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// All returns every registered connection.
func (r *Registry) All() []*Connection {
	var conns []*Connection
	r.byID.Range(func(_, v any) bool {
		conns = append(conns, v.(*Connection))
		return true
	})
	return conns
}

// HasSubject reports whether subject has any registered connection.
func (r *Registry) HasSubject(subject string) bool {
	s := r.shardFor(subject)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subjects[subject]) > 0
}

// Count returns the number of registered connections and subjects.
func (r *Registry) Count() (connections, subjects int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		subjects += len(s.subjects)
		for _, bucket := range s.subjects {
			connections += len(bucket)
		}
		s.mu.RUnlock()
	}
	return connections, subjects
}

package broker

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrOutboxOverflow = errors.New("outbound buffer full")
	ErrReplayBusy     = errors.New("replay already pending")
)

// OverflowPolicy decides what happens when a connection's send buffer is full.
type OverflowPolicy string

const (
	// OverflowDisconnect drops the buffered frames and closes the connection.
	OverflowDisconnect OverflowPolicy = "disconnect"
	// OverflowDropOldest discards the oldest buffered frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDropNewest discards the frame being sent.
	OverflowDropNewest OverflowPolicy = "drop_newest"
)

// ParseOverflowPolicy validates s. Empty means OverflowDisconnect.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverflowDisconnect, nil
	case OverflowDisconnect, OverflowDropOldest, OverflowDropNewest:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

const defaultSendBuffer = 256

// entry is one outbox item: a single live frame, or a replay batch.
type entry struct {
	frame []byte
	batch [][]byte
}

// outbox is a bounded FIFO of encoded frames drained by one writer goroutine.
// Pushing never blocks.
//
// Live frames are bounded by capacity and subject to the overflow policy.
// Replay batches have their own allowance so a full cache replay never
// counts as a slow consumer.
type outbox struct {
	mu            sync.Mutex
	items         []entry
	live          int
	capacity      int
	replayPending int
	replayCap     int
	policy        OverflowPolicy
	closed        bool
	final         []byte
	ready         chan struct{}
}

func newOutbox(capacity, replayCapacity int, policy OverflowPolicy) *outbox {
	if capacity <= 0 {
		capacity = defaultSendBuffer
	}
	if replayCapacity <= 0 {
		replayCapacity = capacity
	}
	if policy == "" {
		policy = OverflowDisconnect
	}
	return &outbox{
		items:     make([]entry, 0, min(capacity, 16)),
		capacity:  capacity,
		replayCap: replayCapacity,
		policy:    policy,
		ready:     make(chan struct{}, 1),
	}
}

// push enqueues frame. dropped reports that a frame was discarded under a
// drop policy. ErrOutboxOverflow is returned under OverflowDisconnect.
func (o *outbox) push(frame []byte) (dropped bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, ErrConnectionClosed
	}

	if o.live >= o.capacity {
		switch o.policy {
		case OverflowDropNewest:
			return true, nil
		case OverflowDropOldest:
			o.dropOldestLive()
			dropped = true
		default:
			return false, ErrOutboxOverflow
		}
	}

	o.items = append(o.items, entry{frame: frame})
	o.live++
	o.signal()
	return dropped, nil
}

// dropOldestLive removes the oldest live frame. Replay batches are kept.
func (o *outbox) dropOldestLive() {
	for i, e := range o.items {
		if e.batch == nil {
			o.items = slices.Delete(o.items, i, i+1)
			o.live--
			return
		}
	}
}

// pushBatch enqueues frames as one unit outside the live bound.
// ErrReplayBusy is returned when the replay allowance is used up.
func (o *outbox) pushBatch(frames [][]byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrConnectionClosed
	}
	if len(frames) == 0 {
		return nil
	}
	if o.replayPending+len(frames) > o.replayCap {
		return ErrReplayBusy
	}

	o.items = append(o.items, entry{batch: frames})
	o.replayPending += len(frames)
	o.signal()
	return nil
}

// drain takes every pending frame in order and reports whether the outbox
// is closed.
func (o *outbox) drain() ([][]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var frames [][]byte
	if n := o.live + o.replayPending; n > 0 {
		frames = make([][]byte, 0, n)
	}
	for _, e := range o.items {
		if e.batch != nil {
			frames = append(frames, e.batch...)
			continue
		}
		frames = append(frames, e.frame)
	}
	o.items = nil
	o.live = 0
	o.replayPending = 0
	return frames, o.closed
}

// close stops further pushes. final is written after pending frames; when
// flush is false pending frames are discarded.
func (o *outbox) close(final []byte, flush bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.final = final
	if !flush {
		o.items = nil
		o.live = 0
		o.replayPending = 0
	}
	o.signal()
}

func (o *outbox) finalFrame() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.final
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live + o.replayPending
}

func (o *outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Package broker fans compliance alerts out to live client connections.
//
// A Broker owns the connection registry, the per-subject replay queues,
// the heartbeat monitor and the command processor. Publish is the only
// ingress for new alerts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/kycstream/internal/alertqueue"
	"github.com/good-yellow-bee/kycstream/internal/audit"
	"github.com/good-yellow-bee/kycstream/internal/auth"
	"github.com/good-yellow-bee/kycstream/internal/metrics"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

var ErrInvalidAlert = errors.New("invalid alert")

const numStripes = 256

// Config configures a Broker.
type Config struct {
	QueueCapacity     int
	StaleThreshold    time.Duration
	SweepInterval     time.Duration
	SendBuffer        int
	OverflowPolicy    OverflowPolicy
	SoftConnectionCap int
	Retention         time.Duration // 0 keeps queues forever
	RetentionInterval time.Duration
	CommandRate       float64 // per second, 0 disables limiting
	CommandBurst      int

	// Subjects normalizes producer subjects. Nil lower-cases them.
	Subjects *auth.SubjectValidator
	Audit    *audit.Logger
	Clock    clockwork.Clock
	Verbose  bool
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:     alertqueue.DefaultCapacity,
		StaleThreshold:    DefaultStaleThreshold,
		SweepInterval:     DefaultSweepInterval,
		SendBuffer:        defaultSendBuffer,
		OverflowPolicy:    OverflowDisconnect,
		SoftConnectionCap: DefaultSoftConnectionCap,
		Retention:         time.Hour,
		RetentionInterval: time.Minute,
		CommandRate:       20,
		CommandBurst:      40,
	}
}

// Stats is a point-in-time view of broker state.
type Stats struct {
	Connections    int `json:"connections"`
	Subjects       int `json:"subjects"`
	QueuedSubjects int `json:"queued_subjects"`
}

// Broker is the top-level alert fan-out.
type Broker struct {
	config    Config
	clock     clockwork.Clock
	registry  *Registry
	queues    *alertqueue.Queues
	heartbeat *HeartbeatMonitor
	commands  *CommandProcessor
	audit     *audit.Logger

	// stripes serialize publish and replay per subject.
	stripes [numStripes]sync.Mutex

	lifecycle    sync.RWMutex
	shuttingDown atomic.Bool
	writers      sync.WaitGroup
}

// New creates a broker.
func New(cfg Config) *Broker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowDisconnect
	}

	b := &Broker{
		config:   cfg,
		clock:    cfg.Clock,
		registry: NewRegistry(cfg.SoftConnectionCap),
		queues:   alertqueue.New(cfg.QueueCapacity, cfg.Clock),
		audit:    cfg.Audit,
	}
	b.heartbeat = NewHeartbeatMonitor(b.registry, cfg.Clock, cfg.StaleThreshold, cfg.SweepInterval, b.evictStale)
	b.heartbeat.SetVerbose(cfg.Verbose)
	b.commands = &CommandProcessor{broker: b, verbose: cfg.Verbose}
	return b
}

// Registry returns the connection registry.
func (b *Broker) Registry() *Registry { return b.registry }

// Queues returns the per-subject replay queues.
func (b *Broker) Queues() *alertqueue.Queues { return b.queues }

// Heartbeat returns the heartbeat monitor.
func (b *Broker) Heartbeat() *HeartbeatMonitor { return b.heartbeat }

// Commands returns the command processor.
func (b *Broker) Commands() *CommandProcessor { return b.commands }

// Run drives the heartbeat sweep and queue retention until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.heartbeat.Run(ctx)
		return nil
	})
	g.Go(func() error {
		b.queues.RunRetention(ctx, b.config.RetentionInterval, b.config.Retention, b.registry.HasSubject)
		return nil
	})
	return g.Wait()
}

func (b *Broker) stripe(subject string) *sync.Mutex {
	return &b.stripes[xxhash.Sum64String(subject)%numStripes]
}

// Open registers an authenticated session and starts its writer.
// identity and subject must come from a successful auth.Gate.Authenticate.
func (b *Broker) Open(t Transport, identity auth.Identity, subject, remoteAddr string) (*Connection, error) {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	if b.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	conn := newConnection(uuid.NewString(), subject, identity, remoteAddr, t, b.config, b.clock.Now())
	// Welcome goes first so no alert can precede it.
	if _, err := conn.outbox.push(encodeWelcome(conn.id, conn.subject)); err != nil {
		return nil, fmt.Errorf("queue welcome: %w", err)
	}
	if _, err := b.registry.Register(conn); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}

	b.writers.Add(1)
	go b.writeLoop(conn)

	b.audit.LogConnectionOpened(conn.id, conn.subject, identity.UserID, remoteAddr)
	b.logf("connection %s opened for %s by %s", conn.id, conn.subject, identity.UserID)
	return conn, nil
}

// Receive handles one inbound frame: it records activity, then dispatches
// the command.
func (b *Broker) Receive(id string, raw []byte) {
	b.heartbeat.Touch(id)
	b.commands.Handle(id, raw)
}

// Disconnect closes conn with code. A non-empty reason is sent to the
// client in a closing message first.
func (b *Broker) Disconnect(conn *Connection, code CloseCode, reason string) {
	var final []byte
	if reason != "" {
		final = encodeClosing(reason)
	}
	conn.close(code, final, code == CloseServerShutdown)
	b.registry.Unregister(conn.id)
}

func (b *Broker) evictStale(conn *Connection) {
	b.Disconnect(conn, CloseStaleTimeout, ReasonStale)
}

// Publish fans alert out to the subject's live connections and appends it to
// the subject's replay queue exactly once. It never blocks on a client.
//
// Missing ids and timestamps are assigned here. A createdAt older than the
// subject's newest queued alert is raised to it so queue order stays
// createdAt order. The stored alert is returned.
func (b *Broker) Publish(ctx context.Context, alert models.Alert) (*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	subject, err := b.normalizeSubject(alert.Subject)
	if err != nil {
		return nil, err
	}
	a := alert
	a.Subject = subject
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Severity == "" {
		a.Severity = models.SeverityMedium
	} else if sev, ok := models.LookupSeverity(string(a.Severity)); ok {
		a.Severity = sev
	} else {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidAlert, a.Severity)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = b.clock.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()

	mu := b.stripe(subject)
	mu.Lock()
	defer mu.Unlock()

	if last := b.queues.LastCreatedAt(subject); a.CreatedAt.Before(last) {
		a.CreatedAt = last
	}

	frame, err := encodeAlert(&a)
	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}

	delivered := 0
	for _, conn := range b.registry.ConnectionsFor(subject) {
		if !conn.Filter().Match(&a) {
			metrics.AlertsFilteredTotal.Inc()
			continue
		}
		if err := b.deliver(conn, frame); err != nil {
			b.logf("deliver %s to %s: %v", a.ID, conn.id, err)
			continue
		}
		delivered++
	}

	b.queues.Append(subject, &a)

	metrics.AlertsPublishedTotal.Inc()
	metrics.AlertsDeliveredTotal.Add(float64(delivered))
	metrics.PublishDuration.Observe(time.Since(start).Seconds())

	// The queued alert is shared with replays; callers get their own copy.
	out := a
	return &out, nil
}

// Snapshot returns subject's queued alerts after sinceID, oldest first.
func (b *Broker) Snapshot(subject, sinceID string) ([]*models.Alert, error) {
	subject, err := b.normalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	var out []*models.Alert
	for a := range b.queues.Snapshot(subject, sinceID) {
		out = append(out, a)
	}
	return out, nil
}

// replay queues the alerts for conn's subject that pass its filter, followed
// by the REQUEST_CACHE ack, as one batch outside the live send bound.
// It holds the subject's stripe so no publish interleaves with the replay.
func (b *Broker) replay(conn *Connection, sinceID, requestID string) (int, error) {
	mu := b.stripe(conn.subject)
	mu.Lock()
	defer mu.Unlock()

	filter := conn.Filter()
	var batch [][]byte
	for a := range b.queues.Snapshot(conn.subject, sinceID) {
		if !filter.Match(a) {
			continue
		}
		frame, err := encodeAlert(a)
		if err != nil {
			return 0, fmt.Errorf("encode alert %s: %w", a.ID, err)
		}
		batch = append(batch, frame)
	}
	n := len(batch)
	batch = append(batch, encodeAck(AckMessage{Command: CommandRequestCache, ID: requestID, OK: true, Count: n}))

	if err := conn.outbox.pushBatch(batch); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			b.registry.Unregister(conn.id)
		}
		return 0, err
	}
	metrics.AlertsDeliveredTotal.Add(float64(n))
	return n, nil
}

// deliver enqueues frame for conn. A closed connection is unregistered; an
// overflowing one is disconnected as a slow consumer.
func (b *Broker) deliver(conn *Connection, frame []byte) error {
	dropped, err := conn.outbox.push(frame)
	if dropped {
		metrics.AlertsDroppedTotal.WithLabelValues(string(b.config.OverflowPolicy)).Inc()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOutboxOverflow):
		metrics.AlertsDroppedTotal.WithLabelValues(string(OverflowDisconnect)).Inc()
		log.Printf("[broker] connection %s (%s) is a slow consumer, disconnecting", conn.id, conn.subject)
		b.Disconnect(conn, CloseServerError, ReasonSlowConsumer)
	default:
		b.registry.Unregister(conn.id)
	}
	return err
}

// writeLoop drains conn's outbox onto its transport until the connection is
// closed, then closes the transport.
func (b *Broker) writeLoop(conn *Connection) {
	defer b.writers.Done()
	broken := false

	for {
		frames, closed := conn.outbox.drain()
		for _, frame := range frames {
			if broken {
				break
			}
			if err := conn.transport.Send(frame); err != nil {
				broken = true
				metrics.DeliveryFailuresTotal.Inc()
				log.Printf("[broker] write to %s failed: %v", conn.id, err)
				conn.close(CloseServerError, nil, false)
				b.registry.Unregister(conn.id)
			}
		}

		if closed || broken {
			if _, closed = conn.outbox.drain(); closed {
				b.finish(conn, broken)
				return
			}
		}

		<-conn.outbox.ready
	}
}

func (b *Broker) finish(conn *Connection, broken bool) {
	code := conn.CloseCode()
	if final := conn.outbox.finalFrame(); final != nil && !broken {
		if err := conn.transport.Send(final); err != nil {
			b.logf("send closing frame to %s: %v", conn.id, err)
		}
	}
	if err := conn.transport.Close(code); err != nil {
		b.logf("close transport %s: %v", conn.id, err)
	}

	lifetime := b.clock.Since(conn.openedAt)
	metrics.ConnectionsClosedTotal.WithLabelValues(string(code)).Inc()
	b.audit.LogConnectionClosed(conn.id, conn.subject, conn.identity.UserID, string(code), lifetime)
	b.logf("connection %s closed (%s) after %v", conn.id, code, lifetime.Round(time.Millisecond))
	close(conn.done)
}

// Shutdown sends every connection a server_shutdown close and waits for
// their writers to finish or ctx to expire. New connections are refused.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.lifecycle.Lock()
	b.shuttingDown.Store(true)
	b.lifecycle.Unlock()

	conns := b.registry.All()
	log.Printf("[broker] shutting down, closing %d connections", len(conns))
	for _, conn := range conns {
		b.Disconnect(conn, CloseServerShutdown, ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		b.writers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for connection writers: %w", ctx.Err())
	}
}

// Accepting reports whether new connections are admitted.
func (b *Broker) Accepting() bool {
	return !b.shuttingDown.Load()
}

// Stats returns current connection and queue counts.
func (b *Broker) Stats() Stats {
	conns, subjects := b.registry.Count()
	return Stats{
		Connections:    conns,
		Subjects:       subjects,
		QueuedSubjects: b.queues.Subjects(),
	}
}

func (b *Broker) normalizeSubject(subject string) (string, error) {
	if b.config.Subjects != nil {
		normalized, err := b.config.Subjects.Validate(subject)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidAlert, err)
		}
		return normalized, nil
	}
	subject = strings.ToLower(strings.TrimSpace(subject))
	if subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidAlert)
	}
	return subject, nil
}

func (b *Broker) logf(format string, args ...any) {
	if b.config.Verbose {
		log.Printf("[broker] "+format, args...)
	}
}

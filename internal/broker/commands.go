package broker

import (
	"errors"
	"log"

	"github.com/good-yellow-bee/kycstream/internal/metrics"
)

// CommandProcessor interprets inbound control messages for one broker.
type CommandProcessor struct {
	broker  *Broker
	verbose bool
}

// SetVerbose enables verbose logging.
func (p *CommandProcessor) SetVerbose(v bool) {
	p.verbose = v
}

// Handle processes one raw inbound message from connection id. Protocol
// errors are answered with an ack to that connection only and never close it.
func (p *CommandProcessor) Handle(id string, raw []byte) {
	b := p.broker
	conn, ok := b.registry.Get(id)
	if !ok || conn.State() != StateActive {
		return
	}

	if !conn.allowCommand(b.clock.Now()) {
		metrics.CommandsTotal.WithLabelValues("any", "rate_limited").Inc()
		b.deliver(conn, encodeAck(AckMessage{Error: AckRateLimited, Message: "too many commands"}))
		return
	}

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("any", "invalid").Inc()
		p.logf("connection %s sent malformed message: %v", id, err)
		b.deliver(conn, encodeAck(AckMessage{Error: AckInvalidMessage, Message: err.Error()}))
		return
	}

	switch msg.Type {
	case CommandHeartbeat:
		metrics.CommandsTotal.WithLabelValues(CommandHeartbeat, "ok").Inc()
		b.deliver(conn, encodeAck(AckMessage{Command: CommandHeartbeat, ID: msg.ID, OK: true}))

	case CommandFilter:
		p.handleFilter(conn, msg)

	case CommandRequestCache:
		p.handleRequestCache(conn, msg)

	default:
		metrics.CommandsTotal.WithLabelValues("unknown", "unknown").Inc()
		log.Printf("[commands] connection %s sent unknown command %q", id, msg.Type)
		b.deliver(conn, encodeAck(AckMessage{Command: msg.Type, ID: msg.ID, Error: AckUnknownCommand, Message: "unknown command type"}))
	}
}

func (p *CommandProcessor) handleFilter(conn *Connection, msg *ClientMessage) {
	b := p.broker
	filter, err := ParseFilter(msg.Criteria)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(CommandFilter, "invalid").Inc()
		p.logf("connection %s sent invalid filter: %v", conn.id, err)
		b.deliver(conn, encodeAck(AckMessage{Command: CommandFilter, ID: msg.ID, Error: AckInvalidFilter, Message: err.Error()}))
		return
	}

	if !b.registry.UpdateFilter(conn.id, filter) {
		return
	}
	metrics.CommandsTotal.WithLabelValues(CommandFilter, "ok").Inc()
	p.logf("connection %s filter set to %+v", conn.id, filter.Criteria())
	b.deliver(conn, encodeAck(AckMessage{Command: CommandFilter, ID: msg.ID, OK: true}))
}

func (p *CommandProcessor) handleRequestCache(conn *Connection, msg *ClientMessage) {
	b := p.broker
	n, err := b.replay(conn, msg.SinceID, msg.ID)
	switch {
	case err == nil:
		metrics.CommandsTotal.WithLabelValues(CommandRequestCache, "ok").Inc()
		p.logf("connection %s replayed %d alerts", conn.id, n)
	case errors.Is(err, ErrReplayBusy):
		metrics.CommandsTotal.WithLabelValues(CommandRequestCache, "busy").Inc()
		b.deliver(conn, encodeAck(AckMessage{Command: CommandRequestCache, ID: msg.ID, Error: AckReplayBusy, Message: "previous replay still sending"}))
	case errors.Is(err, ErrConnectionClosed):
		metrics.CommandsTotal.WithLabelValues(CommandRequestCache, "error").Inc()
	default:
		metrics.CommandsTotal.WithLabelValues(CommandRequestCache, "error").Inc()
		log.Printf("[commands] replay for %s: %v", conn.id, err)
		b.deliver(conn, encodeAck(AckMessage{Command: CommandRequestCache, ID: msg.ID, Error: AckInternal}))
	}
}

func (p *CommandProcessor) logf(format string, args ...any) {
	if p.verbose {
		log.Printf("[commands] "+format, args...)
	}
}

// Package audit records authentication and connection-lifecycle events
// for compliance review.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event names.
const (
	EventAuthSuccess      = "auth_success"
	EventAuthFailure      = "auth_failure"
	EventConnectionOpened = "connection_opened"
	EventConnectionClosed = "connection_closed"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp    string `json:"ts"`
	Event        string `json:"event"`
	ConnectionID string `json:"connection_id,omitempty"`
	Subject      string `json:"subject,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	CloseCode    string `json:"close_code,omitempty"`
	LifetimeMs   int64  `json:"lifetime_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Sink persists audit events.
type Sink interface {
	Write(event *Event) error
	Close() error
}

// Logger fans audit events out to its sinks. A nil *Logger discards everything.
type Logger struct {
	clock clockwork.Clock
	sinks []Sink
}

// New creates a logger writing to the given sinks.
func New(sinks ...Sink) *Logger {
	return &Logger{clock: clockwork.NewRealClock(), sinks: sinks}
}

// Nop returns a logger that discards all events.
func Nop() *Logger {
	return nil
}

// WithClock sets the clock used for timestamps.
func (l *Logger) WithClock(c clockwork.Clock) *Logger {
	if l != nil {
		l.clock = c
	}
	return l
}

func (l *Logger) record(event *Event) {
	if l == nil || len(l.sinks) == 0 {
		return
	}
	event.Timestamp = l.clock.Now().UTC().Format(time.RFC3339Nano)
	for _, s := range l.sinks {
		if err := s.Write(event); err != nil {
			log.Printf("[audit] write %s event: %v", event.Event, err)
		}
	}
}

// LogAuthSuccess logs an accepted handshake.
func (l *Logger) LogAuthSuccess(userID, username, subject, remoteAddr string) {
	l.record(&Event{
		Event:      EventAuthSuccess,
		UserID:     userID,
		Username:   username,
		Subject:    subject,
		RemoteAddr: remoteAddr,
	})
}

// LogAuthFailure logs a rejected handshake.
func (l *Logger) LogAuthFailure(subject, remoteAddr string, err error) {
	event := &Event{
		Event:      EventAuthFailure,
		Subject:    subject,
		RemoteAddr: remoteAddr,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.record(event)
}

// LogConnectionOpened logs a registered connection.
func (l *Logger) LogConnectionOpened(connID, subject, userID, remoteAddr string) {
	l.record(&Event{
		Event:        EventConnectionOpened,
		ConnectionID: connID,
		Subject:      subject,
		UserID:       userID,
		RemoteAddr:   remoteAddr,
	})
}

// LogConnectionClosed logs a closed connection with its close code.
func (l *Logger) LogConnectionClosed(connID, subject, userID, closeCode string, lifetime time.Duration) {
	l.record(&Event{
		Event:        EventConnectionClosed,
		ConnectionID: connID,
		Subject:      subject,
		UserID:       userID,
		CloseCode:    closeCode,
		LifetimeMs:   lifetime.Milliseconds(),
	})
}

// Close closes every sink.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// JSONSink writes audit events as JSON lines.
type JSONSink struct {
	output io.WriteCloser
	mu     sync.Mutex
}

// NewJSONSink creates a JSON sink that appends to the file at path.
func NewJSONSink(path string) (*JSONSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &JSONSink{output: file}, nil
}

// NewJSONSinkWriter creates a JSON sink over a custom writer.
func NewJSONSinkWriter(w io.WriteCloser) *JSONSink {
	return &JSONSink{output: w}
}

// Write appends one JSON line.
func (s *JSONSink) Write(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.output.Write(data)
	return err
}

// Close closes the underlying writer.
func (s *JSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.Close()
}

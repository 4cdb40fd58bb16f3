package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// testWriteCloser wraps a bytes.Buffer to implement io.WriteCloser.
type testWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func (t *testWriteCloser) Close() error {
	t.closed = true
	return nil
}

func newTestWriteCloser() *testWriteCloser {
	return &testWriteCloser{Buffer: &bytes.Buffer{}}
}

func TestLogger_AuthFailure(t *testing.T) {
	buf := newTestWriteCloser()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	logger := New(NewJSONSinkWriter(buf)).WithClock(clock)

	logger.LogAuthFailure("0xabc", "10.0.0.1", errors.New("token expired"))

	var event Event
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if event.Event != EventAuthFailure {
		t.Errorf("event: got %q, want %q", event.Event, EventAuthFailure)
	}
	if event.Subject != "0xabc" {
		t.Errorf("subject: got %q", event.Subject)
	}
	if event.Error != "token expired" {
		t.Errorf("error: got %q", event.Error)
	}
	if !strings.HasPrefix(event.Timestamp, "2026-01-02T03:04:05") {
		t.Errorf("timestamp: got %q", event.Timestamp)
	}
}

func TestLogger_ConnectionLifecycle(t *testing.T) {
	buf := newTestWriteCloser()
	logger := New(NewJSONSinkWriter(buf))

	logger.LogConnectionOpened("c1", "0xabc", "u1", "10.0.0.1")
	logger.LogConnectionClosed("c1", "0xabc", "u1", "stale_timeout", 1500*time.Millisecond)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var closed Event
	if err := json.Unmarshal([]byte(lines[1]), &closed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if closed.CloseCode != "stale_timeout" {
		t.Errorf("close_code: got %q", closed.CloseCode)
	}
	if closed.LifetimeMs != 1500 {
		t.Errorf("lifetime_ms: got %d", closed.LifetimeMs)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !buf.closed {
		t.Error("sink writer should be closed")
	}
}

func TestLogger_NilIsNop(t *testing.T) {
	logger := Nop()
	logger.LogAuthSuccess("u", "name", "0xabc", "addr")
	logger.LogConnectionClosed("c", "s", "u", "client_closed", time.Second)
	if err := logger.Close(); err != nil {
		t.Errorf("nop close: %v", err)
	}
}

func TestSQLiteSink_WriteAndCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := OpenSQLiteSink(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	logger := New(sink)
	defer logger.Close()

	logger.LogConnectionOpened("c1", "0xabc", "u1", "10.0.0.1")
	logger.LogConnectionOpened("c2", "0xabc", "u2", "10.0.0.2")
	logger.LogConnectionOpened("c3", "0xdef", "u3", "10.0.0.3")

	n, err := sink.CountBySubject(context.Background(), EventConnectionOpened, "0xabc")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestSQLiteSink_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := OpenSQLiteSink(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	sink.Close()

	sink, err = OpenSQLiteSink(path)
	if err != nil {
		t.Fatalf("reopen sink: %v", err)
	}
	defer sink.Close()

	if err := sink.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

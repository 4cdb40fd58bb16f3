package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/good-yellow-bee/kycstream/internal/audit"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

func newTestGate(t *testing.T, lockoutThreshold int) (*Gate, *bufferCloser) {
	t.Helper()
	subjects, err := NewSubjectValidator("")
	if err != nil {
		t.Fatalf("NewSubjectValidator failed: %v", err)
	}
	buf := &bufferCloser{}
	auditLog := audit.New(audit.NewJSONSinkWriter(buf))
	lockout := NewLockoutTracker(lockoutThreshold, time.Minute, clockwork.NewFakeClock())
	return NewGate(NewTokenValidator(testSecret, testIssuer), subjects, lockout, auditLog), buf
}

func auditEvents(t *testing.T, buf *bufferCloser) []audit.Event {
	t.Helper()
	var events []audit.Event
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	for dec.More() {
		var e audit.Event
		if err := dec.Decode(&e); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func TestGate_Authenticate(t *testing.T) {
	other := "0x1110000000000000000000000000000000000002"

	tests := []struct {
		name    string
		claims  Claims
		subject string
		wantErr error
	}{
		{"viewer-any-subject", validClaims(models.RoleViewer), testSubject, nil},
		{"viewer-listed-subject", validClaims(models.RoleViewer, "0xabc0000000000000000000000000000000000001"), testSubject, nil},
		{"viewer-unlisted-subject", validClaims(models.RoleViewer, other), testSubject, ErrSubjectForbidden},
		{"admin-ignores-list", validClaims(models.RoleAdmin, other), testSubject, nil},
		{"publisher-cannot-watch", validClaims(models.RolePublisher), testSubject, ErrRoleForbidden},
		{"malformed-subject", validClaims(models.RoleViewer), "not-a-wallet", ErrInvalidSubject},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gate, _ := newTestGate(t, 10)
			token := mintToken(t, testSecret, tc.claims)

			identity, subject, err := gate.Authenticate(token, tc.subject, "10.0.0.1")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate failed: %v", err)
			}
			if subject != "0xabc0000000000000000000000000000000000001" {
				t.Errorf("subject = %q, want normalized lower-case", subject)
			}
			if identity.UserID != "user-123" {
				t.Errorf("UserID = %q, want user-123", identity.UserID)
			}
		})
	}
}

func TestGate_AuditsOutcomes(t *testing.T) {
	gate, buf := newTestGate(t, 10)

	if _, _, err := gate.Authenticate("", testSubject, "10.0.0.1"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
	token := mintToken(t, testSecret, validClaims(models.RoleViewer))
	if _, _, err := gate.Authenticate(token, testSubject, "10.0.0.1"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	events := auditEvents(t, buf)
	if len(events) != 2 {
		t.Fatalf("got %d audit events, want 2", len(events))
	}
	if events[0].Event != audit.EventAuthFailure || events[0].Error == "" {
		t.Errorf("first event = %+v, want auth failure with error", events[0])
	}
	if events[1].Event != audit.EventAuthSuccess || events[1].UserID != "user-123" {
		t.Errorf("second event = %+v, want auth success for user-123", events[1])
	}
}

func TestGate_LockoutAfterRepeatedFailures(t *testing.T) {
	gate, _ := newTestGate(t, 3)
	addr := "10.0.0.9"

	for range 3 {
		gate.Authenticate("garbage", testSubject, addr)
	}

	token := mintToken(t, testSecret, validClaims(models.RoleViewer))
	if _, _, err := gate.Authenticate(token, testSubject, addr); !errors.Is(err, ErrLockedOut) {
		t.Errorf("err = %v, want ErrLockedOut", err)
	}
	if _, _, err := gate.Authenticate(token, testSubject, "10.0.0.10"); err != nil {
		t.Errorf("other address should authenticate: %v", err)
	}
}

func TestGate_Authorize(t *testing.T) {
	gate, _ := newTestGate(t, 0)
	viewer := validClaims(models.RoleViewer, "0xabc0000000000000000000000000000000000001")
	publisher := validClaims(models.RolePublisher)
	admin := validClaims(models.RoleAdmin, "0x1110000000000000000000000000000000000002")

	if err := gate.Authorize(&viewer, testSubject); err != nil {
		t.Errorf("viewer Authorize failed: %v", err)
	}
	if err := gate.Authorize(&viewer, "0x1110000000000000000000000000000000000002"); !errors.Is(err, ErrSubjectForbidden) {
		t.Errorf("err = %v, want ErrSubjectForbidden", err)
	}
	if err := gate.Authorize(&publisher, testSubject); !errors.Is(err, ErrRoleForbidden) {
		t.Errorf("err = %v, want ErrRoleForbidden", err)
	}
	if err := gate.Authorize(&admin, testSubject); err != nil {
		t.Errorf("admin Authorize failed: %v", err)
	}
	if err := gate.Authorize(nil, testSubject); !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}
}

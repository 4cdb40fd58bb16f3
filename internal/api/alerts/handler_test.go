package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/kycstream/internal/auth"
	"github.com/good-yellow-bee/kycstream/internal/broker"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

type mockBroker struct {
	published   []models.Alert
	publishErr  error
	snapshot    []*models.Alert
	snapshotErr error
	sinceID     string
}

func (m *mockBroker) Publish(ctx context.Context, alert models.Alert) (*models.Alert, error) {
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	m.published = append(m.published, alert)
	stored := alert
	if stored.ID == "" {
		stored.ID = "generated"
	}
	return &stored, nil
}

func (m *mockBroker) Snapshot(subject, sinceID string) ([]*models.Alert, error) {
	m.sinceID = sinceID
	return m.snapshot, m.snapshotErr
}

type mockAuthorizer struct {
	err error
}

func (m mockAuthorizer) Authorize(claims *auth.Claims, subject string) error {
	return m.err
}

const testSubject = "0xabc0000000000000000000000000000000000001"

func TestPublish(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		publishErr error
		wantStatus int
	}{
		{"valid", `{"subject":"` + testSubject + `","type":"AML","severity":"high","payload":{"score":91}}`, nil, http.StatusAccepted},
		{"minimal", `{"subject":"` + testSubject + `"}`, nil, http.StatusAccepted},
		{"malformed json", `{"subject":`, nil, http.StatusBadRequest},
		{"missing subject", `{"type":"aml"}`, nil, http.StatusBadRequest},
		{"unknown severity", `{"subject":"` + testSubject + `","severity":"urgent"}`, nil, http.StatusBadRequest},
		{"broker rejects", `{"subject":"nope"}`, broker.ErrInvalidAlert, http.StatusBadRequest},
		{"broker fails", `{"subject":"` + testSubject + `"}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := &mockBroker{publishErr: tt.publishErr}
			h := NewHandler(mb, mockAuthorizer{})

			req := httptest.NewRequest("POST", "/api/v1/alerts", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.Publish(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestPublish_NormalizesType(t *testing.T) {
	mb := &mockBroker{}
	h := NewHandler(mb, mockAuthorizer{})

	body := `{"subject":"` + testSubject + `","type":" Sanctions ","severity":"CRITICAL","created_at":"2026-01-02T03:04:05Z"}`
	rec := httptest.NewRecorder()
	h.Publish(rec, httptest.NewRequest("POST", "/api/v1/alerts", bytes.NewBufferString(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if len(mb.published) != 1 {
		t.Fatalf("published %d alerts, want 1", len(mb.published))
	}
	got := mb.published[0]
	if got.Type != "sanctions" {
		t.Errorf("type = %q, want sanctions", got.Type)
	}
	if got.Severity != models.SeverityCritical {
		t.Errorf("severity = %q, want critical", got.Severity)
	}
	if !got.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}

	var resp struct {
		Data models.Alert `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.ID != "generated" {
		t.Errorf("response id = %q, want generated", resp.Data.ID)
	}
}

func snapshotRequest(subject, sinceID string) *http.Request {
	target := "/api/v1/subjects/" + subject + "/alerts"
	if sinceID != "" {
		target += "?since_id=" + sinceID
	}
	req := httptest.NewRequest("GET", target, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("subject", subject)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestSnapshot(t *testing.T) {
	items := []*models.Alert{
		{ID: "a1", Subject: testSubject, Severity: models.SeverityLow},
		{ID: "a2", Subject: testSubject, Severity: models.SeverityHigh},
	}

	tests := []struct {
		name       string
		authzErr   error
		items      []*models.Alert
		wantStatus int
		wantCount  int
	}{
		{"returns items", nil, items, http.StatusOK, 2},
		{"empty queue", nil, nil, http.StatusOK, 0},
		{"invalid subject", auth.ErrInvalidSubject, nil, http.StatusBadRequest, 0},
		{"forbidden subject", auth.ErrSubjectForbidden, items, http.StatusForbidden, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := &mockBroker{snapshot: tt.items}
			h := NewHandler(mb, mockAuthorizer{err: tt.authzErr})

			rec := httptest.NewRecorder()
			h.Snapshot(rec, snapshotRequest(testSubject, "a0"))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				return
			}

			var resp struct {
				Data SnapshotResponse `json:"data"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Data.Count != tt.wantCount || len(resp.Data.Items) != tt.wantCount {
				t.Errorf("count = %d (%d items), want %d", resp.Data.Count, len(resp.Data.Items), tt.wantCount)
			}
			if resp.Data.Items == nil {
				t.Error("items should be an empty list, not null")
			}
			if mb.sinceID != "a0" {
				t.Errorf("since_id passed = %q, want a0", mb.sinceID)
			}
		})
	}
}

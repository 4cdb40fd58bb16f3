// Package alerts serves the producer ingress and replay read path over HTTP.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/kycstream/internal/api/middleware"
	"github.com/good-yellow-bee/kycstream/internal/auth"
	"github.com/good-yellow-bee/kycstream/internal/broker"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

const maxBodyBytes = 1 << 20

// Response helpers
type errorResponse struct {
	Error errorBody `json:"error"`
}
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
type dataResponse struct {
	Data any `json:"data"`
}

const (
	errCodeBadRequest       = "BAD_REQUEST"
	errCodeValidationFailed = "VALIDATION_FAILED"
	errCodeForbidden        = "FORBIDDEN"
	errCodeInternalError    = "INTERNAL_ERROR"
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}}); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

func jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(dataResponse{Data: data}); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

// Broker is the subset of the broker the handler needs.
type Broker interface {
	Publish(ctx context.Context, alert models.Alert) (*models.Alert, error)
	Snapshot(subject, sinceID string) ([]*models.Alert, error)
}

// Authorizer decides whether claims may read a subject.
type Authorizer interface {
	Authorize(claims *auth.Claims, subject string) error
}

// SnapshotResponse lists queued alerts for one subject.
type SnapshotResponse struct {
	Subject string          `json:"subject"`
	Count   int             `json:"count"`
	Items   []*models.Alert `json:"items"`
}

// Handler handles alert endpoints.
type Handler struct {
	broker Broker
	authz  Authorizer
}

// NewHandler creates a new alerts handler.
func NewHandler(b Broker, authz Authorizer) *Handler {
	return &Handler{broker: b, authz: authz}
}

// Publish accepts one alert from a producer and fans it out.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid JSON body")
		return
	}

	alert, err := req.Validate()
	if err != nil {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}

	stored, err := h.broker.Publish(r.Context(), alert)
	if err != nil {
		if errors.Is(err, broker.ErrInvalidAlert) {
			jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
			return
		}
		log.Printf("publish alert for %s: %v", alert.Subject, err)
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to publish alert")
		return
	}

	jsonStatus(w, http.StatusAccepted, stored)
}

// Snapshot returns the replay queue for {subject}, optionally after since_id.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")

	if err := h.authz.Authorize(middleware.GetClaims(r.Context()), subject); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidSubject):
			jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		default:
			jsonError(w, http.StatusForbidden, errCodeForbidden, "access denied")
		}
		return
	}

	items, err := h.broker.Snapshot(subject, r.URL.Query().Get("since_id"))
	if err != nil {
		if errors.Is(err, broker.ErrInvalidAlert) {
			jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
			return
		}
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to read queue")
		return
	}
	if items == nil {
		items = []*models.Alert{}
	}

	subjectKey := subject
	if len(items) > 0 {
		subjectKey = items[0].Subject
	}
	jsonStatus(w, http.StatusOK, SnapshotResponse{Subject: subjectKey, Count: len(items), Items: items})
}

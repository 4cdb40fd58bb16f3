package alerts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/kycstream/internal/models"
)

const maxIDLength = 128

// PublishRequest is the body of POST /api/v1/alerts.
type PublishRequest struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt *time.Time      `json:"created_at"`
}

// Validate checks the request and converts it to an alert.
func (r *PublishRequest) Validate() (models.Alert, error) {
	if strings.TrimSpace(r.Subject) == "" {
		return models.Alert{}, errors.New("subject is required")
	}
	if len(r.ID) > maxIDLength {
		return models.Alert{}, fmt.Errorf("id must be %d characters or less", maxIDLength)
	}

	alert := models.Alert{
		ID:      strings.TrimSpace(r.ID),
		Subject: r.Subject,
		Type:    strings.ToLower(strings.TrimSpace(r.Type)),
		Payload: r.Payload,
	}

	if r.Severity != "" {
		sev, ok := models.LookupSeverity(r.Severity)
		if !ok {
			return models.Alert{}, errors.New("severity must be 'low', 'medium', 'high', or 'critical'")
		}
		alert.Severity = sev
	}

	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return models.Alert{}, errors.New("payload must be valid JSON")
	}
	if r.CreatedAt != nil {
		alert.CreatedAt = *r.CreatedAt
	}

	return alert, nil
}

// Package ingest feeds alerts from the external decision engine into the
// broker. Every source ends in a single Publish call.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/good-yellow-bee/kycstream/internal/metrics"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

// ErrDecode is returned for messages that are not a JSON alert.
var ErrDecode = errors.New("decode alert message")

// Publisher accepts alerts for fan-out.
type Publisher interface {
	Publish(ctx context.Context, alert models.Alert) (*models.Alert, error)
}

// DecodeAlert parses one ingest message.
func DecodeAlert(data []byte) (models.Alert, error) {
	var alert models.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return models.Alert{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if alert.Subject == "" {
		return models.Alert{}, fmt.Errorf("%w: missing subject", ErrDecode)
	}
	return alert, nil
}

// deliver decodes data and publishes it. Failures are counted and logged;
// one bad message never stops a source.
func deliver(ctx context.Context, pub Publisher, source string, data []byte) error {
	alert, err := DecodeAlert(data)
	if err != nil {
		metrics.IngestMessagesTotal.WithLabelValues(source, "decode_error").Inc()
		log.Printf("[ingest] %s: %v", source, err)
		return err
	}

	if _, err := pub.Publish(ctx, alert); err != nil {
		metrics.IngestMessagesTotal.WithLabelValues(source, "rejected").Inc()
		log.Printf("[ingest] %s: publish alert for %s: %v", source, alert.Subject, err)
		return fmt.Errorf("publish alert: %w", err)
	}

	metrics.IngestMessagesTotal.WithLabelValues(source, "ok").Inc()
	return nil
}

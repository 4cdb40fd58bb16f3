package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/good-yellow-bee/kycstream/internal/models"
)

// Client command types.
const (
	CommandHeartbeat    = "HEARTBEAT"
	CommandFilter       = "FILTER"
	CommandRequestCache = "REQUEST_CACHE"
)

// Server message types.
const (
	MessageAlert   = "alert"
	MessageAck     = "ack"
	MessageClosing = "closing"
	MessageWelcome = "welcome"
)

// Ack error codes.
const (
	AckInvalidMessage = "invalid_message"
	AckUnknownCommand = "unknown_command"
	AckInvalidFilter  = "invalid_filter"
	AckRateLimited    = "rate_limited"
	AckReplayBusy     = "replay_busy"
	AckInternal       = "internal_error"
)

// Closing reasons sent ahead of a server-initiated close.
const (
	ReasonAuthFailed     = "auth_failed"
	ReasonStale          = "stale"
	ReasonServerShutdown = "server_shutdown"
	ReasonSlowConsumer   = "slow_consumer"
)

var errEmptyType = errors.New("missing type")

// ClientMessage is an inbound control message.
type ClientMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Criteria json.RawMessage `json:"criteria,omitempty"` // absent stays nil, null is kept
	SinceID  string          `json:"since_id,omitempty"`
}

// DecodeClientMessage parses a raw text frame. Type is upper-cased.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	msg.Type = strings.ToUpper(strings.TrimSpace(msg.Type))
	if msg.Type == "" {
		return nil, errEmptyType
	}
	return &msg, nil
}

// AlertMessage forwards an alert to a client.
type AlertMessage struct {
	Type  string        `json:"type"`
	Alert *models.Alert `json:"alert"`
}

// AckMessage acknowledges a client command.
type AckMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	ID      string `json:"id,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// ClosingMessage precedes a server-initiated close.
type ClosingMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// WelcomeMessage is the first frame on every accepted connection.
type WelcomeMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Subject      string `json:"subject"`
}

// ServerMessage is the union of every server frame, used by clients to decode.
type ServerMessage struct {
	Type         string        `json:"type"`
	Alert        *models.Alert `json:"alert,omitempty"`
	Command      string        `json:"command,omitempty"`
	ID           string        `json:"id,omitempty"`
	OK           bool          `json:"ok,omitempty"`
	Error        string        `json:"error,omitempty"`
	Message      string        `json:"message,omitempty"`
	Count        int           `json:"count,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	ConnectionID string        `json:"connection_id,omitempty"`
	Subject      string        `json:"subject,omitempty"`
}

func encodeAlert(a *models.Alert) ([]byte, error) {
	return json.Marshal(AlertMessage{Type: MessageAlert, Alert: a})
}

func encodeAck(ack AckMessage) []byte {
	ack.Type = MessageAck
	data, _ := json.Marshal(ack)
	return data
}

func encodeClosing(reason string) []byte {
	data, _ := json.Marshal(ClosingMessage{Type: MessageClosing, Reason: reason})
	return data
}

func encodeWelcome(connID, subject string) []byte {
	data, _ := json.Marshal(WelcomeMessage{Type: MessageWelcome, ConnectionID: connID, Subject: subject})
	return data
}

// EncodeClosing returns a closing frame for transports that reject a
// connection before it is opened on the broker.
func EncodeClosing(reason string) []byte {
	return encodeClosing(reason)
}

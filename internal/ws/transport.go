// Package ws carries broker sessions over gorilla/websocket.
package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/good-yellow-bee/kycstream/internal/broker"
)

// Websocket close codes used by the broker. 4000-4999 are reserved for
// applications by RFC 6455.
const (
	CloseAuthFailed   = 4001
	CloseStaleTimeout = 4002
	CloseServerError  = 4003
)

// StatusCode maps a broker close code to a websocket close status.
func StatusCode(code broker.CloseCode) int {
	switch code {
	case broker.CloseAuthFailed:
		return CloseAuthFailed
	case broker.CloseStaleTimeout:
		return CloseStaleTimeout
	case broker.CloseServerError:
		return CloseServerError
	case broker.CloseServerShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

// Transport adapts a websocket connection to broker.Transport.
// Writes are only made from the broker's writer goroutine.
type Transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewTransport wraps conn. Each write must finish within writeTimeout.
func NewTransport(conn *websocket.Conn, writeTimeout time.Duration) *Transport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Transport{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one text frame.
func (t *Transport) Send(frame []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame carrying code and closes the connection.
func (t *Transport) Close(code broker.CloseCode) error {
	msg := websocket.FormatCloseMessage(StatusCode(code), string(code))
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

package ws

import (
	"errors"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/good-yellow-bee/kycstream/internal/api"
	"github.com/good-yellow-bee/kycstream/internal/api/middleware"
	"github.com/good-yellow-bee/kycstream/internal/auth"
	"github.com/good-yellow-bee/kycstream/internal/broker"
)

const defaultReadLimit = 64 * 1024

// Config configures the websocket handler.
type Config struct {
	AllowedOrigins []string // empty allows any origin
	WriteTimeout   time.Duration
	ReadLimit      int64
	TrustProxy     bool
	Verbose        bool
}

// Handler authenticates stream handshakes and serves broker sessions.
type Handler struct {
	gate     *auth.Gate
	broker   *broker.Broker
	config   Config
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler.
func NewHandler(gate *auth.Gate, b *broker.Broker, cfg Config) *Handler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	h := &Handler{gate: gate, broker: b, config: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.ContainsFunc(h.config.AllowedOrigins, func(o string) bool {
		return strings.EqualFold(o, origin)
	})
}

// credentials returns the bearer token and claimed subject of a handshake.
// Browsers cannot set headers on websocket requests, so the token may also
// arrive as a query parameter.
func credentials(r *http.Request) (token, subject string) {
	token = middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	subject = chi.URLParam(r, "subject")
	if subject == "" {
		subject = r.URL.Query().Get("subject")
	}
	return token, subject
}

// ServeHTTP authenticates the handshake, upgrades, and runs the read loop.
// Failed handshakes are rejected before the upgrade with an HTTP status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.broker.Accepting() {
		api.JSONError(w, api.ErrShuttingDown)
		return
	}

	token, claimed := credentials(r)
	remote := middleware.ClientIP(r, h.config.TrustProxy)

	identity, subject, err := h.gate.Authenticate(token, claimed, remote)
	if err != nil {
		h.logf("handshake from %s rejected: %v", remote, err)
		api.JSONError(w, handshakeError(err))
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		log.Printf("[ws] upgrade for %s failed: %v", remote, err)
		return
	}
	wsConn.SetReadLimit(h.config.ReadLimit)

	conn, err := h.broker.Open(NewTransport(wsConn, h.config.WriteTimeout), identity, subject, remote)
	if err != nil {
		log.Printf("[ws] open session for %s: %v", subject, err)
		h.rejectSession(wsConn, err)
		return
	}

	h.readLoop(wsConn, conn)
}

// rejectSession ends an upgraded connection the broker refused to open.
func (h *Handler) rejectSession(wsConn *websocket.Conn, openErr error) {
	t := NewTransport(wsConn, h.config.WriteTimeout)
	code := broker.CloseServerError
	if errors.Is(openErr, broker.ErrShuttingDown) {
		code = broker.CloseServerShutdown
		if err := t.Send(broker.EncodeClosing(broker.ReasonServerShutdown)); err != nil {
			h.logf("send closing frame to %s: %v", wsConn.RemoteAddr(), err)
		}
	}
	if err := t.Close(code); err != nil {
		h.logf("close refused session %s: %v", wsConn.RemoteAddr(), err)
	}
}

func (h *Handler) readLoop(wsConn *websocket.Conn, conn *broker.Connection) {
	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logf("read from %s: %v", conn.ID(), err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			h.broker.Heartbeat().Touch(conn.ID())
			continue
		}
		h.broker.Receive(conn.ID(), data)
	}

	h.broker.Disconnect(conn, broker.CloseClientClosed, "")
	<-conn.Done()
}

// handshakeError maps an authentication failure to an HTTP error.
func handshakeError(err error) *api.Error {
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		return &api.Error{Code: api.ErrCodeRateLimited, Message: "too many failed handshakes", Status: http.StatusTooManyRequests}
	case errors.Is(err, auth.ErrSubjectForbidden), errors.Is(err, auth.ErrRoleForbidden):
		return &api.Error{Code: api.ErrCodeForbidden, Message: err.Error(), Status: http.StatusForbidden}
	case errors.Is(err, auth.ErrInvalidSubject):
		return &api.Error{Code: api.ErrCodeAuthFailed, Message: err.Error(), Status: http.StatusUnauthorized}
	default:
		return &api.Error{Code: api.ErrCodeAuthFailed, Message: "invalid or expired credential", Status: http.StatusUnauthorized}
	}
}

func (h *Handler) logf(format string, args ...any) {
	if h.config.Verbose {
		log.Printf("[ws] "+format, args...)
	}
}

// Package api provides the HTTP server: the stream endpoint, producer ingress,
// replay reads, and health probes.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/kycstream/internal/api/health"
	"github.com/good-yellow-bee/kycstream/internal/api/middleware"
	"github.com/good-yellow-bee/kycstream/internal/auth"
	"github.com/good-yellow-bee/kycstream/internal/broker"
)

// Config contains HTTP server configuration.
type Config struct {
	Address         string
	TLSEnabled      bool
	TLSCertFile     string
	TLSKeyFile      string
	TrustProxy      bool    // trust X-Forwarded-For / X-Real-IP
	HandshakeRate   float64 // per-IP stream handshakes per second
	HandshakeBurst  int
	UserRate        float64 // per-user API requests per second
	UserBurst       int
	ShutdownTimeout time.Duration
	Verbose         bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.HandshakeRate == 0 {
		c.HandshakeRate = 2
	}
	if c.HandshakeBurst == 0 {
		c.HandshakeBurst = 10
	}
	if c.UserRate == 0 {
		c.UserRate = 50
	}
	if c.UserBurst == 0 {
		c.UserBurst = 100
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server is the HTTP server.
type Server struct {
	config        *Config
	broker        *broker.Broker
	gate          *auth.Gate
	stream        http.Handler
	server        *http.Server
	healthHandler *health.Handler
	ipLimiter     *middleware.RateLimiter
	userLimiter   *middleware.RateLimiter
}

// New creates a new server. stream serves websocket handshakes on /ws.
func New(cfg *Config, b *broker.Broker, gate *auth.Gate, stream http.Handler) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if b == nil {
		return nil, errors.New("broker is required")
	}
	if gate == nil {
		return nil, errors.New("auth gate is required")
	}
	if stream == nil {
		return nil, errors.New("stream handler is required")
	}

	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		broker:        b,
		gate:          gate,
		stream:        stream,
		healthHandler: health.NewHandler(b),
		ipLimiter:     middleware.NewRateLimiter(cfg.HandshakeRate, cfg.HandshakeBurst),
		userLimiter:   middleware.NewRateLimiter(cfg.UserRate, cfg.UserBurst),
	}

	s.server = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.setupRouter(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: stream connections are hijacked and long-lived,
		// and their writes carry per-frame deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLSEnabled {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until ctx is canceled.
// On cancel, live stream connections are closed with server_shutdown
// before the listener drains.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.ipLimiter.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		s.userLimiter.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", s.config.Address)
		var err error
		if s.config.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := s.broker.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown broker: %w", err))
		}
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a readiness checker to the server.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	if s.healthHandler != nil {
		s.healthHandler.RegisterChecker(c)
	}
}

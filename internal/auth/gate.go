package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/good-yellow-bee/kycstream/internal/audit"
	"github.com/good-yellow-bee/kycstream/internal/metrics"
	"github.com/good-yellow-bee/kycstream/internal/models"
)

var (
	ErrMissingToken     = errors.New("missing credential")
	ErrInvalidToken     = errors.New("invalid or expired credential")
	ErrInvalidSubject   = errors.New("invalid subject")
	ErrSubjectForbidden = errors.New("subject not permitted for credential")
	ErrRoleForbidden    = errors.New("role may not open alert streams")
	ErrLockedOut        = errors.New("too many failed handshakes")
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string      `json:"user_id"`
	Username string      `json:"username,omitempty"`
	Role     models.Role `json:"role"`
}

// Gate authenticates connection handshakes before anything else sees them.
type Gate struct {
	tokens   *TokenValidator
	subjects *SubjectValidator
	lockout  *LockoutTracker
	audit    *audit.Logger
}

// NewGate creates a gate. lockout and auditLog may be nil.
func NewGate(tokens *TokenValidator, subjects *SubjectValidator, lockout *LockoutTracker, auditLog *audit.Logger) *Gate {
	return &Gate{
		tokens:   tokens,
		subjects: subjects,
		lockout:  lockout,
		audit:    auditLog,
	}
}

// Authenticate validates rawToken and claimedSubject for a handshake from remoteAddr.
// On success it returns the identity and the normalized subject.
func (g *Gate) Authenticate(rawToken, claimedSubject, remoteAddr string) (Identity, string, error) {
	if g.lockout.IsLocked(remoteAddr) {
		metrics.AuthAttemptsTotal.WithLabelValues("locked").Inc()
		g.audit.LogAuthFailure(claimedSubject, remoteAddr, ErrLockedOut)
		return Identity{}, "", ErrLockedOut
	}

	identity, subject, err := g.authenticate(rawToken, claimedSubject)
	if err != nil {
		g.lockout.RecordFailure(remoteAddr)
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		g.audit.LogAuthFailure(claimedSubject, remoteAddr, err)
		return Identity{}, "", err
	}

	g.lockout.ClearFailures(remoteAddr)
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	g.audit.LogAuthSuccess(identity.UserID, identity.Username, subject, remoteAddr)
	return identity, subject, nil
}

func (g *Gate) authenticate(rawToken, claimedSubject string) (Identity, string, error) {
	claims, err := g.tokens.ValidateToken(rawToken)
	if err != nil {
		return Identity{}, "", err
	}

	subject, err := g.subjects.Validate(claimedSubject)
	if err != nil {
		return Identity{}, "", err
	}

	if !claims.Role.CanWatch() {
		return Identity{}, "", fmt.Errorf("%w: %s", ErrRoleForbidden, claims.Role)
	}

	if claims.Role != models.RoleAdmin && !subjectAllowed(claims.Subjects, subject) {
		return Identity{}, "", ErrSubjectForbidden
	}

	return Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
	}, subject, nil
}

// Authorize checks that claims permit access to subject.
// Used by HTTP read paths that share the gate's rules.
func (g *Gate) Authorize(claims *Claims, subject string) error {
	if claims == nil {
		return ErrMissingToken
	}
	normalized, err := g.subjects.Validate(subject)
	if err != nil {
		return err
	}
	if claims.Role == models.RoleAdmin {
		return nil
	}
	if !claims.Role.CanWatch() {
		return ErrRoleForbidden
	}
	if !subjectAllowed(claims.Subjects, normalized) {
		return ErrSubjectForbidden
	}
	return nil
}

// Subjects returns the gate's subject validator.
func (g *Gate) Subjects() *SubjectValidator {
	return g.subjects
}

// Tokens returns the gate's token validator.
func (g *Gate) Tokens() *TokenValidator {
	return g.tokens
}

func subjectAllowed(allowed []string, subject string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.ContainsFunc(allowed, func(s string) bool {
		return strings.EqualFold(s, subject)
	})
}

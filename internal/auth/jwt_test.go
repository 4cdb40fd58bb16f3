package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/good-yellow-bee/kycstream/internal/models"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!")

const (
	testIssuer  = "kycstream"
	testSubject = "0xAbC0000000000000000000000000000000000001"
)

func mintToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return signed
}

func validClaims(role models.Role, subjects ...string) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		UserID:   "user-123",
		Username: "analyst",
		Role:     role,
		Subjects: subjects,
	}
}

func TestTokenValidator_Valid(t *testing.T) {
	v := NewTokenValidator(testSecret, testIssuer)
	token := mintToken(t, testSecret, validClaims(models.RoleViewer, testSubject))

	claims, err := v.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
	}
	if claims.Role != models.RoleViewer {
		t.Errorf("Role = %q, want %q", claims.Role, models.RoleViewer)
	}
	if len(claims.Subjects) != 1 || claims.Subjects[0] != testSubject {
		t.Errorf("Subjects = %v, want [%s]", claims.Subjects, testSubject)
	}
}

func TestTokenValidator_UserIDFallsBackToSubject(t *testing.T) {
	v := NewTokenValidator(testSecret, testIssuer)
	c := validClaims(models.RoleViewer)
	c.UserID = ""
	c.Subject = "svc-account"

	claims, err := v.ValidateToken(mintToken(t, testSecret, c))
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != "svc-account" {
		t.Errorf("UserID = %q, want %q", claims.UserID, "svc-account")
	}
}

func TestTokenValidator_Invalid(t *testing.T) {
	v := NewTokenValidator(testSecret, testIssuer)

	expired := validClaims(models.RoleViewer)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongIssuer := validClaims(models.RoleViewer)
	wrongIssuer.Issuer = "someone-else"

	noExpiry := validClaims(models.RoleViewer)
	noExpiry.ExpiresAt = nil

	noPrincipal := validClaims(models.RoleViewer)
	noPrincipal.UserID = ""
	noPrincipal.Subject = ""

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt-token", ErrInvalidToken},
		{"wrong-segments", "a.b", ErrInvalidToken},
		{"wrong-secret", mintToken(t, []byte("secret-two-32-bytes-long!!!!!!!"), validClaims(models.RoleViewer)), ErrInvalidToken},
		{"expired", mintToken(t, testSecret, expired), ErrInvalidToken},
		{"wrong-issuer", mintToken(t, testSecret, wrongIssuer), ErrInvalidToken},
		{"no-expiry", mintToken(t, testSecret, noExpiry), ErrInvalidToken},
		{"no-principal", mintToken(t, testSecret, noPrincipal), ErrInvalidToken},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ValidateToken(tc.token)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestTokenValidator_RejectsNoneAlgorithm(t *testing.T) {
	v := NewTokenValidator(testSecret, testIssuer)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(models.RoleAdmin))
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	if _, err := v.ValidateToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

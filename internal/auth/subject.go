package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultSubjectPattern matches EVM-style wallet addresses: 0x followed by 40 hex chars.
const DefaultSubjectPattern = `^0x[0-9a-fA-F]{40}$`

// SubjectValidator checks the structure of wallet/entity identifiers.
type SubjectValidator struct {
	pattern *regexp.Regexp
}

// NewSubjectValidator compiles pattern. An empty pattern uses DefaultSubjectPattern.
func NewSubjectValidator(pattern string) (*SubjectValidator, error) {
	if pattern == "" {
		pattern = DefaultSubjectPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile subject pattern %q: %w", pattern, err)
	}
	return &SubjectValidator{pattern: re}, nil
}

// Validate returns the normalized subject, or ErrInvalidSubject.
// Subjects are lower-cased so mixed-case checksummed addresses share a bucket.
func (v *SubjectValidator) Validate(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubject)
	}
	if !v.pattern.MatchString(subject) {
		return "", fmt.Errorf("%w: %q does not match %s", ErrInvalidSubject, subject, v.pattern)
	}
	return strings.ToLower(subject), nil
}

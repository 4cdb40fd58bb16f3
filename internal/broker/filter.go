package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/good-yellow-bee/kycstream/internal/models"
)

var ErrInvalidFilter = errors.New("invalid filter")

// Criteria is the client-supplied shape of a FILTER command.
// All fields are optional; an empty Criteria matches every alert.
type Criteria struct {
	Severity string   `json:"severity,omitempty"`
	Types    []string `json:"types,omitempty"`
	Expr     string   `json:"expr,omitempty"`
}

// IsEmpty reports whether c constrains nothing.
func (c Criteria) IsEmpty() bool {
	return c.Severity == "" && len(c.Types) == 0 && c.Expr == ""
}

// Filter is a compiled, immutable predicate over alerts.
// A nil *Filter matches everything.
type Filter struct {
	criteria    Criteria
	minSeverity models.Severity
	types       map[string]struct{}
	program     *vm.Program
}

// ParseFilter decodes and compiles raw criteria. An explicit null or empty
// object returns a nil filter, which clears any existing one. Missing
// criteria are invalid.
func ParseFilter(raw json.RawMessage) (*Filter, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing criteria", ErrInvalidFilter)
	}
	if bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var c Criteria
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return NewFilter(c)
}

// NewFilter validates and compiles c.
func NewFilter(c Criteria) (*Filter, error) {
	if c.IsEmpty() {
		return nil, nil
	}

	f := &Filter{criteria: c}

	if c.Severity != "" {
		sev, ok := models.LookupSeverity(c.Severity)
		if !ok {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidFilter, c.Severity)
		}
		f.minSeverity = sev
		f.criteria.Severity = string(sev)
	}

	if len(c.Types) > 0 {
		f.types = make(map[string]struct{}, len(c.Types))
		for _, t := range c.Types {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				return nil, fmt.Errorf("%w: empty alert type", ErrInvalidFilter)
			}
			f.types[t] = struct{}{}
		}
	}

	if c.Expr != "" {
		program, err := expr.Compile(c.Expr, expr.Env(sampleEnv()), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: compile expression: %v", ErrInvalidFilter, err)
		}
		f.program = program
	}

	return f, nil
}

// Criteria returns the normalized criteria the filter was built from.
func (f *Filter) Criteria() Criteria {
	if f == nil {
		return Criteria{}
	}
	return f.criteria
}

// Match reports whether a passes the filter. Expression errors count as no match.
func (f *Filter) Match(a *models.Alert) bool {
	if f == nil {
		return true
	}
	if f.minSeverity != "" && !a.Severity.AtLeast(f.minSeverity) {
		return false
	}
	if f.types != nil {
		if _, ok := f.types[strings.ToLower(a.Type)]; !ok {
			return false
		}
	}
	if f.program != nil {
		result, err := expr.Run(f.program, envFromAlert(a))
		if err != nil {
			return false
		}
		matched, ok := result.(bool)
		return ok && matched
	}
	return true
}

func sampleEnv() map[string]any {
	return map[string]any{
		"id":            "",
		"subject":       "",
		"type":          "",
		"severity":      "",
		"severity_rank": 0,
		"payload":       map[string]any{},
		"created_at":    int64(0),
	}
}

func envFromAlert(a *models.Alert) map[string]any {
	return map[string]any{
		"id":            a.ID,
		"subject":       a.Subject,
		"type":          strings.ToLower(a.Type),
		"severity":      string(a.Severity),
		"severity_rank": a.Severity.Rank(),
		"payload":       a.PayloadMap(),
		"created_at":    a.CreatedAt.Unix(),
	}
}

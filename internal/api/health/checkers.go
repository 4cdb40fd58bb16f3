package health

import (
	"context"
	"fmt"
)

// Pinger is implemented by dependencies that support a round-trip check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker checks a named dependency through its Ping method.
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker for p reported under name.
func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p}
}

// Name returns the checker name.
func (c *PingChecker) Name() string {
	return c.name
}

// Check pings the dependency.
func (c *PingChecker) Check(ctx context.Context) error {
	if c.pinger == nil {
		return fmt.Errorf("%s not configured", c.name)
	}
	return c.pinger.Ping(ctx)
}

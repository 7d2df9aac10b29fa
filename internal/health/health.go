// Package health aggregates named readiness checks for the /health
// endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Checker runs registered checks with a per-check timeout.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewChecker creates a checker. Each check gets the given timeout.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
}

// Register adds a named check. Re-registering a name replaces it.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Result is the outcome of one pass over all checks.
type Result struct {
	Healthy bool
	Checks  map[string]string
}

// Run executes every check and reports per-check status.
func (c *Checker) Run(ctx context.Context) Result {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	fns := make([]CheckFunc, 0, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	res := Result{Healthy: true, Checks: make(map[string]string, len(names))}
	for i, fn := range fns {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(checkCtx)
		cancel()
		if err != nil {
			res.Healthy = false
			res.Checks[names[i]] = "unhealthy: " + err.Error()
		} else {
			res.Checks[names[i]] = "healthy"
		}
	}
	return res
}

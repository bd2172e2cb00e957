// Package health evaluates dependency checks shared by the HTTP readiness
// endpoint and the gRPC health service.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const DefaultCheckTimeout = 2 * time.Second

// Check is a named dependency readiness check.
type Check struct {
	Name  string
	Check func(context.Context) error
}

// Evaluate runs every check with its own timeout and joins the failures.
// A nil result means every dependency is ready.
func Evaluate(ctx context.Context, timeout time.Duration, checks ...Check) error {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	var errs []error
	for _, c := range checks {
		if c.Check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.Check(checkCtx)
		cancel()
		if err != nil {
			name := c.Name
			if name == "" {
				name = "dependency"
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

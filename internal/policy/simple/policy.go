// Package simple contains the permissive upstream policy.
package simple

import (
	"context"
	"fmt"
)

// Limiter never throttles. It is used when upstream.rps is zero.
type Limiter struct{}

// New creates a new Limiter.
func New() *Limiter {
	return &Limiter{}
}

// Wait returns immediately unless ctx is already done.
func (Limiter) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("limiter wait: %w", err)
	}
	return nil
}

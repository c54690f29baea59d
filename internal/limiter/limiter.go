// Package limiter defines interfaces and implementations for login rate limiting.
package limiter

import (
	"context"
	"time"
)

// Default lockout policy.
const (
	DefaultWindow   = 15 * time.Minute
	DefaultMaxFails = 5
	DefaultBlockFor = 15 * time.Minute
)

// Limiter controls login attempts and temporary lockouts per username.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, username string) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, username string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, username string) (bool, time.Duration, error)
}

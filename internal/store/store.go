// Package store keeps short-lived numeric signals (rate counters and moving
// averages) keyed by client fingerprint.
package store

import (
	"context"
	"time"
)

// UpdateFunc computes the new value from the current one. ok is false when the
// key is absent or expired.
type UpdateFunc func(current float64, ok bool) float64

type Store interface {
	// Incr adds one to key and (re)sets its expiry, returning the new count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetFloat(ctx context.Context, key string) (float64, bool, error)
	SetFloat(ctx context.Context, key string, value float64, ttl time.Duration) error
	// Update applies fn atomically with respect to other writers of key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (float64, error)
	Ping(ctx context.Context) error
	Close() error
}

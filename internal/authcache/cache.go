// Package authcache is the ephemeral key-value store behind short-lived
// authorization codes, one-time verification tokens, and OTP codes. Entries
// expire on their own; nothing here survives a process restart, and callers
// must not depend on it doing so (clients simply retry the authorize step).
package authcache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the key was never set, expired, or was already
	// consumed. The three cases are indistinguishable on purpose.
	ErrCacheMiss = errors.New("authcache.miss")
	// ErrUnavailable indicates the backing store timed out or was unreachable.
	// Callers may retry; a miss is definitive, unavailability is not.
	ErrUnavailable = errors.New("authcache.unavailable")
)

// Key namespaces. Codes, verification tokens, and OTPs share one store but
// never one keyspace.
const (
	AuthCodePrefix = "authcode:"
	VerifyPrefix   = "verify:"
	OTPPrefix      = "otp:"
)

// Cache is a TTL'd byte store. GetDelete must be atomic: two concurrent
// callers fetching the same key may not both observe the value, which is what
// makes single-use authorization codes single-use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	GetDelete(ctx context.Context, key string) ([]byte, error)
}

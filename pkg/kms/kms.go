// Package kms issues and unwraps per-record data keys.
package kms

import (
	"context"
	"errors"
)

// DataKeySize is the length of generated data keys (AES-256).
const DataKeySize = 32

// ErrInvalidWrappedKey is returned when a wrapped key cannot be authenticated or parsed.
var ErrInvalidWrappedKey = errors.New("kms: invalid wrapped data key")

// DataKey is a freshly generated key. Plaintext must be zeroed by the caller after use.
type DataKey struct {
	Plaintext []byte
	Wrapped   []byte
}

// KeyManager is an external key-management provider.
type KeyManager interface {
	// GenerateDataKey returns a new data key together with its wrapped copy.
	GenerateDataKey(ctx context.Context) (DataKey, error)

	// Unwrap returns the plaintext of a key previously produced by GenerateDataKey.
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

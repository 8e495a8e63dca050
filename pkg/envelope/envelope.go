// Package envelope encrypts provider secrets with a per-record data key that
// is itself wrapped by a key-management provider.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/kms"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

const (
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrKeyService means the key-management provider could not be reached. Retryable.
	ErrKeyService = errors.New("envelope: key service unavailable")

	// ErrIntegrity means a ciphertext, tag or wrapped key failed authentication. Not retryable.
	ErrIntegrity = errors.New("envelope: integrity check failed")
)

// Sealed is the stored form of an encrypted secret. Ciphertext ends with the GCM tag.
type Sealed struct {
	Ciphertext []byte
	WrappedKey []byte
	IV         []byte
}

// Service performs envelope encryption. It never caches raw data keys.
type Service struct {
	keys   kms.KeyManager
	policy retry.Policy
	logger *slog.Logger
}

// NewService creates an envelope service around the given key manager.
func NewService(keys kms.KeyManager, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{keys: keys, policy: policy, logger: logger}
}

// Encrypt seals plaintext under a freshly generated data key.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte) (Sealed, error) {
	dk, err := retry.Do(ctx, s.policy, s.keys.GenerateDataKey)
	if err != nil {
		return Sealed{}, s.keyErr("generate data key", err)
	}
	defer clear(dk.Plaintext)

	gcm, err := newGCM(dk.Plaintext)
	if err != nil {
		return Sealed{}, err
	}

	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("envelope: generate iv: %w", err)
	}

	return Sealed{
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
		WrappedKey: dk.Wrapped,
		IV:         iv,
	}, nil
}

// Decrypt unwraps the data key and opens the sealed secret. Any authentication
// failure yields ErrIntegrity and no plaintext.
func (s *Service) Decrypt(ctx context.Context, sealed Sealed) ([]byte, error) {
	if len(sealed.IV) != nonceSize || len(sealed.Ciphertext) < tagSize || len(sealed.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: malformed envelope", ErrIntegrity)
	}

	key, err := retry.Do(ctx, s.policy, func(ctx context.Context) ([]byte, error) {
		return s.keys.Unwrap(ctx, sealed.WrappedKey)
	})
	if err != nil {
		return nil, s.keyErr("unwrap data key", err)
	}
	defer clear(key)

	if len(key) != kms.DataKeySize {
		return nil, fmt.Errorf("%w: unexpected data key length", ErrIntegrity)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, sealed.IV, sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext authentication failed", ErrIntegrity)
	}
	return plain, nil
}

func (s *Service) keyErr(op string, err error) error {
	if errors.Is(err, kms.ErrInvalidWrappedKey) {
		return fmt.Errorf("%w: %s: %v", ErrIntegrity, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Warn("key service call failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrKeyService, op, err)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return cipher.NewGCM(block)
}

package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const localWrapVersion byte = 1

// Local wraps data keys with a key-encryption key derived from a configured
// master secret. It stands in for a hosted KMS in development and tests.
type Local struct {
	keyID string
	kek   []byte
}

// NewLocal derives the key-encryption key for keyID from master (at least 32 bytes).
func NewLocal(master []byte, keyID string) (*Local, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("kms: local master key must be at least 32 bytes, got %d", len(master))
	}
	if keyID == "" {
		keyID = "default"
	}
	kek := make([]byte, DataKeySize)
	r := hkdf.New(sha256.New, master, nil, []byte("llm-spend-monitor/kms/"+keyID))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("kms: derive key: %w", err)
	}
	return &Local{keyID: keyID, kek: kek}, nil
}

// NewLocalFromBase64 decodes a base64 master key.
func NewLocalFromBase64(encoded, keyID string) (*Local, error) {
	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("kms: decode master key: %w", err)
	}
	return NewLocal(master, keyID)
}

func (l *Local) GenerateDataKey(_ context.Context) (DataKey, error) {
	plain := make([]byte, DataKeySize)
	if _, err := io.ReadFull(rand.Reader, plain); err != nil {
		return DataKey{}, fmt.Errorf("kms: generate data key: %w", err)
	}

	gcm, err := l.aead()
	if err != nil {
		return DataKey{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return DataKey{}, fmt.Errorf("kms: generate nonce: %w", err)
	}

	// version | nonce | sealed key
	wrapped := make([]byte, 0, 1+len(nonce)+len(plain)+gcm.Overhead())
	wrapped = append(wrapped, localWrapVersion)
	wrapped = append(wrapped, nonce...)
	wrapped = gcm.Seal(wrapped, nonce, plain, []byte(l.keyID))

	return DataKey{Plaintext: plain, Wrapped: wrapped}, nil
}

func (l *Local) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	gcm, err := l.aead()
	if err != nil {
		return nil, err
	}
	if len(wrapped) < 1+gcm.NonceSize()+gcm.Overhead() || wrapped[0] != localWrapVersion {
		return nil, ErrInvalidWrappedKey
	}
	nonce := wrapped[1 : 1+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, wrapped[1+gcm.NonceSize():], []byte(l.keyID))
	if err != nil {
		return nil, ErrInvalidWrappedKey
	}
	return plain, nil
}

func (l *Local) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(l.kek)
	if err != nil {
		return nil, fmt.Errorf("kms: init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

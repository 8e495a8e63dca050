// Package credentials gates access to encrypted provider organization keys.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/envelope"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// ErrInactive is returned when a credential has been disabled.
var ErrInactive = errors.New("credential is inactive")

// Store is the persistence Access needs.
type Store interface {
	CreateCredential(ctx context.Context, c *model.OrganizationCredential) error
	ListCredentials(ctx context.Context, tenantID, provider string, activeOnly bool) ([]model.OrganizationCredential, error)
	CredentialActive(ctx context.Context, id string) (bool, error)
	SetCredentialActive(ctx context.Context, id string, active bool) error
}

// Cipher seals and opens secrets.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) (envelope.Sealed, error)
	Decrypt(ctx context.Context, sealed envelope.Sealed) ([]byte, error)
}

// Access is the only path from a stored credential to its plaintext secret.
type Access struct {
	store  Store
	cipher Cipher
	logger *slog.Logger
}

// NewAccess creates a credential accessor.
func NewAccess(store Store, cipher Cipher, logger *slog.Logger) *Access {
	if logger == nil {
		logger = slog.Default()
	}
	return &Access{store: store, cipher: cipher, logger: logger}
}

// Active lists the tenant's active credentials for a provider.
func (a *Access) Active(ctx context.Context, tenantID, provider string) ([]model.OrganizationCredential, error) {
	creds, err := a.store.ListCredentials(ctx, tenantID, provider, true)
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	return creds, nil
}

// Open re-reads the credential's active flag and decrypts its secret.
// A credential disabled since it was listed yields ErrInactive.
func (a *Access) Open(ctx context.Context, cred model.OrganizationCredential) (string, error) {
	active, err := a.StillActive(ctx, cred.ID)
	if err != nil {
		return "", err
	}
	if !active {
		return "", fmt.Errorf("credential %s: %w", cred.ID, ErrInactive)
	}

	plain, err := a.cipher.Decrypt(ctx, envelope.Sealed{
		Ciphertext: cred.Ciphertext,
		WrappedKey: cred.WrappedDataKey,
		IV:         cred.IV,
	})
	if err != nil {
		return "", fmt.Errorf("decrypt credential %s: %w", cred.ID, err)
	}
	secret := string(plain)
	clear(plain)
	return secret, nil
}

// StillActive reports the stored is_active flag.
func (a *Access) StillActive(ctx context.Context, id string) (bool, error) {
	active, err := a.store.CredentialActive(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check credential %s: %w", id, err)
	}
	return active, nil
}

// Register encrypts secret and stores it as an active credential.
func (a *Access) Register(ctx context.Context, tenantID, provider, organizationID, label, secret string) (*model.OrganizationCredential, error) {
	secret = strings.TrimSpace(secret)
	if tenantID == "" || provider == "" || organizationID == "" || secret == "" {
		return nil, errors.New("tenant, provider, organization and secret are required")
	}

	sealed, err := a.cipher.Encrypt(ctx, []byte(secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}

	cred := &model.OrganizationCredential{
		TenantID:       tenantID,
		Provider:       provider,
		OrganizationID: organizationID,
		Label:          label,
		Ciphertext:     sealed.Ciphertext,
		WrappedDataKey: sealed.WrappedKey,
		IV:             sealed.IV,
		IsActive:       true,
	}
	if err := a.store.CreateCredential(ctx, cred); err != nil {
		return nil, err
	}
	a.logger.Info("credential registered", "tenant", tenantID, "provider", provider, "organization", organizationID, "credential", cred.ID)
	return cred, nil
}

// Disable soft-disables a credential. It is never deleted.
func (a *Access) Disable(ctx context.Context, id string) error {
	if err := a.store.SetCredentialActive(ctx, id, false); err != nil {
		return fmt.Errorf("disable credential: %w", err)
	}
	a.logger.Info("credential disabled", "credential", id)
	return nil
}

package credentials_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/credentials"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/envelope"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/kms"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/storage"
)

func setup(t *testing.T) (*credentials.Access, *storage.Store, model.Tenant) {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tenant := model.Tenant{Name: "acme"}
	require.NoError(t, db.CreateTenant(context.Background(), &tenant))

	km, err := kms.NewLocal(bytes.Repeat([]byte{2}, 32), "test")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := envelope.NewService(km, retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}, logger)

	return credentials.NewAccess(db, svc, logger), db, tenant
}

func TestRegisterAndOpen(t *testing.T) {
	access, db, tenant := setup(t)
	ctx := context.Background()

	cred, err := access.Register(ctx, tenant.ID, "openai", "org-1", "prod", "  sk-admin-123 ")
	require.NoError(t, err)
	assert.True(t, cred.IsActive)
	assert.NotContains(t, string(cred.Ciphertext), "sk-admin-123")

	stored, err := db.GetCredential(ctx, cred.ID)
	require.NoError(t, err)

	secret, err := access.Open(ctx, *stored)
	require.NoError(t, err)
	assert.Equal(t, "sk-admin-123", secret)
}

func TestOpen_RechecksActiveFlag(t *testing.T) {
	access, _, tenant := setup(t)
	ctx := context.Background()

	_, err := access.Register(ctx, tenant.ID, "openai", "org-1", "", "sk-1")
	require.NoError(t, err)

	listed, err := access.Active(ctx, tenant.ID, "openai")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// Disabled after listing: the cached copy still says active.
	require.NoError(t, access.Disable(ctx, listed[0].ID))
	assert.True(t, listed[0].IsActive)

	_, err = access.Open(ctx, listed[0])
	assert.ErrorIs(t, err, credentials.ErrInactive)

	still, err := access.StillActive(ctx, listed[0].ID)
	require.NoError(t, err)
	assert.False(t, still)

	listed, err = access.Active(ctx, tenant.ID, "openai")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestOpen_TamperedCiphertext(t *testing.T) {
	access, _, tenant := setup(t)
	ctx := context.Background()

	cred, err := access.Register(ctx, tenant.ID, "anthropic", "org-a", "", "sk-ant-admin")
	require.NoError(t, err)

	cred.Ciphertext[0] ^= 0xff
	_, err = access.Open(ctx, *cred)
	assert.ErrorIs(t, err, envelope.ErrIntegrity)
}

func TestRegister_Validation(t *testing.T) {
	access, _, tenant := setup(t)
	_, err := access.Register(context.Background(), tenant.ID, "openai", "org-1", "", "   ")
	assert.Error(t, err)
}

func TestDisable_Unknown(t *testing.T) {
	access, _, _ := setup(t)
	err := access.Disable(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

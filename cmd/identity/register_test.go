package identity

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/cmd/internal/notify"
	"warden/cmd/security/password"
	"warden/cmd/security/token"
)

func fastHasher() *password.Hasher {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return password.NewHasher(cfg, 2)
}

func newTestRegistrar(t *testing.T, cfg RegistrarConfig) (*Registrar, *BoltStore, *notify.Recorder) {
	t.Helper()
	st := newTestBoltStore(t)
	key, err := token.NewKey([]byte(strings.Repeat("k", 32)), token.MinKeyBytes)
	require.NoError(t, err)
	rec := &notify.Recorder{}

	r, err := NewRegistrar(st, fastHasher(), token.NewDigester(key), rec, cfg, nil)
	require.NoError(t, err)
	return r, st, rec
}

func TestRegister_WithVerification(t *testing.T) {
	ctx := context.Background()
	r, _, rec := newTestRegistrar(t, RegistrarConfig{
		RequireEmailVerification: true,
		VerifyURL:                "https://auth.example.com/verify-email",
	})

	acct, err := r.Register(ctx, RegisterInput{Email: "new@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.False(t, acct.Active)
	assert.Equal(t, Roles{RoleUser}, acct.Roles)
	require.NotNil(t, acct.VerificationDigest)

	msg, ok := rec.LastFor(notify.KindVerifyEmail, "new@example.com")
	require.True(t, ok)
	plain := msg.Data["token"]
	require.NotEmpty(t, plain)
	assert.NotEqual(t, plain, *acct.VerificationDigest)
	assert.Contains(t, msg.Body, "https://auth.example.com/verify-email?token="+url.QueryEscape(plain))

	verified, err := r.Verify(ctx, plain)
	require.NoError(t, err)
	assert.True(t, verified.Active)
	assert.Equal(t, acct.ID, verified.ID)
}

func TestRegister_WithoutVerification_StartsActive(t *testing.T) {
	r, _, rec := newTestRegistrar(t, RegistrarConfig{})

	acct, err := r.Register(context.Background(), RegisterInput{Email: "open@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.True(t, acct.Active)
	assert.Empty(t, rec.Messages())
}

func TestRegister_PolicyAndConflict(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistrar(t, RegistrarConfig{})

	_, err := r.Register(ctx, RegisterInput{Email: "short@example.com", Password: "abc"})
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))

	_, err = r.Register(ctx, RegisterInput{Email: "dup@example.com", Password: "correct horse"})
	require.NoError(t, err)
	_, err = r.Register(ctx, RegisterInput{Email: "DUP@example.com", Password: "correct horse"})
	assert.True(t, IsConflict(err))
}

func TestVerify_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	r, _, rec := newTestRegistrar(t, RegistrarConfig{RequireEmailVerification: true, VerificationTTL: time.Minute})
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return base })

	_, err := r.Register(ctx, RegisterInput{Email: "slow@example.com", Password: "correct horse"})
	require.NoError(t, err)
	msg, ok := rec.LastFor(notify.KindVerifyEmail, "slow@example.com")
	require.True(t, ok)

	r.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, err = r.Verify(ctx, msg.Data["token"])
	assert.True(t, IsNotActive(err))

	_, err = r.Verify(ctx, "unknown-token")
	assert.True(t, IsNotFound(err))

	_, err = r.Verify(ctx, "  ")
	assert.True(t, IsInvalidInput(err))
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestRegistrar(t, RegistrarConfig{RequireEmailVerification: true})

	first, created, err := r.EnsureAdmin(ctx, "root@example.com", "correct horse")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.Active)
	assert.True(t, first.Roles.Has(RoleAdmin))

	second, created, err := r.EnsureAdmin(ctx, "ROOT@example.com", "another password")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	stored, err := st.FindBySubject(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, fastHasher().Verify(ctx, stored.PasswordHash, "correct horse"))
}

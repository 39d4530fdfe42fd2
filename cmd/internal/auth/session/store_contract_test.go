package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeHarness builds a fresh Store and mints subjects it will accept.
type storeHarness struct {
	newStore   func(t *testing.T) Store
	newSubject func(t *testing.T, st Store) string
}

var digestSeq atomic.Int64

func nextDigest() string {
	return fmt.Sprintf("%064d", digestSeq.Add(1))
}

func newRow(subject string, now time.Time, dt DeviceType) NewRow {
	return NewRow{
		Subject:      subject,
		SecretDigest: nextDigest(),
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		Device:       DeviceContext{Type: dt, ID: "device-1", ClientMeta: ClientMeta{UserAgent: "ua/1", IP: "203.0.113.7"}},
	}
}

func activeCount(t *testing.T, st Store, subject string, dt DeviceType, now time.Time) int {
	t.Helper()
	rows, err := st.ListForSubject(context.Background(), subject)
	require.NoError(t, err)
	n := 0
	for _, r := range rows {
		if r.Active(now) && (dt == "" || (r.DeviceType != nil && *r.DeviceType == dt)) {
			n++
		}
	}
	return n
}

func runStoreContract(t *testing.T, h storeHarness) {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	t.Run("create and find", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		subject := h.newSubject(t, st)

		in := newRow(subject, base, DeviceWeb)
		created, err := st.Create(ctx, in)
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.False(t, created.Revoked)
		assert.True(t, created.ExpiresAt.Equal(base.Add(time.Hour)))

		got, err := st.FindByDigest(ctx, in.SecretDigest)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, subject, got.Subject)
		require.NotNil(t, got.DeviceType)
		assert.Equal(t, DeviceWeb, *got.DeviceType)
		require.NotNil(t, got.DeviceID)
		assert.Equal(t, "device-1", *got.DeviceID)
		assert.Equal(t, time.UTC, got.IssuedAt.Location())

		_, err = st.FindByDigest(ctx, nextDigest())
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("digest is unique", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		subject := h.newSubject(t, st)

		in := newRow(subject, base, "")
		_, err := st.Create(ctx, in)
		require.NoError(t, err)
		_, err = st.Create(ctx, in)
		require.Error(t, err)
		assert.True(t, isDigestConflict(err), "got %v", err)
	})

	t.Run("device exclusivity", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		subject := h.newSubject(t, st)

		first, err := st.Create(ctx, newRow(subject, base, DeviceWeb))
		require.NoError(t, err)
		_, err = st.Create(ctx, newRow(subject, base.Add(time.Second), DeviceWeb))
		require.NoError(t, err)
		_, err = st.Create(ctx, newRow(subject, base.Add(2*time.Second), DeviceMobile))
		require.NoError(t, err)
		_, err = st.Create(ctx, newRow(subject, base.Add(3*time.Second), ""))
		require.NoError(t, err)
		_, err = st.Create(ctx, newRow(subject, base.Add(4*time.Second), ""))
		require.NoError(t, err)

		now := base.Add(5 * time.Second)
		assert.Equal(t, 1, activeCount(t, st, subject, DeviceWeb, now))
		assert.Equal(t, 1, activeCount(t, st, subject, DeviceMobile, now))
		assert.Equal(t, 4, activeCount(t, st, subject, "", now))

		old, err := st.FindByDigest(ctx, first.SecretDigest)
		require.NoError(t, err)
		assert.True(t, old.Revoked)
		require.NotNil(t, old.LastUsedAt)
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		subject := h.newSubject(t, st)

		in := newRow(subject, base, "")
		row, err := st.Create(ctx, in)
		require.NoError(t, err)

		require.NoError(t, st.Revoke(ctx, base.Add(time.Minute), row.ID))
		require.NoError(t, st.Revoke(ctx, base.Add(2*time.Minute), row.ID))

		got, err := st.FindByDigest(ctx, in.SecretDigest)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, got.LastUsedAt.Equal(base.Add(time.Minute)))

		assert.ErrorIs(t, st.Revoke(ctx, base, "01ARZ3NDEKTSV4RRFFQ69G5FAV"), ErrSessionNotFound)
	})

	t.Run("revoke all isolates subjects", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)
		other := h.newSubject(t, st)

		for i := 0; i < 3; i++ {
			_, err := st.Create(ctx, newRow(u, base.Add(time.Duration(i)*time.Second), ""))
			require.NoError(t, err)
		}
		_, err := st.Create(ctx, newRow(other, base, DeviceWeb))
		require.NoError(t, err)

		n, err := st.RevokeAllForSubject(ctx, base.Add(time.Minute), u)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		now := base.Add(2 * time.Minute)
		assert.Equal(t, 0, activeCount(t, st, u, "", now))
		assert.Equal(t, 1, activeCount(t, st, other, "", now))

		n, err = st.RevokeAllForSubject(ctx, now, u)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("revoke active for device", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)

		_, err := st.Create(ctx, newRow(u, base, DeviceMobile))
		require.NoError(t, err)
		_, err = st.Create(ctx, newRow(u, base, DeviceWeb))
		require.NoError(t, err)

		n, err := st.RevokeActiveForDevice(ctx, base.Add(time.Second), u, DeviceMobile)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		assert.Equal(t, 1, activeCount(t, st, u, "", base.Add(time.Second)))
	})

	t.Run("rotate", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)

		in := newRow(u, base, DeviceMobile)
		first, err := st.Create(ctx, in)
		require.NoError(t, err)

		at := base.Add(10 * time.Minute)
		next := NewRow{
			SecretDigest: nextDigest(),
			IssuedAt:     at,
			ExpiresAt:    at.Add(time.Hour),
			// Client claims web; the stored mobile classification wins.
			Device: DeviceContext{Type: DeviceWeb, ID: "spoofed", ClientMeta: ClientMeta{UserAgent: "ua/2"}},
		}
		old, created, err := st.Rotate(ctx, in.SecretDigest, next)
		require.NoError(t, err)
		assert.Equal(t, first.ID, old.ID)
		assert.True(t, old.Revoked)
		require.NotNil(t, old.ReplacedBy)
		assert.Equal(t, created.ID, *old.ReplacedBy)

		require.NotNil(t, created.DeviceType)
		assert.Equal(t, DeviceMobile, *created.DeviceType)
		assert.Equal(t, "device-1", *created.DeviceID)
		assert.Equal(t, "ua/2", *created.UserAgent)
		assert.Equal(t, u, created.Subject)

		stored, err := st.FindByDigest(ctx, in.SecretDigest)
		require.NoError(t, err)
		assert.True(t, stored.Revoked)
		assert.Equal(t, created.ID, *stored.ReplacedBy)
		assert.True(t, stored.LastUsedAt.Equal(at))

		// Presenting the rotated digest again.
		reused, _, err := st.Rotate(ctx, in.SecretDigest, NewRow{SecretDigest: nextDigest(), IssuedAt: at, ExpiresAt: at.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrSessionRevoked)
		assert.True(t, reused.Rotated())
		assert.Equal(t, created.ID, *reused.ReplacedBy)

		assert.Equal(t, 1, activeCount(t, st, u, DeviceMobile, at))

		_, _, err = st.Rotate(ctx, nextDigest(), NewRow{SecretDigest: nextDigest(), IssuedAt: at, ExpiresAt: at.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("rotate expired leaves row untouched", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)

		in := newRow(u, base, "")
		_, err := st.Create(ctx, in)
		require.NoError(t, err)

		at := base.Add(2 * time.Hour)
		old, _, err := st.Rotate(ctx, in.SecretDigest, NewRow{SecretDigest: nextDigest(), IssuedAt: at, ExpiresAt: at.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.False(t, old.Revoked)

		got, err := st.FindByDigest(ctx, in.SecretDigest)
		require.NoError(t, err)
		assert.False(t, got.Revoked)
		assert.Nil(t, got.ReplacedBy)
	})

	t.Run("revoke expired is idempotent", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)

		_, err := st.Create(ctx, newRow(u, base, ""))
		require.NoError(t, err)
		_, err = st.Create(ctx, newRow(u, base, DeviceWeb))
		require.NoError(t, err)
		fresh := newRow(u, base.Add(3*time.Hour), "")
		_, err = st.Create(ctx, fresh)
		require.NoError(t, err)

		now := base.Add(2 * time.Hour)
		n, err := st.RevokeExpired(ctx, now)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		n, err = st.RevokeExpired(ctx, now)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		got, err := st.FindByDigest(ctx, fresh.SecretDigest)
		require.NoError(t, err)
		assert.False(t, got.Revoked)
	})

	t.Run("list ordering", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)
		v := h.newSubject(t, st)

		a, err := st.Create(ctx, newRow(u, base, ""))
		require.NoError(t, err)
		b, err := st.Create(ctx, newRow(u, base.Add(time.Minute), ""))
		require.NoError(t, err)
		_, err = st.Create(ctx, newRow(v, base.Add(2*time.Minute), ""))
		require.NoError(t, err)

		rows, err := st.ListForSubject(ctx, u)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, b.ID, rows[0].ID)
		assert.Equal(t, a.ID, rows[1].ID)

		all, err := st.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("concurrent rotate has one winner", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)

		in := newRow(u, base, DeviceWeb)
		_, err := st.Create(ctx, in)
		require.NoError(t, err)

		const workers = 8
		at := base.Add(time.Minute)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, errs[i] = st.Rotate(ctx, in.SecretDigest, NewRow{
					SecretDigest: nextDigest(),
					IssuedAt:     at,
					ExpiresAt:    at.Add(time.Hour),
				})
			}()
		}
		wg.Wait()

		won := 0
		for _, err := range errs {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, ErrSessionRevoked)
		}
		assert.Equal(t, 1, won)
		assert.Equal(t, 1, activeCount(t, st, u, "", at))
	})

	t.Run("concurrent logins keep one session per device", func(t *testing.T) {
		st := h.newStore(t)
		ctx := context.Background()
		u := h.newSubject(t, st)

		// A refresh of an existing web session races the logins.
		seed := newRow(u, base, DeviceWeb)
		_, err := st.Create(ctx, seed)
		require.NoError(t, err)

		const workers = 8
		at := base.Add(time.Minute)
		errs := make([]error, workers)
		var (
			wg        sync.WaitGroup
			rotateErr error
		)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = st.Create(ctx, newRow(u, at, DeviceWeb))
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, rotateErr = st.Rotate(ctx, seed.SecretDigest, NewRow{
				SecretDigest: nextDigest(),
				IssuedAt:     at,
				ExpiresAt:    at.Add(time.Hour),
			})
		}()
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		// The seed may already be revoked by a login when the refresh runs.
		if rotateErr != nil {
			assert.ErrorIs(t, rotateErr, ErrSessionRevoked)
		}
		assert.Equal(t, 1, activeCount(t, st, u, DeviceWeb, at))
	})

	t.Run("cancelled context writes nothing", func(t *testing.T) {
		st := h.newStore(t)
		u := h.newSubject(t, st)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		in := newRow(u, base, DeviceWeb)
		_, err := st.Create(ctx, in)
		require.Error(t, err)

		_, err = st.FindByDigest(context.Background(), in.SecretDigest)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/cmd/internal/metrics"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IPMax = 3
	cfg.IdentifierMax = 2
	return cfg
}

func TestThrottle_BlocksIdentifierAfterFailures(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	th, err := NewThrottle(testConfig(), NewMemoryCounter(16, time.Hour), nil, m)
	require.NoError(t, err)

	require.NoError(t, th.Check(ctx, "203.0.113.1", "a@x.com"))
	th.Fail(ctx, "203.0.113.1", "a@x.com")
	require.NoError(t, th.Check(ctx, "203.0.113.1", "a@x.com"))
	th.Fail(ctx, "203.0.113.1", "a@x.com")

	err = th.Check(ctx, "203.0.113.1", "a@x.com")
	var le LimitedError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ScopeIdentifier, le.Scope)
	assert.Greater(t, le.RetryAfter, 14*time.Minute)
	assert.ErrorIs(t, err, ErrLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal.WithLabelValues(ScopeIdentifier)))

	// Other identifiers from the same address are still allowed.
	require.NoError(t, th.Check(ctx, "203.0.113.1", "b@x.com"))
}

func TestThrottle_BlocksAddress(t *testing.T) {
	ctx := context.Background()
	th, err := NewThrottle(testConfig(), NewMemoryCounter(16, time.Hour), nil, nil)
	require.NoError(t, err)

	for _, id := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		th.Fail(ctx, "198.51.100.9", id)
	}
	err = th.Check(ctx, "198.51.100.9", "d@x.com")
	var le LimitedError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ScopeIP, le.Scope)

	require.NoError(t, th.Check(ctx, "198.51.100.10", "d@x.com"))
}

func TestThrottle_SuccessResetsIdentifier(t *testing.T) {
	ctx := context.Background()
	th, err := NewThrottle(testConfig(), NewMemoryCounter(16, time.Hour), nil, nil)
	require.NoError(t, err)

	th.Fail(ctx, "", "a@x.com")
	th.Fail(ctx, "", "a@x.com")
	require.Error(t, th.Check(ctx, "", "a@x.com"))

	th.Succeed(ctx, "a@x.com")
	require.NoError(t, th.Check(ctx, "", "a@x.com"))
}

func TestThrottle_DisabledAndNil(t *testing.T) {
	ctx := context.Background()
	var nilThrottle *Throttle
	assert.NoError(t, nilThrottle.Check(ctx, "1.2.3.4", "a"))
	nilThrottle.Fail(ctx, "1.2.3.4", "a")

	cfg := testConfig()
	cfg.Enabled = false
	th, err := NewThrottle(cfg, NewMemoryCounter(16, time.Hour), nil, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		th.Fail(ctx, "1.2.3.4", "a")
	}
	assert.NoError(t, th.Check(ctx, "1.2.3.4", "a"))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Backend = "redis"
	assert.Error(t, cfg.Validate())
	cfg.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.IPWindow = 0
	assert.Error(t, cfg.Validate())
}

func TestMemoryCounter_WindowExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCounter(4, time.Hour)
	c.now = func() time.Time { return now }

	n, ttl, err := c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, time.Minute, ttl)

	now = now.Add(40 * time.Second)
	n, ttl, err = c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 20*time.Second, ttl)

	now = now.Add(20 * time.Second)
	n, _, err = c.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, _, err = c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, whitelist []string, cfg Config) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r, err := New(whitelist, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return r, clock
}

func TestRateLimiter_SinglePointWindow(t *testing.T) {
	r, clock := newTestLimiter(t, []string{"127.*"}, Config{
		Global: BucketConfig{RateLimit: 1, Duration: 5 * time.Second},
	})

	assert.False(t, r.HasExceededRateLimit("1.2.3.4", ""))
	assert.True(t, r.HasExceededRateLimit("1.2.3.4", ""))
	assert.ErrorIs(t, r.Consume("1.2.3.4", ""), ErrRateLimitExceeded)

	clock.Advance(5 * time.Second)
	assert.False(t, r.HasExceededRateLimit("1.2.3.4", ""))

	// other addresses have their own budget
	assert.False(t, r.HasExceededRateLimit("5.6.7.8", ""))
}

func TestRateLimiter_WhitelistNeverLimited(t *testing.T) {
	r, _ := newTestLimiter(t, []string{"127.*"}, Config{
		Global: BucketConfig{RateLimit: 1, Duration: 5 * time.Second},
	})

	for i := 0; i < 10; i++ {
		assert.False(t, r.HasExceededRateLimit("127.0.0.1", "p2p.peer.getBlocks"))
	}
	assert.True(t, r.IsWhitelisted("127.0.0.1"))
	assert.False(t, r.IsBlocked("127.0.0.1"))
	assert.False(t, r.IsWhitelisted("128.0.0.1"))
}

func TestRateLimiter_GlobalAndEndpointBuckets(t *testing.T) {
	r, _ := newTestLimiter(t, nil, Config{
		Global: BucketConfig{RateLimit: 5, Duration: time.Second},
		Endpoints: []BucketConfig{
			{Endpoint: "blocks", RateLimit: 2, Duration: time.Second},
		},
	})
	ip := "9.9.9.9"

	assert.NoError(t, r.Consume(ip, "blocks"))
	assert.NoError(t, r.Consume(ip, "blocks"))
	err := r.Consume(ip, "blocks")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Contains(t, err.Error(), "blocks")

	// the endpoint is exhausted but the global budget is not
	assert.NoError(t, r.Consume(ip, "peer"))
	assert.NoError(t, r.Consume(ip, ""))

	// the refused endpoint request still spent a global point
	assert.True(t, r.HasExceededRateLimit(ip, "peer"))
	assert.True(t, r.IsBlocked(ip))
}

func TestRateLimiter_GlobalExhaustionBlocksEndpoints(t *testing.T) {
	r, _ := newTestLimiter(t, nil, Config{
		Global: BucketConfig{RateLimit: 1, Duration: time.Minute},
		Endpoints: []BucketConfig{
			{Endpoint: "blocks", RateLimit: 100, Duration: time.Minute},
		},
	})

	assert.NoError(t, r.Consume("9.9.9.9", ""))
	assert.ErrorIs(t, r.Consume("9.9.9.9", "blocks"), ErrRateLimitExceeded)
}

func TestRateLimiter_IsBlockedDoesNotConsume(t *testing.T) {
	r, clock := newTestLimiter(t, nil, Config{
		Global: BucketConfig{RateLimit: 2, Duration: 10 * time.Second},
	})
	ip := "9.9.9.9"

	for i := 0; i < 5; i++ {
		assert.False(t, r.IsBlocked(ip))
	}
	require.NoError(t, r.Consume(ip, ""))
	assert.False(t, r.IsBlocked(ip))
	require.NoError(t, r.Consume(ip, ""))
	assert.True(t, r.IsBlocked(ip))

	clock.Advance(5 * time.Second)
	assert.False(t, r.IsBlocked(ip))
}

func TestRateLimiter_BlockDurationExtendsPenalty(t *testing.T) {
	r, clock := newTestLimiter(t, nil, Config{
		Global: BucketConfig{RateLimit: 1, Duration: time.Second, BlockDuration: 10 * time.Second},
	})
	ip := "9.9.9.9"

	require.NoError(t, r.Consume(ip, ""))
	require.Error(t, r.Consume(ip, ""))

	clock.Advance(2 * time.Second)
	assert.True(t, r.IsBlocked(ip))
	assert.Error(t, r.Consume(ip, ""))

	// the refused attempt above does not extend the original penalty
	clock.Advance(9 * time.Second)
	assert.False(t, r.IsBlocked(ip))
	assert.NoError(t, r.Consume(ip, ""))
}

func TestWhitelist_Patterns(t *testing.T) {
	r, _ := newTestLimiter(t, []string{"10.0.0.0/8", "192.168.1.7", "172.16.?.*", "::1"}, Config{
		Global: BucketConfig{RateLimit: 1, Duration: time.Second},
	})

	for _, ip := range []string{"10.1.2.3", "192.168.1.7", "172.16.5.200", "::1", "::ffff:10.0.0.1"} {
		assert.True(t, r.IsWhitelisted(ip), ip)
	}
	for _, ip := range []string{"11.0.0.1", "192.168.1.8", "172.16.50.1", "not-an-ip"} {
		assert.False(t, r.IsWhitelisted(ip), ip)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	valid := BucketConfig{RateLimit: 1, Duration: time.Second}
	cases := []struct {
		name      string
		whitelist []string
		cfg       Config
	}{
		{"zero global points", nil, Config{Global: BucketConfig{Duration: time.Second}}},
		{"zero global duration", nil, Config{Global: BucketConfig{RateLimit: 1}}},
		{"unnamed endpoint", nil, Config{Global: valid, Endpoints: []BucketConfig{valid}}},
		{"duplicate endpoint", nil, Config{Global: valid, Endpoints: []BucketConfig{
			{Endpoint: "a", RateLimit: 1, Duration: time.Second},
			{Endpoint: "a", RateLimit: 2, Duration: time.Second},
		}}},
		{"negative block", nil, Config{Global: BucketConfig{RateLimit: 1, Duration: time.Second, BlockDuration: -time.Second}}},
		{"bad glob", []string{"127.[*"}, Config{Global: valid}},
		{"bad cidr", []string{"10.0.0.0/40"}, Config{Global: valid}},
		{"bad ip", []string{"localhost"}, Config{Global: valid}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.whitelist, tc.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRateLimiter_TrackedIPsAreBounded(t *testing.T) {
	r, _ := newTestLimiter(t, nil, Config{
		Global:        BucketConfig{RateLimit: 1, Duration: time.Hour},
		MaxTrackedIPs: 2,
	})

	require.NoError(t, r.Consume("1.1.1.1", ""))
	require.NoError(t, r.Consume("2.2.2.2", ""))
	require.NoError(t, r.Consume("3.3.3.3", ""))

	assert.Equal(t, 2, r.global.ips.Len())
	assert.False(t, r.IsBlocked("1.1.1.1"), "evicted state starts fresh")
}

func TestRateLimiter_EvictionKeepsPenalty(t *testing.T) {
	r, clock := newTestLimiter(t, nil, Config{
		Global:        BucketConfig{RateLimit: 1, Duration: time.Hour, BlockDuration: time.Minute},
		MaxTrackedIPs: 2,
	})
	ip := "6.6.6.6"

	require.NoError(t, r.Consume(ip, ""))
	require.Error(t, r.Consume(ip, ""))

	// churn through fresh addresses until the offender's limiter is evicted
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Consume(fmt.Sprintf("10.1.0.%d", i), ""))
	}
	_, tracked := r.global.ips.Peek(ip)
	require.False(t, tracked)

	assert.True(t, r.IsBlocked(ip))
	assert.ErrorIs(t, r.Consume(ip, ""), ErrRateLimitExceeded)

	clock.Advance(time.Minute)
	assert.False(t, r.IsBlocked(ip))
	assert.NoError(t, r.Consume(ip, ""))
}

func TestRateLimiter_ExpiredPenaltiesAreSwept(t *testing.T) {
	r, clock := newTestLimiter(t, nil, Config{
		Global:        BucketConfig{RateLimit: 1, Duration: time.Hour, BlockDuration: time.Second},
		MaxTrackedIPs: 2,
	})
	for i := 0; i < 2; i++ {
		ip := fmt.Sprintf("10.2.0.%d", i)
		require.NoError(t, r.Consume(ip, ""))
		require.Error(t, r.Consume(ip, ""))
	}
	require.Len(t, r.global.blocked, 2)

	clock.Advance(2 * time.Second)
	require.NoError(t, r.Consume("10.2.0.9", ""))
	require.Error(t, r.Consume("10.2.0.9", ""))
	assert.Len(t, r.global.blocked, 1)
}

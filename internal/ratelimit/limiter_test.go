package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dht "github.com/btdht/btdht"
)

// fakeClock lets the tests advance time deterministically instead of
// sleeping, matching the teacher's pattern of injecting time rather than
// calling time.Now() directly (spec.md §9's Clock capability).
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func addrN(n byte) dht.Address {
	return dht.NewAddress(net.IPv4(10, 0, 0, n), 6881)
}

// TestScenario7RateLimiter reproduces spec.md §8 scenario 7 literally:
// host_bandwidth_rate = 1 packet, global = 3 packets; four pings to four
// distinct addresses: first three succeed, the fourth is dropped; after
// 1s, a fifth succeeds.
func TestScenario7RateLimiter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := dht.DefaultConfig()
	cfg.GlobalBandwidthRate = 3
	cfg.HostBandwidthRate = 1
	rl := NewRateLimiter(cfg, clock)

	for i := byte(1); i <= 3; i++ {
		assert.True(t, rl.ConsumeOutbound(1, addrN(i)), "packet %d should be consumed", i)
	}
	assert.False(t, rl.ConsumeOutbound(1, addrN(4)), "fourth packet must be dropped")

	clock.advance(time.Second)
	assert.True(t, rl.ConsumeOutbound(1, addrN(5)), "fifth packet should succeed after refill")
}

func TestPerHostLimitIndependentOfGlobalHeadroom(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := dht.DefaultConfig()
	cfg.GlobalBandwidthRate = 100
	cfg.HostBandwidthRate = 1
	rl := NewRateLimiter(cfg, clock)

	addr := addrN(9)
	require.True(t, rl.ConsumeOutbound(1, addr))
	assert.False(t, rl.ConsumeOutbound(1, addr), "second packet to the same host must be denied despite global headroom")
}

func TestSweepEvictsIdleFullHostBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := dht.DefaultConfig()
	rl := NewRateLimiter(cfg, clock)

	rl.CanConsumeOutbound(1, addrN(1)) // touches the host bucket without consuming

	inEvicted, outEvicted := rl.Sweep()
	assert.Equal(t, 0, inEvicted)
	assert.Equal(t, 1, outEvicted)
}

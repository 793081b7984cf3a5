package ratelimit

import (
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log"

	dht "github.com/btdht/btdht"
)

var log = logging.Logger("ratelimit")

// direction is one independent global+per-host pair of token buckets
// (spec.md §4.1: "Two token buckets per direction").
type direction struct {
	global *tokenBucket

	hostRate     float64
	hostCapacity float64
	clock        dht.Clock

	hosts *lru.Cache[string, *tokenBucket]
}

func newDirection(globalRate, hostRate float64, maxHosts int, clock dht.Clock) *direction {
	hosts, err := lru.New[string, *tokenBucket](maxHosts)
	if err != nil {
		// Only returns an error for a non-positive size; fall back to a
		// small but functional cache rather than panic in production
		// code.
		hosts, _ = lru.New[string, *tokenBucket](128)
	}
	return &direction{
		global:       newTokenBucket(globalRate, globalRate, clock),
		hostRate:     hostRate,
		hostCapacity: hostRate,
		hosts:        hosts,
		clock:        clock,
	}
}

func (d *direction) hostBucket(key string) *tokenBucket {
	if b, ok := d.hosts.Get(key); ok {
		return b
	}
	b := newTokenBucket(d.hostCapacity, d.hostRate, d.clock)
	d.hosts.Add(key, b)
	return b
}

// canConsume peeks whether both the global and host buckets currently
// hold at least n tokens.
func (d *direction) canConsume(n int, key string) bool {
	return d.global.canConsume(n) && d.hostBucket(key).canConsume(n)
}

// consume atomically succeeds iff both the global and host bucket can
// consume n (spec.md §4.1). Both buckets are locked (global first, then
// host) across the check and the deduction, so concurrent callers (the
// Serve goroutine and Scheduler callbacks) cannot interleave between them.
func (d *direction) consume(n int, key string) bool {
	host := d.hostBucket(key)
	d.global.mu.Lock()
	defer d.global.mu.Unlock()
	host.mu.Lock()
	defer host.mu.Unlock()
	now := d.clock.Now()
	d.global.refill(now)
	host.refill(now)
	if d.global.stored < float64(n) || host.stored < float64(n) {
		return false
	}
	d.global.stored -= float64(n)
	host.stored -= float64(n)
	return true
}

// sweep evicts every per-host bucket that is idle (no outstanding debt,
// i.e. refilled to capacity), bounding memory per spec.md §5
// ("Rate-limiter host buckets: evicted when idle"). How recently a bucket
// was touched is not considered.
func (d *direction) sweep() int {
	evicted := 0
	for _, key := range d.hosts.Keys() {
		b, ok := d.hosts.Peek(key)
		if !ok {
			continue
		}
		if b.idleAndFull() {
			d.hosts.Remove(key)
			evicted++
		}
	}
	return evicted
}

// RateLimiter is the bandwidth gate described in spec.md §4.1: it does
// not queue; a denied consume simply means "drop this datagram" (inbound)
// or "surface ErrRateLimited" (outbound).
type RateLimiter struct {
	Inbound  *direction
	Outbound *direction
}

// NewRateLimiter builds a RateLimiter from the bandwidth-rate fields of
// cfg. clock may be nil, in which case dht.SystemClock is used.
func NewRateLimiter(cfg dht.Config, clock dht.Clock) *RateLimiter {
	if clock == nil {
		clock = dht.SystemClock
	}
	maxHosts := cfg.MaxHostBuckets
	if maxHosts <= 0 {
		maxHosts = 4096
	}
	global := float64(cfg.GlobalBandwidthRate)
	host := float64(cfg.HostBandwidthRate)
	return &RateLimiter{
		Inbound:  newDirection(global, host, maxHosts, clock),
		Outbound: newDirection(global, host, maxHosts, clock),
	}
}

// CanConsumeOutbound peeks, without consuming, whether n bytes could be
// sent to addr right now.
func (rl *RateLimiter) CanConsumeOutbound(n int, addr dht.Address) bool {
	return rl.Outbound.canConsume(n, addr.String())
}

// ConsumeOutbound attempts to account for n bytes being sent to addr.
func (rl *RateLimiter) ConsumeOutbound(n int, addr dht.Address) bool {
	ok := rl.Outbound.consume(n, addr.String())
	if !ok {
		log.Debugf("outbound rate limit denied %d bytes to %s", n, addr)
	}
	return ok
}

// ConsumeInbound attempts to account for n bytes received from addr.
func (rl *RateLimiter) ConsumeInbound(n int, addr dht.Address) bool {
	ok := rl.Inbound.consume(n, addr.String())
	if !ok {
		log.Debugf("inbound rate limit denied %d bytes from %s", n, addr)
	}
	return ok
}

// Sweep garbage-collects idle, full per-host buckets in both directions.
// Intended to be called periodically (e.g. by the engine's event loop)
// rather than on every datagram.
func (rl *RateLimiter) Sweep() (inboundEvicted, outboundEvicted int) {
	return rl.Inbound.sweep(), rl.Outbound.sweep()
}

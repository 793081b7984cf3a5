package peerstore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dht "github.com/btdht/btdht"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time       { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func infohash(b byte) dht.ID {
	var id dht.ID
	id[0] = b
	return id
}

func peerAddr(n byte) dht.Address {
	return dht.NewAddress(net.IPv4(192, 168, 1, n), 6881)
}

func TestPutThenGet(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := dht.DefaultConfig()
	store := New(cfg, clock)

	ih := infohash(77)
	store.Put(ih, peerAddr(1))
	store.Put(ih, peerAddr(2))

	peers := store.Get(ih)
	assert.Len(t, peers, 2)
}

// TestRepeatedPutExtendsExpiry covers spec.md §8's round-trip property:
// repeated put keeps the entry present and extends its expiry.
func TestRepeatedPutExtendsExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := dht.DefaultConfig()
	cfg.PeerTimeout = 10 * time.Second
	store := New(cfg, clock)

	ih := infohash(1)
	p := peerAddr(1)
	store.Put(ih, p)

	clock.advance(6 * time.Second)
	store.Put(ih, p) // refresh before expiry, 6s in

	clock.advance(6 * time.Second) // 12s since the first put, but only 6s since the refresh
	peers := store.Get(ih)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Equal(p))
}

func TestPeerExpiresAfterTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := dht.DefaultConfig()
	cfg.PeerTimeout = 10 * time.Second
	store := New(cfg, clock)

	ih := infohash(1)
	store.Put(ih, peerAddr(1))

	clock.advance(11 * time.Second)
	peers := store.Get(ih)
	assert.Empty(t, peers)
}

func TestSweepRemovesEmptyInfohash(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := dht.DefaultConfig()
	cfg.PeerTimeout = 5 * time.Second
	store := New(cfg, clock)

	ih := infohash(5)
	store.Put(ih, peerAddr(1))
	clock.advance(6 * time.Second)

	removed := store.Sweep()
	assert.Equal(t, 1, removed)
	assert.Empty(t, store.Get(ih))
}

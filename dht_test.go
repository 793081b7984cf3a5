package dht

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btdht/btdht/internal/krpc"
	"github.com/btdht/btdht/internal/lookup"
)

func loopback() net.IP { return net.IPv4(127, 0, 0, 1) }

// This file exercises the public Server wiring end to end over
// krpc.MemTransport, one test per externally-observable behaviour named
// in spec.md §8 that isn't already pinned at the component level
// (internal/krpc's engine_test.go covers the six literal KRPC
// request/reply scenarios directly against the engine;
// internal/ratelimit's limiter_test.go covers scenario 7). These tests
// instead drive the same behaviours through Server, the assembled node a
// real caller would use.

func serverID(n uint64) ID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return IDFromBytes(b[:])
}

func bigLimitConfig() Config {
	cfg := DefaultConfig()
	cfg.GlobalBandwidthRate = 1 << 30
	cfg.HostBandwidthRate = 1 << 30
	cfg.RPCTimeout = 2 * time.Second
	cfg.LookupTimeout = 5 * time.Second
	cfg.AllowLoopback = true
	return cfg
}

func newTestServer(t *testing.T, id ID, port uint16, cfg Config) *Server {
	t.Helper()
	cfg.NodeID = id
	tr := krpc.NewMemTransport(port)
	s, err := NewServer(cfg, tr, nil, nil)
	require.NoError(t, err)
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		s.Stop()
		_ = tr.Close()
	})
	return s
}

func TestServerPingAdmitsResponderIntoRoutingTable(t *testing.T) {
	cfg := bigLimitConfig()
	a := newTestServer(t, serverID(1), 21001, cfg)
	b := newTestServer(t, serverID(2), 21002, cfg)

	done := make(chan error, 1)
	a.Ping(NewAddress(loopback(), 21002), func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not complete")
	}

	require.Eventually(t, func() bool {
		return a.RoutingTableSize() == 1
	}, time.Second, 10*time.Millisecond)
	_ = b
}

func TestServerBootstrapThenFindNodeConverges(t *testing.T) {
	cfg := bigLimitConfig()
	cfg.K = 8

	target := serverID(77)
	holder := newTestServer(t, target, 21011, cfg)
	require.NotNil(t, holder)

	client := newTestServer(t, serverID(999), 21012, cfg)
	client.Bootstrap([]Address{NewAddress(loopback(), 21011)})
	require.Eventually(t, func() bool { return client.RoutingTableSize() == 1 }, time.Second, 10*time.Millisecond)

	results := make(chan lookup.Result, 1)
	errs := make(chan error, 1)
	err := client.FindNode(target, func(r lookup.Result, lerr error) {
		results <- r
		errs <- lerr
	})
	require.NoError(t, err)

	select {
	case r := <-results:
		lerr := <-errs
		require.NoError(t, lerr)
		assert.True(t, holder.ID().Equal(target))
		// the target itself is the bootstrap seed, already known before
		// any new discovery; the lookup must still report it as queried.
		var contacted bool
		for _, n := range r.Queried {
			if n.ID.Equal(target) {
				contacted = true
			}
		}
		assert.True(t, contacted, "find_node must contact the seed holding the target id")
	case <-time.After(5 * time.Second):
		t.Fatal("find_node lookup did not complete")
	}
}

func TestServerAnnounceThenGetPeersSeesAnnouncedPeer(t *testing.T) {
	cfg := bigLimitConfig()

	infohash := serverID(555)
	holder := newTestServer(t, serverID(1), 21021, cfg)
	require.NotNil(t, holder)

	announcer := newTestServer(t, serverID(2), 21022, cfg)
	announcer.Bootstrap([]Address{NewAddress(loopback(), 21021)})
	require.Eventually(t, func() bool { return announcer.RoutingTableSize() == 1 }, time.Second, 10*time.Millisecond)

	announceDone := make(chan struct {
		n   int
		err error
	}, 1)
	err := announcer.Announce(infohash, 4321, false, func(n int, aerr error) {
		announceDone <- struct {
			n   int
			err error
		}{n, aerr}
	})
	require.NoError(t, err)

	select {
	case res := <-announceDone:
		require.NoError(t, res.err)
		require.GreaterOrEqual(t, res.n, 1, "announce must reach at least the node holding the infohash's closest slot")
	case <-time.After(5 * time.Second):
		t.Fatal("announce did not complete")
	}

	seeker := newTestServer(t, serverID(3), 21023, cfg)
	seeker.Bootstrap([]Address{NewAddress(loopback(), 21021)})
	require.Eventually(t, func() bool { return seeker.RoutingTableSize() == 1 }, time.Second, 10*time.Millisecond)

	getDone := make(chan lookup.Result, 1)
	getErrs := make(chan error, 1)
	require.Eventually(t, func() bool {
		// The announced peer's retention is keyed off holder's peerstore;
		// give the prior announce_peer's completion effects a moment to
		// land before asserting on a fresh get_peers.
		err := seeker.GetPeers(infohash, func(r lookup.Result, gerr error) {
			getDone <- r
			getErrs <- gerr
		})
		require.NoError(t, err)
		select {
		case r := <-getDone:
			gerr := <-getErrs
			return gerr == nil && len(r.Peers) == 1 && r.Peers[0].Port == 4321
		case <-time.After(2 * time.Second):
			return false
		}
	}, 4*time.Second, 50*time.Millisecond)
}

func TestServerSnapshotRestoreRoundTripsRoutingTable(t *testing.T) {
	cfg := bigLimitConfig()
	a := newTestServer(t, serverID(1), 21031, cfg)
	b := newTestServer(t, serverID(2), 21032, cfg)
	require.NotNil(t, b)

	a.Bootstrap([]Address{NewAddress(loopback(), 21032)})
	require.Eventually(t, func() bool { return a.RoutingTableSize() == 1 }, time.Second, 10*time.Millisecond)

	snap := a.Snapshot()
	require.Equal(t, a.ID().String(), snap.NodeID)
	require.Len(t, snap.RoutingTable, 1)

	restored := newTestServer(t, serverID(3), 21033, bigLimitConfig())
	restored.Restore(snap, time.Now())
	assert.Equal(t, 1, restored.RoutingTableSize())
}

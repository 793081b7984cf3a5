package quarantine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btdht/btdht/internal/kbucket"

	dht "github.com/btdht/btdht"
)

func newNode(lastOctet byte) dht.Node {
	return dht.NewNode(dht.RandomID(), dht.NewAddress(net.IPv4(203, 0, 113, lastOctet), 6881))
}

func TestJailAdmitsOnFirstSuccessfulPing(t *testing.T) {
	rt := kbucket.NewRoutingTable(dht.RandomID(), 8, nil)
	var calls int
	ping := func(node dht.Node, onDone func(bool)) {
		calls++
		onDone(true)
	}
	q := New(rt, ping, nil)

	n := newNode(5)
	q.Jail(n)

	assert.Equal(t, 1, calls)
	assert.False(t, q.Jailed(n.ID))
	_, inTable := rt.GetNode(n.ID)
	assert.True(t, inTable)
}

func TestJailSurvivesOneFailureThenSucceeds(t *testing.T) {
	rt := kbucket.NewRoutingTable(dht.RandomID(), 8, nil)
	outcomes := []bool{false, true}
	var calls int
	ping := func(node dht.Node, onDone func(bool)) {
		i := calls
		calls++
		onDone(outcomes[i])
	}
	q := New(rt, ping, nil)

	n := newNode(5)
	q.Jail(n)

	assert.Equal(t, 2, calls)
	_, inTable := rt.GetNode(n.ID)
	assert.True(t, inTable, "node must be admitted after the second ping succeeds")
}

func TestJailEvictsAfterTwoFailures(t *testing.T) {
	rt := kbucket.NewRoutingTable(dht.RandomID(), 8, nil)
	var calls int
	ping := func(node dht.Node, onDone func(bool)) {
		calls++
		onDone(false)
	}
	q := New(rt, ping, nil)

	n := newNode(5)
	q.Jail(n)

	assert.Equal(t, 2, calls)
	assert.False(t, q.Jailed(n.ID))
	_, inTable := rt.GetNode(n.ID)
	assert.False(t, inTable)
}

func TestJailIgnoresDuplicateEnqueue(t *testing.T) {
	rt := kbucket.NewRoutingTable(dht.RandomID(), 8, nil)
	var calls int
	ping := func(node dht.Node, onDone func(bool)) {
		calls++
		// never resolves synchronously more than once; leave pending
	}
	q := New(rt, ping, nil)

	n := newNode(5)
	q.Jail(n)
	q.Jail(n)
	q.Jail(n)

	assert.Equal(t, 1, calls, "a node already in Quarantine must not be re-enqueued")
}

func TestJailSkipsNodeAlreadyInRoutingTable(t *testing.T) {
	rt := kbucket.NewRoutingTable(dht.RandomID(), 8, nil)
	n := newNode(5)
	require.True(t, rt.Offer(n))

	var calls int
	ping := func(node dht.Node, onDone func(bool)) { calls++ }
	q := New(rt, ping, nil)

	q.Jail(n)
	assert.Equal(t, 0, calls, "a node already routed must not be pinged or jailed")
	assert.False(t, q.Jailed(n.ID))
}

func TestJailRejectsBogonAddress(t *testing.T) {
	rt := kbucket.NewRoutingTable(dht.RandomID(), 8, nil)
	bogon, err := NewBogonFilter(false)
	require.NoError(t, err)

	var calls int
	ping := func(node dht.Node, onDone func(bool)) { calls++ }
	q := New(rt, ping, bogon)

	n := dht.NewNode(dht.RandomID(), dht.NewAddress(net.IPv4(10, 1, 2, 3), 6881))
	q.Jail(n)

	assert.Equal(t, 0, calls)
	assert.False(t, q.Jailed(n.ID))
	_, inTable := rt.GetNode(n.ID)
	assert.False(t, inTable)
}

func TestBogonFilterAllowsLoopbackWhenConfigured(t *testing.T) {
	bogon, err := NewBogonFilter(true)
	require.NoError(t, err)
	addr := dht.NewAddress(net.IPv4(127, 0, 0, 1), 6881)
	assert.False(t, bogon.IsBogon(addr))
}

func TestBogonFilterRejectsLoopbackByDefault(t *testing.T) {
	bogon, err := NewBogonFilter(false)
	require.NoError(t, err)
	addr := dht.NewAddress(net.IPv4(127, 0, 0, 1), 6881)
	assert.True(t, bogon.IsBogon(addr))
}

package transaction

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dht "github.com/btdht/btdht"
)

func remote() dht.Address {
	return dht.NewAddress(net.IPv4(127, 0, 0, 1), 9000)
}

func TestAllocateProducesUniqueTIDs(t *testing.T) {
	tbl := New()
	seen := map[ID]bool{}
	for i := 0; i < 1000; i++ {
		txn, err := tbl.Allocate("ping", remote(), time.Now(), time.Now().Add(time.Second), nil)
		require.NoError(t, err)
		assert.False(t, seen[txn.TID], "tid %v reused while still outstanding", txn.TID)
		seen[txn.TID] = true
	}
	assert.Equal(t, 1000, tbl.Len())
}

func TestResolveRemovesExactlyOnce(t *testing.T) {
	tbl := New()
	txn, err := tbl.Allocate("ping", remote(), time.Now(), time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	got, ok := tbl.Resolve(txn.TID)
	require.True(t, ok)
	assert.Equal(t, txn.TID, got.TID)

	_, ok = tbl.Resolve(txn.TID)
	assert.False(t, ok, "resolving an already-resolved tid must be a no-op")
}

func TestResolveCancelsScheduledDeadline(t *testing.T) {
	tbl := New()
	cancelled := false
	txn, err := tbl.Allocate("ping", remote(), time.Now(), time.Now().Add(time.Second), func() { cancelled = true })
	require.NoError(t, err)

	tbl.Resolve(txn.TID)
	assert.True(t, cancelled)
}

func TestPeekDoesNotResolve(t *testing.T) {
	tbl := New()
	txn, err := tbl.Allocate("ping", remote(), time.Now(), time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	_, ok := tbl.Peek(txn.TID)
	require.True(t, ok)
	assert.Equal(t, 1, tbl.Len())
}

package kbucket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dht "github.com/btdht/btdht"
)

func idWithByte0(b byte) dht.ID {
	var id dht.ID
	id[0] = b
	return id
}

func nodeAt(id dht.ID, port uint16) dht.Node {
	return dht.NewNode(id, dht.NewAddress(net.IPv4(127, 0, 0, 1), port))
}

func TestOfferAndGetNode(t *testing.T) {
	rt := NewRoutingTable(idWithByte0(0x00), 8, nil)
	n := nodeAt(idWithByte0(0x80), 1)

	ok := rt.Offer(n)
	require.True(t, ok)

	got, found := rt.GetNode(n.ID)
	require.True(t, found)
	assert.True(t, got.ID.Equal(n.ID))
}

func TestOfferIdempotent(t *testing.T) {
	rt := NewRoutingTable(idWithByte0(0x00), 8, nil)
	n := nodeAt(idWithByte0(0x80), 1)

	require.True(t, rt.Offer(n))
	sizeAfterFirst := rt.Size()
	require.True(t, rt.Offer(n))
	assert.Equal(t, sizeAfterFirst, rt.Size())
}

func TestBucketSplitsAtKPlus1(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local, 8, nil)

	// All these ids share the top bit (0) with local, so without a split
	// they'd all land in the same bucket as local itself.
	for i := 0; i < 8; i++ {
		id := local
		id[1] = byte(i + 1)
		require.True(t, rt.Offer(nodeAt(id, uint16(i+1))))
	}
	require.Equal(t, 1, rt.NumBuckets())

	// The 9th admission must trigger a split since the bucket holding
	// the local id is full.
	id9 := local
	id9[1] = 9
	require.True(t, rt.Offer(nodeAt(id9, 9)))
	assert.Greater(t, rt.NumBuckets(), 1)
}

func TestNonLocalBucketNeverSplits(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local, 2, nil)

	// Force a split so there's a dedicated, non-local bucket to fill.
	for i := 0; i < 3; i++ {
		id := local
		id[1] = byte(i + 1)
		rt.Offer(nodeAt(id, uint16(i+1)))
	}
	require.Greater(t, rt.NumBuckets(), 1)
	bucketsAfterSplit := rt.NumBuckets()

	// Nodes with a differing top bit land in the far, non-local bucket;
	// filling it beyond K must be rejected, never trigger another split.
	far := idWithByte0(0xFF)
	for i := 0; i < 5; i++ {
		id := far
		id[1] = byte(i)
		rt.Offer(nodeAt(id, uint16(100+i)))
	}
	assert.Equal(t, bucketsAfterSplit, rt.NumBuckets())
}

func TestClosestSortedDeterministicNoDuplicates(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local, 20, nil)

	for i := 1; i <= 10; i++ {
		id := local
		id[1] = byte(i)
		rt.Offer(nodeAt(id, uint16(i)))
	}

	target := idWithByte0(0x00)
	target[1] = 5
	closest := rt.Closest(target, 3)
	require.Len(t, closest, 3)

	seen := map[dht.ID]bool{}
	for i, n := range closest {
		assert.False(t, seen[n.ID], "duplicate node in Closest result")
		seen[n.ID] = true
		if i > 0 {
			assert.True(t, dht.CloserThan(closest[i-1].ID, n.ID, target) || closest[i-1].ID.Equal(n.ID))
		}
	}
}

func TestPruneStaleRemovesUnfreshNodes(t *testing.T) {
	rt := NewRoutingTable(idWithByte0(0x00), 8, nil)
	n := nodeAt(idWithByte0(0x80), 1)
	n.Stats.LastSeen = time.Now().Add(-time.Hour)
	rt.Offer(n)

	removed := rt.PruneStale(time.Now(), dht.DefaultNodeFreshness)
	assert.Equal(t, 1, removed)
	_, found := rt.GetNode(n.ID)
	assert.False(t, found)
}

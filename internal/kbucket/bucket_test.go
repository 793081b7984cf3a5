package kbucket

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dht "github.com/btdht/btdht"
)

func TestBucketStalestIsFront(t *testing.T) {
	b := newBucket()
	n1 := nodeAt(idWithByte0(1), 1)
	n2 := nodeAt(idWithByte0(2), 2)
	b.pushBack(n1)
	b.pushBack(n2)

	stalest, ok := b.stalest()
	require.True(t, ok)
	assert.True(t, stalest.ID.Equal(n1.ID))

	// Refreshing n1 moves it to the back; n2 becomes the stalest.
	b.update(n1)
	stalest, ok = b.stalest()
	require.True(t, ok)
	assert.True(t, stalest.ID.Equal(n2.ID))
}

func TestBucketRemove(t *testing.T) {
	b := newBucket()
	n := nodeAt(idWithByte0(1), 1)
	b.pushBack(n)
	require.True(t, b.remove(n.ID))
	assert.False(t, b.remove(n.ID))
	assert.Equal(t, 0, b.len())
}

func TestBucketSplitPartitionsByBit(t *testing.T) {
	local := idWithByte0(0x00) // bit 0 == 0

	b := newBucket()
	matchesLocal := dht.ID{}   // bit0 == 0, same as local -> should move
	matchesLocal[0] = 0x01
	differs := dht.ID{}
	differs[0] = 0x81 // bit0 == 1, differs from local -> should stay

	b.pushBack(dht.NewNode(matchesLocal, dht.NewAddress(net.IPv4(127, 0, 0, 1), 1)))
	b.pushBack(dht.NewNode(differs, dht.NewAddress(net.IPv4(127, 0, 0, 1), 2)))

	next := b.split(0, local)

	assert.Equal(t, 1, b.len())
	assert.Equal(t, 1, next.len())
	if _, ok := b.getNode(differs); !ok {
		t.Fatalf("expected bucket differing at bit 0 to remain in original bucket")
	}
	if _, ok := next.getNode(matchesLocal); !ok {
		t.Fatalf("expected bucket matching local at bit 0 to move to the new bucket")
	}
}

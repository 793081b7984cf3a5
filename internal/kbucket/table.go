package kbucket

import (
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	dht "github.com/btdht/btdht"
)

var log = logging.Logger("kbucket")

// RoutingTable is the Kademlia routing table of spec.md §4.2: a binary
// tree of KBuckets, initially a single bucket covering the whole id
// space, splitting only the bucket that covers the local node's id.
//
// Locking follows the teacher's table.go: one RWMutex guards the bucket
// slice and everything in it, so the table can be driven both from the
// engine's single dispatch goroutine and from local client calls (lookups,
// quarantine admission) without a second layer of synchronization.
type RoutingTable struct {
	mu sync.RWMutex

	local      dht.ID
	bucketSize int
	clock      dht.Clock

	buckets []*bucket

	// PeerAdded/PeerRemoved mirror the teacher's notification hooks.
	PeerAdded   func(dht.Node)
	PeerRemoved func(dht.Node)
}

// NewRoutingTable creates a routing table for local with bucket capacity
// k. clock may be nil, in which case dht.SystemClock is used.
func NewRoutingTable(local dht.ID, k int, clock dht.Clock) *RoutingTable {
	if clock == nil {
		clock = dht.SystemClock
	}
	return &RoutingTable{
		local:       local,
		bucketSize:  k,
		clock:       clock,
		buckets:     []*bucket{newBucket()},
		PeerAdded:   func(dht.Node) {},
		PeerRemoved: func(dht.Node) {},
	}
}

// GetNode returns the node with the given id, if present.
func (rt *RoutingTable) GetNode(id dht.ID) (dht.Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[rt.bucketIndexFor(id)]
	return b.getNode(id)
}

// GetByAddress returns the node at the given address, if present. Used to
// correlate timeouts/errors back to a routing-table entry (spec.md §4.2).
func (rt *RoutingTable) GetByAddress(addr dht.Address) (dht.Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, b := range rt.buckets {
		if n, ok := b.getByAddress(addr); ok {
			return n, true
		}
	}
	return dht.Node{}, false
}

// Closest returns the k nodes minimizing XOR distance to target, nearest
// first, breaking ties by numerically smaller id. Deterministic and
// duplicate-free (spec.md §8).
func (rt *RoutingTable) Closest(target dht.ID, k int) []dht.Node {
	cpl := dht.CommonPrefixLen(target, rt.local)

	rt.mu.RLock()
	if cpl >= len(rt.buckets) {
		cpl = len(rt.buckets) - 1
	}

	candidates := make([]dht.Node, 0, k+rt.bucketSize)
	candidates = append(candidates, rt.buckets[cpl].nodes()...)

	for i := cpl + 1; i < len(rt.buckets); i++ {
		candidates = append(candidates, rt.buckets[i].nodes()...)
	}
	for i := cpl - 1; i >= 0; i-- {
		candidates = append(candidates, rt.buckets[i].nodes()...)
	}
	rt.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return dht.CloserThan(candidates[i].ID, candidates[j].ID, target)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Offer attempts to admit node into the table, per the rules in spec.md
// §4.2:
//  1. already present -> refresh, return true.
//  2. covering bucket has room -> insert, return true.
//  3. covering bucket is the one holding the local id -> split, retry.
//  4. otherwise -> return false (full, non-covering bucket).
func (rt *RoutingTable) Offer(node dht.Node) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.offerLocked(node)
}

func (rt *RoutingTable) offerLocked(node dht.Node) bool {
	idx := rt.bucketIndexFor(node.ID)
	b := rt.buckets[idx]

	if _, ok := b.getNode(node.ID); ok {
		b.update(node)
		return true
	}

	if b.len() < rt.bucketSize {
		b.pushBack(node)
		rt.PeerAdded(node)
		return true
	}

	if rt.bucketContainsLocal(idx) {
		rt.split(idx)
		return rt.offerLocked(node)
	}

	return false
}

// Remove evicts node explicitly, e.g. after repeated query failures.
func (rt *RoutingTable) Remove(id dht.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndexFor(id)
	b := rt.buckets[idx]
	if n, ok := b.getNode(id); ok && b.remove(id) {
		rt.PeerRemoved(n)
	}
}

// StalestInBucketFor returns the least-recently-seen node sharing node's
// bucket, so a caller can ping it before deciding whether to evict it to
// make room (spec.md §4.2 rule 5).
func (rt *RoutingTable) StalestInBucketFor(id dht.ID) (dht.Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[rt.bucketIndexFor(id)].stalest()
}

func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, b := range rt.buckets {
		total += b.len()
	}
	return total
}

// NumBuckets returns the current number of buckets (tree depth + 1).
func (rt *RoutingTable) NumBuckets() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// ListNodes returns every node currently in the table.
func (rt *RoutingTable) ListNodes() []dht.Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []dht.Node
	for _, b := range rt.buckets {
		out = append(out, b.nodes()...)
	}
	return out
}

// PruneStale removes every node that has not been fresh within window,
// intended to be driven by a periodic caller (Server's maintenance pass),
// mirroring the teacher's background() refresh ticker.
func (rt *RoutingTable) PruneStale(now time.Time, window time.Duration) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	removed := 0
	for _, b := range rt.buckets {
		for e := b.list.Front(); e != nil; {
			n := e.Value.(*bucketEntry).node
			cur := e
			e = e.Next()
			if !n.Stats.Fresh(now, window) {
				b.list.Remove(cur)
				rt.PeerRemoved(n)
				removed++
			}
		}
	}
	return removed
}

// bucketIndexFor is the caller-must-hold-lock helper finding which bucket
// currently owns id: the dedicated bucket at index CommonPrefixLen(id,
// local) if it exists, else the catch-all last bucket.
func (rt *RoutingTable) bucketIndexFor(id dht.ID) int {
	cpl := dht.CommonPrefixLen(id, rt.local)
	if cpl >= len(rt.buckets) {
		return len(rt.buckets) - 1
	}
	return cpl
}

// bucketContainsLocal reports whether bucket idx is the one covering the
// local id: true only for the last bucket, since the local id's common
// prefix length with itself is always the widest the tree has formed so
// far. Only this bucket is permitted to split (spec.md §4.2 invariant).
func (rt *RoutingTable) bucketContainsLocal(idx int) bool {
	return idx == len(rt.buckets)-1
}

// split grows the tree by one level: the bucket at idx (which must be the
// local-containing last bucket) is split along bit idx, and the half that
// still contains the local id becomes the new last bucket.
func (rt *RoutingTable) split(idx int) {
	b := rt.buckets[idx]
	next := b.split(idx, rt.local)
	rt.buckets = append(rt.buckets, next)
	log.Debugf("split bucket %d at depth %d, new bucket holds %d nodes", idx, idx, next.len())

	// The new bucket may still be over capacity if many nodes happened
	// to share a long prefix with the local id (e.g. right after
	// bootstrapping from a single close peer); keep splitting until it
	// isn't, exactly as the teacher's nextBucket() does.
	if next.len() > rt.bucketSize {
		rt.split(len(rt.buckets) - 1)
	}
}

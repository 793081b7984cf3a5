package dht

import "time"

// DefaultNodeFreshness is the window (spec.md §3) within which a node that
// has been seen or has had a query respond is considered fresh.
const DefaultNodeFreshness = 15 * time.Minute

// NodeStats tracks liveness observations for a Node.
type NodeStats struct {
	LastSeen  time.Time
	Successful uint32
	Failed     uint32

	rttTotal time.Duration
	rttCount uint32
}

// RecordSuccess records a responded query with the given round-trip time
// and refreshes LastSeen.
func (s *NodeStats) RecordSuccess(now time.Time, rtt time.Duration) {
	s.LastSeen = now
	s.Successful++
	s.rttTotal += rtt
	s.rttCount++
}

// RecordSeen refreshes LastSeen without implying a successful query (e.g.
// the node queried us).
func (s *NodeStats) RecordSeen(now time.Time) {
	s.LastSeen = now
}

// RecordFailure records a timeout or remote KRPC error.
func (s *NodeStats) RecordFailure() {
	s.Failed++
}

// MeanRTT returns the mean observed round-trip time, or 0 if none recorded.
func (s NodeStats) MeanRTT() time.Duration {
	if s.rttCount == 0 {
		return 0
	}
	return s.rttTotal / time.Duration(s.rttCount)
}

// RTTTotal and RTTCount expose the running sum backing MeanRTT, so a
// snapshot can round-trip the mean exactly instead of re-deriving it from
// a single averaged sample.
func (s NodeStats) RTTTotal() time.Duration { return s.rttTotal }
func (s NodeStats) RTTCount() uint32        { return s.rttCount }

// Restore sets every stat field directly, for reconstructing a Node from
// a persisted snapshot (internal/store) rather than by replaying queries.
func (s *NodeStats) Restore(lastSeen time.Time, successful, failed uint32, rttTotal time.Duration, rttCount uint32) {
	s.LastSeen = lastSeen
	s.Successful = successful
	s.Failed = failed
	s.rttTotal = rttTotal
	s.rttCount = rttCount
}

// Fresh reports whether the node has been seen, or had a query respond,
// within window of now.
func (s NodeStats) Fresh(now time.Time, window time.Duration) bool {
	if s.LastSeen.IsZero() {
		return false
	}
	return now.Sub(s.LastSeen) < window
}

// Node is a single DHT participant: its id, its address, and the liveness
// stats we have observed for it. (id, address) uniquely identifies a Node
// in the routing table; the same id at a new address replaces the old
// entry (spec.md §3).
type Node struct {
	ID    ID
	Addr  Address
	Stats NodeStats
}

func NewNode(id ID, addr Address) Node {
	return Node{ID: id, Addr: addr}
}

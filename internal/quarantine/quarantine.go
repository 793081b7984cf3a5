// Package quarantine implements the admission filter of spec.md §4.6: a
// previously unknown node that contacts us (by querying us or by
// answering one of our queries) is not admitted to the routing table on
// first contact. It is jailed and must answer at least
// one of two successive pings before Offer is ever called on its behalf,
// closing off naive Sybil/poisoning attacks that inject a flood of
// never-responding ids.
//
// Grounded on original_source/dhtbot/quarantine.py and
// original_source/dhtbot/extensions/quarantine.py: the probation set, the
// "two pings, first success wins" rule, and eviction from probation on a
// second consecutive failure all mirror that implementation. The
// continuation-passing shape of Probe (a PingFunc taking a completion
// callback rather than returning a value) matches the teacher's
// single-executor dispatch model of spec.md §5: nothing here spawns a
// goroutine, so it stays safe to drive entirely off the KRPCEngine's
// dispatch loop.
package quarantine

import (
	"sync"

	"github.com/btdht/btdht/internal/kbucket"

	dht "github.com/btdht/btdht"
)

// PingFunc issues a ping to addr and calls onDone with the outcome once
// the transaction resolves (true on a valid pong, false on timeout or a
// KRPC error). onDone may be invoked on any goroutine; Quarantine guards
// its probation set with its own mutex.
type PingFunc func(node dht.Node, onDone func(ok bool))

// Quarantine holds nodes on probation pending admission to rt.
type Quarantine struct {
	mu     sync.Mutex
	jailed map[dht.ID]*probation
	rt     *kbucket.RoutingTable
	ping   PingFunc
	bogon  *BogonFilter
}

type probation struct {
	node     dht.Node
	attempts int
}

// New creates a Quarantine admitting survivors into rt. bogon may be nil
// to disable bogon-range pre-filtering (e.g. in tests using loopback
// addresses without constructing a filter).
func New(rt *kbucket.RoutingTable, ping PingFunc, bogon *BogonFilter) *Quarantine {
	return &Quarantine{
		jailed: make(map[dht.ID]*probation),
		rt:     rt,
		ping:   ping,
		bogon:  bogon,
	}
}

// Jail enqueues node for probation, unless it is already routed, already
// jailed, or its address falls in a bogon range. It is a no-op duplicate
// enqueue in all three cases (spec.md open question: "a node already in
// the routing table or already in Quarantine is not enqueued again",
// recorded in DESIGN.md).
func (q *Quarantine) Jail(node dht.Node) {
	if q.bogon.IsBogon(node.Addr) {
		return
	}
	if _, inTable := q.rt.GetNode(node.ID); inTable {
		return
	}

	q.mu.Lock()
	if _, already := q.jailed[node.ID]; already {
		q.mu.Unlock()
		return
	}
	q.jailed[node.ID] = &probation{node: node}
	q.mu.Unlock()

	q.probe(node.ID)
}

// Jailed reports whether id is currently on probation.
func (q *Quarantine) Jailed(id dht.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jailed[id]
	return ok
}

// Len returns the number of nodes currently on probation.
func (q *Quarantine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jailed)
}

// ListJailed returns every node currently on probation, for a caller
// building a persisted snapshot (internal/store) — mirroring
// original_source/dhtbot/services/dumpservice.py's dump() including
// quarantine_nodes alongside the routing table.
func (q *Quarantine) ListJailed() []dht.Node {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]dht.Node, 0, len(q.jailed))
	for _, p := range q.jailed {
		out = append(out, p.node)
	}
	return out
}

func (q *Quarantine) probe(id dht.ID) {
	q.mu.Lock()
	p, ok := q.jailed[id]
	q.mu.Unlock()
	if !ok {
		return
	}

	q.ping(p.node, func(success bool) {
		if success {
			q.release(id, true)
			return
		}

		q.mu.Lock()
		p, ok := q.jailed[id]
		if !ok {
			q.mu.Unlock()
			return
		}
		p.attempts++
		exhausted := p.attempts >= 2
		if exhausted {
			delete(q.jailed, id)
		}
		q.mu.Unlock()

		if exhausted {
			return
		}
		q.probe(id)
	})
}

// release admits a successfully-probed node into the routing table and
// removes it from probation. It is only ever called with success == true;
// the parameter documents the invariant at the call site.
func (q *Quarantine) release(id dht.ID, success bool) {
	if !success {
		return
	}
	q.mu.Lock()
	p, ok := q.jailed[id]
	if ok {
		delete(q.jailed, id)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	q.rt.Offer(p.node)
}

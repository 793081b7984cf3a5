package krpc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/btdht/btdht/internal/peerstore"
	"github.com/btdht/btdht/internal/quarantine"
	"github.com/btdht/btdht/internal/ratelimit"
	"github.com/btdht/btdht/internal/token"
	"github.com/btdht/btdht/internal/transaction"

	"github.com/btdht/btdht/internal/kbucket"

	logging "github.com/ipfs/go-log"

	dht "github.com/btdht/btdht"
)

var log = logging.Logger("krpc")

// QueryResult is the outcome delivered to a SendQuery completion handle
// (spec.md §4.5 step 6): exactly one of Response or Err is set.
type QueryResult struct {
	Response *Message
	Err      error
}

// Handlers lets a caller observe side effects the engine doesn't itself
// need to react to (e.g. telling an IterativeLookup about a freshly
// admitted node, or an announce_peer succeeding). All fields are
// optional; a nil handler is simply not called.
type Handlers struct {
	OnNodeSeen func(id dht.ID, addr dht.Address)
	OnAnnounce func(infohash dht.ID, peer dht.Address)
}

// Engine is the KRPCEngine of spec.md §4.5: it owns the transaction
// table, drives send_query/on_datagram, dispatches the four query
// handlers, and applies the response/timeout/error completion effects to
// the RoutingTable, PeerStore, and Quarantine.
//
// Grounded on other_examples/27a65cfe_...anacrolix-dht-v2-server.go's
// Server (processPacket/reply/sendError/query shape) adapted to this
// spec's component boundaries (a RoutingTable/PeerStore/TokenIssuer/
// Quarantine that exist as separate, independently testable packages,
// rather than folded into one Server struct).
type Engine struct {
	local     dht.ID
	cfg       dht.Config
	transport Transport
	clock     dht.Clock
	sched     dht.Scheduler

	rt   *kbucket.RoutingTable
	ps   *peerstore.PeerStore
	iss  *token.Issuer
	txns *transaction.Table
	rl   *ratelimit.RateLimiter
	quar *quarantine.Quarantine

	handlers Handlers

	mu      sync.Mutex
	pending map[transaction.ID]func(QueryResult)
}

// New assembles an Engine from its already-constructed components.
func New(
	local dht.ID,
	cfg dht.Config,
	transport Transport,
	clock dht.Clock,
	sched dht.Scheduler,
	rt *kbucket.RoutingTable,
	ps *peerstore.PeerStore,
	iss *token.Issuer,
	txns *transaction.Table,
	rl *ratelimit.RateLimiter,
	quar *quarantine.Quarantine,
	handlers Handlers,
) *Engine {
	if clock == nil {
		clock = dht.SystemClock
	}
	if sched == nil {
		sched = dht.SystemScheduler
	}
	return &Engine{
		local:     local,
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		sched:     sched,
		rt:        rt,
		ps:        ps,
		iss:       iss,
		txns:      txns,
		rl:        rl,
		quar:      quar,
		handlers:  handlers,
		pending:   make(map[transaction.ID]func(QueryResult)),
	}
}

// Ping issues a ping through Jail's PingFunc shape, translating an
// engine-level QueryResult into the boolean quarantine.PingFunc expects.
// Constructed once and handed to quarantine.New by the caller assembling
// the node (spec.md §4.6).
func (e *Engine) Ping(node dht.Node, onDone func(bool)) {
	e.SendQuery(QueryPing, QueryArgs{}, node.Addr, e.cfg.RPCTimeout, func(res QueryResult) {
		onDone(res.Err == nil)
	})
}

// SendQuery implements spec.md §4.5's send_query: fill ids, encode, rate
// limit, register the transaction, transmit, and return (via onResult) a
// completion handle invoked exactly once, whether by a matching reply or
// by the timeout.
//
// The encode-then-allocate ordering in the spec (tid assigned before the
// rate-limit check) is inverted here to allocate first: the table itself
// is the one authority that can hand out a collision-free wire tid, so
// the transaction is registered, and immediately torn down again on any
// subsequent failure, rather than threading a tid through the table from
// the outside.
//
// Every failure path below completes through e.complete rather than
// calling onResult directly: a caller that dispatches SendQuery from
// inside a lock it also takes in its own completion callback (as
// lookup.Lookup does) would otherwise deadlock re-entering that lock on
// the same goroutine for an error that was knowable before any I/O ever
// happened.
func (e *Engine) SendQuery(query string, args QueryArgs, addr dht.Address, timeout time.Duration, onResult func(QueryResult)) {
	if onResult == nil {
		onResult = func(QueryResult) {}
	}
	args.ID = string(e.local.Bytes())

	now := e.clock.Now()
	txn, err := e.txns.Allocate(query, addr, now, now.Add(timeout), nil)
	if err != nil {
		e.complete(onResult, QueryResult{Err: err})
		return
	}

	msg := &Message{T: encodeTID(txn.TID), Y: TypeQuery, Q: query, A: &args}
	encoded, err := Encode(msg)
	if err != nil {
		e.txns.Resolve(txn.TID)
		e.complete(onResult, QueryResult{Err: dht.ErrMalformedMessage})
		return
	}

	if !e.rl.ConsumeOutbound(len(encoded), addr) {
		e.txns.Resolve(txn.TID)
		e.complete(onResult, QueryResult{Err: dht.ErrRateLimited})
		return
	}

	e.mu.Lock()
	e.pending[txn.TID] = onResult
	e.mu.Unlock()

	cancel := e.sched.After(timeout, func() { e.onTimeout(txn.TID) })
	e.txns.SetCancel(txn.TID, cancel)

	if _, err := e.transport.WriteTo(encoded, addr); err != nil {
		e.txns.Resolve(txn.TID)
		e.popPending(txn.TID)
		e.complete(onResult, QueryResult{Err: err})
		return
	}
}

// complete delivers a SendQuery completion on its own tick of the
// scheduler rather than inline, so a caller can always safely hold a
// lock across the call to SendQuery without risking re-entering it from
// a synchronous same-goroutine callback.
func (e *Engine) complete(onResult func(QueryResult), res QueryResult) {
	e.sched.After(0, func() { onResult(res) })
}

// OnDatagram implements spec.md §4.5's on_datagram: inbound rate limit,
// decode, and dispatch to either the query handlers or the reply path.
func (e *Engine) OnDatagram(b []byte, addr dht.Address) {
	if !e.rl.ConsumeInbound(len(b), addr) {
		return
	}

	msg, err := Decode(b)
	if err != nil {
		log.Debugf("dropping malformed datagram from %s: %v", addr, err)
		return
	}

	switch msg.Y {
	case TypeQuery:
		e.dispatchQuery(msg, addr)
	case TypeResponse, TypeError:
		e.handleReply(msg, addr)
	default:
		log.Debugf("dropping datagram from %s with unknown y=%q", addr, msg.Y)
	}
}

// Serve runs ReadFrom in a loop, feeding every datagram to OnDatagram,
// until the transport is closed, realizing the single dispatch loop of
// spec.md §5: every OnDatagram call, and therefore every query handler
// and every reply-driven completion effect, runs serially on the
// goroutine that calls Serve. Timeout completions and the deferred
// failure completions of SendQuery run from Scheduler callbacks instead.
func (e *Engine) Serve() error {
	buf := make([]byte, 8192)
	for {
		n, addr, err := e.transport.ReadFrom(buf)
		if err != nil {
			return err
		}
		e.OnDatagram(buf[:n], addr)
	}
}

func (e *Engine) popPending(tid transaction.ID) func(QueryResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb := e.pending[tid]
	delete(e.pending, tid)
	return cb
}

func (e *Engine) onTimeout(tid transaction.ID) {
	txn, ok := e.txns.Resolve(tid)
	onResult := e.popPending(tid)
	if !ok {
		// A reply arrived and resolved this transaction in the same
		// instant the timer fired; the reply path already ran the
		// completion effects and invoked onResult.
		return
	}
	e.applyTimeout(txn)
	if onResult != nil {
		onResult(QueryResult{Err: dht.ErrTimeout})
	}
}

func (e *Engine) handleReply(msg *Message, addr dht.Address) {
	tid, ok := decodeTID(msg.T)
	if !ok {
		return
	}
	if _, ok := e.txns.Peek(tid); !ok {
		return // orphan: no outstanding transaction for this tid, drop.
	}
	txn, ok := e.txns.Resolve(tid)
	if !ok {
		return
	}
	onResult := e.popPending(tid)

	if msg.Y == TypeError {
		e.applyRemoteError(txn)
		if onResult != nil {
			code, text := 0, ""
			if msg.E != nil {
				code, text = msg.E.Code, msg.E.Msg
			}
			onResult(QueryResult{Err: &dht.RemoteKRPCError{Code: code, Msg: text}})
		}
		return
	}

	e.applyValidResponse(txn, msg, addr)
	if onResult != nil {
		onResult(QueryResult{Response: msg})
	}
}

// applyValidResponse is the "on valid response" completion effect of
// spec.md §4.5: refresh the responder's stats and offer it to the
// routing table, or to Quarantine if it was previously unknown.
func (e *Engine) applyValidResponse(txn *transaction.Transaction, msg *Message, addr dht.Address) {
	if msg.R == nil {
		return
	}
	id := dht.IDFromBytes([]byte(msg.R.ID))
	now := e.clock.Now()
	rtt := now.Sub(txn.SentAt)

	if existing, ok := e.rt.GetNode(id); ok {
		existing.Stats.RecordSuccess(now, rtt)
		e.rt.Offer(existing)
	} else {
		node := dht.NewNode(id, addr)
		node.Stats.RecordSuccess(now, rtt)
		e.quar.Jail(node)
	}
	if e.handlers.OnNodeSeen != nil {
		e.handlers.OnNodeSeen(id, addr)
	}
}

// applyTimeout is the "on timeout" completion effect of spec.md §4.5: a
// stale routing-table entry is evicted outright; otherwise the failure
// is merely recorded so the node remains eligible for future queries.
func (e *Engine) applyTimeout(txn *transaction.Transaction) {
	node, ok := e.rt.GetByAddress(txn.Remote)
	if !ok {
		return
	}
	if !node.Stats.Fresh(e.clock.Now(), e.cfg.NodeTimeout) {
		e.rt.Remove(node.ID)
		return
	}
	node.Stats.RecordFailure()
	e.rt.Offer(node)
}

// applyRemoteError is the "on remote KRPC error" completion effect of
// spec.md §4.5: always recorded as a failed query on the responder.
func (e *Engine) applyRemoteError(txn *transaction.Transaction) {
	node, ok := e.rt.GetByAddress(txn.Remote)
	if !ok {
		return
	}
	node.Stats.RecordFailure()
	e.rt.Offer(node)
}

func encodeTID(tid transaction.ID) string {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(tid))
	return string(b[:])
}

func decodeTID(t string) (transaction.ID, bool) {
	if len(t) != 2 {
		return 0, false
	}
	return transaction.ID(binary.BigEndian.Uint16([]byte(t))), true
}

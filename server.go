package dht

import (
	"time"

	"github.com/pkg/errors"

	"github.com/btdht/btdht/internal/kbucket"
	"github.com/btdht/btdht/internal/krpc"
	"github.com/btdht/btdht/internal/lookup"
	"github.com/btdht/btdht/internal/peerstore"
	"github.com/btdht/btdht/internal/quarantine"
	"github.com/btdht/btdht/internal/ratelimit"
	"github.com/btdht/btdht/internal/store"
	"github.com/btdht/btdht/internal/token"
	"github.com/btdht/btdht/internal/transaction"
)

// Server assembles every component of spec.md §2 into one running node:
// the routing table, peer store, token issuer, transaction table, rate
// limiter, quarantine, and KRPC engine, wired the way
// other_examples/27a65cfe_...anacrolix-dht-v2-server.go's NewServer
// wires its own Server — one constructor handed a Config and a
// Transport, exposing the handful of operations (Ping, FindNode,
// GetPeers, Announce) a caller actually drives.
type Server struct {
	cfg   Config
	local ID

	rt   *kbucket.RoutingTable
	ps   *peerstore.PeerStore
	iss  *token.Issuer
	rl   *ratelimit.RateLimiter
	quar *quarantine.Quarantine

	engine *krpc.Engine
	sched  Scheduler
	clock  Clock

	maintCancel  CancelFunc
	lastRotation time.Time
}

// NewServer constructs a Server. clock and sched may be nil, in which
// case SystemClock/SystemScheduler are used; tests supply fakes to make
// timeouts and rotation deterministic.
func NewServer(cfg Config, transport krpc.Transport, clock Clock, sched Scheduler) (*Server, error) {
	if clock == nil {
		clock = SystemClock
	}
	if sched == nil {
		sched = SystemScheduler
	}
	local := cfg.NodeID
	if local == (ID{}) {
		local = RandomID()
	}

	bogon, err := quarantine.NewBogonFilter(cfg.AllowLoopback)
	if err != nil {
		return nil, errors.Wrap(err, "build bogon filter")
	}

	rt := kbucket.NewRoutingTable(local, cfg.K, clock)
	ps := peerstore.New(cfg, clock)
	iss := token.New(cfg, clock)
	rl := ratelimit.NewRateLimiter(cfg, clock)
	txns := transaction.New()

	s := &Server{cfg: cfg, local: local, rt: rt, ps: ps, iss: iss, rl: rl, sched: sched, clock: clock, lastRotation: clock.Now()}

	var eng *krpc.Engine
	quar := quarantine.New(rt, func(node Node, onDone func(bool)) {
		eng.Ping(node, onDone)
	}, bogon)
	s.quar = quar

	eng = krpc.New(local, cfg, transport, clock, sched, rt, ps, iss, txns, rl, quar, krpc.Handlers{})
	s.engine = eng

	if cfg.MaintenanceInterval > 0 {
		s.scheduleMaintenance()
	}

	return s, nil
}

// scheduleMaintenance runs one maintenance pass and reschedules itself
// through the injected Scheduler, rather than running a time.Ticker
// goroutine like the teacher's background() in table.go, so a single Stop
// call (via maintCancel) reliably prevents any further pass from firing.
func (s *Server) scheduleMaintenance() {
	s.maintCancel = s.sched.After(s.cfg.MaintenanceInterval, func() {
		s.runMaintenance()
		s.scheduleMaintenance()
	})
}

// runMaintenance sweeps every component that accumulates state over time:
// stale routing-table entries, expired peers and empty infohash buckets,
// idle rate-limiter buckets, and the token-issuer secret (spec.md §6).
func (s *Server) runMaintenance() {
	now := s.clock.Now()
	s.rt.PruneStale(now, s.cfg.NodeTimeout)
	s.ps.Sweep()
	s.rl.Sweep()
	if now.Sub(s.lastRotation) >= s.cfg.SecretRotation {
		s.iss.Rotate()
		s.lastRotation = now
	}
}

// Stop cancels the periodic maintenance loop. It does not close the
// transport or stop Serve; callers that also own the transport should
// close it separately to unblock Serve's read loop.
func (s *Server) Stop() {
	if s.maintCancel != nil {
		s.maintCancel()
	}
}

// ID returns the local node id.
func (s *Server) ID() ID { return s.local }

// Serve runs the engine's single dispatch loop until the transport is
// closed or an unrecoverable read error occurs (spec.md §5).
func (s *Server) Serve() error {
	return s.engine.Serve()
}

// Bootstrap seeds the routing table from a fixed list of addresses by
// pinging each one; a responder is admitted through the normal
// quarantine path like any other freshly-contacted node (spec.md §4.6).
func (s *Server) Bootstrap(addrs []Address) {
	for _, addr := range addrs {
		s.engine.SendQuery(krpc.QueryPing, krpc.QueryArgs{}, addr, s.cfg.RPCTimeout, func(krpc.QueryResult) {})
	}
}

// Ping issues a direct ping, invoking onDone with the observed error (nil
// on a valid pong).
func (s *Server) Ping(addr Address, onDone func(error)) {
	s.engine.SendQuery(krpc.QueryPing, krpc.QueryArgs{}, addr, s.cfg.RPCTimeout, func(r krpc.QueryResult) {
		onDone(r.Err)
	})
}

// FindNode runs an iterative find_node lookup for target, starting from
// the routing table's current closest candidates (spec.md §4.7).
func (s *Server) FindNode(target ID, onDone func(lookup.Result, error)) error {
	seeds := s.rt.Closest(target, s.cfg.K)
	_, err := lookup.FindNode(s.engine, target, seeds, s.cfg, s.sched, onDone)
	return err
}

// GetPeers runs an iterative get_peers lookup for infohash.
func (s *Server) GetPeers(infohash ID, onDone func(lookup.Result, error)) error {
	seeds := s.rt.Closest(infohash, s.cfg.K)
	_, err := lookup.GetPeers(s.engine, infohash, seeds, s.cfg, s.sched, onDone)
	return err
}

// Announce runs a get_peers lookup for infohash and then sends
// announce_peer, using the token each responder returned, to every node
// that returned one — the standard two-step publish operation of a
// mainline DHT client (not modeled as its own primitive in
// original_source/dhtbot, which leaves "announce" to be driven by a
// caller composing get_iterate with its own announce_peer sends).
// onDone fires once, after every announce attempt has been dispatched
// (not after each has replied: an announce is best-effort, spec.md §4.5
// completion effects already record the outcome against each node).
func (s *Server) Announce(infohash ID, port uint16, impliedPort bool, onDone func(announced int, err error)) error {
	return s.GetPeers(infohash, func(res lookup.Result, err error) {
		if err != nil && len(res.Tokens) == 0 {
			onDone(0, err)
			return
		}

		addrByID := make(map[ID]Address, len(res.Queried))
		for _, n := range res.Queried {
			addrByID[n.ID] = n.Addr
		}

		args := krpc.QueryArgs{InfoHash: string(infohash.Bytes()), Port: int(port)}
		if impliedPort {
			args.ImpliedPort = 1
		}

		sent := 0
		for id, tok := range res.Tokens {
			addr, ok := addrByID[id]
			if !ok {
				continue
			}
			announceArgs := args
			announceArgs.Token = tok
			s.engine.SendQuery(krpc.QueryAnnouncePeer, announceArgs, addr, s.cfg.RPCTimeout, func(krpc.QueryResult) {})
			sent++
		}
		onDone(sent, nil)
	})
}

// Snapshot captures the current routing table, quarantine, and peer
// store state (spec.md §6's persisted-state round trip).
func (s *Server) Snapshot() store.Snapshot {
	return store.Dump(s.local, s.rt, s.quar, s.ps)
}

// Restore applies a previously captured Snapshot, demoting any
// routing-table entry that has gone stale since it was written to
// quarantine instead of trusting it outright.
func (s *Server) Restore(snap store.Snapshot, now time.Time) {
	store.Apply(snap, now, s.cfg.NodeTimeout, s.cfg.PeerTimeout, s.rt, s.quar, s.ps)
}

// RoutingTableSize reports how many nodes are currently admitted.
func (s *Server) RoutingTableSize() int {
	return s.rt.Size()
}

// Package peerstore implements the ephemeral infohash -> peers datastore
// of spec.md §4.3, grounded on original_source/dhtbot/datastore.py's
// MemoryDataStore: a re-announce resets the expiry timer, and expiry is
// checked lazily (now - last_announced >= timeout) rather than trusted
// from a previously-scheduled callback, which keeps it tolerant to clock
// jitter (spec.md §5).
package peerstore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log"

	dht "github.com/btdht/btdht"
)

var log = logging.Logger("peerstore")

// PeerStore holds, per infohash, the set of peers that have announced
// possession of it, each with its own last-announced time.
type PeerStore struct {
	mu      sync.Mutex
	timeout time.Duration
	maxSize int
	clock   dht.Clock

	torrents map[dht.ID]*infohashPeers
}

// peerRecord is the LRU cache value: the peer's address (the cache key is
// the address's string form, since dht.Address embeds a net.IP slice and
// so is not itself a comparable map key) plus its last-announce time.
type peerRecord struct {
	addr          dht.Address
	lastAnnounced time.Time
}

// infohashPeers is the bounded, per-infohash peer set. It is backed by an
// LRU cache (spec.md §5: "per-infohash entry count should be bounded")
// rather than a plain map so that a popular infohash cannot grow without
// limit between expiry sweeps.
type infohashPeers struct {
	peers *lru.Cache[string, peerRecord]
}

func New(cfg dht.Config, clock dht.Clock) *PeerStore {
	if clock == nil {
		clock = dht.SystemClock
	}
	maxSize := cfg.MaxPeersPerInfohash
	if maxSize <= 0 {
		maxSize = 128
	}
	return &PeerStore{
		timeout:  cfg.PeerTimeout,
		maxSize:  maxSize,
		clock:    clock,
		torrents: make(map[dht.ID]*infohashPeers),
	}
}

func newInfohashPeers(maxSize int) *infohashPeers {
	cache, err := lru.New[string, peerRecord](maxSize)
	if err != nil {
		cache, _ = lru.New[string, peerRecord](128)
	}
	return &infohashPeers{peers: cache}
}

// Put records that peer announced possession of infohash, refreshing its
// expiry if it was already present (spec.md §4.3).
func (s *PeerStore) Put(infohash dht.ID, peer dht.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.torrents[infohash]
	if !ok {
		bucket = newInfohashPeers(s.maxSize)
		s.torrents[infohash] = bucket
	}
	bucket.peers.Add(peer.String(), peerRecord{addr: peer, lastAnnounced: s.clock.Now()})
}

// Get returns the current, non-expired peers for infohash.
func (s *PeerStore) Get(infohash dht.ID) []dht.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.torrents[infohash]
	if !ok {
		return nil
	}

	now := s.clock.Now()
	var out []dht.Address
	for _, key := range bucket.peers.Keys() {
		rec, ok := bucket.peers.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(rec.lastAnnounced) >= s.timeout {
			bucket.peers.Remove(key)
			continue
		}
		out = append(out, rec.addr)
	}
	if bucket.peers.Len() == 0 {
		delete(s.torrents, infohash)
	}
	return out
}

// PeerRecord is one (address, last-announced) entry as returned by Dump,
// grounded on original_source/dhtbot/services/dumpservice.py's dump_peer.
type PeerRecord struct {
	Addr          dht.Address
	LastAnnounced time.Time
}

// Dump returns every non-expired (infohash, peer, last-announced) triple
// currently held, for a caller building a persisted snapshot
// (internal/store). It does not mutate expiry state; call Get or Sweep
// first if eager pruning is wanted.
func (s *PeerStore) Dump() map[dht.ID][]PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	out := make(map[dht.ID][]PeerRecord, len(s.torrents))
	for infohash, bucket := range s.torrents {
		var recs []PeerRecord
		for _, key := range bucket.peers.Keys() {
			rec, ok := bucket.peers.Peek(key)
			if !ok || now.Sub(rec.lastAnnounced) >= s.timeout {
				continue
			}
			recs = append(recs, PeerRecord{Addr: rec.addr, LastAnnounced: rec.lastAnnounced})
		}
		if len(recs) > 0 {
			out[infohash] = recs
		}
	}
	return out
}

// Restore re-inserts a peer with its original last-announced time rather
// than the current time, so a snapshot loaded at startup doesn't grant
// every restored peer a fresh full timeout (spec.md's persisted-state
// round-trip requirement, §6). Callers are expected to have already
// filtered out entries older than cfg.PeerTimeout.
func (s *PeerStore) Restore(infohash dht.ID, rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.torrents[infohash]
	if !ok {
		bucket = newInfohashPeers(s.maxSize)
		s.torrents[infohash] = bucket
	}
	bucket.peers.Add(rec.Addr.String(), peerRecord{addr: rec.Addr, lastAnnounced: rec.LastAnnounced})
}

// Sweep removes every expired peer across every infohash, and any
// infohash left with no peers. Intended to be driven periodically (e.g.
// by the engine's event loop) rather than relying solely on lazy
// expiry-on-Get, so a never-queried-again infohash still frees memory.
func (s *PeerStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for infohash, bucket := range s.torrents {
		for _, key := range bucket.peers.Keys() {
			rec, ok := bucket.peers.Peek(key)
			if !ok {
				continue
			}
			if now.Sub(rec.lastAnnounced) >= s.timeout {
				bucket.peers.Remove(key)
				removed++
			}
		}
		if bucket.peers.Len() == 0 {
			delete(s.torrents, infohash)
		}
	}
	if removed > 0 {
		log.Debugf("peerstore sweep removed %d expired peers", removed)
	}
	return removed
}

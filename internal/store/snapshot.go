// Package store implements the persisted-state dump of spec.md §6: a
// round-trippable capture of the local node id, routing-table entries,
// quarantined nodes, and announced peers.
//
// Grounded on original_source/dhtbot/services/dumpservice.py's dump/load
// pair: that implementation bencode-encodes the same four pieces of
// state (rtnodes, quarantine_nodes, torrents, node_id) to a cache file on
// a periodic LoopingCall and restores them on startup, discarding any
// entry whose age already exceeds its timeout. This package keeps that
// shape (dump now, restore later, age-filter on restore) but encodes as
// JSON rather than bencode, since spec.md leaves the persisted format
// implementation-defined and no example in the pack carries a smaller
// embedded KV/snapshot library than encoding/json for a handful of
// tagged structs (see DESIGN.md).
package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/btdht/btdht/internal/kbucket"
	"github.com/btdht/btdht/internal/peerstore"
	"github.com/btdht/btdht/internal/quarantine"

	dht "github.com/btdht/btdht"
)

// NodeRecord is one routing-table or quarantine entry, mirroring
// dumpservice.py's dump_node: [encoded_node, successcount, failcount,
// totalrtt, last_updated].
type NodeRecord struct {
	ID            string `json:"id"`
	IP            string `json:"ip"`
	Port          uint16 `json:"port"`
	Successful    uint32 `json:"successful"`
	Failed        uint32 `json:"failed"`
	RTTTotalNanos int64  `json:"rtt_total_nanos"`
	RTTCount      uint32 `json:"rtt_count"`
	LastSeenUnix  int64  `json:"last_seen_unix_nano"`
}

// PeerRecord is one announced-peer entry under a single infohash,
// mirroring dumpservice.py's dump_peer: [encoded_address, last_announced].
type PeerRecord struct {
	IP                string `json:"ip"`
	Port              uint16 `json:"port"`
	LastAnnouncedUnix int64  `json:"last_announced_unix_nano"`
}

// Snapshot is the full persisted state of one node.
type Snapshot struct {
	NodeID          string                  `json:"node_id"`
	RoutingTable    []NodeRecord            `json:"routing_table_nodes"`
	QuarantineNodes []NodeRecord            `json:"quarantine_nodes"`
	Peers           map[string][]PeerRecord `json:"peers"`
}

// Dump captures the current state of rt, quar, and ps into a Snapshot
// keyed by localID.
func Dump(localID dht.ID, rt *kbucket.RoutingTable, quar *quarantine.Quarantine, ps *peerstore.PeerStore) Snapshot {
	snap := Snapshot{
		NodeID: localID.String(),
		Peers:  make(map[string][]PeerRecord),
	}

	for _, n := range rt.ListNodes() {
		snap.RoutingTable = append(snap.RoutingTable, encodeNode(n))
	}
	for _, n := range quar.ListJailed() {
		snap.QuarantineNodes = append(snap.QuarantineNodes, encodeNode(n))
	}
	for infohash, recs := range ps.Dump() {
		key := infohash.String()
		for _, r := range recs {
			snap.Peers[key] = append(snap.Peers[key], PeerRecord{
				IP:                r.Addr.IP.String(),
				Port:              r.Addr.Port,
				LastAnnouncedUnix: r.LastAnnounced.UnixNano(),
			})
		}
	}
	return snap
}

// Write encodes snap as JSON to w.
func (snap Snapshot) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Read decodes a Snapshot previously written by Write.
func Read(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Apply restores snap into rt, quar, and ps as of now, mirroring
// dumpservice.py's load(): a routing-table node whose age already
// exceeds nodeTimeout is demoted to quarantine instead of trusted
// outright, and a peer whose age already exceeds peerTimeout is dropped
// rather than restored.
func Apply(snap Snapshot, now time.Time, nodeTimeout, peerTimeout time.Duration, rt *kbucket.RoutingTable, quar *quarantine.Quarantine, ps *peerstore.PeerStore) {
	for _, rec := range snap.RoutingTable {
		node, ok := decodeNode(rec)
		if !ok {
			continue
		}
		if now.Sub(node.Stats.LastSeen) <= nodeTimeout {
			rt.Offer(node)
		} else {
			quar.Jail(node)
		}
	}
	for _, rec := range snap.QuarantineNodes {
		node, ok := decodeNode(rec)
		if !ok {
			continue
		}
		quar.Jail(node)
	}

	for key, recs := range snap.Peers {
		raw, err := hex.DecodeString(key)
		if err != nil {
			continue
		}
		infohash := dht.IDFromBytes(raw)
		for _, r := range recs {
			lastAnnounced := time.Unix(0, r.LastAnnouncedUnix)
			if now.Sub(lastAnnounced) > peerTimeout {
				continue
			}
			ps.Restore(infohash, peerstore.PeerRecord{
				Addr:          dht.NewAddress(parseIP(r.IP), r.Port),
				LastAnnounced: lastAnnounced,
			})
		}
	}
}

func encodeNode(n dht.Node) NodeRecord {
	return NodeRecord{
		ID:            n.ID.String(),
		IP:            n.Addr.IP.String(),
		Port:          n.Addr.Port,
		Successful:    n.Stats.Successful,
		Failed:        n.Stats.Failed,
		RTTTotalNanos: int64(n.Stats.RTTTotal()),
		RTTCount:      n.Stats.RTTCount(),
		LastSeenUnix:  n.Stats.LastSeen.UnixNano(),
	}
}

func decodeNode(rec NodeRecord) (dht.Node, bool) {
	raw, err := hex.DecodeString(rec.ID)
	if err != nil {
		return dht.Node{}, false
	}
	ip := parseIP(rec.IP)
	if ip == nil {
		return dht.Node{}, false
	}
	node := dht.NewNode(dht.IDFromBytes(raw), dht.NewAddress(ip, rec.Port))
	var lastSeen time.Time
	if rec.LastSeenUnix != 0 {
		lastSeen = time.Unix(0, rec.LastSeenUnix)
	}
	node.Stats.Restore(lastSeen, rec.Successful, rec.Failed, time.Duration(rec.RTTTotalNanos), rec.RTTCount)
	return node, true
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}

// Package dht implements the core of a Kademlia-based distributed hash
// table node compatible with the BitTorrent mainline DHT (BEP-5): the
// KRPC transaction engine, the routing table, the iterative lookup state
// machine, the admission quarantine, the peer datastore and the
// announce-token issuer, and the rate limiter that guards all of them.
//
// Wire encoding (bencode), UDP socket I/O, and process bootstrap are
// treated as external collaborators; see the krpc package for the
// interfaces this package expects them to satisfy.
package dht

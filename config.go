package dht

import "time"

// Config is the configuration surface described in spec.md §6.
// DefaultConfig fills in the spec's defaults (NodeID, BootstrapNodes and
// AllowLoopback stay zero); callers may start from DefaultConfig() and
// override individual fields.
type Config struct {
	// UDPPort is the local listener port.
	UDPPort int
	// NodeID is the local node id. If the zero ID, a random one is
	// generated at startup.
	NodeID ID

	// K is the bucket capacity.
	K int
	// Alpha is the lookup parallelism.
	Alpha int

	// RPCTimeout bounds a single outstanding query.
	RPCTimeout time.Duration
	// LookupTimeout bounds an entire iterative lookup.
	LookupTimeout time.Duration

	// PeerTimeout is how long an announced peer is retained without a
	// re-announce.
	PeerTimeout time.Duration
	// NodeTimeout is the freshness window used to decide whether a
	// non-responding routing-table node should be evicted outright or
	// merely marked as failed.
	NodeTimeout time.Duration

	// TokenValidity bounds how long an issued announce token is accepted.
	TokenValidity time.Duration
	// SecretRotation is how often the token-issuer secret rotates.
	SecretRotation time.Duration

	// GlobalBandwidthRate and HostBandwidthRate are token-bucket fill
	// rates (bytes/sec); the bucket capacity is taken to equal the rate
	// (a burst of one second's worth of traffic).
	GlobalBandwidthRate int
	HostBandwidthRate   int

	// MaxPeersPerInfohash bounds the PeerStore's per-infohash entry
	// count (spec.md §5: "implementation-defined cap, e.g. 128").
	MaxPeersPerInfohash int
	// MaxHostBuckets bounds the number of per-host rate-limiter buckets
	// kept in memory at once.
	MaxHostBuckets int

	// BootstrapNodes lists seed hosts for bootstrapping the node. NewServer
	// does not read it; Server.Bootstrap takes its addresses as an
	// argument.
	BootstrapNodes []string

	// AllowLoopback disables the quarantine admission filter's rejection
	// of loopback addresses. Production nodes should leave this false
	// (a real remote peer never legitimately contacts us from
	// 127.0.0.0/8); tests driving multiple local nodes over loopback
	// addresses set it true.
	AllowLoopback bool

	// MaintenanceInterval is how often Server sweeps stale routing-table
	// entries, expired peers, idle rate-limiter buckets, and rotates the
	// token-issuer secret (spec.md §6's periodic housekeeping, mirroring
	// the teacher's background() ticker in table.go).
	MaintenanceInterval time.Duration
}

// DefaultConfig returns a Config populated with the defaults named in
// spec.md §6. NodeID is left zero (random id generated on first use).
func DefaultConfig() Config {
	return Config{
		UDPPort: 6881,

		K:     8,
		Alpha: 3,

		RPCTimeout:    15 * time.Second,
		LookupTimeout: 60 * time.Second,

		PeerTimeout: 30 * time.Minute,
		NodeTimeout: DefaultNodeFreshness,

		TokenValidity:  10 * time.Minute,
		SecretRotation: 5 * time.Minute,

		GlobalBandwidthRate: 1 << 20, // 1 MiB/s
		HostBandwidthRate:   1 << 15, // 32 KiB/s

		MaxPeersPerInfohash: 128,
		MaxHostBuckets:      4096,

		MaintenanceInterval: time.Minute,
	}
}

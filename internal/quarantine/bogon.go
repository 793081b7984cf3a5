package quarantine

import (
	"net"

	"github.com/libp2p/go-cidranger"

	dht "github.com/btdht/btdht"
)

// bogonRanges are IPv4 ranges that can never legitimately belong to a
// routable remote DHT node: unallocated, private, loopback, link-local,
// documentation, and multicast/reserved space (IANA special-purpose
// registry). A node contacting us from one of these is either
// misconfigured or spoofing, and is rejected before it is ever jailed.
var bogonRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
}

// BogonFilter rejects addresses in the ranges above before Quarantine
// jails them. This repurposes the teacher's go-cidranger dependency
// (used in libp2p to filter peerstore addresses by CIDR) for the same
// mechanical job: fast longest-match CIDR containment checks.
type BogonFilter struct {
	ranger        cidranger.Ranger
	allowLoopback bool
}

// NewBogonFilter builds a filter over the standard bogon list.
// allowLoopback should be true in tests/local development so
// 127.0.0.0/8 peers aren't rejected.
func NewBogonFilter(allowLoopback bool) (*BogonFilter, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range bogonRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, err
		}
	}
	return &BogonFilter{ranger: ranger, allowLoopback: allowLoopback}, nil
}

// IsBogon reports whether addr falls in a non-routable range and should
// be rejected before admission processing.
func (f *BogonFilter) IsBogon(addr dht.Address) bool {
	if f == nil {
		return false
	}
	ip := addr.IP
	if f.allowLoopback && ip.IsLoopback() {
		return false
	}
	contains, err := f.ranger.Contains(ip)
	if err != nil {
		return false
	}
	return contains
}

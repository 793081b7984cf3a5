package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"

	ipfsutil "github.com/ipfs/go-ipfs-util"
)

// IDLen is the width, in bytes, of a node id or infohash: 160 bits.
const IDLen = 20

// ID is a 160-bit Kademlia identifier: a node id or an infohash. The zero
// value is the all-zero id, which is a legal (if degenerate) identifier.
type ID [IDLen]byte

// RandomID returns a cryptographically random 160-bit id, suitable for a
// local node id or for picking a random target in the id space.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on the standard reader only fails if the
		// underlying entropy source is broken; there's nothing useful
		// this package can do besides hand back the zero id.
		return id
	}
	return id
}

// IDFromBytes copies up to IDLen bytes of b into an ID, left-padding with
// zeroes if b is shorter. It never returns an error; callers that need to
// validate lengths (e.g. decoding a wire message) should check len(b)
// themselves before calling this.
func IDFromBytes(b []byte) ID {
	var id ID
	if len(b) >= IDLen {
		copy(id[:], b[len(b)-IDLen:])
	} else {
		copy(id[IDLen-len(b):], b)
	}
	return id
}

func (id ID) Bytes() []byte {
	out := make([]byte, IDLen)
	copy(out, id[:])
	return out
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR metric distance(a, b) = a ⊕ b.
func (id ID) Distance(other ID) ID {
	xored := ipfsutil.XOR(id[:], other[:])
	var d ID
	copy(d[:], xored)
	return d
}

// Less reports whether id is numerically smaller than other, treating both
// as big-endian unsigned 160-bit integers. Used to break ties when two ids
// are equidistant from a lookup target (spec requires the numerically
// smaller id to win).
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id ID) Equal(other ID) bool {
	return id == other
}

// CommonPrefixLen returns the number of leading bits id and other share,
// in [0, 160]. A bucket covering id's (cpl)-bit prefix holds every other id
// with CommonPrefixLen(id, other) == cpl (or more, for the final bucket).
func CommonPrefixLen(a, b ID) int {
	xored := ipfsutil.XOR(a[:], b[:])
	for i, x := range xored {
		if x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return len(xored) * 8
}

// Bit returns the value (0 or 1) of the i'th most-significant bit of id,
// i.e. Bit(0) is the top bit of id[0]. Used when deciding which half of a
// split bucket an id belongs to.
func (id ID) Bit(i int) int {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

// CloserThan reports whether a is strictly closer to target than b is,
// using XOR distance with a numerically-smaller-id tiebreak.
func CloserThan(a, b, target ID) bool {
	da := a.Distance(target)
	db := b.Distance(target)
	cmp := bytes.Compare(da[:], db[:])
	if cmp != 0 {
		return cmp < 0
	}
	return a.Less(b)
}

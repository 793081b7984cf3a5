// Package token implements the announce-token issuer of spec.md §4.4:
// a short opaque value bound to (infohash, requester address), accepted
// for token_validity after it was generated, rotating secrets every
// secret_rotation so an attacker can't replay a token indefinitely even
// if they recover an old secret.
//
// The timing shape (current + previous secret, rotation timer) is
// grounded on original_source/dhtbot/token_cacher.py. The digest itself
// uses the teacher's own github.com/minio/sha256-simd dependency for its
// intended purpose: a fast SHA-256.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"sync"
	"time"

	sha256simd "github.com/minio/sha256-simd"

	dht "github.com/btdht/btdht"
)

const secretLen = 20

// Token is the opaque value handed to a get_peers querier and echoed back
// in a subsequent announce_peer.
type Token []byte

// Issuer generates and verifies announce tokens. It is safe for
// concurrent use.
type Issuer struct {
	mu       sync.Mutex
	current  [secretLen]byte
	previous [secretLen]byte
	hasPrev  bool

	validity time.Duration
	clock    dht.Clock
}

// New creates an Issuer with a fresh random secret. Callers drive
// rotation by calling Rotate on a timer (e.g. every cfg.SecretRotation),
// matching the single-executor scheduling model of spec.md §5.
func New(cfg dht.Config, clock dht.Clock) *Issuer {
	if clock == nil {
		clock = dht.SystemClock
	}
	iss := &Issuer{validity: cfg.TokenValidity, clock: clock}
	rand.Read(iss.current[:])
	return iss
}

// Rotate replaces the previous secret with the current one and generates
// a new current secret. Tokens issued under the now-previous secret stay
// valid until either Verify's validity-window check rejects them or a
// second Rotate discards that secret, whichever comes first (spec.md
// §4.4).
func (i *Issuer) Rotate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.previous = i.current
	i.hasPrev = true
	rand.Read(i.current[:])
}

// Generate returns a token binding infohash and requester to the current
// secret and the current time (embedded so Verify can check age without
// a side channel).
func (i *Issuer) Generate(infohash dht.ID, requester dht.Address) Token {
	i.mu.Lock()
	secret := i.current
	i.mu.Unlock()

	now := i.clock.Now()
	return buildToken(secret, infohash, requester, now)
}

// Verify reports whether token was generated for (infohash, requester),
// under either the current or previous secret, and is not older than
// validity.
func (i *Issuer) Verify(tok Token, infohash dht.ID, requester dht.Address) bool {
	issuedAt, ok := tokenTimestamp(tok)
	if !ok {
		return false
	}
	if i.clock.Now().Sub(issuedAt) >= i.validity {
		return false
	}

	i.mu.Lock()
	current, previous, hasPrev := i.current, i.previous, i.hasPrev
	i.mu.Unlock()

	if constantTimeEqual(tok, buildToken(current, infohash, requester, issuedAt)) {
		return true
	}
	if hasPrev && constantTimeEqual(tok, buildToken(previous, infohash, requester, issuedAt)) {
		return true
	}
	return false
}

// buildToken lays out [8-byte unix-nano timestamp][20-byte HMAC-SHA256
// digest, truncated] so Verify can recover the claimed issue time before
// recomputing the digest under a candidate secret.
func buildToken(secret [secretLen]byte, infohash dht.ID, requester dht.Address, issuedAt time.Time) Token {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(issuedAt.UnixNano()))

	mac := hmac.New(sha256simd.New, secret[:])
	mac.Write(tsBuf[:])
	mac.Write(infohash.Bytes())
	mac.Write(requester.IP)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], requester.Port)
	mac.Write(portBuf[:])
	digest := mac.Sum(nil)

	out := make(Token, 0, len(tsBuf)+secretLen)
	out = append(out, tsBuf[:]...)
	out = append(out, digest[:secretLen]...)
	return out
}

func tokenTimestamp(tok Token) (time.Time, bool) {
	if len(tok) < 8 {
		return time.Time{}, false
	}
	nanos := binary.BigEndian.Uint64(tok[:8])
	return time.Unix(0, int64(nanos)), true
}

func constantTimeEqual(a, b Token) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

package krpc

import (
	"github.com/anacrolix/torrent/bencode"
	"github.com/pkg/errors"
)

// Encode bencodes msg for transmission. A failure here is always a local
// programming error (a field that doesn't round-trip through bencode),
// never something the remote peer caused (spec.md §4.5 step 2).
func Encode(msg *Message) ([]byte, error) {
	b, err := bencode.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode krpc message")
	}
	return b, nil
}

// Decode parses a received datagram as a KRPC message. Trailing bytes
// after a well-formed dict are tolerated (mirroring the teacher's
// handling of bencode.ErrUnusedTrailingBytes); any other decode error is
// returned wrapped with context, and OnDatagram logs and drops the
// datagram.
func Decode(b []byte) (*Message, error) {
	var msg Message
	err := bencode.Unmarshal(b, &msg)
	if err == nil {
		return &msg, nil
	}
	if _, ok := err.(bencode.ErrUnusedTrailingBytes); ok {
		return &msg, nil
	}
	return nil, errors.Wrap(err, "decode krpc message")
}

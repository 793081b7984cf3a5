// Package transaction implements the TransactionTable of spec.md §4.5:
// bookkeeping for outstanding queries, keyed by a 16-bit transaction id
// unique among currently-outstanding transactions, with an externally
// driven deadline (this package does not itself own a timer; the
// KRPCEngine schedules expiry via the injected dht.Scheduler and calls
// Resolve here).
//
// Grounded on original_source/dhtbot/protocols/krpc_sender.py's tid
// bookkeeping and the teacher's mutex-guarded-map idiom (table.go's
// tabLock).
package transaction

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	dht "github.com/btdht/btdht"
)

var log = logging.Logger("transaction")

// ID is the 16-bit transaction identifier. The spec notes mainline uses a
// variable-length byte string; a 16-bit id, encoded as 2 big-endian
// bytes on the wire, is a conformant special case (spec.md §9).
type ID uint16

// Transaction is a single outstanding query (spec.md §3).
type Transaction struct {
	TID      ID
	Query    string
	Remote   dht.Address
	SentAt   time.Time
	Deadline time.Time

	cancel dht.CancelFunc
}

// Table is the set of currently outstanding transactions, keyed by tid.
// Safe for concurrent use, though spec.md §5's single-executor model
// means it is in practice only ever touched from the engine's dispatch
// goroutine.
type Table struct {
	mu    sync.Mutex
	byTID map[ID]*Transaction
}

func New() *Table {
	return &Table{byTID: make(map[ID]*Transaction)}
}

// Allocate picks a tid uniformly at random from the 16-bit space that is
// not currently outstanding, and registers a transaction under it. If the
// table is saturated (all 65536 ids outstanding — a practical impossibility
// but checked per spec.md §4.5/§5) it fails with dht.ErrResourceExhausted.
func (t *Table) Allocate(query string, remote dht.Address, sentAt, deadline time.Time, cancel dht.CancelFunc) (*Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.byTID) >= 1<<16 {
		return nil, dht.ErrResourceExhausted
	}

	for {
		tid := ID(randomUint16())
		if _, exists := t.byTID[tid]; exists {
			continue
		}
		txn := &Transaction{TID: tid, Query: query, Remote: remote, SentAt: sentAt, Deadline: deadline, cancel: cancel}
		t.byTID[tid] = txn
		return txn, nil
	}
}

// Resolve removes and returns the transaction for tid, if outstanding.
// Both the response path and the timeout path call Resolve exactly once
// per transaction, guaranteeing the "removed exactly once" invariant of
// spec.md §4.5/§5; whichever happens first wins, the other finds nothing.
func (t *Table) Resolve(tid ID) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn, ok := t.byTID[tid]
	if !ok {
		return nil, false
	}
	delete(t.byTID, tid)
	if txn.cancel != nil {
		txn.cancel()
	}
	return txn, true
}

// SetCancel attaches the scheduled-deadline cancel func to an already
// allocated transaction. Callers that need the tid before they can
// schedule the timeout (the timeout callback closes over it) allocate
// first with a nil cancel, schedule, then call SetCancel.
func (t *Table) SetCancel(tid ID, cancel dht.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if txn, ok := t.byTID[tid]; ok {
		txn.cancel = cancel
	}
}

// Peek returns the transaction for tid without resolving it, or false if
// none is outstanding. Used to correlate an inbound response to its
// remote address before deciding whether to resolve it.
func (t *Table) Peek(tid ID) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.byTID[tid]
	return txn, ok
}

// Len returns the number of currently outstanding transactions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTID)
}

func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Errorf("crypto/rand failed generating a transaction id: %v", err)
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

package dht

import "fmt"

// Error kinds per spec.md §7. Sentinel errors are compared with errors.Is;
// RemoteKRPCError carries data and is matched with errors.As.
var (
	// ErrTimeout is returned when a query's deadline elapsed without a
	// reply.
	ErrTimeout = &sentinelError{"timeout waiting for reply"}
	// ErrMalformedMessage is returned (for outbound encode failures) or
	// logged and dropped (for inbound decode failures) when a message
	// fails to (en|de)code.
	ErrMalformedMessage = &sentinelError{"malformed krpc message"}
	// ErrRateLimited is returned when the local rate limiter refused to
	// send a query.
	ErrRateLimited = &sentinelError{"rate limited"}
	// ErrNoSeeds is returned when an iterative lookup has no starting
	// nodes: no seed list was supplied and the routing table is empty.
	ErrNoSeeds = &sentinelError{"no seed nodes available"}
	// ErrAllQueriesFailed is returned when every query issued by an
	// iterative lookup failed and no new nodes were discovered.
	ErrAllQueriesFailed = &sentinelError{"all queries failed"}
	// ErrResourceExhausted is returned when the transaction table has no
	// free transaction id to allocate.
	ErrResourceExhausted = &sentinelError{"transaction table exhausted"}
	// ErrLookupCancelled is returned when an iterative lookup is
	// cancelled by its caller before completion.
	ErrLookupCancelled = &sentinelError{"lookup cancelled"}
)

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

// KRPC error codes (spec.md §6).
const (
	KRPCErrGeneric      = 201
	KRPCErrServer       = 202
	KRPCErrProtocol     = 203
	KRPCErrMethodUnknown = 204
)

// RemoteKRPCError wraps a KRPC error envelope (y="e") received from a peer.
type RemoteKRPCError struct {
	Code int
	Msg  string
}

func (e *RemoteKRPCError) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Msg)
}

package krpc

import (
	"net"
	"sync"

	dht "github.com/btdht/btdht"
)

// Transport is the datagram I/O seam (spec.md §1/§6: "UDP socket I/O" is
// an external collaborator, interface only). A production Engine is
// driven by UDPTransport; tests drive it with MemTransport so the whole
// query/response/timeout machinery can be exercised without a real
// socket or the flakiness of wall-clock timing.
type Transport interface {
	WriteTo(b []byte, addr dht.Address) (int, error)
	// ReadFrom blocks until a datagram arrives or the transport is
	// closed, in which case it returns an error.
	ReadFrom(buf []byte) (n int, addr dht.Address, err error)
	LocalAddr() dht.Address
	Close() error
}

// UDPTransport is the production Transport, backed by a real UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
}

// ListenUDP opens a UDP socket on port (0 for an OS-assigned ephemeral
// port).
func ListenUDP(port int) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) WriteTo(b []byte, addr dht.Address) (int, error) {
	return t.conn.WriteToUDP(b, addr.UDPAddr())
}

func (t *UDPTransport) ReadFrom(buf []byte) (int, dht.Address, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return n, dht.Address{}, err
	}
	return n, dht.AddressFromUDP(addr), nil
}

func (t *UDPTransport) LocalAddr() dht.Address {
	return dht.AddressFromUDP(t.conn.LocalAddr().(*net.UDPAddr))
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// memRegistry routes datagrams between in-process MemTransports by
// address, so an end-to-end test can run two (or more) Engines
// exchanging real KRPC bytes without a socket.
type memRegistry struct {
	mu    sync.Mutex
	peers map[string]*MemTransport
}

var defaultMemRegistry = &memRegistry{peers: make(map[string]*MemTransport)}

type datagram struct {
	b    []byte
	from dht.Address
}

// MemTransport is an in-memory Transport for tests: addresses are
// distinguished by port only (127.0.0.1:port), and writes to a
// registered peer are delivered to its ReadFrom via a buffered channel.
type MemTransport struct {
	addr     dht.Address
	inbox    chan datagram
	registry *memRegistry
	mu       sync.Mutex
	closed   bool
}

// NewMemTransport registers and returns a transport bound to
// 127.0.0.1:port. port must be unique among transports sharing the
// default registry.
func NewMemTransport(port uint16) *MemTransport {
	t := &MemTransport{
		addr:     dht.NewAddress(net.IPv4(127, 0, 0, 1), port),
		inbox:    make(chan datagram, 256),
		registry: defaultMemRegistry,
	}
	t.registry.mu.Lock()
	t.registry.peers[t.addr.String()] = t
	t.registry.mu.Unlock()
	return t
}

func (t *MemTransport) WriteTo(b []byte, addr dht.Address) (int, error) {
	t.registry.mu.Lock()
	peer, ok := t.registry.peers[addr.String()]
	t.registry.mu.Unlock()
	if !ok {
		// No listener at that address: the real-socket equivalent of a
		// destination host unreachable. The query simply times out,
		// matching what would happen against an offline real peer.
		return len(b), nil
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return len(b), nil
	}
	select {
	case peer.inbox <- datagram{b: cp, from: t.addr}:
	default:
		// Inbox full: drop, as a real kernel socket buffer would under
		// sustained overload.
	}
	return len(b), nil
}

func (t *MemTransport) ReadFrom(buf []byte) (int, dht.Address, error) {
	dg, ok := <-t.inbox
	if !ok {
		return 0, dht.Address{}, net.ErrClosed
	}
	n := copy(buf, dg.b)
	return n, dg.from, nil
}

func (t *MemTransport) LocalAddr() dht.Address { return t.addr }

func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.registry.mu.Lock()
	delete(t.registry.peers, t.addr.String())
	t.registry.mu.Unlock()
	close(t.inbox)
	return nil
}

package krpc

import (
	"github.com/btdht/btdht/internal/token"

	dht "github.com/btdht/btdht"
)

// dispatchQuery implements the "If Query: dispatch by rpctype" branch of
// spec.md §4.5's on_datagram, plus the four query handlers of §4.5: the
// remote's id is recorded as seen (a querying node is itself a candidate
// for quarantine/admission, mirroring the teacher's getNode-on-any-packet
// behaviour) before the rpctype-specific handler runs.
func (e *Engine) dispatchQuery(msg *Message, addr dht.Address) {
	if msg.A != nil && len(msg.A.ID) == dht.IDLen {
		e.noteQuerier(dht.IDFromBytes([]byte(msg.A.ID)), addr)
	}

	switch msg.Q {
	case QueryPing:
		e.handlePing(msg, addr)
	case QueryFindNode:
		e.handleFindNode(msg, addr)
	case QueryGetPeers:
		e.handleGetPeers(msg, addr)
	case QueryAnnouncePeer:
		e.handleAnnouncePeer(msg, addr)
	default:
		e.sendError(msg.T, addr, dht.KRPCErrMethodUnknown, "method unknown: "+msg.Q)
	}
}

// noteQuerier records that addr is alive (it just sent us a query) and,
// if previously unknown, enqueues it for quarantine admission rather than
// trusting it outright — the same treatment as a freshly-discovered
// responder (spec.md §4.6).
func (e *Engine) noteQuerier(id dht.ID, addr dht.Address) {
	now := e.clock.Now()
	if existing, ok := e.rt.GetNode(id); ok {
		existing.Stats.RecordSeen(now)
		e.rt.Offer(existing)
		return
	}
	node := dht.NewNode(id, addr)
	node.Stats.RecordSeen(now)
	e.quar.Jail(node)
}

func (e *Engine) handlePing(msg *Message, addr dht.Address) {
	e.reply(msg.T, addr, &Return{ID: string(e.local.Bytes())})
}

func (e *Engine) handleFindNode(msg *Message, addr dht.Address) {
	if msg.A == nil || len(msg.A.Target) != dht.IDLen {
		e.sendError(msg.T, addr, dht.KRPCErrProtocol, "find_node missing target")
		return
	}
	target := dht.IDFromBytes([]byte(msg.A.Target))
	nodes := e.closestCompact(target)
	e.reply(msg.T, addr, &Return{ID: string(e.local.Bytes()), Nodes: EncodeNodes(nodes)})
}

func (e *Engine) handleGetPeers(msg *Message, addr dht.Address) {
	if msg.A == nil || len(msg.A.InfoHash) != dht.IDLen {
		e.sendError(msg.T, addr, dht.KRPCErrProtocol, "get_peers missing info_hash")
		return
	}
	infohash := dht.IDFromBytes([]byte(msg.A.InfoHash))
	tok := e.iss.Generate(infohash, addr)

	peers := e.ps.Get(infohash)
	if len(peers) > 0 {
		e.reply(msg.T, addr, &Return{
			ID:     string(e.local.Bytes()),
			Token:  string(tok),
			Values: EncodeValues(peers),
		})
		return
	}

	nodes := e.closestCompact(infohash)
	e.reply(msg.T, addr, &Return{
		ID:    string(e.local.Bytes()),
		Token: string(tok),
		Nodes: EncodeNodes(nodes),
	})
}

func (e *Engine) handleAnnouncePeer(msg *Message, addr dht.Address) {
	if msg.A == nil || len(msg.A.InfoHash) != dht.IDLen {
		e.sendError(msg.T, addr, dht.KRPCErrProtocol, "announce_peer missing info_hash")
		return
	}
	infohash := dht.IDFromBytes([]byte(msg.A.InfoHash))

	if !e.iss.Verify(token.Token(msg.A.Token), infohash, addr) {
		// Invalid token: silently drop, no reply (spec.md §7 — prevents
		// an oracle for token probing).
		return
	}

	port := uint16(msg.A.Port)
	if msg.A.ImpliedPort != 0 {
		port = addr.Port
	}
	peer := dht.NewAddress(addr.IP, port)
	e.ps.Put(infohash, peer)
	if e.handlers.OnAnnounce != nil {
		e.handlers.OnAnnounce(infohash, peer)
	}

	e.reply(msg.T, addr, &Return{ID: string(e.local.Bytes())})
}

func (e *Engine) closestCompact(target dht.ID) []CompactNode {
	nodes := e.rt.Closest(target, e.cfg.K)
	out := make([]CompactNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, CompactNode{ID: n.ID, Addr: n.Addr})
	}
	return out
}

func (e *Engine) reply(t string, addr dht.Address, r *Return) {
	msg := &Message{T: t, Y: TypeResponse, R: r}
	e.send(msg, addr)
}

func (e *Engine) sendError(t string, addr dht.Address, code int, text string) {
	msg := &Message{T: t, Y: TypeError, E: &ErrorBody{Code: code, Msg: text}}
	e.send(msg, addr)
}

func (e *Engine) send(msg *Message, addr dht.Address) {
	encoded, err := Encode(msg)
	if err != nil {
		log.Errorf("failed to encode outbound %s to %s: %v", msg.Y, addr, err)
		return
	}
	if !e.rl.ConsumeOutbound(len(encoded), addr) {
		return
	}
	if _, err := e.transport.WriteTo(encoded, addr); err != nil {
		log.Debugf("failed writing to %s: %v", addr, err)
	}
}

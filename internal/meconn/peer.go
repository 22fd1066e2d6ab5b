package meconn

import (
	"encoding/binary"
	"net"

	"github.com/telemt/meproxy/internal/cbc"
	"github.com/telemt/meproxy/internal/frame"
	"github.com/telemt/meproxy/internal/log"
	"github.com/telemt/meproxy/internal/metrics"
	"github.com/telemt/meproxy/internal/protocol"
	"github.com/telemt/meproxy/internal/registry"
)

var logger = log.New("pkg", "meconn")

// Peer bundles one middle-proxy connection's writer and reader state
// (spec §3 PeerEndpoint: "each active peer has exactly one writer and
// one reader task").
type Peer struct {
	Endpoint Endpoint
	Writer   *Writer
	conn     net.Conn
	dec      *cbc.Decryptor
}

// newPeer constructs a Peer ready to run its reader loop, given the
// conn/encryptor/decryptor produced by a successful handshake.
func newPeer(ep Endpoint, conn net.Conn, enc *cbc.Encryptor, dec *cbc.Decryptor) *Peer {
	return &Peer{
		Endpoint: ep,
		Writer:   NewWriter(conn, enc),
		conn:     conn,
		dec:      dec,
	}
}

// runReader executes the steady-state reader loop (spec §4.H): decrypt
// the stream, parse zero-or-more complete frames, dispatch by opcode.
// plainResidue seeds the plaintext buffer with bytes left over from the
// handshake response read (spec §9 Design Notes: "carry these residues
// into the steady-state reader"). onTerminate is invoked exactly once,
// when the loop exits for any reason (EOF, decrypt error, framing
// error), so the pool can evict this peer.
func (p *Peer) runReader(reg *registry.Registry, plainResidue []byte, onTerminate func(*Peer, error)) {
	plain := plainResidue
	pendingPad := 0
	scratch := make([]byte, 8192)
	var terminateErr error

	for {
		for {
			if pendingPad > 0 {
				if len(plain) < pendingPad {
					break // wait for more bytes to complete the CBC alignment pad
				}
				plain = plain[pendingPad:]
				pendingPad = 0
			}
			f, n, err := frame.Parse(plain)
			if err != nil {
				terminateErr = err
				goto done
			}
			if f == nil && n == 0 {
				break
			}
			plain = plain[n:]
			if f == nil {
				continue // noop frame, nothing to dispatch or pad-skip
			}
			pendingPad = frame.PadLen(uint32(n))
			p.dispatch(reg, f)
		}

		n, err := p.conn.Read(scratch)
		if n > 0 {
			plain = append(plain, p.dec.Feed(scratch[:n])...)
		}
		if err != nil {
			terminateErr = err
			goto done
		}
	}

done:
	onTerminate(p, terminateErr)
}

// dispatch routes one decoded frame to the registry or responds to a
// ping, per the opcode table in spec §4.H.
func (p *Peer) dispatch(reg *registry.Registry, f *frame.Frame) {
	if len(f.Payload) < 4 {
		metrics.FramesDroppedTotal.WithLabelValues("short_payload").Inc()
		return
	}
	opcode := binary.LittleEndian.Uint32(f.Payload[0:4])
	body := f.Payload[4:]

	switch opcode {
	case protocol.RpcProxyAns:
		if len(body) < 12 {
			metrics.FramesDroppedTotal.WithLabelValues("short_proxy_ans").Inc()
			return
		}
		connID := registry.LogicalConnId(binary.LittleEndian.Uint64(body[4:12]))
		data := append([]byte(nil), body[12:]...)
		reg.Route(connID, registry.Message{Kind: registry.KindData, Data: data})

	case protocol.RpcSimpleAck:
		if len(body) < 12 {
			metrics.FramesDroppedTotal.WithLabelValues("short_simple_ack").Inc()
			return
		}
		connID := registry.LogicalConnId(binary.LittleEndian.Uint64(body[0:8]))
		confirm := binary.LittleEndian.Uint32(body[8:12])
		reg.Route(connID, registry.Message{Kind: registry.KindAck, Confirm: confirm})

	case protocol.RpcCloseExt, protocol.RpcCloseConn:
		if len(body) < 8 {
			metrics.FramesDroppedTotal.WithLabelValues("short_close").Inc()
			return
		}
		connID := registry.LogicalConnId(binary.LittleEndian.Uint64(body[0:8]))
		reg.Route(connID, registry.Message{Kind: registry.KindClose})
		reg.Unregister(connID)

	case protocol.RpcPing:
		if len(body) < 8 {
			metrics.FramesDroppedTotal.WithLabelValues("short_ping").Inc()
			return
		}
		pingID := body[0:8]
		pong := make([]byte, 0, 12)
		pong = appendU32(pong, protocol.RpcPong)
		pong = append(pong, pingID...)
		if err := p.Writer.Send(pong); err != nil {
			logger.Warn("failed to send PONG", "peer", p.Endpoint, "err", err)
		}

	default:
		logger.Debug("ignoring unknown opcode", "opcode", opcode, "peer", p.Endpoint)
		metrics.FramesDroppedTotal.WithLabelValues("unknown_opcode").Inc()
	}
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

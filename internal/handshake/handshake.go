// Package handshake implements the two-phase RPC handshake state machine
// (spec §4.D): Tcp -> SentNonce -> GotNonce -> SentHandshake ->
// AwaitingHsResponse -> Ready|Failed.
//
// The shape follows the teacher's initiatorEncHandshake/recipientEncHandshake
// pair in p2p/rlpx.go — write an auth message, block-read a fixed-size
// response, derive secrets, build a frameRW — but the second phase here
// cannot block-read a fixed size: the handshake response arrives as a
// stream of partially-filled CBC blocks (spec §4.D step 5, §9 Design
// Notes), so recvHandshake runs its own bounded read/decrypt/parse
// loop instead of a single io.ReadFull.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/telemt/meproxy/internal/cbc"
	"github.com/telemt/meproxy/internal/frame"
	"github.com/telemt/meproxy/internal/kdf"
	"github.com/telemt/meproxy/internal/meerr"
	"github.com/telemt/meproxy/internal/protocol"
)

// State is a handshake progress marker, useful for diagnostics and tests;
// the functions below do not require callers to track it explicitly.
type State int

const (
	StateTcp State = iota
	StateSentNonce
	StateGotNonce
	StateSentHandshake
	StateAwaitingHsResponse
	StateReady
	StateFailed
)

// Timeouts bounds the connect and handshake phases (spec §5 Cancellation:
// ME_CONNECT_TIMEOUT_SECS, ME_HANDSHAKE_TIMEOUT_SECS).
type Timeouts struct {
	Connect   time.Duration
	Handshake time.Duration
}

// DefaultTimeouts matches spec §4.D step 5's stated default.
var DefaultTimeouts = Timeouts{Connect: 10 * time.Second, Handshake: 10 * time.Second}

// Result is everything the steady-state reader/writer need once the
// handshake reaches Ready.
type Result struct {
	WriteEnc *cbc.Encryptor
	ReadDec  *cbc.Decryptor
	// PlainResidue holds plaintext bytes decrypted during the handshake
	// response read that belong to frames *after* the handshake frame —
	// the peer may pipeline steady-state frames immediately behind its
	// handshake reply. The reader loop must prepend these to its own
	// plaintext residue buffer (spec §3 ReadState, §9 Design Notes).
	PlainResidue []byte
}

// Run executes the full handshake on conn and returns the steady-state
// encryptor/decryptor pair, or a *meerr.Error (Kind Handshake, Timeout,
// Io, Framing or Crypto) on failure.
func Run(conn net.Conn, secret []byte, t Timeouts) (*Result, error) {
	clientNonce, _, cryptoTS, err := sendNonce(conn, secret)
	if err != nil {
		return nil, err
	}
	serverNonce, err := recvNonce(conn)
	if err != nil {
		return nil, err
	}

	localIP, localPort, err := splitHostPort(conn.LocalAddr())
	if err != nil {
		return nil, meerr.New(meerr.Handshake, "handshake.Run", err)
	}
	peerIP, peerPort, err := splitHostPort(conn.RemoteAddr())
	if err != nil {
		return nil, meerr.New(meerr.Handshake, "handshake.Run", err)
	}

	params := kdf.Params{
		ServerNonce: serverNonce,
		ClientNonce: clientNonce,
		CryptoTS:    cryptoTS,
		ServerIP:    peerIP,
		ClientIP:    localIP,
		ClientPort:  localPort,
		ServerPort:  peerPort,
		ProxySecret: secret,
	}
	writeKey, writeIV, err := kdf.Derive(params, kdf.RoleClient)
	if err != nil {
		return nil, meerr.New(meerr.Crypto, "handshake.Run", err)
	}
	readKey, readIV, err := kdf.Derive(params, kdf.RoleServer)
	if err != nil {
		return nil, meerr.New(meerr.Crypto, "handshake.Run", err)
	}
	enc, err := cbc.NewEncryptor(writeKey[:], writeIV[:])
	if err != nil {
		return nil, err
	}
	dec, err := cbc.NewDecryptor(readKey[:], readIV[:])
	if err != nil {
		return nil, err
	}

	if err := sendHandshake(conn, enc, localIP, localPort, peerIP, peerPort); err != nil {
		return nil, err
	}

	residue, err := recvHandshake(conn, dec, t.Handshake)
	if err != nil {
		return nil, err
	}

	return &Result{WriteEnc: enc, ReadDec: dec, PlainResidue: residue}, nil
}

func sendNonce(conn net.Conn, secret []byte) (clientNonce [16]byte, keySelector, cryptoTS uint32, err error) {
	if len(secret) < 4 {
		return clientNonce, 0, 0, meerr.New(meerr.Handshake, "handshake.sendNonce", fmt.Errorf("secret too short"))
	}
	keySelector = binary.LittleEndian.Uint32(secret[:4])
	if _, err := io.ReadFull(rand.Reader, clientNonce[:]); err != nil {
		return clientNonce, 0, 0, meerr.New(meerr.Crypto, "handshake.sendNonce", err)
	}
	cryptoTS = uint32(time.Now().Unix())
	payload := make([]byte, 0, 32)
	payload = appendU32(payload, protocol.RpcNonce)
	payload = appendU32(payload, keySelector)
	payload = appendU32(payload, protocol.RpcCryptoAES)
	payload = appendU32(payload, cryptoTS)
	payload = append(payload, clientNonce[:]...)

	f, err := frame.Build(protocol.SeqNonce, payload)
	if err != nil {
		return clientNonce, 0, 0, err
	}
	if _, err := conn.Write(f); err != nil {
		return clientNonce, 0, 0, meerr.New(meerr.Io, "handshake.sendNonce", err)
	}
	return clientNonce, keySelector, cryptoTS, nil
}

func recvNonce(conn net.Conn) (serverNonce [16]byte, err error) {
	f, err := readOneUnencryptedFrame(conn)
	if err != nil {
		return serverNonce, err
	}
	if f.Seq != protocol.SeqNonce {
		return serverNonce, meerr.New(meerr.Handshake, "handshake.recvNonce", fmt.Errorf("seq %d, want %d", f.Seq, protocol.SeqNonce))
	}
	if len(f.Payload) != 32 {
		return serverNonce, meerr.New(meerr.Handshake, "handshake.recvNonce", fmt.Errorf("payload length %d, want 32", len(f.Payload)))
	}
	opcode := binary.LittleEndian.Uint32(f.Payload[0:4])
	if opcode != protocol.RpcNonce {
		return serverNonce, meerr.New(meerr.Handshake, "handshake.recvNonce", fmt.Errorf("opcode %08x, want RPC_NONCE", opcode))
	}
	schema := binary.LittleEndian.Uint32(f.Payload[8:12])
	if schema != protocol.RpcCryptoAES {
		return serverNonce, meerr.New(meerr.Handshake, "handshake.recvNonce", fmt.Errorf("schema %08x, want RPC_CRYPTO_AES", schema))
	}
	copy(serverNonce[:], f.Payload[16:32])
	return serverNonce, nil
}

func sendHandshake(conn net.Conn, enc *cbc.Encryptor, localIP net.IP, localPort uint16, peerIP net.IP, peerPort uint16) error {
	lip, pip := localIP.To4(), peerIP.To4()
	if lip == nil || pip == nil {
		return meerr.New(meerr.Handshake, "handshake.sendHandshake", fmt.Errorf("non-v4 address"))
	}
	payload := make([]byte, 0, 32)
	payload = appendU32(payload, protocol.RpcHandshake)
	payload = appendU32(payload, 0) // flags
	payload = append(payload, reverse4(lip)...)
	payload = appendU16(payload, localPort)
	payload = appendU16(payload, uint16(os.Getpid()))
	payload = appendU32(payload, uint32(time.Now().Unix()))
	payload = append(payload, reverse4(pip)...)
	payload = appendU16(payload, peerPort)
	payload = append(payload, make([]byte, 6)...)

	f, err := frame.Build(protocol.SeqHandshake, payload)
	if err != nil {
		return err
	}
	ciphertext, err := enc.Encrypt(f)
	if err != nil {
		return err
	}
	if _, err := conn.Write(ciphertext); err != nil {
		return meerr.New(meerr.Io, "handshake.sendHandshake", err)
	}
	return nil
}

// recvHandshake streams the encrypted handshake response: read whatever
// is available, decrypt complete blocks, try to parse a frame, repeat
// until a complete handshake frame is found or the deadline elapses.
func recvHandshake(conn net.Conn, dec *cbc.Decryptor, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, meerr.New(meerr.Io, "handshake.recvHandshake", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	var plain []byte
	var found *frame.Frame
	padLen := 0
	scratch := make([]byte, 4096)
	for {
		if found == nil {
			f, n, err := frame.Parse(plain)
			if err != nil {
				return nil, err
			}
			if f != nil {
				if err := validateHandshakeResponse(f); err != nil {
					return nil, err
				}
				found = f
				padLen = frame.PadLen(uint32(n))
				plain = plain[n:]
			} else if n > 0 {
				plain = plain[n:] // a noop frame preceding the handshake reply
			}
		}
		if found != nil && len(plain) >= padLen {
			rest := append([]byte(nil), plain[padLen:]...)
			return rest, nil
		}

		if time.Now().After(deadline) {
			return nil, meerr.New(meerr.Timeout, "handshake.recvHandshake", fmt.Errorf("handshake response deadline exceeded"))
		}
		m, rerr := conn.Read(scratch)
		if m > 0 {
			plain = append(plain, dec.Feed(scratch[:m])...)
		}
		if rerr != nil {
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				return nil, meerr.New(meerr.Timeout, "handshake.recvHandshake", rerr)
			}
			if rerr == io.EOF {
				return nil, meerr.New(meerr.Io, "handshake.recvHandshake", io.ErrUnexpectedEOF)
			}
			return nil, meerr.New(meerr.Io, "handshake.recvHandshake", rerr)
		}
	}
}

func validateHandshakeResponse(f *frame.Frame) error {
	if len(f.Payload) < 4 {
		return meerr.New(meerr.Handshake, "handshake.validateHandshakeResponse", fmt.Errorf("short payload"))
	}
	opcode := binary.LittleEndian.Uint32(f.Payload[0:4])
	switch opcode {
	case protocol.RpcHandshake:
		return nil
	case protocol.RpcHandshakeErr:
		var code int32
		if len(f.Payload) >= 8 {
			code = int32(binary.LittleEndian.Uint32(f.Payload[4:8]))
		}
		return meerr.New(meerr.Handshake, "handshake.validateHandshakeResponse", fmt.Errorf("RPC_HANDSHAKE_ERROR code %d", code))
	default:
		return meerr.New(meerr.Handshake, "handshake.validateHandshakeResponse", fmt.Errorf("opcode %08x, want RPC_HANDSHAKE", opcode))
	}
}

// readOneUnencryptedFrame blocks until exactly one plaintext frame has
// arrived, used for the nonce exchange which predates any key material.
func readOneUnencryptedFrame(conn net.Conn) (*frame.Frame, error) {
	var buf []byte
	scratch := make([]byte, 256)
	for {
		f, n, err := frame.Parse(buf)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
		if n > 0 {
			buf = buf[n:]
			continue
		}
		m, rerr := conn.Read(scratch)
		if m > 0 {
			buf = append(buf, scratch[:m]...)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil, meerr.New(meerr.Io, "handshake.readOneUnencryptedFrame", io.ErrUnexpectedEOF)
			}
			return nil, meerr.New(meerr.Io, "handshake.readOneUnencryptedFrame", rerr)
		}
	}
}

func splitHostPort(addr net.Addr) (net.IP, uint16, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, 0, fmt.Errorf("unsupported address type %T", addr)
	}
	ip := tcpAddr.IP.To4()
	if ip == nil {
		// Non-mapped IPv6 peer: no embedded v4, per spec §4.D "else zero".
		ip = net.IPv4zero.To4()
	}
	return ip, uint16(tcpAddr.Port), nil
}

func reverse4(b []byte) []byte {
	return []byte{b[3], b[2], b[1], b[0]}
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

// Package kdf derives the middle-end RPC session keys (spec §4.D,
// §6 "derive_middleproxy_keys"). The derivation is treated by spec.md as
// an external collaborator interface the core consumes; spec.md §9 Open
// Question (1) flags that the exact byte-for-byte recipe used by
// Telegram's real middle-proxy infrastructure must not be guessed. This
// package implements the buffer layout exactly as specified and a
// concrete, deterministic expansion of SHA-1/SHA-256 into the required
// key/IV lengths — the decision recorded as DESIGN.md's resolution of
// that Open Question, not a claim of interoperability with the live
// Telegram network.
package kdf

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"net"

	"github.com/telemt/meproxy/internal/protocol"
)

// Role selects which half of the bidirectional key pair is being derived.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) tag() []byte {
	if r == RoleClient {
		return []byte("CLIENT")
	}
	return []byte("SERVER")
}

// Params carries every field the key-derivation input buffer is built
// from (spec §4.D step 3).
type Params struct {
	ServerNonce [16]byte
	ClientNonce [16]byte
	CryptoTS    uint32
	ServerIP    net.IP // must yield a 4-byte v4 form; mapped v6 is unwrapped by the caller
	ClientIP    net.IP
	ClientPort  uint16
	ServerPort  uint16
	ProxySecret []byte
}

// buildBuffer concatenates, in order: server_nonce || client_nonce ||
// crypto_ts || server_ip(LE) || client_port(LE) || role_tag(6) ||
// client_ip(LE) || server_port(LE) || proxy_secret || server_nonce ||
// client_nonce, exactly as spec.md §4.D step 3 specifies.
func buildBuffer(p Params, role Role) ([]byte, error) {
	sip := p.ServerIP.To4()
	cip := p.ClientIP.To4()
	if sip == nil || cip == nil {
		return nil, fmt.Errorf("kdf: server/client IP must have a v4 form")
	}
	buf := make([]byte, 0, 16+16+4+4+2+6+4+2+len(p.ProxySecret)+16+16)
	buf = append(buf, p.ServerNonce[:]...)
	buf = append(buf, p.ClientNonce[:]...)
	buf = appendU32LE(buf, p.CryptoTS)
	buf = append(buf, reverseCopy(sip)...) // IPs are stored LE per spec
	buf = appendU16LE(buf, p.ClientPort)
	buf = append(buf, role.tag()...)
	buf = append(buf, reverseCopy(cip)...)
	buf = appendU16LE(buf, p.ServerPort)
	buf = append(buf, p.ProxySecret...)
	buf = append(buf, p.ServerNonce[:]...)
	buf = append(buf, p.ClientNonce[:]...)
	return buf, nil
}

func appendU32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func reverseCopy(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// Derive returns the 32-byte AES key and 16-byte IV for one direction of
// the bidirectional session (spec §4.D step 3 and §6).
//
// key = SHA-1(buf)[0:12] || SHA-256(buf')[0:20], where buf' is buf with
// its first byte incremented by one (spec.md's literal description of
// the key, "or equivalently whatever derivation is proven interoperable";
// this package commits to a concrete interpretation of that sentence).
// iv  = SHA-256(buf')[20:32] || SHA-1(buf)[12:16] — bytes of both hashes
// that the key does not use, so key and IV never share a hash byte. Key
// and IV together take 48 of the 52 hash bytes; SHA-1(buf)[16:20] is
// unused.
func Derive(p Params, role Role) (key [protocol.AESKeySize]byte, iv [protocol.AESBlockSize]byte, err error) {
	buf, err := buildBuffer(p, role)
	if err != nil {
		return key, iv, err
	}
	h1 := sha1.Sum(buf)
	buf2 := append([]byte(nil), buf...)
	buf2[0]++
	h2 := sha256.Sum256(buf2)

	copy(key[:12], h1[:12])
	copy(key[12:], h2[:20])
	copy(iv[:12], h2[20:32])
	copy(iv[12:], h1[12:16])
	return key, iv, nil
}

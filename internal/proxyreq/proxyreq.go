// Package proxyreq encodes and decodes the RPC_PROXY_REQ payload (spec
// §4.I): the message the middle-end sends upstream to open/continue a
// logical client session, including its IPv4-mapped IPv6 addressing and
// the optional TL-string ad-tag extras block.
//
// There is no teacher analogue for a TL-string encoder, so this package
// is grounded directly on original_source/'s wire-layout constants (the
// Rust implementation's own proxy-request builder) rather than on
// adapted teacher code; its struct-with-Encode/Decode shape otherwise
// follows the style of frame.Frame / frame.Build+Parse in this module.
package proxyreq

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/telemt/meproxy/internal/meerr"
	"github.com/telemt/meproxy/internal/protocol"
)

// HeaderLen is the size of the fixed-layout portion preceding the
// optional extras block and the trailing data.
const HeaderLen = 4 + 4 + 8 + 16 + 4 + 16 + 4

// Request is a decoded/to-be-encoded RPC_PROXY_REQ payload.
type Request struct {
	Flags      uint32
	ConnID     uint64
	ClientAddr net.IP // v4 or v4-mapped v6
	ClientPort uint32
	OurAddr    net.IP
	OurPort    uint32
	AdTag      []byte // non-nil iff Flags&protocol.TLExtraFlagsMask != 0
	Data       []byte
}

// Encode serializes req into a complete RPC_PROXY_REQ payload (opcode
// prefix included).
func Encode(req Request) ([]byte, error) {
	buf := make([]byte, 0, HeaderLen+4+len(req.Data))
	buf = appendU32(buf, protocol.RpcProxyReq)
	buf = appendU32(buf, req.Flags)
	buf = appendU64(buf, req.ConnID)

	clientV6, err := mappedV6(req.ClientAddr)
	if err != nil {
		return nil, meerr.New(meerr.Framing, "proxyreq.Encode", fmt.Errorf("client addr: %w", err))
	}
	buf = append(buf, clientV6...)
	buf = appendU32(buf, req.ClientPort)

	ourV6, err := mappedV6(req.OurAddr)
	if err != nil {
		return nil, meerr.New(meerr.Framing, "proxyreq.Encode", fmt.Errorf("our addr: %w", err))
	}
	buf = append(buf, ourV6...)
	buf = appendU32(buf, req.OurPort)

	if req.Flags&protocol.TLExtraFlagsMask != 0 {
		tag := encodeTLString(req.AdTag)
		extraLen := uint32(4 + len(tag)) // TL_PROXY_TAG(4) + tl_string
		buf = appendU32(buf, extraLen)
		buf = appendU32(buf, protocol.TLProxyTag)
		buf = append(buf, tag...)
	}

	buf = append(buf, req.Data...)
	return buf, nil
}

// Decode parses an RPC_PROXY_REQ payload produced by Encode, validating
// the leading opcode.
func Decode(buf []byte) (Request, error) {
	var req Request
	if len(buf) < HeaderLen {
		return req, meerr.New(meerr.Framing, "proxyreq.Decode", fmt.Errorf("payload too short: %d bytes", len(buf)))
	}
	opcode := binary.LittleEndian.Uint32(buf[0:4])
	if opcode != protocol.RpcProxyReq {
		return req, meerr.New(meerr.Framing, "proxyreq.Decode", fmt.Errorf("opcode %08x, want RPC_PROXY_REQ", opcode))
	}
	off := 4
	req.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	req.ConnID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	req.ClientAddr = unmapV6(buf[off : off+16])
	off += 16
	req.ClientPort = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	req.OurAddr = unmapV6(buf[off : off+16])
	off += 16
	req.OurPort = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if req.Flags&protocol.TLExtraFlagsMask != 0 {
		if len(buf) < off+4 {
			return req, meerr.New(meerr.Framing, "proxyreq.Decode", fmt.Errorf("truncated extras length"))
		}
		extraLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if len(buf) < off+extraLen {
			return req, meerr.New(meerr.Framing, "proxyreq.Decode", fmt.Errorf("truncated extras block"))
		}
		extras := buf[off : off+extraLen]
		if len(extras) < 4 {
			return req, meerr.New(meerr.Framing, "proxyreq.Decode", fmt.Errorf("extras block too short for TL_PROXY_TAG"))
		}
		tlTag := binary.LittleEndian.Uint32(extras[0:4])
		if tlTag != protocol.TLProxyTag {
			return req, meerr.New(meerr.Framing, "proxyreq.Decode", fmt.Errorf("extras tag %08x, want TL_PROXY_TAG", tlTag))
		}
		tag, _, err := decodeTLString(extras[4:])
		if err != nil {
			return req, meerr.New(meerr.Framing, "proxyreq.Decode", err)
		}
		req.AdTag = tag
		off += extraLen
	}

	req.Data = append([]byte(nil), buf[off:]...)
	return req, nil
}

// mappedV6 renders ip as the 16-byte IPv4-mapped IPv6 form `00·10 || FF
// FF || v4 octets`.
func mappedV6(ip net.IP) ([]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("address %v has no v4 form", ip)
	}
	out := make([]byte, 16)
	out[10] = 0xff
	out[11] = 0xff
	copy(out[12:], v4)
	return out, nil
}

// unmapV6 extracts the embedded v4 address from a 16-byte mapped form,
// falling back to the full 16-byte value if it is not the mapped shape.
func unmapV6(b []byte) net.IP {
	if b[10] == 0xff && b[11] == 0xff {
		isZero := true
		for _, v := range b[:10] {
			if v != 0 {
				isZero = false
				break
			}
		}
		if isZero {
			ip := make(net.IP, 4)
			copy(ip, b[12:16])
			return ip
		}
	}
	ip := make(net.IP, 16)
	copy(ip, b)
	return ip
}

// encodeTLString implements spec §4.I's TL-string length encoding: a
// short form for tag < 254 bytes (one length byte, the tag, then
// (3 - (1+len)%4) % 4 zero bytes, which does not always end on a 4-byte
// boundary), a long form (0xFE prefix + 3-byte LE length, the tag, then
// zero bytes up to a 4-byte boundary) otherwise.
func encodeTLString(tag []byte) []byte {
	if len(tag) < 254 {
		out := make([]byte, 1+len(tag))
		out[0] = byte(len(tag))
		copy(out[1:], tag)
		pad := (3 - (1+len(tag))%4) % 4
		return append(out, make([]byte, pad)...)
	}
	out := make([]byte, 4+len(tag))
	out[0] = 0xfe
	out[1] = byte(len(tag))
	out[2] = byte(len(tag) >> 8)
	out[3] = byte(len(tag) >> 16)
	copy(out[4:], tag)
	pad := (4 - len(tag)%4) % 4
	return append(out, make([]byte, pad)...)
}

// decodeTLString is the inverse of encodeTLString; it returns the tag
// bytes and the total number of bytes (including padding) consumed.
func decodeTLString(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, fmt.Errorf("empty tl_string")
	}
	if buf[0] != 0xfe {
		l := int(buf[0])
		if len(buf) < 1+l {
			return nil, 0, fmt.Errorf("truncated short tl_string")
		}
		tag := append([]byte(nil), buf[1:1+l]...)
		pad := (3 - (1+l)%4) % 4
		total := 1 + l + pad
		if len(buf) < total {
			return nil, 0, fmt.Errorf("truncated short tl_string padding")
		}
		return tag, total, nil
	}
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("truncated long tl_string header")
	}
	l := int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16
	if len(buf) < 4+l {
		return nil, 0, fmt.Errorf("truncated long tl_string")
	}
	tag := append([]byte(nil), buf[4:4+l]...)
	pad := (4 - l%4) % 4
	total := 4 + l + pad
	if len(buf) < total {
		return nil, 0, fmt.Errorf("truncated long tl_string padding")
	}
	return tag, total, nil
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

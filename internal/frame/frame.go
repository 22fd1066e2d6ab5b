// Package frame implements the RPC frame codec (spec §4.A):
//
//	total_len(u32 LE) || seq_no(i32 LE) || payload || crc32(u32 LE)
//
// total_len counts every byte of the frame including itself and the
// trailing CRC. The shape of Build/Parse mirrors the teacher's
// p2p/rlpx/framing.go sendFrame/readFrame pair — a fixed-size header
// ahead of the payload, a trailer computed over everything preceding
// it — adapted from RLPx's HMAC-over-AES-CTR framing to a flat
// CRC32 checksum over a plaintext-before-encryption frame.
package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/telemt/meproxy/internal/meerr"
	"github.com/telemt/meproxy/internal/protocol"
)

// HeaderLen is the size of total_len || seq_no.
const HeaderLen = 8

// TrailerLen is the size of the trailing crc32.
const TrailerLen = 4

// Build wraps payload into a complete frame for the given sequence number.
// It never returns an error for sequence numbers within range; it can fail
// only if payload would push total_len out of [12, 2^24].
func Build(seq int32, payload []byte) ([]byte, error) {
	total := uint32(HeaderLen + len(payload) + TrailerLen)
	if total < protocol.MinFrameLen || total > protocol.MaxFrameLen {
		return nil, meerr.New(meerr.Framing, "frame.Build", fmt.Errorf("total_len %d out of range", total))
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], total)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(seq))
	copy(buf[8:], payload)
	crc := crc32.ChecksumIEEE(buf[:total-4])
	binary.LittleEndian.PutUint32(buf[total-4:], crc)
	return buf, nil
}

// Noop returns the 4-byte padding word frame: a bare total_len==4 with no
// seq/payload/crc, used to pad a send to a block boundary structurally.
func Noop() []byte {
	buf := make([]byte, protocol.NoopFrameLen)
	binary.LittleEndian.PutUint32(buf, protocol.NoopFrameLen)
	return buf
}

// PadLen returns the number of CBC alignment-padding bytes that follow a
// frame of the given total_len in the decrypted plaintext stream: the
// encryptor pads each frame independently up to the next
// protocol.AESBlockSize boundary before encrypting it (spec §4.B), so a
// streaming reader must skip exactly this many bytes after a frame
// before the next frame's header begins.
func PadLen(totalLen uint32) int {
	rem := int(totalLen) % protocol.AESBlockSize
	if rem == 0 {
		return 0
	}
	return protocol.AESBlockSize - rem
}

// Frame is a parsed RPC frame.
type Frame struct {
	Seq     int32
	Payload []byte
}

// Parse reads exactly one frame from the front of buf and returns the
// number of bytes consumed. It returns (nil, 0, nil) when buf does not yet
// contain a complete frame (caller should read more and retry) and a
// *meerr.Error with Kind==Framing on CRC mismatch or an out-of-range
// length. A bare total_len==4 is reported as a nil Frame with n==4 so
// callers can skip it without treating it as a protocol violation.
func Parse(buf []byte) (f *Frame, n int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	total := binary.LittleEndian.Uint32(buf[0:4])
	if total == protocol.NoopFrameLen {
		return nil, int(protocol.NoopFrameLen), nil
	}
	if total < protocol.MinFrameLen || total > protocol.MaxFrameLen {
		return nil, 0, meerr.New(meerr.Framing, "frame.Parse", fmt.Errorf("total_len %d out of range", total))
	}
	if uint32(len(buf)) < total {
		return nil, 0, nil // short read; wait for more bytes
	}
	body := buf[:total]
	wantCRC := binary.LittleEndian.Uint32(body[total-4:])
	gotCRC := crc32.ChecksumIEEE(body[:total-4])
	if wantCRC != gotCRC {
		return nil, 0, meerr.New(meerr.Framing, "frame.Parse", fmt.Errorf("crc mismatch: got %08x want %08x", gotCRC, wantCRC))
	}
	seq := int32(binary.LittleEndian.Uint32(body[4:8]))
	payload := make([]byte, total-HeaderLen-TrailerLen)
	copy(payload, body[8:total-4])
	return &Frame{Seq: seq, Payload: payload}, int(total), nil
}

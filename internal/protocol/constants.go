// Package protocol holds the wire constants for the Middle-End RPC
// transport: opcodes, transport-tag flags, and frame size limits. All
// integer fields on the wire are little-endian (spec §6).
package protocol

// RPC opcodes, dispatched on the first 4 bytes of a frame payload (§4.H)
// or sent as the first field of a handshake payload (§4.D). RpcNonce and
// RpcCryptoAES are pinned to spec.md §8 scenario S1's literal nonce-packet
// bytes (`AA 8F CF 55` and `51 E0 E5 89` read LE); the remaining opcodes
// have no literal test vector in spec.md and are this implementation's
// own fixed assignment.
const (
	RpcNonce        uint32 = 0x55cf8faa
	RpcHandshake    uint32 = 0xf5ee6bb5
	RpcHandshakeErr uint32 = 0xf5ee6bb6
	RpcCryptoAES    uint32 = 0x89e5e051 // schema id carried in the nonce packet
	RpcProxyReq     uint32 = 0x36e9acab
	RpcProxyAns     uint32 = 0x44679e07
	RpcSimpleAck    uint32 = 0xa8969afc
	RpcCloseExt     uint32 = 0x0bc20753
	RpcCloseConn    uint32 = 0x1fcf5441
	RpcPing         uint32 = 0x5730a2df
	RpcPong         uint32 = 0x8430eaa7
)

// Frame size limits (§4.A).
const (
	MinFrameLen   uint32 = 12
	MaxFrameLen   uint32 = 1 << 24
	NoopFrameLen  uint32 = 4
	FrameOverhead        = 4 + 4 // total_len + crc32, seq_no is counted separately
)

// Handshake sequence numbers are reserved negative values (§3 RpcWriter).
const (
	SeqNonce     int32 = -2
	SeqHandshake int32 = -1
)

// Transport tag selector, OR'd into RPC_PROXY_REQ's flags field (§4.I).
const (
	FlagAbridged     uint32 = 0x01
	FlagIntermediate uint32 = 0x02
	FlagPad          uint32 = 0x04
	FlagHasAdTag     uint32 = 0x08
	FlagMagic        uint32 = 0x1000
	FlagExtMode2     uint32 = 0x20000
)

// TLExtraFlagsMask gates emission of the extras section in RPC_PROXY_REQ
// (§4.I): "iff flags & 12 != 0". 12 == FlagHasAdTag(8) | FlagPad(4); the
// FlagExtMode2 bit (0x20000) named alongside it in prose is a distinct,
// much higher bit and is not part of this mask.
const TLExtraFlagsMask uint32 = FlagHasAdTag | FlagPad

// TL constant tag for the proxy ad-tag extra field.
const TLProxyTag uint32 = 0x0cb93b10

// AES-256-CBC block/key sizes used throughout §4.B/§4.D.
const (
	AESBlockSize = 16
	AESKeySize   = 32
)

// PaddingWord is the 4-byte pattern used to pad frames to a block
// boundary before CBC encryption (§4.B, §4.F). It is a structural
// artifact discarded by the inner total_len field, never by a length
// byte at the transport layer.
var PaddingWord = [4]byte{0x04, 0x00, 0x00, 0x00}

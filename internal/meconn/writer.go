// Package meconn implements the per-peer RPC writer and reader (spec
// §4.F, §4.H), the pool/round-robin dispatch over them (§4.G), and the
// health monitor that keeps the pool at its configured floor (§4.J).
//
// Writer follows the teacher's rlpxFrameRW write path in p2p/rlpx.go: a
// mutex around the whole build-pad-encrypt-write sequence, ensuring a
// send is never interleaved with another send on the same peer, adapted
// from a single egress frame type to this transport's signed sequence
// counter and reserved handshake sequence numbers.
package meconn

import (
	"fmt"
	"net"
	"sync"

	"github.com/telemt/meproxy/internal/cbc"
	"github.com/telemt/meproxy/internal/frame"
	"github.com/telemt/meproxy/internal/meerr"
)

// Writer owns the write half of a peer socket: the CBC encryptor and a
// signed sequence counter starting at 0 for data frames (spec §3
// RpcWriter). Handshake frames use reserved sequence numbers -2/-1 and
// bypass the counter entirely (sent before a Writer is constructed).
type Writer struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *cbc.Encryptor
	seq  int32
}

// NewWriter wraps conn with enc, starting the data sequence counter at 0.
func NewWriter(conn net.Conn, enc *cbc.Encryptor) *Writer {
	return &Writer{conn: conn, enc: enc}
}

// Send frame-wraps payload with the next sequence number, pads and
// CBC-encrypts it, and writes the result atomically (spec §4.F). A
// non-nil error means the writer is no longer usable; the caller must
// evict it from the pool.
func (w *Writer) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := frame.Build(w.seq, payload)
	if err != nil {
		return err
	}
	ciphertext, err := w.enc.Encrypt(f)
	if err != nil {
		return meerr.New(meerr.Crypto, "meconn.Writer.Send", err)
	}
	if _, err := w.conn.Write(ciphertext); err != nil {
		return meerr.New(meerr.Io, "meconn.Writer.Send", err)
	}
	w.seq++
	return nil
}

// Close closes the underlying connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}

func (w *Writer) String() string {
	return fmt.Sprintf("writer(%s)", w.conn.RemoteAddr())
}

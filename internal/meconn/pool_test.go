package meconn

import (
	"io"
	"net"
	"testing"

	"github.com/telemt/meproxy/internal/cbc"
	"github.com/telemt/meproxy/internal/registry"
)

func fakePeer(t *testing.T, seed byte, closeServerSide bool) (*Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	key, iv := testKeyIV(seed)
	enc, err := cbc.NewEncryptor(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	if closeServerSide {
		server.Close()
	} else {
		go io.Copy(io.Discard, server)
	}
	peer := &Peer{
		Endpoint: Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: uint16(1000 + seed)},
		Writer:   NewWriter(client, enc),
		conn:     client,
	}
	return peer, server
}

// S5 — round-robin eviction: with pool {W1, W2, W3} and W2 producing an
// I/O error on send, the send retries on W3 (or whichever writer is next
// once W2 is evicted), succeeds, and connection_count() afterwards is 2.
func TestSendProxyReqRoundRobinEvictsFailingWriter(t *testing.T) {
	w1, s1 := fakePeer(t, 10, false)
	w2, s2 := fakePeer(t, 20, true) // server side pre-closed: send on w2 fails
	w3, s3 := fakePeer(t, 30, false)
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	pool := &Pool{
		registry: registry.New(),
		peers:    []*Peer{w1, w2, w3},
	}

	err := pool.SendProxyReq(1, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1111, 2222, []byte("payload"), 0x01)
	if err != nil {
		t.Fatalf("SendProxyReq returned error: %v", err)
	}

	if got := pool.ConnectionCount(); got != 2 {
		t.Fatalf("connection_count() = %d, want 2", got)
	}

	for _, p := range pool.peers {
		if p == w2 {
			t.Fatalf("failing writer w2 must have been evicted from the pool")
		}
	}
}

func TestSendProxyReqFailsWhenPoolExhausted(t *testing.T) {
	w1, s1 := fakePeer(t, 40, true)
	defer s1.Close()

	pool := &Pool{
		registry: registry.New(),
		peers:    []*Peer{w1},
	}

	err := pool.SendProxyReq(1, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1111, 2222, []byte("payload"), 0x01)
	if err == nil {
		t.Fatalf("expected PoolEmpty error when every writer fails")
	}
	if pool.ConnectionCount() != 0 {
		t.Fatalf("connection_count() = %d, want 0", pool.ConnectionCount())
	}
}

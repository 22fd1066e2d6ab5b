package meconn

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/telemt/meproxy/internal/cbc"
	"github.com/telemt/meproxy/internal/frame"
	"github.com/telemt/meproxy/internal/protocol"
	"github.com/telemt/meproxy/internal/registry"
)

func testKeyIV(seed byte) ([]byte, []byte) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = seed + byte(i)
	}
	for i := range iv {
		iv[i] = seed + byte(0x50+i)
	}
	return key, iv
}

func TestWriterSendIncrementsSequence(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key, iv := testKeyIV(1)
	enc, err := cbc.NewEncryptor(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := cbc.NewDecryptor(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(client, enc)

	recvSeqs := make(chan int32, 2)
	go func() {
		buf := make([]byte, 4096)
		var plain []byte
		for i := 0; i < 2; i++ {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			plain = append(plain, dec.Feed(buf[:n])...)
			f, consumed, ferr := frame.Parse(plain)
			if ferr != nil || f == nil {
				t.Errorf("expected a complete frame, got f=%v err=%v", f, ferr)
				return
			}
			recvSeqs <- f.Seq
			plain = plain[consumed+frame.PadLen(uint32(consumed)):]
		}
	}()

	if err := w.Send([]byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := w.Send([]byte("two")); err != nil {
		t.Fatal(err)
	}

	first := <-recvSeqs
	second := <-recvSeqs
	if first != 0 || second != 1 {
		t.Fatalf("sequence numbers = %d, %d; want 0, 1", first, second)
	}
}

// S3 — dispatch: a single RPC_PROXY_ANS frame routes Data to its conn_id
// exactly once, without disturbing other sessions.
func TestDispatchProxyAnsScenarioS3(t *testing.T) {
	reg := registry.New()
	idA, recvA := reg.Register()
	idB, recvB := reg.Register()
	_ = idB

	body := make([]byte, 0, 24)
	body = appendU32(body, protocol.RpcProxyAns)
	body = appendU32(body, 0) // flags
	body = appendU64(body, uint64(idA))
	body = append(body, []byte("hi")...)

	p := &Peer{}
	p.dispatch(reg, &frame.Frame{Seq: 0, Payload: body})

	select {
	case msg := <-recvA:
		if msg.Kind != registry.KindData || string(msg.Data) != "hi" {
			t.Fatalf("unexpected message %+v", msg)
		}
	default:
		t.Fatalf("expected a message on session A's receiver")
	}
	select {
	case msg := <-recvB:
		t.Fatalf("session B must not be disturbed, got %+v", msg)
	default:
	}
}

// S4 — ping/pong: receiving RPC_PING emits exactly one RPC_PONG frame
// carrying the same ping id with the next outbound sequence number.
func TestDispatchPingPongScenarioS4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	key, iv := testKeyIV(2)
	enc, err := cbc.NewEncryptor(key, iv)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := cbc.NewDecryptor(key, iv)
	if err != nil {
		t.Fatal(err)
	}

	p := &Peer{Writer: NewWriter(client, enc)}
	reg := registry.New()

	body := make([]byte, 0, 12)
	body = appendU32(body, protocol.RpcPing)
	pingID := uint64(42)
	body = appendU64(body, pingID)

	done := make(chan struct{})
	var gotPayload []byte
	go func() {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		plain := dec.Feed(buf[:n])
		total := binary.LittleEndian.Uint32(plain[0:4])
		gotPayload = append([]byte(nil), plain[8:total-4]...)
		close(done)
	}()

	p.dispatch(reg, &frame.Frame{Seq: 0, Payload: body})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for PONG")
	}

	wantOpcode := protocol.RpcPong
	gotOpcode := binary.LittleEndian.Uint32(gotPayload[0:4])
	if gotOpcode != wantOpcode {
		t.Fatalf("opcode = %08x, want RPC_PONG %08x", gotOpcode, wantOpcode)
	}
	if !bytes.Equal(gotPayload[4:12], body[4:12]) {
		t.Fatalf("ping id not echoed: got %x want %x", gotPayload[4:12], body[4:12])
	}
}

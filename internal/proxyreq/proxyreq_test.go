package proxyreq

import (
	"bytes"
	"net"
	"testing"

	"github.com/telemt/meproxy/internal/protocol"
)

func sampleRequest(flags uint32, adTag []byte, data []byte) Request {
	return Request{
		Flags:      flags,
		ConnID:     0x0102030405060708,
		ClientAddr: net.IPv4(10, 1, 2, 3),
		ClientPort: 54321,
		OurAddr:    net.IPv4(149, 154, 167, 40),
		OurPort:    443,
		AdTag:      adTag,
		Data:       data,
	}
}

// Property 6: encode followed by decode reproduces every field.
func TestEncodeDecodeRoundTripNoExtras(t *testing.T) {
	req := sampleRequest(protocol.FlagAbridged|protocol.FlagMagic, nil, []byte("hello world"))
	buf, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, req, got)
}

func TestEncodeDecodeRoundTripShortAdTag(t *testing.T) {
	req := sampleRequest(protocol.FlagIntermediate|protocol.FlagHasAdTag|protocol.FlagMagic,
		[]byte("short-ad-tag"), []byte{1, 2, 3, 4, 5})
	buf, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, req, got)
}

func TestEncodeDecodeRoundTripLongAdTag(t *testing.T) {
	longTag := bytes.Repeat([]byte{0x41}, 300)
	req := sampleRequest(protocol.FlagIntermediate|protocol.FlagPad|protocol.FlagExtMode2,
		longTag, []byte("payload-data"))
	buf, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, req, got)
}

func TestExtrasOmittedWhenFlagsMaskedOff(t *testing.T) {
	req := sampleRequest(protocol.FlagAbridged, nil, []byte("x"))
	buf, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	// header + data only, no extras block.
	if len(buf) != HeaderLen+len(req.Data) {
		t.Fatalf("len(buf) = %d, want %d (no extras expected)", len(buf), HeaderLen+len(req.Data))
	}
}

func TestMappedV6RoundTrip(t *testing.T) {
	v6, err := mappedV6(net.IPv4(192, 168, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if v6[10] != 0xff || v6[11] != 0xff {
		t.Fatalf("missing v4-mapped marker bytes")
	}
	back := unmapV6(v6)
	if !back.Equal(net.IPv4(192, 168, 1, 1)) {
		t.Fatalf("unmapV6(mappedV6(ip)) = %v, want 192.168.1.1", back)
	}
}

func assertEqual(t *testing.T, want, got Request) {
	t.Helper()
	if want.Flags != got.Flags {
		t.Fatalf("flags: want %x got %x", want.Flags, got.Flags)
	}
	if want.ConnID != got.ConnID {
		t.Fatalf("conn id: want %x got %x", want.ConnID, got.ConnID)
	}
	if !want.ClientAddr.Equal(got.ClientAddr) {
		t.Fatalf("client addr: want %v got %v", want.ClientAddr, got.ClientAddr)
	}
	if want.ClientPort != got.ClientPort {
		t.Fatalf("client port: want %d got %d", want.ClientPort, got.ClientPort)
	}
	if !want.OurAddr.Equal(got.OurAddr) {
		t.Fatalf("our addr: want %v got %v", want.OurAddr, got.OurAddr)
	}
	if want.OurPort != got.OurPort {
		t.Fatalf("our port: want %d got %d", want.OurPort, got.OurPort)
	}
	if !bytes.Equal(want.AdTag, got.AdTag) {
		t.Fatalf("ad tag: want %q got %q", want.AdTag, got.AdTag)
	}
	if !bytes.Equal(want.Data, got.Data) {
		t.Fatalf("data: want %q got %q", want.Data, got.Data)
	}
}

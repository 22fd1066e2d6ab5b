package frame

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/telemt/meproxy/internal/meerr"
)

// S2 from spec.md §8: payload 01 02 03 04, seq 0.
func TestBuildS2(t *testing.T) {
	got, err := Build(0, []byte{0x01, 0x02, 0x03, 0x04})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("len = %d, want 16", len(got))
	}
	if !bytes.Equal(got[0:4], []byte{0x10, 0, 0, 0}) {
		t.Fatalf("total_len bytes = % x", got[0:4])
	}
	if !bytes.Equal(got[4:8], []byte{0, 0, 0, 0}) {
		t.Fatalf("seq bytes = % x", got[4:8])
	}
	if !bytes.Equal(got[8:12], []byte{1, 2, 3, 4}) {
		t.Fatalf("payload bytes = % x", got[8:12])
	}
	wantCRC := crc32.ChecksumIEEE(got[:12])
	if binary.LittleEndian.Uint32(got[12:16]) != wantCRC {
		t.Fatalf("crc = %08x, want %08x", binary.LittleEndian.Uint32(got[12:16]), wantCRC)
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0xff},
		bytes.Repeat([]byte{0xaa}, 100),
		bytes.Repeat([]byte{0x01}, 1<<16),
	}
	seqs := []int32{0, 1, -1, -2, 1 << 20, -(1 << 20)}
	for _, p := range payloads {
		for _, s := range seqs {
			buf, err := Build(s, p)
			if err != nil {
				t.Fatalf("Build(%d, len=%d): %v", s, len(p), err)
			}
			f, n, err := Parse(buf)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if n != len(buf) {
				t.Fatalf("consumed %d, want %d", n, len(buf))
			}
			if f.Seq != s {
				t.Fatalf("seq = %d, want %d", f.Seq, s)
			}
			if !bytes.Equal(f.Payload, p) {
				t.Fatalf("payload mismatch")
			}
		}
	}
}

func TestTamperFailsCRC(t *testing.T) {
	buf, _ := Build(42, []byte("hello"))
	for i := range buf {
		tampered := append([]byte(nil), buf...)
		tampered[i] ^= 0xff
		_, _, err := Parse(tampered)
		if err == nil {
			t.Fatalf("byte %d: tampering did not fail", i)
		}
		if !meerr.Is(err, meerr.Framing) {
			t.Fatalf("byte %d: err kind = %v, want Framing", i, err)
		}
	}
}

func TestNoopSkipped(t *testing.T) {
	f, n, err := Parse(Noop())
	if err != nil {
		t.Fatalf("Parse(Noop): %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil frame for noop")
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
}

func TestShortReadWaitsForMore(t *testing.T) {
	buf, _ := Build(0, []byte("hello world"))
	f, n, err := Parse(buf[:len(buf)-1])
	if err != nil {
		t.Fatalf("unexpected error on short buffer: %v", err)
	}
	if f != nil || n != 0 {
		t.Fatalf("expected (nil, 0) on short buffer, got (%v, %d)", f, n)
	}
}

func TestOutOfRangeLength(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 5 // total_len = 5, below MinFrameLen and not the noop value
	_, _, err := Parse(buf)
	if !meerr.Is(err, meerr.Framing) {
		t.Fatalf("err = %v, want Framing", err)
	}
}

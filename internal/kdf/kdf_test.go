package kdf

import (
	"bytes"
	"net"
	"testing"
)

func sampleParams() Params {
	var p Params
	for i := range p.ServerNonce {
		p.ServerNonce[i] = byte(i)
	}
	for i := range p.ClientNonce {
		p.ClientNonce[i] = byte(0x10 + i)
	}
	p.CryptoTS = 0x01020304
	p.ServerIP = net.IPv4(149, 154, 167, 40)
	p.ClientIP = net.IPv4(10, 0, 0, 1)
	p.ClientPort = 443
	p.ServerPort = 8080
	p.ProxySecret = bytes.Repeat([]byte{0x5a}, 32)
	return p
}

func TestDeriveDeterministic(t *testing.T) {
	p := sampleParams()
	k1, iv1, err := Derive(p, RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	k2, iv2, err := Derive(p, RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 || iv1 != iv2 {
		t.Fatalf("derivation is not deterministic")
	}
}

func TestDeriveDirectionsDiffer(t *testing.T) {
	p := sampleParams()
	kc, ivc, err := Derive(p, RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	ks, ivs, err := Derive(p, RoleServer)
	if err != nil {
		t.Fatal(err)
	}
	if kc == ks && ivc == ivs {
		t.Fatalf("client and server directions must derive distinct keys")
	}
}

func TestDeriveRejectsNonV4(t *testing.T) {
	p := sampleParams()
	p.ServerIP = net.ParseIP("2001:db8::1")
	if _, _, err := Derive(p, RoleClient); err == nil {
		t.Fatalf("expected error for non-v4 server IP")
	}
}

package walletkey

import (
	"testing"
)

func TestSessionSignatureRoundTrip(t *testing.T) {
	pub, priv, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}

	data := []byte("intent-1|session|item|a|b|100|1|1000|TRADE")
	sig := Sign(priv, data)

	ok, err := VerifySessionSignature(pub, data, sig)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0xff
	ok, err = VerifySessionSignature(pub, tampered, sig)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if ok {
		t.Fatal("expected tampered data to fail verification")
	}
}

func TestVerifySessionSignatureRejectsBadLengths(t *testing.T) {
	pub, _, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}

	if ok, err := VerifySessionSignature(pub, []byte("data"), []byte("short")); err != nil || ok {
		t.Fatalf("expected short signature rejected without error, got ok=%v err=%v", ok, err)
	}
	if _, err := VerifySessionSignature("not-a-key", []byte("data"), make([]byte, 64)); err == nil {
		t.Fatal("expected undecodable pubkey to error")
	}
}

func TestIsValidOnChainAddress(t *testing.T) {
	pub, _, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	if !IsValidOnChainAddress(pub) {
		t.Fatalf("expected generated pubkey %q to be a valid address", pub)
	}
	for _, bad := range []string{"", "escrow-placeholder", "0x00"} {
		if IsValidOnChainAddress(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestProjectBatchID(t *testing.T) {
	a := ProjectBatchID("batch-a")
	if a != ProjectBatchID("batch-a") {
		t.Fatal("expected projection to be deterministic")
	}
	if a&0x80000000 != 0 {
		t.Fatalf("expected projection to fit in 31 bits, got %#x", a)
	}
	if a == ProjectBatchID("batch-b") {
		t.Fatal("expected different batch ids to project differently here")
	}
}

func TestAuthorityImportExportRoundTrip(t *testing.T) {
	a, err := NewAuthority()
	if err != nil {
		t.Fatalf("failed to generate authority: %v", err)
	}

	b, err := ImportAuthority(a.ExportSecret())
	if err != nil {
		t.Fatalf("failed to re-import authority: %v", err)
	}
	if b.Address != a.Address {
		t.Fatalf("expected identical address after round trip, got %q vs %q", b.Address, a.Address)
	}

	sig, err := a.SignPayload([]byte("payload"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature")
	}

	if _, err := ImportAuthority("not-hex"); err == nil {
		t.Fatal("expected invalid secret encoding to error")
	}
}

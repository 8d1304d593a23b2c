package claim

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Fixed deterministic test seeds (not used anywhere outside tests).
var (
	testSeed       = bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	testOwner      = mustOwner(bytes.Repeat([]byte{0xaa}, 32))
	testEVMKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func mustOwner(b []byte) [32]byte {
	o, err := OwnerFromBytes(b)
	if err != nil {
		panic(err)
	}
	return o
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	return NewSigner(NewEd25519Scheme(ed25519.NewKeyFromSeed(testSeed)))
}

// ── message encoding ──────────────────────────────────────────────────────────

func TestEncodeMessage_Layout(t *testing.T) {
	msg, err := EncodeMessage(TagAptos, testOwner, big.NewInt(100), 1)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if len(msg) != 11+32+8+8 {
		t.Fatalf("message length: got %d, want 59", len(msg))
	}
	if string(msg[:11]) != "CLAIM_APTOS" {
		t.Errorf("domain separator: got %q", msg[:11])
	}
	if !bytes.Equal(msg[11:43], testOwner[:]) {
		t.Error("owner bytes misplaced")
	}
	// amount 100 as u64 little-endian
	if msg[43] != 100 || msg[44] != 0 {
		t.Errorf("amount encoding: %x", msg[43:51])
	}
	// nonce 1 as u64 little-endian
	if msg[51] != 1 || msg[52] != 0 {
		t.Errorf("nonce encoding: %x", msg[51:59])
	}
}

func TestEncodeMessage_Deterministic(t *testing.T) {
	a, _ := EncodeMessage(TagAptos, testOwner, big.NewInt(7), 3)
	b, _ := EncodeMessage(TagAptos, testOwner, big.NewInt(7), 3)
	if !bytes.Equal(a, b) {
		t.Fatal("EncodeMessage is not deterministic")
	}
}

func TestEncodeMessage_DomainSeparation(t *testing.T) {
	a, _ := EncodeMessage(TagAptos, testOwner, big.NewInt(7), 3)
	b, _ := EncodeMessage(TagEVM, testOwner, big.NewInt(7), 3)
	if bytes.Equal(a, b) {
		t.Fatal("different chain tags must produce different messages")
	}
}

func TestEncodeMessage_AmountOverflow(t *testing.T) {
	big128 := new(big.Int).Lsh(big.NewInt(1), 64)
	if _, err := EncodeMessage(TagAptos, testOwner, big128, 1); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("want ErrAmountOverflow, got %v", err)
	}
	if _, err := EncodeMessage(TagAptos, testOwner, nil, 1); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("nil amount: want ErrAmountOverflow, got %v", err)
	}
}

func TestOwnerFromBytes_Pads(t *testing.T) {
	addr := bytes.Repeat([]byte{0x11}, 20)
	o, err := OwnerFromBytes(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(o[:12], make([]byte, 12)) {
		t.Error("owner not left-padded")
	}
	if !bytes.Equal(o[12:], addr) {
		t.Error("owner bytes not right-aligned")
	}
	if _, err := OwnerFromBytes(bytes.Repeat([]byte{1}, 33)); err == nil {
		t.Error("oversized owner accepted")
	}
}

// ── signing ───────────────────────────────────────────────────────────────────

func TestSigner_Deterministic(t *testing.T) {
	s1 := newTestSigner(t)
	s2 := newTestSigner(t)
	c1, err := s1.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 1)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s2.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c1.Signature, c2.Signature) {
		t.Fatal("same key and inputs must produce byte-equal signatures")
	}
}

func TestSigner_NonceMonotonicity(t *testing.T) {
	s := newTestSigner(t)

	if _, err := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 1); err != nil {
		t.Fatalf("first sign at nonce 1: %v", err)
	}
	if _, err := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 1); err == nil {
		t.Fatal("re-signing at nonce 1 must fail")
	}
	if _, err := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(200), 2); err != nil {
		t.Fatalf("sign at nonce 2: %v", err)
	}
}

func TestSigner_NoncesPerPeer(t *testing.T) {
	s := newTestSigner(t)
	if _, err := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(1), 5); err != nil {
		t.Fatal(err)
	}
	// peerB owns an independent counter.
	if _, err := s.SignAt(TagAptos, "peerB", testOwner, big.NewInt(1), 1); err != nil {
		t.Fatalf("peerB nonce 1: %v", err)
	}
}

func TestSigner_SignNext(t *testing.T) {
	s := newTestSigner(t)
	c1, err := s.SignNext(TagAptos, "peerA", testOwner, big.NewInt(10))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s.SignNext(TagAptos, "peerA", testOwner, big.NewInt(20))
	if err != nil {
		t.Fatal(err)
	}
	if c1.Nonce != 1 || c2.Nonce != 2 {
		t.Fatalf("SignNext nonces: got %d, %d", c1.Nonce, c2.Nonce)
	}
}

func TestSigner_SeedNonce(t *testing.T) {
	s := newTestSigner(t)
	s.SeedNonce(TagAptos, "peerA", 10)
	if _, err := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(1), 10); err == nil {
		t.Fatal("nonce at seeded value must fail")
	}
	c, err := s.SignNext(TagAptos, "peerA", testOwner, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if c.Nonce != 11 {
		t.Fatalf("nonce after seed 10: got %d want 11", c.Nonce)
	}
	// Seeding backwards is a no-op.
	s.SeedNonce(TagAptos, "peerA", 3)
	if got := s.LastNonce(TagAptos, "peerA"); got != 11 {
		t.Fatalf("LastNonce after backwards seed: got %d want 11", got)
	}
}

func TestSigner_SchemePerChainTag(t *testing.T) {
	priv, err := ethcrypto.HexToECDSA(testEVMKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSigner(
		NewEd25519Scheme(ed25519.NewKeyFromSeed(testSeed)),
		NewEVMScheme(priv),
	)

	aptos, err := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 1)
	if err != nil {
		t.Fatal(err)
	}
	evm, err := s.SignAt(TagEVM, "peerA", testOwner, big.NewInt(100), 1)
	if err != nil {
		t.Fatalf("evm channel must use its own nonce counter: %v", err)
	}

	if aptos.ChainTag != TagAptos || len(aptos.Signature) != ed25519.SignatureSize {
		t.Fatalf("aptos claim: tag=%s sig=%d bytes", aptos.ChainTag, len(aptos.Signature))
	}
	if evm.ChainTag != TagEVM || len(evm.Signature) != 65 {
		t.Fatalf("evm claim: tag=%s sig=%d bytes", evm.ChainTag, len(evm.Signature))
	}

	if _, err := s.SignAt("XRPL", "peerA", testOwner, big.NewInt(1), 1); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("unbound chain tag: want ErrUnknownChain, got %v", err)
	}
}

// ── verification ──────────────────────────────────────────────────────────────

func TestVerifier_AcceptsAndTracksLatest(t *testing.T) {
	s := newTestSigner(t)
	v := NewVerifier(NewEd25519Scheme(ed25519.NewKeyFromSeed(testSeed)))

	c1, _ := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 1)
	c2, _ := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(200), 2)

	if err := v.Accept("peerA", c1); err != nil {
		t.Fatalf("accept nonce 1: %v", err)
	}
	if err := v.Accept("peerA", c2); err != nil {
		t.Fatalf("accept nonce 2: %v", err)
	}
	if got := v.HighestNonce("peerA", testOwner); got != 2 {
		t.Fatalf("highest nonce: got %d want 2", got)
	}
}

func TestVerifier_RejectsStaleNonce(t *testing.T) {
	s := newTestSigner(t)
	v := NewVerifier(NewEd25519Scheme(ed25519.NewKeyFromSeed(testSeed)))

	c1, _ := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 1)
	c2, _ := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(200), 2)

	if err := v.Accept("peerA", c2); err != nil {
		t.Fatal(err)
	}
	if err := v.Accept("peerA", c1); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("want ErrStaleNonce, got %v", err)
	}
}

func TestVerifier_BadSignatureDoesNotMutate(t *testing.T) {
	s := newTestSigner(t)
	v := NewVerifier(NewEd25519Scheme(ed25519.NewKeyFromSeed(testSeed)))

	c, _ := s.SignAt(TagAptos, "peerA", testOwner, big.NewInt(100), 5)
	c.Signature[0] ^= 0xff
	if err := v.Accept("peerA", c); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
	if got := v.HighestNonce("peerA", testOwner); got != 0 {
		t.Fatalf("state mutated on bad signature: highest=%d", got)
	}
}

func TestVerifier_UnknownChainTag(t *testing.T) {
	v := NewVerifier()
	c := Claim{ChainTag: "XRPL", Amount: big.NewInt(1), Nonce: 1}
	if err := v.Accept("peerA", c); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("want ErrUnknownChain, got %v", err)
	}
}

// ── EVM family ────────────────────────────────────────────────────────────────

func TestEVMScheme_SignAndVerify(t *testing.T) {
	priv, err := ethcrypto.HexToECDSA(testEVMKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	scheme := NewEVMScheme(priv)
	s := NewSigner(scheme)

	owner := mustOwner(ethcrypto.PubkeyToAddress(priv.PublicKey).Bytes())
	c, err := s.SignAt(TagEVM, "peerA", owner, big.NewInt(1050), 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.ChainTag != TagEVM {
		t.Errorf("chain tag: got %s", c.ChainTag)
	}
	if len(c.Signature) != 65 || len(c.PublicKey) != 20 {
		t.Fatalf("sig %d bytes, pub %d bytes", len(c.Signature), len(c.PublicKey))
	}

	v := NewVerifier(scheme)
	if err := v.Accept("peerA", c); err != nil {
		t.Fatalf("verify evm claim: %v", err)
	}

	// Tampered amount fails recovery-address comparison.
	c2 := c
	c2.Amount = big.NewInt(9999)
	if err := v.Accept("peerA", c2); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered claim: want ErrBadSignature, got %v", err)
	}
}

package claim

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Scheme signs and verifies claim messages for one chain family.
type Scheme interface {
	Tag() string
	Sign(msg []byte) (sig, pubKey []byte, err error)
	Verify(msg, sig, pubKey []byte) bool
}

// Signer owns the outgoing nonce counters: one strictly increasing counter
// per (chainTag, peerID) channel for the signer's lifetime. No other
// component mutates them. It holds one scheme per chain family and signs
// each claim with the scheme matching its channel's chain tag.
type Signer struct {
	schemes map[string]Scheme

	mu   sync.Mutex
	last map[string]uint64 // chainTag/peerID -> last signed nonce
}

func NewSigner(schemes ...Scheme) *Signer {
	m := make(map[string]Scheme, len(schemes))
	for _, s := range schemes {
		m[s.Tag()] = s
	}
	return &Signer{schemes: m, last: make(map[string]uint64)}
}

func signerKey(chainTag, peerID string) string {
	return chainTag + "/" + peerID
}

// SeedNonce restores the counter for a channel from a persisted snapshot.
// Seeding never moves a counter backwards.
func (s *Signer) SeedNonce(chainTag, peerID string, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := signerKey(chainTag, peerID)
	if nonce > s.last[key] {
		s.last[key] = nonce
	}
}

// SignNext signs a claim at the next nonce for the peer's channel.
func (s *Signer) SignNext(chainTag, peerID string, owner [32]byte, amount *big.Int) (Claim, error) {
	s.mu.Lock()
	nonce := s.last[signerKey(chainTag, peerID)] + 1
	s.mu.Unlock()
	return s.SignAt(chainTag, peerID, owner, amount, nonce)
}

// SignAt signs a claim at an explicit nonce. The nonce must be strictly
// greater than the last nonce signed for this channel.
func (s *Signer) SignAt(chainTag, peerID string, owner [32]byte, amount *big.Int, nonce uint64) (Claim, error) {
	scheme, ok := s.schemes[chainTag]
	if !ok {
		return Claim{}, fmt.Errorf("%w: %s", ErrUnknownChain, chainTag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := signerKey(chainTag, peerID)
	if nonce <= s.last[key] {
		return Claim{}, fmt.Errorf("claim: nonce %d not above last signed nonce %d for channel %s",
			nonce, s.last[key], key)
	}
	msg, err := EncodeMessage(chainTag, owner, amount, nonce)
	if err != nil {
		return Claim{}, err
	}
	sig, pub, err := scheme.Sign(msg)
	if err != nil {
		return Claim{}, err
	}
	s.last[key] = nonce
	return Claim{
		ChainTag:     chainTag,
		ChannelOwner: owner,
		Amount:       new(big.Int).Set(amount),
		Nonce:        nonce,
		Signature:    sig,
		PublicKey:    pub,
	}, nil
}

// LastNonce returns the last signed nonce for a channel (0 if none).
func (s *Signer) LastNonce(chainTag, peerID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[signerKey(chainTag, peerID)]
}

// ── Aptos family: ed25519 over the raw message ────────────────────────────────

type Ed25519Scheme struct {
	priv ed25519.PrivateKey
}

func NewEd25519Scheme(priv ed25519.PrivateKey) *Ed25519Scheme {
	return &Ed25519Scheme{priv: priv}
}

func (e *Ed25519Scheme) Tag() string { return TagAptos }

func (e *Ed25519Scheme) Sign(msg []byte) ([]byte, []byte, error) {
	sig := ed25519.Sign(e.priv, msg)
	pub := e.priv.Public().(ed25519.PublicKey)
	return sig, []byte(pub), nil
}

func (e *Ed25519Scheme) Verify(msg, sig, pubKey []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

// ── EVM family: secp256k1 over the prefixed keccak digest ─────────────────────

// EVMScheme signs keccak256("\x19Ethereum Signed Message:\n" + len + msg)
// so the claim can be checked on-chain with ecrecover. The public identity
// is the 20-byte signer address.
type EVMScheme struct {
	priv *ecdsa.PrivateKey
}

func NewEVMScheme(priv *ecdsa.PrivateKey) *EVMScheme {
	return &EVMScheme{priv: priv}
}

func (e *EVMScheme) Tag() string { return TagEVM }

func evmDigest(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

func (e *EVMScheme) Sign(msg []byte) ([]byte, []byte, error) {
	sig, err := ethcrypto.Sign(evmDigest(msg), e.priv)
	if err != nil {
		return nil, nil, fmt.Errorf("claim: evm sign: %w", err)
	}
	// V as 27/28 for Solidity ecrecover.
	sig[64] += 27
	addr := ethcrypto.PubkeyToAddress(e.priv.PublicKey)
	return sig, addr.Bytes(), nil
}

func (e *EVMScheme) Verify(msg, sig, pubKey []byte) bool {
	if len(sig) != 65 || len(pubKey) != 20 {
		return false
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(evmDigest(msg), sigCopy)
	if err != nil {
		return false
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	return bytes.Equal(recovered.Bytes(), pubKey)
}

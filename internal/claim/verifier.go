package claim

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBadSignature = errors.New("claim: signature verification failed")
	ErrStaleNonce   = errors.New("claim: nonce not above highest received")
	ErrUnknownChain = errors.New("claim: no scheme for chain tag")
)

// Verifier checks incoming claims. It tracks the highest received nonce per
// (peerID, channelOwner) separately from any signer's own counter. Signature
// failures reject without mutating state.
type Verifier struct {
	schemes map[string]Scheme

	mu      sync.Mutex
	highest map[string]uint64 // peerID|ownerHex -> highest accepted nonce
}

func NewVerifier(schemes ...Scheme) *Verifier {
	m := make(map[string]Scheme, len(schemes))
	for _, s := range schemes {
		m[s.Tag()] = s
	}
	return &Verifier{schemes: m, highest: make(map[string]uint64)}
}

func verifierKey(peerID string, owner [32]byte) string {
	return peerID + "|" + hex.EncodeToString(owner[:])
}

// SeedNonce restores the highest received nonce from a persisted snapshot.
func (v *Verifier) SeedNonce(peerID string, owner [32]byte, nonce uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := verifierKey(peerID, owner)
	if nonce > v.highest[key] {
		v.highest[key] = nonce
	}
}

// Accept verifies c from peerID and, on success, advances the highest
// received nonce for that channel.
func (v *Verifier) Accept(peerID string, c Claim) error {
	scheme, ok := v.schemes[c.ChainTag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, c.ChainTag)
	}
	msg, err := EncodeMessage(c.ChainTag, c.ChannelOwner, c.Amount, c.Nonce)
	if err != nil {
		return err
	}
	if !scheme.Verify(msg, c.Signature, c.PublicKey) {
		return ErrBadSignature
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	key := verifierKey(peerID, c.ChannelOwner)
	if c.Nonce <= v.highest[key] {
		return fmt.Errorf("%w: got %d, highest %d", ErrStaleNonce, c.Nonce, v.highest[key])
	}
	v.highest[key] = c.Nonce
	return nil
}

// HighestNonce returns the highest accepted nonce for a channel (0 if none).
func (v *Verifier) HighestNonce(peerID string, owner [32]byte) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.highest[verifierKey(peerID, owner)]
}

// Package claim implements signed channel claims: the deterministic message
// encoding, per-channel nonce ownership, and the signature schemes of the
// supported chain families.
package claim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Chain family tags.
const (
	TagAptos = "APTOS"
	TagEVM   = "EVM"
)

// Claim is a signed assertion of the cumulative amount owed on one channel
// at a given nonce.
type Claim struct {
	ChainTag     string   `json:"chain_tag"`
	ChannelOwner [32]byte `json:"channel_owner"`
	Amount       *big.Int `json:"amount"`
	Nonce        uint64   `json:"nonce"`
	Signature    []byte   `json:"signature"`
	// PublicKey identifies the signer: 32-byte ed25519 key for the Aptos
	// family, 20-byte address for the EVM family.
	PublicKey []byte `json:"public_key"`
}

var ErrAmountOverflow = errors.New("claim: amount does not fit in u64")

// EncodeMessage builds the byte string that is signed for a claim.
//
// Layout: ASCII("CLAIM_" || tag) || channelOwner (32 B) || amount (u64 LE)
// || nonce (u64 LE). The prefix is the domain separator that prevents
// cross-protocol and cross-family signature reuse.
func EncodeMessage(chainTag string, owner [32]byte, amount *big.Int, nonce uint64) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 || !amount.IsUint64() {
		return nil, ErrAmountOverflow
	}
	prefix := "CLAIM_" + chainTag
	msg := make([]byte, 0, len(prefix)+32+8+8)
	msg = append(msg, prefix...)
	msg = append(msg, owner[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, amount.Uint64())
	msg = binary.LittleEndian.AppendUint64(msg, nonce)
	return msg, nil
}

// OwnerFromBytes left-pads b into the 32-byte big-endian channel-owner slot.
// EVM addresses (20 bytes) occupy the low-order end of the slot.
func OwnerFromBytes(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) > 32 {
		return out, fmt.Errorf("claim: owner is %d bytes, max 32", len(b))
	}
	copy(out[32-len(b):], b)
	return out, nil
}

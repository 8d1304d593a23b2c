// Package chainadapter defines the contract between the settlement worker
// and chain-specific clients. Adapters are external collaborators: the core
// treats them as fallible and asynchronous, and never constructs chain
// transactions itself.
package chainadapter

import (
	"context"
	"math/big"

	"github.com/agentfabric/agent-fabric/internal/claim"
)

// SubmitStatus is the outcome of a claim submission.
type SubmitStatus uint8

const (
	StatusOK SubmitStatus = iota
	// StatusAlreadyApplied means the chain has seen this nonce or a later
	// one; submission is idempotent, so the caller treats this as success.
	StatusAlreadyApplied
	StatusChainError
)

func (s SubmitStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAlreadyApplied:
		return "ALREADY_APPLIED"
	case StatusChainError:
		return "CHAIN_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ChannelState is the on-chain view of a channel.
type ChannelState struct {
	Deposit  *big.Int
	Redeemed *big.Int
	Nonce    uint64
}

// Adapter submits claims and reads channel state for one chain family.
type Adapter interface {
	ChainTag() string
	SubmitClaim(ctx context.Context, c claim.Claim) (SubmitStatus, error)
	CurrentChannelState(ctx context.Context, channelOwner [32]byte) (ChannelState, error)
	Health(ctx context.Context) bool
}

package chainadapter

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/agentfabric/agent-fabric/internal/claim"
)

var ErrUnknownChannel = errors.New("chainadapter: unknown channel")

// Memory is an in-process adapter used in dev environments and tests. It
// enforces the same nonce idempotence a channel contract would.
type Memory struct {
	tag    string
	scheme claim.Scheme

	mu       sync.Mutex
	channels map[[32]byte]*ChannelState
	failures int // pending forced failures, for tests
}

func NewMemory(tag string, scheme claim.Scheme) *Memory {
	return &Memory{tag: tag, scheme: scheme, channels: make(map[[32]byte]*ChannelState)}
}

func (m *Memory) ChainTag() string { return m.tag }

// Fund creates or tops up a channel deposit.
func (m *Memory) Fund(owner [32]byte, deposit *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[owner]
	if !ok {
		st = &ChannelState{Deposit: new(big.Int), Redeemed: new(big.Int)}
		m.channels[owner] = st
	}
	st.Deposit.Add(st.Deposit, deposit)
}

// FailNext makes the next n submissions return StatusChainError.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *Memory) SubmitClaim(ctx context.Context, c claim.Claim) (SubmitStatus, error) {
	if err := ctx.Err(); err != nil {
		return StatusChainError, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return StatusChainError, errors.New("chainadapter: simulated chain error")
	}

	st, ok := m.channels[c.ChannelOwner]
	if !ok {
		return StatusChainError, ErrUnknownChannel
	}
	if c.Nonce <= st.Nonce {
		return StatusAlreadyApplied, nil
	}
	if m.scheme != nil {
		msg, err := claim.EncodeMessage(c.ChainTag, c.ChannelOwner, c.Amount, c.Nonce)
		if err != nil {
			return StatusChainError, err
		}
		if !m.scheme.Verify(msg, c.Signature, c.PublicKey) {
			return StatusChainError, errors.New("chainadapter: bad claim signature")
		}
	}

	st.Nonce = c.Nonce
	st.Redeemed.Set(c.Amount)
	return StatusOK, nil
}

func (m *Memory) CurrentChannelState(ctx context.Context, owner [32]byte) (ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[owner]
	if !ok {
		return ChannelState{}, ErrUnknownChannel
	}
	return ChannelState{
		Deposit:  new(big.Int).Set(st.Deposit),
		Redeemed: new(big.Int).Set(st.Redeemed),
		Nonce:    st.Nonce,
	}, nil
}

func (m *Memory) Health(context.Context) bool { return true }

// Package ledger tracks per-peer, per-chain off-chain channel balances and
// triggers settlement when the accumulated owed amount crosses the threshold.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/claim"
)

// Key identifies one channel.
type Key struct {
	PeerID   string
	ChainTag string
}

func (k Key) String() string { return k.PeerID + "/" + k.ChainTag }

// Task asks the settlement worker to settle one channel.
type Task struct {
	Key Key
}

var (
	ErrNoChannel         = errors.New("ledger: no channel for peer/chain")
	ErrInsufficientCapacity = errors.New("ledger: amount exceeds channel deposit")
	ErrClaimRegression   = errors.New("ledger: claim amount below accepted amount")
)

// entry is the mutable channel state. All fields are guarded by mu; threshold
// evaluation happens inside the same critical section as the increment so a
// concurrent Prepare cannot observe a half-applied balance.
type entry struct {
	mu sync.Mutex

	owner                [32]byte
	deposit              *big.Int
	owedToPeer           *big.Int
	owedFromPeer         *big.Int
	reserved             *big.Int // held by in-flight forwards, not yet owed
	nonce                uint64
	lastSignedClaim      *claim.Claim
	highestReceivedNonce uint64
	settlementPending    bool
}

// EntrySnapshot is the persisted form of a channel entry, also served by the
// admin surface.
type EntrySnapshot struct {
	PeerID               string   `json:"peer_id"`
	ChainTag             string   `json:"chain_tag"`
	Owner                [32]byte `json:"owner"`
	Deposit              *big.Int `json:"deposit"`
	OwedToPeer           *big.Int `json:"owed_to_peer"`
	OwedFromPeer         *big.Int `json:"owed_from_peer"`
	Nonce                uint64   `json:"nonce"`
	HighestReceivedNonce uint64   `json:"highest_received_nonce"`
	SettlementPending    bool     `json:"settlement_pending"`
}

// Ledger owns all channel entries. Entries use fine-grained per-channel
// locks; distinct channels mutate in parallel.
type Ledger struct {
	threshold *big.Int
	signer    *claim.Signer
	verifier  *claim.Verifier
	store     Store
	enqueue   func(Task)
	log       *zap.Logger

	mu      sync.RWMutex
	entries map[Key]*entry
}

// New creates a ledger. enqueue receives settlement tasks and must not block.
func New(threshold *big.Int, signer *claim.Signer, verifier *claim.Verifier, store Store, enqueue func(Task), log *zap.Logger) *Ledger {
	return &Ledger{
		threshold: threshold,
		signer:    signer,
		verifier:  verifier,
		store:     store,
		enqueue:   enqueue,
		log:       log,
		entries:   make(map[Key]*entry),
	}
}

// OpenChannel registers a channel with its on-chain deposit and owner account.
// Opening an existing channel updates the deposit only.
func (l *Ledger) OpenChannel(key Key, owner [32]byte, deposit *big.Int) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{
			owner:        owner,
			deposit:      new(big.Int).Set(deposit),
			owedToPeer:   new(big.Int),
			owedFromPeer: new(big.Int),
			reserved:     new(big.Int),
		}
		l.entries[key] = e
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	e.mu.Lock()
	e.deposit.Set(deposit)
	e.mu.Unlock()
}

func (l *Ledger) get(key Key) (*entry, bool) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	return e, ok
}

// Reserve holds capacity for an in-flight forward. Admission counts the owed
// balance plus every outstanding reservation, so concurrent forwards cannot
// overcommit the deposit. The forwarder releases the reservation through
// OnForwardRejected or converts it through OnForwardAccepted.
func (l *Ledger) Reserve(key Key, amount uint64) error {
	e, ok := l.get(key)
	if !ok {
		return ErrNoChannel
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	amt := new(big.Int).SetUint64(amount)
	next := new(big.Int).Add(e.owedToPeer, e.reserved)
	next.Add(next, amt)
	if next.Cmp(e.deposit) > 0 {
		return ErrInsufficientCapacity
	}
	e.reserved.Add(e.reserved, amt)
	return nil
}

// OnForwardAccepted records a relayed Fulfill: owedToPeer += amount, then the
// threshold is evaluated under the same lock. Crossing the threshold enqueues
// one settlement task; further crossings are suppressed while a settlement is
// pending.
func (l *Ledger) OnForwardAccepted(ctx context.Context, key Key, amount uint64) error {
	e, ok := l.get(key)
	if !ok {
		return ErrNoChannel
	}

	amt := new(big.Int).SetUint64(amount)
	e.mu.Lock()
	e.reserved.Sub(e.reserved, amt)
	if e.reserved.Sign() < 0 {
		e.reserved.SetInt64(0)
	}
	e.owedToPeer.Add(e.owedToPeer, amt)
	trigger := !e.settlementPending && e.owedToPeer.Cmp(l.threshold) >= 0
	if trigger {
		e.settlementPending = true
	}
	snap := l.snapshotLocked(key, e)
	e.mu.Unlock()

	if trigger {
		if err := l.store.MarkSettlementPending(ctx, key); err != nil {
			l.log.Warn("mark settlement pending", zap.String("channel", key.String()), zap.Error(err))
		}
		l.enqueue(Task{Key: key})
		l.log.Info("settlement threshold crossed",
			zap.String("channel", key.String()),
			zap.String("owed", snap.OwedToPeer.String()),
		)
	}
	return nil
}

// OnForwardRejected releases the reservation of a forward that resolved
// without a valid Fulfill. The owed balance is untouched.
func (l *Ledger) OnForwardRejected(key Key, amount uint64) {
	e, ok := l.get(key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved.Sub(e.reserved, new(big.Int).SetUint64(amount))
	if e.reserved.Sign() < 0 {
		e.reserved.SetInt64(0)
	}
}

// OnSettlementSucceeded reduces the owed balance by the settled amount,
// clears the pending flag, and persists a snapshot.
func (l *Ledger) OnSettlementSucceeded(ctx context.Context, key Key, settled *big.Int, nonce uint64) error {
	e, ok := l.get(key)
	if !ok {
		return ErrNoChannel
	}

	e.mu.Lock()
	e.owedToPeer.Sub(e.owedToPeer, settled)
	if e.owedToPeer.Sign() < 0 {
		e.owedToPeer.SetInt64(0)
	}
	e.settlementPending = false
	snap := l.snapshotLocked(key, e)
	e.mu.Unlock()

	if err := l.store.ClearSettlementPending(ctx, key); err != nil {
		l.log.Warn("clear settlement pending", zap.String("channel", key.String()), zap.Error(err))
	}
	if err := l.store.SaveEntry(ctx, snap); err != nil {
		l.log.Warn("persist snapshot", zap.String("channel", key.String()), zap.Error(err))
	}
	l.log.Info("settlement applied",
		zap.String("channel", key.String()),
		zap.String("settled", settled.String()),
		zap.Uint64("nonce", nonce),
	)
	return nil
}

// OnSettlementFailed clears the pending flag so the worker's retry can
// re-trigger; the owed balance is untouched.
func (l *Ledger) OnSettlementFailed(ctx context.Context, key Key) {
	e, ok := l.get(key)
	if !ok {
		return
	}
	e.mu.Lock()
	e.settlementPending = false
	e.mu.Unlock()

	if err := l.store.ClearSettlementPending(ctx, key); err != nil {
		l.log.Warn("clear settlement pending", zap.String("channel", key.String()), zap.Error(err))
	}
}

// SignOutgoingClaim produces a claim over the current owedToPeer at the next
// nonce. The signer owns the nonce counter; the entry mirrors it for
// snapshots.
func (l *Ledger) SignOutgoingClaim(ctx context.Context, key Key) (claim.Claim, error) {
	e, ok := l.get(key)
	if !ok {
		return claim.Claim{}, ErrNoChannel
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := l.signer.SignNext(key.ChainTag, key.PeerID, e.owner, e.owedToPeer)
	if err != nil {
		return claim.Claim{}, fmt.Errorf("sign claim for %s: %w", key, err)
	}
	e.nonce = c.Nonce
	e.lastSignedClaim = &c

	snap := l.snapshotLocked(key, e)
	if err := l.store.SaveEntry(ctx, snap); err != nil {
		l.log.Warn("persist snapshot after sign", zap.String("channel", key.String()), zap.Error(err))
	}
	return c, nil
}

// LastSignedClaim returns the most recent outgoing claim, if any.
func (l *Ledger) LastSignedClaim(key Key) (claim.Claim, bool) {
	e, ok := l.get(key)
	if !ok {
		return claim.Claim{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSignedClaim == nil {
		return claim.Claim{}, false
	}
	return *e.lastSignedClaim, true
}

// AcceptIncomingClaim verifies a claim from the peer and advances the
// accepted balance. The claim amount is cumulative and must not regress.
// Snapshots persist on every accepted claim.
func (l *Ledger) AcceptIncomingClaim(ctx context.Context, key Key, c claim.Claim) error {
	e, ok := l.get(key)
	if !ok {
		return ErrNoChannel
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if c.Amount.Cmp(e.owedFromPeer) < 0 {
		return fmt.Errorf("%w: claim %s below accepted %s",
			ErrClaimRegression, c.Amount, e.owedFromPeer)
	}
	// Signature and nonce monotonicity; no state mutated on failure.
	if err := l.verifier.Accept(key.PeerID, c); err != nil {
		return err
	}

	e.owedFromPeer.Set(c.Amount)
	e.highestReceivedNonce = c.Nonce

	snap := l.snapshotLocked(key, e)
	if err := l.store.SaveEntry(ctx, snap); err != nil {
		l.log.Warn("persist snapshot after claim", zap.String("channel", key.String()), zap.Error(err))
	}
	return nil
}

// Snapshot returns the current state of one channel.
func (l *Ledger) Snapshot(key Key) (EntrySnapshot, bool) {
	e, ok := l.get(key)
	if !ok {
		return EntrySnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.snapshotLocked(key, e), true
}

// Snapshots returns the state of every channel, for the admin surface and
// the periodic snapshot writer.
func (l *Ledger) Snapshots() []EntrySnapshot {
	l.mu.RLock()
	keys := make([]Key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	out := make([]EntrySnapshot, 0, len(keys))
	for _, k := range keys {
		if snap, ok := l.Snapshot(k); ok {
			out = append(out, snap)
		}
	}
	return out
}

// PersistAll writes a snapshot of every channel, used by the periodic
// snapshot loop and the shutdown flush.
func (l *Ledger) PersistAll(ctx context.Context) {
	for _, snap := range l.Snapshots() {
		if err := l.store.SaveEntry(ctx, snap); err != nil {
			l.log.Warn("persist snapshot",
				zap.String("peer", snap.PeerID),
				zap.String("chain", snap.ChainTag),
				zap.Error(err),
			)
		}
	}
}

// Restore loads persisted entries and re-enqueues any settlement that was
// pending at crash time. Claim submission is idempotent at the chain level
// by nonce, so retrying an unknown in-flight settlement is safe.
func (l *Ledger) Restore(ctx context.Context) error {
	snaps, err := l.store.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("load ledger snapshots: %w", err)
	}
	for _, s := range snaps {
		key := Key{PeerID: s.PeerID, ChainTag: s.ChainTag}
		l.mu.Lock()
		l.entries[key] = &entry{
			owner:                s.Owner,
			deposit:              orZero(s.Deposit),
			owedToPeer:           orZero(s.OwedToPeer),
			owedFromPeer:         orZero(s.OwedFromPeer),
			reserved:             new(big.Int),
			nonce:                s.Nonce,
			highestReceivedNonce: s.HighestReceivedNonce,
		}
		l.mu.Unlock()
		l.signer.SeedNonce(s.ChainTag, s.PeerID, s.Nonce)
		l.verifier.SeedNonce(s.PeerID, s.Owner, s.HighestReceivedNonce)
	}

	pending, err := l.store.PendingSettlements(ctx)
	if err != nil {
		return fmt.Errorf("load pending settlements: %w", err)
	}
	for _, key := range pending {
		e, ok := l.get(key)
		if !ok {
			continue
		}
		e.mu.Lock()
		e.settlementPending = true
		e.mu.Unlock()
		l.enqueue(Task{Key: key})
		l.log.Info("recovered pending settlement", zap.String("channel", key.String()))
	}
	return nil
}

func (l *Ledger) snapshotLocked(key Key, e *entry) EntrySnapshot {
	return EntrySnapshot{
		PeerID:               key.PeerID,
		ChainTag:             key.ChainTag,
		Owner:                e.owner,
		Deposit:              new(big.Int).Set(e.deposit),
		OwedToPeer:           new(big.Int).Set(e.owedToPeer),
		OwedFromPeer:         new(big.Int).Set(e.owedFromPeer),
		Nonce:                e.nonce,
		HighestReceivedNonce: e.highestReceivedNonce,
		SettlementPending:    e.settlementPending,
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

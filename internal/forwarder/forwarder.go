// Package forwarder runs the per-Prepare state machine: route lookup,
// capacity admission, downstream relay, and exactly-one-response resolution.
package forwarder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
	"github.com/agentfabric/agent-fabric/internal/ledger"
	"github.com/agentfabric/agent-fabric/internal/metrics"
	"github.com/agentfabric/agent-fabric/internal/peer"
	"github.com/agentfabric/agent-fabric/internal/wire"
)

// Sender delivers a frame to an open peer session.
type Sender interface {
	Send(peerID string, f wire.Frame) error
}

// Router resolves a destination address to a next-hop peer.
type Router interface {
	Lookup(addr ilpaddr.Address) (nextHop string, ok bool)
}

// Meter is the channel-ledger admission surface. Reserve holds capacity for
// the duration of the forward; OnForwardAccepted converts the reservation
// into owed balance, OnForwardRejected releases it.
type Meter interface {
	Reserve(key ledger.Key, amount uint64) error
	OnForwardAccepted(ctx context.Context, key ledger.Key, amount uint64) error
	OnForwardRejected(key ledger.Key, amount uint64)
}

// Payment is a locally terminated transfer handed to the payload handler.
type Payment struct {
	PaymentID   string
	Amount      uint64
	Destination ilpaddr.Address
	Payload     []byte
}

// HandlerResult is the payload handler's verdict on a local payment.
type HandlerResult struct {
	Accept          bool
	Code            wire.Code
	Message         string
	ResponsePayload []byte
}

// LocalHandler decides local payments. Implementations must map their own
// failures to transport errors; a returned error becomes a T00 Reject.
type LocalHandler interface {
	Handle(ctx context.Context, p Payment) (HandlerResult, error)
}

// Config carries the forwarding policy knobs.
type Config struct {
	// LocalPrefix is this node's own address. Prepares destined at or under
	// it terminate here instead of being forwarded.
	LocalPrefix ilpaddr.Address
	// ChainTag maps a next-hop peer to its settlement chain. Peers without a
	// chain binding forward unmetered.
	ChainTag func(peerID string) (string, bool)
}

// Forwarder owns the in-flight table. One goroutine per Prepare carries the
// transfer from admission to resolution.
type Forwarder struct {
	cfg     Config
	sender  Sender
	router  Router
	meter   Meter
	handler LocalHandler
	met     *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	pending map[pendKey][]*inFlight

	draining atomic.Bool
	wg       sync.WaitGroup
}

// pendKey correlates downstream responses: a Fulfill or Reject carries only
// the condition, attributed to the session it arrived on.
type pendKey struct {
	destPeer  string
	condition [32]byte
}

type outcomeKind int

const (
	outcomeFulfill outcomeKind = iota
	outcomeReject
	outcomeTimeout
	outcomeDisconnect
	outcomeShutdown
)

type outcome struct {
	kind    outcomeKind
	fulfill *wire.Fulfill
	reject  *wire.Reject
}

// inFlight is one forwarded Prepare awaiting its downstream resolution.
// Duplicate Prepares with the same (peer, condition, amount) attach as
// extra waiters instead of forwarding again.
type inFlight struct {
	id       string
	destPeer string
	amount   uint64
	result   chan outcome // buffered 1, at most one push wins
	waiters  []func(wire.Frame)
}

func New(cfg Config, sender Sender, router Router, meter Meter, handler LocalHandler, met *metrics.Metrics, log *zap.Logger) *Forwarder {
	return &Forwarder{
		cfg:     cfg,
		sender:  sender,
		router:  router,
		meter:   meter,
		handler: handler,
		met:     met,
		log:     log,
		pending: make(map[pendKey][]*inFlight),
	}
}

// HandleFrame is the peer manager's inbound sink. Prepares get their own
// goroutine; Fulfills and Rejects resolve a pending transfer.
func (f *Forwarder) HandleFrame(peerID string, fr wire.Frame) {
	switch v := fr.(type) {
	case *wire.Prepare:
		f.met.IncReceived("prepare")
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.process(context.Background(), f.peerResponder(peerID), v)
		}()
	case *wire.Fulfill:
		f.met.IncReceived("fulfill")
		f.resolve(peerID, v.Condition, outcome{kind: outcomeFulfill, fulfill: v})
	case *wire.Reject:
		f.met.IncReceived("reject")
		f.resolve(peerID, v.Condition, outcome{kind: outcomeReject, reject: v})
	default:
		f.log.Warn("unexpected frame from peer", zap.String("peer", peerID))
	}
}

// HandlePrepareSync runs a Prepare injected outside a peer session (the HTTP
// packet shim) and returns the resolving Fulfill or Reject.
func (f *Forwarder) HandlePrepareSync(ctx context.Context, p *wire.Prepare) wire.Frame {
	f.met.IncReceived("prepare")
	ch := make(chan wire.Frame, 1)
	f.wg.Add(1)
	func() {
		defer f.wg.Done()
		f.process(ctx, func(out wire.Frame) { ch <- out }, p)
	}()
	return <-ch
}

// OnPeerDisconnected fails every in-flight transfer forwarded to peerID.
func (f *Forwarder) OnPeerDisconnected(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pk, list := range f.pending {
		if pk.destPeer != peerID {
			continue
		}
		for _, e := range list {
			e.offer(outcome{kind: outcomeDisconnect})
		}
	}
}

// Shutdown stops admitting new Prepares and drains in-flight ones. Transfers
// still unresolved when ctx expires receive a shutting-down Reject.
func (f *Forwarder) Shutdown(ctx context.Context) {
	f.draining.Store(true)

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	f.mu.Lock()
	for _, list := range f.pending {
		for _, e := range list {
			e.offer(outcome{kind: outcomeShutdown})
		}
	}
	f.mu.Unlock()
	<-done
}

// InFlightCount reports transfers currently awaiting downstream resolution.
func (f *Forwarder) InFlightCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, list := range f.pending {
		n += len(list)
	}
	return n
}

func (f *Forwarder) peerResponder(peerID string) func(wire.Frame) {
	return func(out wire.Frame) {
		if err := f.sender.Send(peerID, out); err != nil {
			f.log.Warn("response delivery failed",
				zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// process carries one Prepare from admission to its single response.
func (f *Forwarder) process(ctx context.Context, respond func(wire.Frame), p *wire.Prepare) {
	if f.draining.Load() {
		f.respondReject(respond, p.Condition, wire.CodeShuttingDown, "node shutting down")
		return
	}
	if p.Expired(time.Now()) {
		f.respondReject(respond, p.Condition, wire.CodeExpired, "prepare already expired")
		return
	}
	if f.cfg.LocalPrefix != "" && f.cfg.LocalPrefix.IsPrefixOf(p.Destination) {
		f.terminate(ctx, respond, p)
		return
	}

	nextHop, ok := f.router.Lookup(p.Destination)
	if !ok {
		f.respondReject(respond, p.Condition, wire.CodeNoRoute, "no route to destination")
		return
	}

	var key ledger.Key
	metered := false
	if f.cfg.ChainTag != nil {
		if tag, bound := f.cfg.ChainTag(nextHop); bound {
			key = ledger.Key{PeerID: nextHop, ChainTag: tag}
			switch err := f.meter.Reserve(key, p.Amount); err {
			case nil:
				metered = true
			case ledger.ErrNoChannel:
				// Chain bound but no channel opened yet: pass unmetered.
				f.log.Debug("no channel for metered peer", zap.String("peer", nextHop))
			default:
				f.respondReject(respond, p.Condition, wire.CodeInsufficientCap, "insufficient channel capacity")
				return
			}
		}
	}

	e, owner := f.admit(nextHop, p.Condition, p.Amount, respond)
	if !owner {
		// Attached to an identical in-flight transfer; its owner carries the
		// reservation and responds for both.
		if metered {
			f.meter.OnForwardRejected(key, p.Amount)
		}
		return
	}
	f.met.AddInFlight(1)
	defer f.met.AddInFlight(-1)

	if err := f.sender.Send(nextHop, p); err != nil {
		f.detach(nextHop, p.Condition, e)
		if metered {
			f.meter.OnForwardRejected(key, p.Amount)
		}
		code, msg := wire.CodeInternal, "egress queue full"
		if errors.Is(err, peer.ErrNotConnected) {
			code, msg = wire.CodePeerDisconnected, "next hop not connected"
		}
		f.respondReject(respond, p.Condition, code, msg)
		return
	}
	f.met.IncForwarded()

	timer := time.NewTimer(time.Until(p.ExpiresAt))
	defer timer.Stop()

	var out outcome
	select {
	case out = <-e.result:
	case <-timer.C:
		out = outcome{kind: outcomeTimeout}
	}
	f.finalize(ctx, p, e, nextHop, key, metered, out)
}

// admit registers an in-flight entry, or attaches respond as a waiter when an
// identical transfer is already outstanding.
func (f *Forwarder) admit(destPeer string, condition [32]byte, amount uint64, respond func(wire.Frame)) (*inFlight, bool) {
	pk := pendKey{destPeer: destPeer, condition: condition}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.pending[pk] {
		if e.amount == amount {
			e.waiters = append(e.waiters, respond)
			return e, false
		}
	}
	e := &inFlight{
		id:       uuid.NewString(),
		destPeer: destPeer,
		amount:   amount,
		result:   make(chan outcome, 1),
		waiters:  []func(wire.Frame){respond},
	}
	f.pending[pk] = append(f.pending[pk], e)
	return e, true
}

// detach removes an entry that never made it downstream.
func (f *Forwarder) detach(destPeer string, condition [32]byte, e *inFlight) {
	pk := pendKey{destPeer: destPeer, condition: condition}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(pk, e)
}

func (f *Forwarder) removeLocked(pk pendKey, e *inFlight) {
	list := f.pending[pk]
	for i, cand := range list {
		if cand == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.pending, pk)
	} else {
		f.pending[pk] = list
	}
}

// resolve routes a downstream response to the oldest in-flight transfer that
// has not already taken an outcome. Responses with no match (late Fulfills
// after expiry, duplicates) are discarded without touching the ledger.
func (f *Forwarder) resolve(peerID string, condition [32]byte, out outcome) {
	pk := pendKey{destPeer: peerID, condition: condition}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.pending[pk] {
		if e.offer(out) {
			return
		}
	}
	f.log.Debug("discarding unmatched response",
		zap.String("peer", peerID), zap.Int("kind", int(out.kind)))
}

// offer delivers the outcome unless one was already taken.
func (e *inFlight) offer(out outcome) bool {
	select {
	case e.result <- out:
		return true
	default:
		return false
	}
}

// finalize translates the downstream outcome into exactly one response per
// waiter, updating the ledger before a valid Fulfill is relayed.
func (f *Forwarder) finalize(ctx context.Context, p *wire.Prepare, e *inFlight, nextHop string, key ledger.Key, metered bool, out outcome) {
	pk := pendKey{destPeer: nextHop, condition: p.Condition}
	f.mu.Lock()
	f.removeLocked(pk, e)
	waiters := e.waiters
	f.mu.Unlock()

	if out.kind == outcomeFulfill && wire.VerifyFulfillment(p.Condition, out.fulfill.Fulfillment) {
		if metered {
			if err := f.meter.OnForwardAccepted(ctx, key, p.Amount); err != nil {
				f.log.Error("ledger update failed on fulfill",
					zap.String("peer", nextHop), zap.Error(err))
			}
		}
		f.met.IncFulfill()
		for _, w := range waiters {
			w(out.fulfill)
		}
		return
	}

	// Anything but a valid Fulfill releases the reservation.
	if metered {
		f.meter.OnForwardRejected(key, p.Amount)
	}
	switch out.kind {
	case outcomeFulfill:
		f.log.Warn("downstream fulfillment does not match condition",
			zap.String("peer", nextHop), zap.String("transfer", e.id))
		f.fanoutReject(waiters, p.Condition, wire.CodeConditionMismatch, "fulfillment mismatch from next hop")
	case outcomeReject:
		f.met.IncReject(string(out.reject.Code[:]))
		for _, w := range waiters {
			w(out.reject)
		}
	case outcomeTimeout:
		f.fanoutReject(waiters, p.Condition, wire.CodeDownstreamTimeout, "no response from next hop")
	case outcomeDisconnect:
		f.fanoutReject(waiters, p.Condition, wire.CodePeerDisconnected, "next hop disconnected")
	case outcomeShutdown:
		f.fanoutReject(waiters, p.Condition, wire.CodeShuttingDown, "node shutting down")
	}
}

// terminate delivers a Prepare addressed to this node to the local handler
// and answers with the derived fulfillment or the handler's rejection. The
// handler always sees the payment; the condition check happens only when it
// accepts, since a rejection needs no fulfillment.
func (f *Forwarder) terminate(ctx context.Context, respond func(wire.Frame), p *wire.Prepare) {
	if f.handler == nil {
		f.respondReject(respond, p.Condition, wire.CodeFinal, "no local handler configured")
		return
	}

	res, err := f.handler.Handle(ctx, Payment{
		PaymentID:   uuid.NewString(),
		Amount:      p.Amount,
		Destination: p.Destination,
		Payload:     p.Payload,
	})
	if err != nil {
		f.log.Warn("local handler failed", zap.Error(err))
		f.respondReject(respond, p.Condition, wire.CodeInternal, "handler unavailable")
		return
	}
	if !res.Accept {
		code := res.Code
		if !code.Valid() {
			code = wire.CodeHandlerReject
		}
		f.respondReject(respond, p.Condition, code, res.Message)
		return
	}

	fulfillment := wire.FulfillmentFromPayload(p.Payload)
	if wire.ConditionFromFulfillment(fulfillment) != p.Condition {
		f.respondReject(respond, p.Condition, wire.CodeConditionMismatch, "condition does not commit to payload")
		return
	}

	f.met.IncFulfill()
	respond(&wire.Fulfill{
		Condition:   p.Condition,
		Fulfillment: fulfillment,
		Payload:     res.ResponsePayload,
	})
}

func (f *Forwarder) respondReject(respond func(wire.Frame), condition [32]byte, code wire.Code, msg string) {
	f.met.IncReject(string(code[:]))
	respond(&wire.Reject{Condition: condition, Code: code, Message: msg})
}

func (f *Forwarder) fanoutReject(waiters []func(wire.Frame), condition [32]byte, code wire.Code, msg string) {
	f.met.IncReject(string(code[:]))
	for _, w := range waiters {
		w(&wire.Reject{Condition: condition, Code: code, Message: msg})
	}
}

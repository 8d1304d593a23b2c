package forwarder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
	"github.com/agentfabric/agent-fabric/internal/ledger"
	"github.com/agentfabric/agent-fabric/internal/peer"
	"github.com/agentfabric/agent-fabric/internal/routing"
	"github.com/agentfabric/agent-fabric/internal/wire"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]wire.Frame
	err  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[string][]wire.Frame{}}
}

func (s *fakeSender) Send(peerID string, f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent[peerID] = append(s.sent[peerID], f)
	return nil
}

func (s *fakeSender) countTo(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[peerID])
}

type fakeMeter struct {
	mu       sync.Mutex
	capErr   error
	accepted []uint64
	reserved uint64
	released uint64
}

func (m *fakeMeter) Reserve(_ ledger.Key, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capErr != nil {
		return m.capErr
	}
	m.reserved += amount
	return nil
}

func (m *fakeMeter) OnForwardAccepted(_ context.Context, _ ledger.Key, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = append(m.accepted, amount)
	return nil
}

func (m *fakeMeter) OnForwardRejected(_ ledger.Key, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released += amount
}

func (m *fakeMeter) acceptedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accepted)
}

// outstanding is the reserved capacity neither converted to owed balance nor
// released. It must be zero once every forward has resolved.
func (m *fakeMeter) outstanding() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.reserved - m.released
	for _, a := range m.accepted {
		out -= a
	}
	return out
}

type fakeHandler struct {
	mu     sync.Mutex
	calls  int
	result HandlerResult
	err    error
}

func (h *fakeHandler) Handle(context.Context, Payment) (HandlerResult, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.result, h.err
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// ── fixture ───────────────────────────────────────────────────────────────────

type fixture struct {
	fwd    *Forwarder
	sender *fakeSender
	meter  *fakeMeter
}

func newFixture(t *testing.T, handler LocalHandler) *fixture {
	t.Helper()
	table := routing.NewTable()
	table.Insert(ilpaddr.MustParse("g.downstream"), "peer-b", 0)
	sender := newFakeSender()
	meter := &fakeMeter{}
	fwd := New(Config{
		LocalPrefix: ilpaddr.MustParse("g.node"),
		ChainTag: func(peerID string) (string, bool) {
			return "APTOS", peerID == "peer-b"
		},
	}, sender, table, meter, handler, nil, zap.NewNop())
	return &fixture{fwd: fwd, sender: sender, meter: meter}
}

func testPrepare(dest string, amount uint64, ttl time.Duration) *wire.Prepare {
	payload := []byte("invoke:" + dest)
	return &wire.Prepare{
		Amount:      amount,
		ExpiresAt:   time.Now().Add(ttl),
		Condition:   wire.ConditionFromPayload(payload),
		Destination: ilpaddr.MustParse(dest),
		Payload:     payload,
	}
}

func wantReject(t *testing.T, f wire.Frame, code wire.Code) *wire.Reject {
	t.Helper()
	r, ok := f.(*wire.Reject)
	if !ok {
		t.Fatalf("want Reject, got %T", f)
	}
	if r.Code != code {
		t.Fatalf("reject code = %s, want %s", r.Code[:], code[:])
	}
	return r
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// resolveAsync feeds the downstream response once the Prepare has gone out.
func (fx *fixture) resolveAsync(t *testing.T, peerID string, respond func(p *wire.Prepare) wire.Frame) {
	t.Helper()
	go func() {
		deadline := time.After(3 * time.Second)
		for fx.sender.countTo(peerID) == 0 {
			select {
			case <-deadline:
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
		fx.sender.mu.Lock()
		p := fx.sender.sent[peerID][0].(*wire.Prepare)
		fx.sender.mu.Unlock()
		fx.fwd.HandleFrame(peerID, respond(p))
	}()
}

// ── admission rejects ─────────────────────────────────────────────────────────

func TestPrepare_AlreadyExpired(t *testing.T) {
	fx := newFixture(t, nil)
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 10, -time.Second))
	wantReject(t, out, wire.CodeExpired)
}

func TestPrepare_NoRoute(t *testing.T) {
	fx := newFixture(t, nil)
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.elsewhere.svc", 10, time.Minute))
	wantReject(t, out, wire.CodeNoRoute)
}

func TestPrepare_InsufficientCapacity(t *testing.T) {
	fx := newFixture(t, nil)
	fx.meter.capErr = ledger.ErrInsufficientCapacity
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 10, time.Minute))
	wantReject(t, out, wire.CodeInsufficientCap)
	if fx.sender.countTo("peer-b") != 0 {
		t.Fatal("prepare was forwarded despite capacity breach")
	}
}

func TestPrepare_NoChannelForwardsUnmetered(t *testing.T) {
	fx := newFixture(t, nil)
	fx.meter.capErr = ledger.ErrNoChannel
	fx.resolveAsync(t, "peer-b", func(p *wire.Prepare) wire.Frame {
		return &wire.Fulfill{Condition: p.Condition, Fulfillment: wire.FulfillmentFromPayload(p.Payload)}
	})
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 10, time.Minute))
	if _, ok := out.(*wire.Fulfill); !ok {
		t.Fatalf("want Fulfill, got %T", out)
	}
	if fx.meter.acceptedCount() != 0 {
		t.Fatal("unmetered forward must not touch the ledger")
	}
}

// ── local termination ─────────────────────────────────────────────────────────

func TestTerminate_HandlerAccepts(t *testing.T) {
	fx := newFixture(t, &fakeHandler{result: HandlerResult{Accept: true, ResponsePayload: []byte("receipt")}})
	p := testPrepare("g.node.agent1", 25, time.Minute)
	out := fx.fwd.HandlePrepareSync(context.Background(), p)

	ful, ok := out.(*wire.Fulfill)
	if !ok {
		t.Fatalf("want Fulfill, got %T", out)
	}
	if !wire.VerifyFulfillment(p.Condition, ful.Fulfillment) {
		t.Error("fulfillment is not the condition preimage")
	}
	if string(ful.Payload) != "receipt" {
		t.Errorf("response payload = %q", ful.Payload)
	}
}

func TestTerminate_ConditionMismatch(t *testing.T) {
	h := &fakeHandler{result: HandlerResult{Accept: true}}
	fx := newFixture(t, h)
	p := testPrepare("g.node.agent1", 25, time.Minute)
	p.Condition[0] ^= 0xff
	out := fx.fwd.HandlePrepareSync(context.Background(), p)
	wantReject(t, out, wire.CodeConditionMismatch)
	// The handler decides first; only its accept is voided by the mismatch.
	if h.callCount() != 1 {
		t.Fatalf("handler called %d times, want 1", h.callCount())
	}
}

func TestTerminate_RejectionSkipsConditionCheck(t *testing.T) {
	h := &fakeHandler{result: HandlerResult{Code: wire.CodeFinal, Message: "declined"}}
	fx := newFixture(t, h)
	p := testPrepare("g.node.agent1", 25, time.Minute)
	p.Condition[0] ^= 0xff // mismatched, but a rejection needs no fulfillment
	out := fx.fwd.HandlePrepareSync(context.Background(), p)
	wantReject(t, out, wire.CodeFinal)
	if h.callCount() != 1 {
		t.Fatalf("handler called %d times, want 1", h.callCount())
	}
}

func TestTerminate_HandlerRejects(t *testing.T) {
	fx := newFixture(t, &fakeHandler{result: HandlerResult{Code: wire.CodeFinal, Message: "not today"}})
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.node.agent1", 25, time.Minute))
	r := wantReject(t, out, wire.CodeFinal)
	if r.Message != "not today" {
		t.Errorf("message = %q", r.Message)
	}
}

func TestTerminate_HandlerRejectsWithoutCode(t *testing.T) {
	fx := newFixture(t, &fakeHandler{result: HandlerResult{}})
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.node.agent1", 25, time.Minute))
	wantReject(t, out, wire.CodeHandlerReject)
}

func TestTerminate_HandlerError(t *testing.T) {
	fx := newFixture(t, &fakeHandler{err: errors.New("connection refused")})
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.node.agent1", 25, time.Minute))
	wantReject(t, out, wire.CodeInternal)
}

func TestTerminate_NoHandlerConfigured(t *testing.T) {
	fx := newFixture(t, nil)
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.node.agent1", 25, time.Minute))
	wantReject(t, out, wire.CodeFinal)
}

// ── forwarding ────────────────────────────────────────────────────────────────

func TestForward_FulfillRelayedAndMetered(t *testing.T) {
	fx := newFixture(t, nil)
	fx.resolveAsync(t, "peer-b", func(p *wire.Prepare) wire.Frame {
		return &wire.Fulfill{
			Condition:   p.Condition,
			Fulfillment: wire.FulfillmentFromPayload(p.Payload),
			Payload:     []byte("downstream-receipt"),
		}
	})

	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 150, time.Minute))
	ful, ok := out.(*wire.Fulfill)
	if !ok {
		t.Fatalf("want Fulfill, got %T", out)
	}
	if string(ful.Payload) != "downstream-receipt" {
		t.Errorf("payload = %q", ful.Payload)
	}
	if fx.meter.acceptedCount() != 1 || fx.meter.accepted[0] != 150 {
		t.Errorf("ledger accepted = %v, want one entry of 150", fx.meter.accepted)
	}
}

func TestForward_FulfillmentMismatchFromDownstream(t *testing.T) {
	fx := newFixture(t, nil)
	fx.resolveAsync(t, "peer-b", func(p *wire.Prepare) wire.Frame {
		bogus := wire.FulfillmentFromPayload([]byte("wrong"))
		return &wire.Fulfill{Condition: p.Condition, Fulfillment: bogus}
	})

	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 10, time.Minute))
	wantReject(t, out, wire.CodeConditionMismatch)
	if fx.meter.acceptedCount() != 0 {
		t.Fatal("invalid fulfillment must not update the ledger")
	}
	if fx.meter.outstanding() != 0 {
		t.Fatalf("reservation not released: %d outstanding", fx.meter.outstanding())
	}
}

func TestForward_RejectRelayedVerbatim(t *testing.T) {
	fx := newFixture(t, nil)
	fx.resolveAsync(t, "peer-b", func(p *wire.Prepare) wire.Frame {
		return &wire.Reject{Condition: p.Condition, Code: wire.CodeHandlerReject, Message: "declined"}
	})

	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 10, time.Minute))
	r := wantReject(t, out, wire.CodeHandlerReject)
	if r.Message != "declined" {
		t.Errorf("message = %q", r.Message)
	}
	if fx.meter.acceptedCount() != 0 {
		t.Fatal("rejected forward must not be charged")
	}
	if fx.meter.outstanding() != 0 {
		t.Fatalf("reservation not released: %d outstanding", fx.meter.outstanding())
	}
}

func TestForward_DownstreamTimeout(t *testing.T) {
	fx := newFixture(t, nil)
	p := testPrepare("g.downstream.svc", 10, 60*time.Millisecond)
	out := fx.fwd.HandlePrepareSync(context.Background(), p)
	wantReject(t, out, wire.CodeDownstreamTimeout)

	// The late Fulfill finds no in-flight entry and is discarded.
	fx.fwd.HandleFrame("peer-b", &wire.Fulfill{
		Condition:   p.Condition,
		Fulfillment: wire.FulfillmentFromPayload(p.Payload),
	})
	if fx.meter.acceptedCount() != 0 {
		t.Fatal("late fulfill after expiry must not update the ledger")
	}
	if fx.meter.outstanding() != 0 {
		t.Fatalf("reservation not released after timeout: %d outstanding", fx.meter.outstanding())
	}
}

func TestForward_NextHopNotConnected(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sender.err = peer.ErrNotConnected
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 10, time.Minute))
	wantReject(t, out, wire.CodePeerDisconnected)
	if fx.fwd.InFlightCount() != 0 {
		t.Fatal("failed send left an in-flight entry behind")
	}
}

func TestForward_PeerDisconnectMidFlight(t *testing.T) {
	fx := newFixture(t, nil)
	go func() {
		waitStart := time.Now()
		for fx.sender.countTo("peer-b") == 0 && time.Since(waitStart) < 3*time.Second {
			time.Sleep(2 * time.Millisecond)
		}
		fx.fwd.OnPeerDisconnected("peer-b")
	}()
	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 10, time.Minute))
	wantReject(t, out, wire.CodePeerDisconnected)
}

// ── dedup ─────────────────────────────────────────────────────────────────────

func TestForward_DuplicateAttachesInsteadOfReforwarding(t *testing.T) {
	fx := newFixture(t, nil)
	p := testPrepare("g.downstream.svc", 10, time.Minute)

	results := make(chan wire.Frame, 2)
	go func() { results <- fx.fwd.HandlePrepareSync(context.Background(), p) }()
	waitCond(t, "first prepare forwarded", func() bool { return fx.sender.countTo("peer-b") == 1 })

	dup := *p
	go func() { results <- fx.fwd.HandlePrepareSync(context.Background(), &dup) }()
	waitCond(t, "duplicate attached as waiter", func() bool {
		fx.fwd.mu.Lock()
		defer fx.fwd.mu.Unlock()
		for _, list := range fx.fwd.pending {
			for _, e := range list {
				if len(e.waiters) == 2 {
					return true
				}
			}
		}
		return false
	})

	fx.fwd.HandleFrame("peer-b", &wire.Fulfill{
		Condition:   p.Condition,
		Fulfillment: wire.FulfillmentFromPayload(p.Payload),
	})
	for i := 0; i < 2; i++ {
		if _, ok := (<-results).(*wire.Fulfill); !ok {
			t.Fatal("waiter did not receive the shared Fulfill")
		}
	}
	if got := fx.sender.countTo("peer-b"); got != 1 {
		t.Fatalf("duplicate caused %d downstream sends, want 1", got)
	}
	if fx.meter.acceptedCount() != 1 {
		t.Fatalf("ledger charged %d times, want 1", fx.meter.acceptedCount())
	}
	if fx.meter.outstanding() != 0 {
		t.Fatalf("duplicate's reservation not released: %d outstanding", fx.meter.outstanding())
	}
}

// ── shutdown ──────────────────────────────────────────────────────────────────

func TestShutdown_RejectsNewAndDrainsInFlight(t *testing.T) {
	fx := newFixture(t, nil)
	p := testPrepare("g.downstream.svc", 10, time.Minute)

	result := make(chan wire.Frame, 1)
	go func() { result <- fx.fwd.HandlePrepareSync(context.Background(), p) }()
	waitCond(t, "prepare forwarded", func() bool { return fx.sender.countTo("peer-b") == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // no grace: force-resolve immediately
	fx.fwd.Shutdown(ctx)

	wantReject(t, <-result, wire.CodeShuttingDown)

	out := fx.fwd.HandlePrepareSync(context.Background(), testPrepare("g.downstream.svc", 5, time.Minute))
	wantReject(t, out, wire.CodeShuttingDown)
}

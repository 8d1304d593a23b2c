package peer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/wire"
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is the admin-surface view of a session.
type Info struct {
	PeerID         string    `json:"peer_id"`
	RemoteEndpoint string    `json:"remote_endpoint"`
	State          string    `json:"state"`
	LastRxAt       time.Time `json:"last_rx_at"`
	LastTxAt       time.Time `json:"last_tx_at"`
}

// session is one live authenticated link to a peer. The egress queue is
// bounded; a full queue surfaces as ErrQueueFull to the caller.
type session struct {
	peerID    string
	conn      frameConn
	heartbeat time.Duration
	log       *zap.Logger

	state  atomic.Int32
	egress chan wire.Frame

	lastRx atomic.Int64 // unix nanos
	lastTx atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	// closed fires after the connection is torn down; the manager uses it
	// to unregister and notify the forwarder.
	onClosed func(s *session, reason string)
}

func newSession(peerID string, conn frameConn, heartbeat time.Duration, egressBound int, log *zap.Logger) *session {
	s := &session{
		peerID:    peerID,
		conn:      conn,
		heartbeat: heartbeat,
		log:       log,
		egress:    make(chan wire.Frame, egressBound),
		done:      make(chan struct{}),
	}
	now := time.Now().UnixNano()
	s.lastRx.Store(now)
	s.lastTx.Store(now)
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *session) setOpen()    { s.state.Store(int32(StateOpen)) }
func (s *session) curState() State { return State(s.state.Load()) }

func (s *session) info() Info {
	return Info{
		PeerID:         s.peerID,
		RemoteEndpoint: s.conn.RemoteAddr(),
		State:          s.curState().String(),
		LastRxAt:       time.Unix(0, s.lastRx.Load()),
		LastTxAt:       time.Unix(0, s.lastTx.Load()),
	}
}

// close tears the session down exactly once.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.onClosed != nil {
			s.onClosed(s, reason)
		}
	})
}

// send enqueues f for ordered delivery, or reports the bounded queue full.
func (s *session) send(f wire.Frame) error {
	if s.curState() != StateOpen {
		return ErrNotConnected
	}
	select {
	case s.egress <- f:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

// writeLoop drains the egress queue in submission order and interleaves
// heartbeats and staleness checks at the configured interval.
func (s *session) writeLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.egress:
			if err := s.conn.WriteFrame(f); err != nil {
				s.log.Warn("peer write failed", zap.String("peer", s.peerID), zap.Error(err))
				s.close("io_error")
				return
			}
			s.lastTx.Store(time.Now().UnixNano())
		case <-ticker.C:
			// Stale when nothing (heartbeat or packet) arrived within 3H.
			if time.Since(time.Unix(0, s.lastRx.Load())) > 3*s.heartbeat {
				s.log.Warn("peer session stale", zap.String("peer", s.peerID))
				s.close("stale")
				return
			}
			if err := s.conn.WriteFrame(&wire.Heartbeat{}); err != nil {
				s.close("io_error")
				return
			}
			s.lastTx.Store(time.Now().UnixNano())
		}
	}
}

// readLoop demultiplexes inbound frames into the bounded ingress queue.
// Overflow closes the connection rather than buffering without bound.
func (s *session) readLoop(ingress chan<- inboundFrame) {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.done: // already closing, expected error
			default:
				s.log.Info("peer read ended", zap.String("peer", s.peerID), zap.Error(err))
			}
			s.close(readCloseReason(err))
			return
		}
		s.lastRx.Store(time.Now().UnixNano())

		switch f.(type) {
		case *wire.Heartbeat:
			continue
		case *wire.Hello, *wire.HelloAck:
			// Handshake frames after the handshake are a protocol violation.
			s.log.Warn("unexpected handshake frame", zap.String("peer", s.peerID))
			s.close("protocol_violation")
			return
		}

		select {
		case ingress <- inboundFrame{peerID: s.peerID, frame: f}:
		default:
			s.log.Warn("ingress queue overflow", zap.String("peer", s.peerID))
			s.close("ingress_overflow")
			return
		}
	}
}

func readCloseReason(err error) string {
	for _, proto := range []error{
		wire.ErrUnknownFrameType, wire.ErrFrameTooLarge,
		wire.ErrTruncated, wire.ErrTrailingGarbage,
	} {
		if errors.Is(err, proto) {
			return "protocol_violation"
		}
	}
	return "io_error"
}

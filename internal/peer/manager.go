// Package peer maintains at most one live authenticated full-duplex session
// per configured peer: handshake, heartbeat liveness, bounded queues in both
// directions, and reconnect with exponential backoff.
package peer

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/wire"
)

var (
	ErrQueueFull    = errors.New("peer: egress queue full")
	ErrNotConnected = errors.New("peer: not connected")
	ErrUnknownPeer  = errors.New("peer: peer not configured")
)

// PeerConfig is one entry of the node's dial list.
type PeerConfig struct {
	ID        string
	Endpoint  string // tcp://host:port, ws://host/path, or bare host:port
	AuthToken string
}

// Config tunes the session manager.
type Config struct {
	NodeID            string
	ListenPort        int
	HeartbeatInterval time.Duration
	EgressQueueSize   int
	IngressQueueSize  int
	DialTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	Peers             []PeerConfig
}

func (c *Config) fillDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.EgressQueueSize <= 0 {
		c.EgressQueueSize = 256
	}
	if c.IngressQueueSize <= 0 {
		c.IngressQueueSize = 1024
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 30 * time.Second
	}
}

type inboundFrame struct {
	peerID string
	frame  wire.Frame
}

// Sink receives every non-control inbound frame. One sink per manager.
type Sink func(peerID string, f wire.Frame)

// Manager owns all peer sessions.
type Manager struct {
	cfg Config
	log *zap.Logger

	sink         Sink
	onDisconnect func(peerID string)

	mu       sync.Mutex
	sessions map[string]*session
	peers    map[string]PeerConfig
	dialing  map[string]bool

	ingress  chan inboundFrame
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	cfg.fillDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
		peers:    make(map[string]PeerConfig),
		dialing:  make(map[string]bool),
		ingress:  make(chan inboundFrame, cfg.IngressQueueSize),
	}
	for _, p := range cfg.Peers {
		m.peers[p.ID] = p
	}
	return m
}

// OnFrame registers the single inbound sink. Must be called before Start.
func (m *Manager) OnFrame(sink Sink) { m.sink = sink }

// OnDisconnect registers the session-death callback. Must be called before Start.
func (m *Manager) OnDisconnect(cb func(peerID string)) { m.onDisconnect = cb }

// Start brings up the listener, the ingress dispatcher, and one dial loop
// per configured peer. Dials run in parallel and failures do not abort
// startup.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("peer listener: %w", err)
	}
	m.listener = ln
	m.log.Info("peer listener up", zap.String("addr", ln.Addr().String()))

	m.wg.Add(2)
	go m.acceptLoop()
	go m.dispatchLoop()

	for id := range m.peers {
		_ = m.Connect(id)
	}
	return nil
}

// Stop closes the listener and all sessions and waits for loops to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close("shutdown")
	}
	m.wg.Wait()
}

// ListenAddr returns the bound listener address, for tests using port 0.
func (m *Manager) ListenAddr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Connect ensures a dial loop is running for the peer. Idempotent: a
// connected or already-dialing peer is left alone.
func (m *Manager) Connect(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peerID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if m.dialing[peerID] {
		return nil
	}
	m.dialing[peerID] = true
	m.wg.Add(1)
	go m.dialLoop(peerID)
	return nil
}

// Disconnect closes the peer's session if one is live. Always permitted.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	s := m.sessions[peerID]
	m.mu.Unlock()
	if s != nil {
		s.close("disconnect_requested")
	}
}

// Send queues a frame for ordered delivery to the peer.
func (m *Manager) Send(peerID string, f wire.Frame) error {
	m.mu.Lock()
	s := m.sessions[peerID]
	m.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.send(f)
}

// OpenCount returns the number of open sessions and the configured total.
func (m *Manager) OpenCount() (open, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.curState() == StateOpen {
			open++
		}
	}
	return open, len(m.peers)
}

// Sessions returns admin-surface session views, sorted by peer id.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// ── inbound path ──────────────────────────────────────────────────────────────

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case in := <-m.ingress:
			if m.sink != nil {
				m.sink(in.peerID, in.frame)
			}
		}
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
			default:
				m.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(newTCPConn(conn))
		}()
	}
}

// HandleInboundWS registers an upgraded WebSocket connection as an inbound
// peer transport. Mounted behind the admin server's /peer/ws route.
func (m *Manager) HandleInboundWS(w http.ResponseWriter, r *http.Request) {
	conn, err := UpgradeWS(w, r)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.handleInbound(conn)
	}()
}

// handleInbound runs the responder side of the handshake: read Hello,
// validate the token in constant time, ack, register.
func (m *Manager) handleInbound(conn frameConn) {
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.DialTimeout))
	f, err := conn.ReadFrame()
	if err != nil {
		_ = conn.Close()
		return
	}
	hello, ok := f.(*wire.Hello)
	if !ok {
		m.log.Warn("protocol_violation: first frame not hello", zap.String("remote", conn.RemoteAddr()))
		_ = conn.Close()
		return
	}

	m.mu.Lock()
	pc, known := m.peers[hello.NodeID]
	m.mu.Unlock()
	if !known || subtle.ConstantTimeCompare([]byte(pc.AuthToken), []byte(hello.AuthToken)) != 1 {
		m.log.Warn("auth_failed",
			zap.String("claimed_node", hello.NodeID),
			zap.String("remote", conn.RemoteAddr()),
		)
		_ = conn.Close()
		return
	}

	if err := conn.WriteFrame(&wire.HelloAck{
		NodeID:        m.cfg.NodeID,
		HeartbeatSecs: uint16(m.cfg.HeartbeatInterval / time.Second),
	}); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	m.register(hello.NodeID, conn)
}

// ── outbound path ─────────────────────────────────────────────────────────────

func (m *Manager) dialLoop(peerID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.dialing[peerID] = false
		m.mu.Unlock()
	}()

	backoff := m.cfg.BackoffBase
	for {
		if m.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		existing := m.sessions[peerID]
		pc := m.peers[peerID]
		m.mu.Unlock()

		if existing != nil {
			// A session is live (ours or inbound); sleep until it dies.
			select {
			case <-existing.done:
				continue
			case <-m.ctx.Done():
				return
			}
		}

		s, err := m.dialOnce(pc)
		if err != nil {
			m.log.Info("peer dial failed",
				zap.String("peer", peerID),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > m.cfg.BackoffCeiling {
				backoff = m.cfg.BackoffCeiling
			}
			continue
		}
		backoff = m.cfg.BackoffBase

		select {
		case <-s.done:
		case <-m.ctx.Done():
			return
		}
	}
}

// dialOnce runs the initiator side of the handshake and registers the
// resulting session.
func (m *Manager) dialOnce(pc PeerConfig) (*session, error) {
	conn, err := dialEndpoint(pc.Endpoint, m.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteFrame(&wire.Hello{
		NodeID:        m.cfg.NodeID,
		AuthToken:     pc.AuthToken,
		HeartbeatSecs: uint16(m.cfg.HeartbeatInterval / time.Second),
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.DialTimeout))
	f, err := conn.ReadFrame()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if _, ok := f.(*wire.HelloAck); !ok {
		_ = conn.Close()
		return nil, errors.New("handshake: expected hello ack")
	}
	_ = conn.SetReadDeadline(time.Time{})

	return m.register(pc.ID, conn), nil
}

// register installs a freshly handshaken session, displacing any previous
// session for the same peer.
func (m *Manager) register(peerID string, conn frameConn) *session {
	s := newSession(peerID, conn, m.cfg.HeartbeatInterval, m.cfg.EgressQueueSize, m.log)
	s.onClosed = func(closed *session, reason string) {
		m.mu.Lock()
		displaced := m.sessions[peerID] != closed
		if !displaced {
			delete(m.sessions, peerID)
		}
		m.mu.Unlock()
		m.log.Info("peer session closed",
			zap.String("peer", peerID),
			zap.String("reason", reason),
		)
		// A displaced session was replaced by a newer handshake; the peer
		// is still reachable, so in-flight forwards stay registered.
		if !displaced && m.onDisconnect != nil {
			m.onDisconnect(peerID)
		}
	}

	m.mu.Lock()
	prev := m.sessions[peerID]
	m.sessions[peerID] = s
	m.mu.Unlock()
	if prev != nil {
		prev.close("displaced")
	}

	s.setOpen()
	m.wg.Add(2)
	go func() { defer m.wg.Done(); s.readLoop(m.ingress) }()
	go func() { defer m.wg.Done(); s.writeLoop() }()

	m.log.Info("peer session open",
		zap.String("peer", peerID),
		zap.String("remote", conn.RemoteAddr()),
	)
	return s
}

// Package wire defines the peer link frame formats and the
// condition/fulfillment relation used by conditional transfers.
package wire

import (
	"time"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
)

// Frame type codes on the wire.
const (
	TypeHello     byte = 0x01
	TypeHelloAck  byte = 0x02
	TypePrepare   byte = 0x10
	TypeFulfill   byte = 0x11
	TypeReject    byte = 0x12
	TypeHeartbeat byte = 0x20
)

// Size limits enforced by the codec.
const (
	MaxPayloadLen = 65536
	MaxMessageLen = 256
	// MaxFrameLen bounds the length prefix a reader will accept.
	// Largest legal frame is a Prepare carrying a max payload plus headers.
	MaxFrameLen = MaxPayloadLen + 2048
)

// Frame is the closed set of messages exchanged on a peer link.
type Frame interface {
	frameType() byte
}

// Hello opens a session; the initiator authenticates with a shared token.
type Hello struct {
	NodeID        string
	AuthToken     string
	HeartbeatSecs uint16
}

// HelloAck confirms a successful handshake.
type HelloAck struct {
	NodeID        string
	HeartbeatSecs uint16
}

// Prepare is a conditional transfer offer.
type Prepare struct {
	Amount      uint64
	ExpiresAt   time.Time // millisecond precision on the wire
	Condition   [32]byte
	Destination ilpaddr.Address
	Payload     []byte
}

// Fulfill resolves a Prepare by revealing the condition preimage.
// Condition correlates the response when several transfers share a link.
type Fulfill struct {
	Condition   [32]byte
	Fulfillment [32]byte
	Payload     []byte
}

// Reject resolves a Prepare with a registry error code.
type Reject struct {
	Condition [32]byte
	Code      Code
	Message   string
	Payload   []byte
}

// Heartbeat keeps an otherwise idle session alive.
type Heartbeat struct{}

func (Hello) frameType() byte     { return TypeHello }
func (HelloAck) frameType() byte  { return TypeHelloAck }
func (Prepare) frameType() byte   { return TypePrepare }
func (Fulfill) frameType() byte   { return TypeFulfill }
func (Reject) frameType() byte    { return TypeReject }
func (Heartbeat) frameType() byte { return TypeHeartbeat }

// Expired reports whether the prepare deadline has passed at now.
func (p *Prepare) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

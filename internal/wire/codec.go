package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
)

// Wire layout: | u32 length (network order) | u8 type | body |.
// The length covers the type byte and body. Multi-byte integers are
// big-endian. Strings are u16-length-prefixed UTF-8; payloads are
// u32-length-prefixed bytes.

var (
	ErrFrameTooLarge     = errors.New("wire: frame exceeds maximum length")
	ErrUnknownFrameType  = errors.New("wire: unknown frame type")
	ErrTruncated         = errors.New("wire: truncated frame")
	ErrPayloadTooLarge   = fmt.Errorf("wire: payload exceeds %d bytes", MaxPayloadLen)
	ErrMessageTooLarge   = fmt.Errorf("wire: reject message exceeds %d bytes", MaxMessageLen)
	ErrTrailingGarbage   = errors.New("wire: trailing bytes after frame body")
	ErrInvalidErrorCode  = errors.New("wire: malformed error code")
)

// Encode serializes f including the length prefix.
func Encode(f Frame) ([]byte, error) {
	body, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(body)))
	out[4] = f.frameType()
	copy(out[5:], body)
	return out, nil
}

func encodeBody(f Frame) ([]byte, error) {
	var b frameWriter
	switch m := f.(type) {
	case *Hello:
		b.str(m.NodeID)
		b.str(m.AuthToken)
		b.u16(m.HeartbeatSecs)
	case *HelloAck:
		b.str(m.NodeID)
		b.u16(m.HeartbeatSecs)
	case *Prepare:
		if len(m.Payload) > MaxPayloadLen {
			return nil, ErrPayloadTooLarge
		}
		b.u64(m.Amount)
		b.i64(m.ExpiresAt.UnixMilli())
		b.raw(m.Condition[:])
		b.str(string(m.Destination))
		b.bytes(m.Payload)
	case *Fulfill:
		if len(m.Payload) > MaxPayloadLen {
			return nil, ErrPayloadTooLarge
		}
		b.raw(m.Condition[:])
		b.raw(m.Fulfillment[:])
		b.bytes(m.Payload)
	case *Reject:
		if len(m.Payload) > MaxPayloadLen {
			return nil, ErrPayloadTooLarge
		}
		if len(m.Message) > MaxMessageLen {
			return nil, ErrMessageTooLarge
		}
		if !m.Code.Valid() {
			return nil, ErrInvalidErrorCode
		}
		b.raw(m.Condition[:])
		b.raw([]byte(m.Code[:]))
		b.str(m.Message)
		b.bytes(m.Payload)
	case *Heartbeat:
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", f)
	}
	return b.out, nil
}

// Decode parses a single frame from the type byte onward (length prefix
// already consumed by the transport).
func Decode(typ byte, body []byte) (Frame, error) {
	r := frameReader{in: body}
	var f Frame
	switch typ {
	case TypeHello:
		m := &Hello{}
		m.NodeID = r.str()
		m.AuthToken = r.str()
		m.HeartbeatSecs = r.u16()
		f = m
	case TypeHelloAck:
		m := &HelloAck{}
		m.NodeID = r.str()
		m.HeartbeatSecs = r.u16()
		f = m
	case TypePrepare:
		m := &Prepare{}
		m.Amount = r.u64()
		m.ExpiresAt = time.UnixMilli(r.i64()).UTC()
		r.arr32(&m.Condition)
		dest, err := ilpaddr.Parse(r.str())
		if err != nil && r.err == nil {
			return nil, fmt.Errorf("wire: prepare destination: %w", err)
		}
		m.Destination = dest
		m.Payload = r.bytes(MaxPayloadLen)
		f = m
	case TypeFulfill:
		m := &Fulfill{}
		r.arr32(&m.Condition)
		r.arr32(&m.Fulfillment)
		m.Payload = r.bytes(MaxPayloadLen)
		f = m
	case TypeReject:
		m := &Reject{}
		r.arr32(&m.Condition)
		var code [3]byte
		r.arrN(code[:])
		m.Code = Code(code)
		m.Message = r.strMax(MaxMessageLen)
		m.Payload = r.bytes(MaxPayloadLen)
		if r.err == nil && !m.Code.Valid() {
			return nil, ErrInvalidErrorCode
		}
		f = m
	case TypeHeartbeat:
		f = &Heartbeat{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, typ)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.in) != r.off {
		return nil, ErrTrailingGarbage
	}
	return f, nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrTruncated
	}
	if n > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return Decode(buf[0], buf[1:])
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	raw, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ── primitive writer/reader ───────────────────────────────────────────────────

type frameWriter struct{ out []byte }

func (w *frameWriter) raw(b []byte) { w.out = append(w.out, b...) }

func (w *frameWriter) u16(v uint16) {
	w.out = binary.BigEndian.AppendUint16(w.out, v)
}

func (w *frameWriter) u64(v uint64) {
	w.out = binary.BigEndian.AppendUint64(w.out, v)
}

func (w *frameWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *frameWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.out = append(w.out, s...)
}

func (w *frameWriter) bytes(b []byte) {
	w.out = binary.BigEndian.AppendUint32(w.out, uint32(len(b)))
	w.out = append(w.out, b...)
}

type frameReader struct {
	in  []byte
	off int
	err error
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.in) {
		r.err = ErrTruncated
		return nil
	}
	b := r.in[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *frameReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *frameReader) i64() int64 { return int64(r.u64()) }

func (r *frameReader) arr32(dst *[32]byte) {
	if b := r.take(32); b != nil {
		copy(dst[:], b)
	}
}

func (r *frameReader) arrN(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *frameReader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *frameReader) strMax(max int) string {
	s := r.str()
	if r.err == nil && len(s) > max {
		r.err = ErrMessageTooLarge
	}
	return s
}

func (r *frameReader) bytes(max int) []byte {
	n := int(r.u32())
	if r.err != nil {
		return nil
	}
	if n > max {
		r.err = ErrPayloadTooLarge
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *frameReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

package wire

import (
	"bytes"
	"crypto/sha256"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return got
}

func TestRoundTrip_Hello(t *testing.T) {
	f := &Hello{NodeID: "node-a", AuthToken: "secret-token", HeartbeatSecs: 15}
	got := roundTrip(t, f)
	if !reflect.DeepEqual(got, f) {
		t.Errorf("round trip: got %+v want %+v", got, f)
	}
}

func TestRoundTrip_HelloAck(t *testing.T) {
	f := &HelloAck{NodeID: "node-b", HeartbeatSecs: 30}
	if got := roundTrip(t, f); !reflect.DeepEqual(got, f) {
		t.Errorf("round trip: got %+v want %+v", got, f)
	}
}

func TestRoundTrip_Prepare(t *testing.T) {
	f := &Prepare{
		Amount:      100,
		ExpiresAt:   time.Now().Add(30 * time.Second).Truncate(time.Millisecond).UTC(),
		Condition:   sha256.Sum256([]byte("cond")),
		Destination: ilpaddr.MustParse("g.dest.sub"),
		Payload:     []byte("hello"),
	}
	if got := roundTrip(t, f); !reflect.DeepEqual(got, f) {
		t.Errorf("round trip: got %+v want %+v", got, f)
	}
}

func TestRoundTrip_PrepareEmptyPayload(t *testing.T) {
	f := &Prepare{
		Amount:      1,
		ExpiresAt:   time.UnixMilli(1700000000000).UTC(),
		Destination: ilpaddr.MustParse("g"),
	}
	got := roundTrip(t, f).(*Prepare)
	if len(got.Payload) != 0 {
		t.Errorf("payload: got %d bytes, want 0", len(got.Payload))
	}
	if got.Amount != 1 || got.Destination != f.Destination || !got.ExpiresAt.Equal(f.ExpiresAt) {
		t.Errorf("round trip: got %+v want %+v", got, f)
	}
}

func TestRoundTrip_Fulfill(t *testing.T) {
	f := &Fulfill{
		Condition:   sha256.Sum256([]byte("c")),
		Fulfillment: sha256.Sum256([]byte("f")),
		Payload:     []byte("response"),
	}
	if got := roundTrip(t, f); !reflect.DeepEqual(got, f) {
		t.Errorf("round trip: got %+v want %+v", got, f)
	}
}

func TestRoundTrip_Reject(t *testing.T) {
	f := &Reject{
		Condition: sha256.Sum256([]byte("c")),
		Code:      CodeNoRoute,
		Message:   "no route",
		Payload:   []byte{},
	}
	got := roundTrip(t, f).(*Reject)
	if got.Code != CodeNoRoute || got.Message != "no route" {
		t.Errorf("round trip: got %+v want %+v", got, f)
	}
}

func TestRoundTrip_Heartbeat(t *testing.T) {
	if _, ok := roundTrip(t, &Heartbeat{}).(*Heartbeat); !ok {
		t.Error("round trip: not a heartbeat")
	}
}

// ── limits and malformed input ────────────────────────────────────────────────

func TestEncode_PayloadTooLarge(t *testing.T) {
	f := &Prepare{
		Destination: ilpaddr.MustParse("g"),
		Payload:     make([]byte, MaxPayloadLen+1),
	}
	if _, err := Encode(f); err == nil {
		t.Fatal("want error for oversized payload")
	}
}

func TestEncode_MessageTooLarge(t *testing.T) {
	f := &Reject{Code: CodeInternal, Message: strings.Repeat("x", MaxMessageLen+1)}
	if _, err := Encode(f); err == nil {
		t.Fatal("want error for oversized message")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := Decode(0x7f, nil); err == nil {
		t.Fatal("want error for unknown frame type")
	}
}

func TestDecode_Truncated(t *testing.T) {
	raw, err := Encode(&Prepare{Destination: ilpaddr.MustParse("g"), Payload: []byte("p")})
	if err != nil {
		t.Fatal(err)
	}
	// Drop the last byte of the body.
	if _, err := Decode(raw[4], raw[5:len(raw)-1]); err == nil {
		t.Fatal("want error for truncated body")
	}
}

func TestDecode_TrailingGarbage(t *testing.T) {
	raw, err := Encode(&Heartbeat{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(raw[4], append(raw[5:], 0x00)); err == nil {
		t.Fatal("want error for trailing bytes")
	}
}

func TestReadFrame_RejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("want error for oversized length prefix")
	}
}

// ── condition engine ──────────────────────────────────────────────────────────

func TestConditionChain(t *testing.T) {
	for _, payload := range [][]byte{nil, {}, []byte("hello"), make([]byte, 4096)} {
		f := FulfillmentFromPayload(payload)
		c := ConditionFromFulfillment(f)
		if !VerifyFulfillment(c, f) {
			t.Errorf("verify(SHA256(SHA256(b)), SHA256(b)) failed for %d-byte payload", len(payload))
		}
		if ConditionFromPayload(payload) != c {
			t.Error("ConditionFromPayload disagrees with two-step derivation")
		}
	}
}

func TestConditionChain_EmptyPayload(t *testing.T) {
	want := sha256.Sum256(nil)
	if FulfillmentFromPayload(nil) != want {
		t.Error("empty payload fulfillment should be SHA256 of empty string")
	}
}

func TestVerifyFulfillment_Mismatch(t *testing.T) {
	c := ConditionFromPayload([]byte("y"))
	f := FulfillmentFromPayload([]byte("x"))
	if VerifyFulfillment(c, f) {
		t.Error("mismatched fulfillment verified")
	}
}

// ── error codes ───────────────────────────────────────────────────────────────

func TestCode_Retryable(t *testing.T) {
	cases := map[Code]bool{
		CodeFinal:             false,
		CodeNoRoute:           false,
		CodeInsufficientCap:   false,
		CodeConditionMismatch: false,
		CodeHandlerReject:     false,
		CodeExpired:           false,
		CodeDownstreamTimeout: true,
		CodeInternal:          true,
		CodePeerDisconnected:  true,
		CodeShuttingDown:      true,
		CodeHandlerExhausted:  true,
	}
	for c, want := range cases {
		if got := c.Retryable(); got != want {
			t.Errorf("%s retryable: got %v want %v", c, got, want)
		}
	}
}

func TestCodeFromString(t *testing.T) {
	if CodeFromString("R01") != CodeDownstreamTimeout {
		t.Error("R01 should parse to downstream timeout")
	}
	for _, bad := range []string{"", "X01", "F0", "F0x", "toolong"} {
		if CodeFromString(bad) != CodeFinal {
			t.Errorf("%q should map to F00", bad)
		}
	}
}

package wire

import "crypto/sha256"

// Stateless fulfillment model: the fulfillment is the SHA-256 of the payload,
// so the condition is SHA256(SHA256(payload)). The sender can compute the
// condition before sending and any honest terminating endpoint can produce
// the fulfillment without shared session state.

// FulfillmentFromPayload derives the fulfillment for a payload.
// The empty payload is valid; its fulfillment is SHA256("").
func FulfillmentFromPayload(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// ConditionFromFulfillment derives the condition committed in a Prepare.
func ConditionFromFulfillment(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// ConditionFromPayload is the sender-side shortcut SHA256(SHA256(payload)).
func ConditionFromPayload(payload []byte) [32]byte {
	return ConditionFromFulfillment(FulfillmentFromPayload(payload))
}

// VerifyFulfillment reports whether fulfillment is the preimage of condition.
func VerifyFulfillment(condition, fulfillment [32]byte) bool {
	return sha256.Sum256(fulfillment[:]) == condition
}

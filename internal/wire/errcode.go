package wire

// Code is a three-character ASCII error code. The first character gives the
// class: 'F' final, 'R' relative to expiry, 'T' transient.
type Code [3]byte

// Registry codes.
var (
	CodeFinal              = Code{'F', '0', '0'} // generic final reject
	CodeNoRoute            = Code{'F', '0', '2'}
	CodeInsufficientCap    = Code{'F', '0', '4'} // insufficient channel capacity
	CodeConditionMismatch  = Code{'F', '0', '5'}
	CodeHandlerReject      = Code{'F', '9', '9'} // handler-domain rejection
	CodeExpired            = Code{'R', '0', '0'} // packet expired at receiver
	CodeDownstreamTimeout  = Code{'R', '0', '1'}
	CodeInternal           = Code{'T', '0', '0'}
	CodePeerDisconnected   = Code{'T', '0', '1'}
	CodeShuttingDown       = Code{'T', '0', '2'}
	CodeHandlerExhausted   = Code{'T', '0', '3'} // handler resource exhausted
)

func (c Code) String() string { return string(c[:]) }

// Valid reports whether c has the registry shape: class byte followed by
// two ASCII digits.
func (c Code) Valid() bool {
	switch c[0] {
	case 'F', 'R', 'T':
	default:
		return false
	}
	return c[1] >= '0' && c[1] <= '9' && c[2] >= '0' && c[2] <= '9'
}

// Retryable reports whether the sender may retry after receiving c.
func (c Code) Retryable() bool {
	switch c {
	case CodeDownstreamTimeout, CodeInternal, CodePeerDisconnected,
		CodeShuttingDown, CodeHandlerExhausted:
		return true
	}
	return false
}

// CodeFromString parses a registry code; malformed input maps to F00.
func CodeFromString(s string) Code {
	if len(s) != 3 {
		return CodeFinal
	}
	c := Code{s[0], s[1], s[2]}
	if !c.Valid() {
		return CodeFinal
	}
	return c
}

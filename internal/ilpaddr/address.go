// Package ilpaddr implements hierarchical dot-separated payment addresses
// and label-aligned prefix matching.
package ilpaddr

import (
	"fmt"
	"strings"
)

// MaxLen is the maximum encoded address length in bytes.
const MaxLen = 1023

// Address is a validated, ordered sequence of lowercase labels joined by '.'.
// The zero value is not a valid address; construct via Parse.
type Address string

// Parse validates s and returns it as an Address.
// Labels are non-empty runs of [a-z0-9_~-]; no leading/trailing/double dots.
func Parse(s string) (Address, error) {
	if s == "" {
		return "", fmt.Errorf("address: empty")
	}
	if len(s) > MaxLen {
		return "", fmt.Errorf("address: %d bytes exceeds max %d", len(s), MaxLen)
	}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if i == start {
				return "", fmt.Errorf("address %q: empty label at offset %d", s, start)
			}
			start = i + 1
			continue
		}
		if !labelByte(s[i]) {
			return "", fmt.Errorf("address %q: invalid byte %q at offset %d", s, s[i], i)
		}
	}
	return Address(s), nil
}

// MustParse is Parse for statically known addresses; panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func labelByte(b byte) bool {
	return b >= 'a' && b <= 'z' ||
		b >= '0' && b <= '9' ||
		b == '_' || b == '~' || b == '-'
}

func (a Address) String() string { return string(a) }

// Labels splits the address into its label sequence.
func (a Address) Labels() []string { return strings.Split(string(a), ".") }

// IsPrefixOf reports whether p matches addr under label-aligned prefix rules:
// p == addr, or addr begins with p followed by a '.'. A prefix never matches
// a partial label ("g.x" does not match "g.xy.z").
func (p Address) IsPrefixOf(addr Address) bool {
	if p == addr {
		return true
	}
	return len(addr) > len(p) &&
		addr[len(p)] == '.' &&
		string(addr[:len(p)]) == string(p)
}

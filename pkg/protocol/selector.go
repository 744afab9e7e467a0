package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// KeySeparator joins a keyed base type and its key on the wire.
const KeySeparator = "/"

// ErrInvalidKey is returned when a key does not match the component's key
// format (for accounts, a 40-character hex address).
var ErrInvalidKey = errors.New("protocol: invalid key")

// Selector identifies an event type, either plain ("chain-head-changed")
// or keyed ("account-changed" + address). The zero value is invalid;
// construct with Plain, Keyed, or ParseSelector.
type Selector struct {
	Base string
	Key  string // empty for plain selectors
}

// Plain builds a selector for an unparameterized event type.
func Plain(name string) Selector {
	return Selector{Base: name}
}

// Keyed builds a selector for a key-parameterized event type. The key is
// stored as given; validate and normalize first where required.
func Keyed(base, key string) Selector {
	return Selector{Base: base, Key: key}
}

// IsKeyed reports whether the selector carries a key.
func (s Selector) IsKeyed() bool { return s.Key != "" }

// String returns the wire form: the base type, plus separator and key for
// keyed selectors.
func (s Selector) String() string {
	if s.Key == "" {
		return s.Base
	}
	return s.Base + KeySeparator + s.Key
}

// ParseSelector splits a wire event type into its selector form. A type
// with no separator is plain; otherwise the part before the first
// separator is the base and the remainder is the key.
func ParseSelector(wire string) Selector {
	base, key, found := strings.Cut(wire, KeySeparator)
	if !found {
		return Plain(base)
	}
	return Keyed(base, key)
}

// addressLen is the length of an account address in hex characters.
const addressLen = 40

// NormalizeAddress validates an account address and returns its canonical
// form: lowercase hex without the optional 0x prefix. Anything else fails
// with ErrInvalidKey.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(trimmed) != addressLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, addr)
	}
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, addr)
		}
	}
	return strings.ToLower(trimmed), nil
}

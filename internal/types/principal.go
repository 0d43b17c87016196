// Package types defines the core entities of the easyswap orderbook.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PrincipalSize is the fixed width of a principal identity.
const PrincipalSize = 29

// Principal is an opaque caller identity. It is a fixed-size value type so
// it can be used directly as a map key.
type Principal [PrincipalSize]byte

// AnonymousPrincipal is the zero identity; it may never create orders or
// trades.
var AnonymousPrincipal = Principal{}

// PrincipalFromText parses the hex text form of a principal.
func PrincipalFromText(s string) (Principal, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid principal %q: %w", s, err)
	}
	if len(raw) != PrincipalSize {
		return Principal{}, fmt.Errorf("invalid principal %q: want %d bytes, got %d", s, PrincipalSize, len(raw))
	}
	var p Principal
	copy(p[:], raw)
	return p, nil
}

// PrincipalFromBytes builds a principal from raw bytes, zero-padding or
// truncating to the fixed width. Used by tests.
func PrincipalFromBytes(b []byte) Principal {
	var p Principal
	copy(p[:], b)
	return p
}

// Text returns the hex text form.
func (p Principal) Text() string {
	return hex.EncodeToString(p[:])
}

// IsAnonymous reports whether p is the anonymous identity.
func (p Principal) IsAnonymous() bool {
	return p == AnonymousPrincipal
}

// Bytes returns a copy of the raw identity bytes.
func (p Principal) Bytes() []byte {
	out := make([]byte, PrincipalSize)
	copy(out, p[:])
	return out
}

// String implements fmt.Stringer.
func (p Principal) String() string {
	return p.Text()
}

// MarshalJSON renders the principal in text form.
func (p Principal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.Text() + `"`), nil
}

// UnmarshalJSON parses the text form.
func (p *Principal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := PrincipalFromText(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

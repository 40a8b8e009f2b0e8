package naming

import (
	"bytes"
	"fmt"
)

// Trust is how far a resolved record can be relied on
type Trust int

const (
	// Publisher and value name the same peer
	TrustSafe Trust = iota
	// Found, but the value points at a peer other than the publisher
	TrustUnsafe
)

func (t Trust) String() string {
	switch t {
	case TrustSafe:
		return "safe"
	case TrustUnsafe:
		return "unsafe"
	default:
		return fmt.Sprintf("trust(%d)", int(t))
	}
}

// Verify grades a resolved record. Only a record whose publisher is the peer
// it points at is safe.
func Verify(rec *Record) Trust {
	if rec != nil && rec.Publisher != "" && bytes.Equal([]byte(rec.Publisher), rec.Value) {
		return TrustSafe
	}
	return TrustUnsafe
}

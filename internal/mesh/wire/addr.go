package wire

import (
	"bytes"
	"fmt"
)

// Addr is the stable hardware-assigned 6-byte node address. Addresses are
// totally ordered; the same comparison decides both identifier conflicts and
// master election (lower address wins).
type Addr [6]byte

// Broadcast is the all-ones destination address.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Compare returns -1, 0 or 1 ordering a against b.
func (a Addr) Compare(b Addr) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether a orders before b. The lower address wins elections
// and keeps contested identifiers.
func (a Addr) Less(b Addr) bool {
	return a.Compare(b) < 0
}

// IsZero reports whether a is the zero address.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseAddr parses the colon-separated hex form produced by String.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return Addr{}, fmt.Errorf("parse address %q: %v", s, err)
	}
	return a, nil
}

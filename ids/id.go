// This package defines the common identifier types used throughout murmur.
// Event ids and account public keys are 32-byte values carried on the wire as
// lowercase hex.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [32]byte

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 32 {
		return ID{}, fmt.Errorf("ids: expected 32 bytes, got %d", len(b))
	}
	return ID(b), nil
}

func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("ids: malformed hex %q: %w", s, err)
	}
	if len(b) != 32 {
		return id, fmt.Errorf("ids: expected 64 hex chars, got %d", len(s))
	}
	copy(id[:], b)
	return id, nil
}

// ValidHex reports whether s is a well-formed 64-character lowercase hex identifier.
func ValidHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func NewID() ID {
	var id ID
	if _, err := io.ReadFull(crypto_rand.Reader, id[:]); err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Zero() bool {
	return id == ID{}
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }

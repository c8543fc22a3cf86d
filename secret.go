package offcrypto

import (
	"crypto/subtle"
	"encoding/binary"
	"unicode/utf16"
)

// Zeroize overwrites b with zeros. The constant-time copy keeps the
// compiler from eliding the store. Go's garbage collector may already have
// moved or copied the data, so this is best effort only; it shortens the
// window during which key material is recoverable from memory, it does not
// guarantee erasure.
func Zeroize(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// secretBytes owns a sensitive buffer and zeroizes it on Close. Close is
// idempotent.
type secretBytes struct {
	b      []byte
	closed bool
}

func newSecret(b []byte) *secretBytes {
	return &secretBytes{b: b}
}

func (s *secretBytes) Bytes() []byte {
	if s.closed {
		return nil
	}
	return s.b
}

func (s *secretBytes) Close() {
	if s.closed {
		return
	}
	Zeroize(s.b)
	s.b = nil
	s.closed = true
}

// keyMaterial holds the secrets derived from one successful password
// attempt. It is owned by a single open operation: the fields are never
// mutated after derivation, and Close destroys them when the operation
// finishes or verification fails.
type keyMaterial struct {
	key      *secretBytes // package encryption key
	hmacKey  *secretBytes // Agile integrity key, nil otherwise
	verified bool
}

func (km *keyMaterial) Close() {
	if km.key != nil {
		km.key.Close()
	}
	if km.hmacKey != nil {
		km.hmacKey.Close()
	}
	km.verified = false
}

// EncodePassword converts a password to UTF-16LE with no BOM and no
// terminator. The empty password encodes to an empty slice and is a valid
// password. Callers zeroize the result when done.
func EncodePassword(password string) []byte {
	u := utf16.Encode([]rune(password))
	b := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}

// ctEqual compares two digests in constant time. Length mismatch reports
// false without leaking how many bytes matched.
func ctEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// le32 returns v as 4 little-endian bytes.
func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

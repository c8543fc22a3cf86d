package offcrypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/pkg/errors"
)

// hashAlg binds a hash algorithm name to its digest size and constructor.
// Only the algorithms MS-OFFCRYPTO permits for password encryption are
// listed; anything else is rejected rather than silently assumed.
type hashAlg struct {
	name string
	size int
	new  func() hash.Hash
}

var hashAlgs = []hashAlg{
	{"SHA1", sha1.Size, sha1.New},
	{"SHA256", sha256.Size, sha256.New},
	{"SHA384", sha512.Size384, sha512.New384},
	{"SHA512", sha512.Size, sha512.New},
}

// hashByName resolves an Agile descriptor hashAlgorithm attribute.
// Both "SHA1" and "SHA-1" spellings appear in the wild.
func hashByName(name string) (*hashAlg, error) {
	norm := ""
	for _, r := range name {
		if r == '-' {
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		norm += string(r)
	}
	for i := range hashAlgs {
		if hashAlgs[i].name == norm {
			return &hashAlgs[i], nil
		}
	}
	return nil, errors.Wrapf(ErrUnsupportedScheme, "hash algorithm %q", name)
}

// ALG_ID constants from the CryptoAPI binary EncryptionHeader.
const (
	calgAES128 = 0x0000660E
	calgAES192 = 0x0000660F
	calgAES256 = 0x00006610
	calgRC4    = 0x00006801

	calgSHA1   = 0x00008004
	calgSHA256 = 0x0000800C
	calgSHA384 = 0x0000800D
	calgSHA512 = 0x0000800E
)

// hashByCalg resolves the AlgIDHash field of a Standard header. Excel
// always writes SHA-1 but other producers may declare a SHA-2 family hash.
func hashByCalg(id uint32) (*hashAlg, error) {
	switch id {
	case calgSHA1:
		return hashByName("SHA1")
	case calgSHA256:
		return hashByName("SHA256")
	case calgSHA384:
		return hashByName("SHA384")
	case calgSHA512:
		return hashByName("SHA512")
	}
	return nil, errors.Wrapf(ErrUnsupportedScheme, "hash ALG_ID 0x%08X", id)
}

// digest computes h(parts...) with a one-shot hash instance.
func (h *hashAlg) digest(parts ...[]byte) []byte {
	d := h.new()
	for _, p := range parts {
		d.Write(p)
	}
	return d.Sum(nil)
}

// Package biff implements the legacy encryption of BIFF8 (.xls) workbook
// streams: the FILEPASS record and the RC4 CryptoAPI cipher applied to
// record payloads.
package biff

// https://docs.microsoft.com/en-us/openspecs/office_file_formats/ms-xls/cd03cb5f-ca02-4934-a391-bb674cb8aa06
// MS-XLS section 2.2.10 and 2.4.117, MS-OFFCRYPTO section 2.3.5.

import (
	"bytes"
	"context"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
)

// DefaultPassword is the password Excel uses when a workbook is encrypted
// as a side effect of sheet protection rather than an explicit password
// (MS-XLS note <100>, section 2.4.191).
const DefaultPassword = "VelvetSweatshop"

// kdfIterations is the fixed iteration count of the RC4 CryptoAPI KDF.
const kdfIterations = 50000

// rekeyInterval is how many payload bytes one RC4 block key covers before
// the keystream is re-initialized with the next block index.
const rekeyInterval = 1024

// FilePass holds the parsed FILEPASS record of an encrypted workbook
// stream.
type FilePass struct {
	EncryptionType uint16 // 0 = XOR obfuscation, 1 = RC4 family
	VersionMajor   uint16 // 1 = basic RC4, 2..4 = RC4 CryptoAPI
	VersionMinor   uint16
	Flags          uint32
	KeySizeBits    int

	Salt                  []byte // 16 bytes
	EncryptedVerifier     []byte // 16 bytes
	EncryptedVerifierHash []byte // 20 bytes, SHA-1
}

// 2.3.2 EncryptionHeader, shared with the OOXML Standard scheme.
type cryptoAPIHeader struct {
	Flags        uint32
	SizeExtra    uint32
	AlgID        uint32
	AlgIDHash    uint32
	KeySize      uint32
	ProviderType uint32
	Reserved1    uint32
	Reserved2    uint32
}

const (
	calgRC4  = 0x00006801
	calgSHA1 = 0x00008004
)

// parseFilePass decodes a FILEPASS record payload. Only the RC4 CryptoAPI
// variant is supported: XOR obfuscation and basic (MD5) RC4 return
// ErrUnsupportedScheme.
func parseFilePass(data []byte) (*FilePass, error) {
	if len(data) < 6 {
		return nil, offcrypto.WrapErr(errors.New("biff: FILEPASS record too short"), offcrypto.ErrCorruptContainer)
	}
	fp := &FilePass{
		EncryptionType: binary.LittleEndian.Uint16(data),
	}
	if fp.EncryptionType != 1 {
		return nil, errors.Wrap(offcrypto.ErrUnsupportedScheme, "XOR obfuscation")
	}
	fp.VersionMajor = binary.LittleEndian.Uint16(data[2:])
	fp.VersionMinor = binary.LittleEndian.Uint16(data[4:])
	if fp.VersionMajor == 1 && fp.VersionMinor == 1 {
		return nil, errors.Wrap(offcrypto.ErrUnsupportedScheme, "basic RC4")
	}
	if fp.VersionMinor != 2 || fp.VersionMajor < 2 || fp.VersionMajor > 4 {
		return nil, errors.Wrapf(offcrypto.ErrUnsupportedScheme,
			"FILEPASS version %d.%d", fp.VersionMajor, fp.VersionMinor)
	}

	br := bytes.NewReader(data[6:])
	var headerSize uint32
	if err := binary.Read(br, binary.LittleEndian, &fp.Flags); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	if err := binary.Read(br, binary.LittleEndian, &headerSize); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	if int(headerSize) > br.Len() || headerSize < 32 {
		return nil, offcrypto.WrapErr(errors.Errorf("biff: header size %d out of range", headerSize), offcrypto.ErrCorruptContainer)
	}
	hdrBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hdrBytes); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	h := cryptoAPIHeader{}
	if err := binary.Read(bytes.NewReader(hdrBytes), binary.LittleEndian, &h); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	if h.AlgID != calgRC4 {
		return nil, errors.Wrapf(offcrypto.ErrUnsupportedScheme, "cipher ALG_ID 0x%08X", h.AlgID)
	}
	if h.AlgIDHash != calgSHA1 && h.AlgIDHash != 0 {
		return nil, errors.Wrapf(offcrypto.ErrUnsupportedScheme, "hash ALG_ID 0x%08X", h.AlgIDHash)
	}
	fp.KeySizeBits = int(h.KeySize)
	if fp.KeySizeBits == 0 {
		// A zero KeySize means the CryptoAPI default of 40 bits.
		fp.KeySizeBits = 40
	}
	if _, err := keyLenBytes(fp.KeySizeBits); err != nil {
		return nil, err
	}

	var saltSize uint32
	if err := binary.Read(br, binary.LittleEndian, &saltSize); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	if saltSize != 16 {
		return nil, offcrypto.WrapErr(errors.Errorf("biff: salt size %d", saltSize), offcrypto.ErrCorruptContainer)
	}
	fp.Salt = make([]byte, 16)
	fp.EncryptedVerifier = make([]byte, 16)
	if _, err := io.ReadFull(br, fp.Salt); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	if _, err := io.ReadFull(br, fp.EncryptedVerifier); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	var hashSize uint32
	if err := binary.Read(br, binary.LittleEndian, &hashSize); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	if hashSize != sha1.Size {
		return nil, offcrypto.WrapErr(errors.Errorf("biff: verifier hash size %d", hashSize), offcrypto.ErrCorruptContainer)
	}
	fp.EncryptedVerifierHash = make([]byte, sha1.Size)
	if _, err := io.ReadFull(br, fp.EncryptedVerifierHash); err != nil {
		return nil, offcrypto.WrapErr(err, offcrypto.ErrCorruptContainer)
	}
	return fp, nil
}

// keyLenBytes maps the declared key size to the RC4 key length in bytes.
func keyLenBytes(bits int) (int, error) {
	switch bits {
	case 40:
		return 5, nil
	case 56:
		return 7, nil
	case 128:
		return 16, nil
	}
	return 0, errors.Wrapf(offcrypto.ErrUnsupportedScheme, "RC4 key size %d bits", bits)
}

// cryptoAPIKey is the output of the RC4 CryptoAPI KDF: the intermediate
// hash from which every per-block RC4 key is derived.
type cryptoAPIKey struct {
	base   []byte // 20 bytes
	keyLen int
}

// deriveCryptoAPIKey implements the RC4 CryptoAPI key derivation:
//
//	H0 = SHA1(pw)
//	H  = SHA1(salt || H0)
//	H  = SHA1(LE32(i) || H)   for i in [0, 50000)
//
// with pw encoded as UTF-16LE.
func deriveCryptoAPIKey(ctx context.Context, password string, salt []byte, keyBits int) (*cryptoAPIKey, error) {
	keyLen, err := keyLenBytes(keyBits)
	if err != nil {
		return nil, err
	}
	pw := offcrypto.EncodePassword(password)
	defer offcrypto.Zeroize(pw)

	h0 := sha1.Sum(pw)
	d := sha1.New()
	d.Write(salt)
	d.Write(h0[:])
	cur := d.Sum(nil)
	offcrypto.Zeroize(h0[:])

	var le [4]byte
	for i := uint32(0); i < kdfIterations; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				offcrypto.Zeroize(cur)
				return nil, err
			}
		}
		binary.LittleEndian.PutUint32(le[:], i)
		d.Reset()
		d.Write(le[:])
		d.Write(cur)
		cur = d.Sum(cur[:0])
	}
	return &cryptoAPIKey{base: cur, keyLen: keyLen}, nil
}

// blockKey derives the RC4 key for one 1024-byte block:
// SHA1(H || LE32(block))[:keyLen].
func (k *cryptoAPIKey) blockKey(block uint32) []byte {
	d := sha1.New()
	d.Write(k.base)
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], block)
	d.Write(le[:])
	return d.Sum(nil)[:k.keyLen]
}

func (k *cryptoAPIKey) close() {
	offcrypto.Zeroize(k.base)
	k.base = nil
}

// verify decrypts the verifier pair with the block-0 key. Both fields come
// from one continuous keystream. The comparison is constant time.
func (k *cryptoAPIKey) verify(fp *FilePass) (bool, error) {
	c, err := rc4.NewCipher(k.blockKey(0))
	if err != nil {
		return false, err
	}
	verifier := make([]byte, 16)
	verifierHash := make([]byte, sha1.Size)
	c.XORKeyStream(verifier, fp.EncryptedVerifier)
	c.XORKeyStream(verifierHash, fp.EncryptedVerifierHash)

	want := sha1.Sum(verifier)
	return subtle.ConstantTimeCompare(want[:], verifierHash) == 1, nil
}

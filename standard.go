package offcrypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// EncryptionInfo flag bits, MS-OFFCRYPTO 2.3.1.
const (
	flagCryptoAPI = 0x00000004
	flagDocProps  = 0x00000008
	flagExternal  = 0x00000010
	flagAES       = 0x00000020
)

// standardIterations is the fixed KDF iteration count of the Standard
// scheme. Unlike the Agile spin count it is not file-controlled.
const standardIterations = 50000

// StandardDescriptor holds the parsed binary header and verifier of a
// Standard (CryptoAPI) EncryptionInfo stream.
type StandardDescriptor struct {
	Flags         uint32
	AlgID         uint32
	HashAlgorithm string
	KeyBits       int
	CSPName       string

	Salt                  []byte
	EncryptedVerifier     []byte // 16 bytes
	EncryptedVerifierHash []byte // padded to the AES block boundary on disk
	VerifierHashSize      int    // unpadded digest size

	hash *hashAlg
}

// 2.3.2 EncryptionHeader, fixed-size prefix.
type standardHeader struct {
	Flags        uint32
	SizeExtra    uint32
	AlgID        uint32
	AlgIDHash    uint32
	KeySize      uint32
	ProviderType uint32
	Reserved1    uint32
	Reserved2    uint32
}

func parseStandardDescriptor(data []byte, flags uint32) (*StandardDescriptor, error) {
	if flags&flagAES == 0 {
		// Version 2.2/3.2/4.2 without fAES is CryptoAPI RC4, which OOXML
		// containers do not use.
		return nil, errors.Wrap(ErrUnsupportedScheme, "Standard header without fAES")
	}
	br := bytes.NewReader(data)
	var headerSize uint32
	if err := binary.Read(br, binary.LittleEndian, &headerSize); err != nil {
		return nil, WrapErr(err, ErrCorruptContainer)
	}
	if int(headerSize) > br.Len() || headerSize < 32 {
		return nil, WrapErr(errors.Errorf("offcrypto: header size %d out of range", headerSize), ErrCorruptContainer)
	}
	hdrBytes := data[4 : 4+headerSize]
	h := standardHeader{}
	if err := binary.Read(bytes.NewReader(hdrBytes), binary.LittleEndian, &h); err != nil {
		return nil, WrapErr(err, ErrCorruptContainer)
	}

	d := &StandardDescriptor{
		Flags:   h.Flags,
		AlgID:   h.AlgID,
		KeyBits: int(h.KeySize),
		CSPName: decodeUTF16LEString(hdrBytes[32:]),
	}
	switch h.AlgID {
	case calgAES128, calgAES192, calgAES256:
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "cipher ALG_ID 0x%08X", h.AlgID)
	}
	if wantBits := 128 + 64*int(h.AlgID-calgAES128); d.KeyBits != wantBits {
		return nil, WrapErr(errors.Errorf("offcrypto: key size %d does not match ALG_ID", d.KeyBits), ErrCorruptContainer)
	}
	hash, err := hashByCalg(h.AlgIDHash)
	if err != nil {
		return nil, err
	}
	d.hash = hash
	d.HashAlgorithm = hash.name

	// EncryptionVerifier follows the header.
	vr := bytes.NewReader(data[4+headerSize:])
	var saltSize uint32
	if err := binary.Read(vr, binary.LittleEndian, &saltSize); err != nil {
		return nil, WrapErr(err, ErrCorruptContainer)
	}
	if saltSize == 0 || saltSize > 64 {
		return nil, WrapErr(errors.Errorf("offcrypto: salt size %d out of range", saltSize), ErrCorruptContainer)
	}
	d.Salt = make([]byte, saltSize)
	d.EncryptedVerifier = make([]byte, 16)
	if _, err := io.ReadFull(vr, d.Salt); err != nil {
		return nil, WrapErr(err, ErrCorruptContainer)
	}
	if _, err := io.ReadFull(vr, d.EncryptedVerifier); err != nil {
		return nil, WrapErr(err, ErrCorruptContainer)
	}
	var hashSize uint32
	if err := binary.Read(vr, binary.LittleEndian, &hashSize); err != nil {
		return nil, WrapErr(err, ErrCorruptContainer)
	}
	if int(hashSize) != hash.size {
		return nil, WrapErr(errors.Errorf("offcrypto: verifier hash size %d for %s", hashSize, hash.name), ErrCorruptContainer)
	}
	d.VerifierHashSize = int(hashSize)
	// On disk the encrypted hash is padded to the AES block boundary:
	// commonly 32 bytes for a 20-byte SHA-1 digest.
	padded := (int(hashSize) + aes.BlockSize - 1) &^ (aes.BlockSize - 1)
	d.EncryptedVerifierHash = make([]byte, padded)
	if _, err := io.ReadFull(vr, d.EncryptedVerifierHash); err != nil {
		return nil, WrapErr(errors.New("offcrypto: truncated verifier hash"), ErrCorruptContainer)
	}
	return d, nil
}

func decodeUTF16LEString(b []byte) string {
	var r []rune
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		r = append(r, rune(c))
	}
	return string(r)
}

// standardDeriveKey implements the fixed-iteration Standard KDF
// (MS-OFFCRYPTO 2.3.4.7):
//
//	H = Hash(salt || pw)
//	H = Hash(LE32(i) || H)      for i in [0, 50000)
//	Hfinal = Hash(H || LE32(0))
//	key = (Hash(0x36-pad XOR Hfinal) || Hash(0x5C-pad XOR Hfinal))[:keyBits/8]
func standardDeriveKey(ctx context.Context, h *hashAlg, salt, pw []byte, keyBits int) ([]byte, error) {
	cur := h.digest(salt, pw)
	d := h.new()
	for i := uint32(0); i < standardIterations; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				Zeroize(cur)
				return nil, err
			}
		}
		d.Reset()
		d.Write(le32(i))
		d.Write(cur)
		cur = d.Sum(cur[:0])
	}
	hfinal := h.digest(cur, le32(0))
	Zeroize(cur)

	derive := func(fill byte) []byte {
		buf := make([]byte, 64)
		for i := range buf {
			buf[i] = fill
		}
		for i, c := range hfinal {
			buf[i] ^= c
		}
		out := h.digest(buf)
		Zeroize(buf)
		return out
	}
	x1 := derive(0x36)
	x2 := derive(0x5C)
	Zeroize(hfinal)

	material := append(x1, x2...)
	key := make([]byte, keyBits/8)
	copy(key, material)
	Zeroize(material)
	return key, nil
}

// standardVerify checks the password verifier: AES-ECB decrypt both fields,
// hash the verifier, constant-time compare the digests.
func standardVerify(d *StandardDescriptor, key []byte) (bool, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return false, err
	}
	verifier, err := aesECB(block, d.EncryptedVerifier, false)
	if err != nil {
		return false, err
	}
	verifierHash, err := aesECB(block, d.EncryptedVerifierHash, false)
	if err != nil {
		return false, err
	}
	want := d.hash.digest(verifier)
	return ctEqual(want[:d.VerifierHashSize], verifierHash[:d.VerifierHashSize]), nil
}

// standardDecrypt derives the key, verifies the password, and decrypts the
// EncryptedPackage stream in 4096-byte CBC segments with
// IV = Hash(salt || LE32(segment))[:16].
func standardDecrypt(ctx context.Context, d *StandardDescriptor, pkg []byte, password string, cfg Config) ([]byte, error) {
	pw := newSecret(EncodePassword(password))
	defer pw.Close()

	key, err := standardDeriveKey(ctx, d.hash, d.Salt, pw.Bytes(), d.KeyBits)
	if err != nil {
		return nil, err
	}
	km := &keyMaterial{key: newSecret(key)}
	defer km.Close()

	ok, err := standardVerify(d, km.key.Bytes())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidPassword
	}
	km.verified = true

	if len(pkg) < 8 {
		return nil, WrapErr(errors.New("offcrypto: missing package size prefix"), ErrCorruptContainer)
	}
	origSize := binary.LittleEndian.Uint64(pkg)
	return decryptSegments(ctx, km.key.Bytes(), pkg[8:], origSize, func(i uint32) []byte {
		return d.hash.digest(d.Salt, le32(i))[:aes.BlockSize]
	}, cfg.Parallelism)
}

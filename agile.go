package offcrypto

import (
	"context"
	"crypto/aes"
	"crypto/hmac"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"

	"github.com/pkg/errors"
)

// The Agile KDF mixes one of these fixed 8-byte block keys into the
// password hash chain to derive distinct keys for each purpose
// (MS-OFFCRYPTO 2.3.4.13). The byte sequences are mandated by the format
// and are not derivable from the file.
var (
	blockKeyVerifierHashInput = []byte{0xFE, 0xA7, 0xD2, 0x76, 0x3B, 0x4B, 0x9E, 0x79}
	blockKeyVerifierHashValue = []byte{0xD7, 0xAA, 0x0F, 0x6D, 0x30, 0x61, 0x34, 0x4E}
	blockKeyEncryptedKey      = []byte{0x14, 0x6E, 0x0B, 0xE7, 0xAB, 0xAC, 0xD0, 0xD6}
	blockKeyHmacKey           = []byte{0x5F, 0xB2, 0xAD, 0x01, 0x0C, 0xB9, 0xE1, 0xF6}
	blockKeyHmacValue         = []byte{0xA0, 0x67, 0x7F, 0x02, 0xB2, 0x2C, 0x84, 0x33}
)

// AgileKeyData mirrors the keyData element governing package encryption.
type AgileKeyData struct {
	SaltValue       []byte
	BlockSize       int
	KeyBits         int
	HashSize        int
	CipherAlgorithm string
	CipherChaining  string
	HashAlgorithm   string

	hash *hashAlg
}

// AgileIntegrity mirrors the optional dataIntegrity element.
type AgileIntegrity struct {
	EncryptedHmacKey   []byte
	EncryptedHmacValue []byte
}

// AgilePasswordKey mirrors the password keyEncryptor element.
type AgilePasswordKey struct {
	SpinCount       uint32
	SaltValue       []byte
	BlockSize       int
	KeyBits         int
	HashSize        int
	CipherAlgorithm string
	CipherChaining  string
	HashAlgorithm   string

	EncryptedVerifierHashInput []byte
	EncryptedVerifierHashValue []byte
	EncryptedKeyValue          []byte

	hash *hashAlg
}

// AgileDescriptor holds the parsed XML descriptor of an Agile
// EncryptionInfo stream.
type AgileDescriptor struct {
	KeyData     AgileKeyData
	Integrity   *AgileIntegrity
	PasswordKey AgilePasswordKey
}

const passwordKeyEncryptorURI = "http://schemas.microsoft.com/office/2006/keyEncryptor/password"

type xmlEncryption struct {
	XMLName       xml.Name          `xml:"encryption"`
	KeyData       xmlKeyData        `xml:"keyData"`
	DataIntegrity *xmlDataIntegrity `xml:"dataIntegrity"`
	KeyEncryptors struct {
		KeyEncryptor []xmlKeyEncryptor `xml:"keyEncryptor"`
	} `xml:"keyEncryptors"`
}

type xmlKeyData struct {
	SaltSize        int    `xml:"saltSize,attr"`
	BlockSize       int    `xml:"blockSize,attr"`
	KeyBits         int    `xml:"keyBits,attr"`
	HashSize        int    `xml:"hashSize,attr"`
	CipherAlgorithm string `xml:"cipherAlgorithm,attr"`
	CipherChaining  string `xml:"cipherChaining,attr"`
	HashAlgorithm   string `xml:"hashAlgorithm,attr"`
	SaltValue       string `xml:"saltValue,attr"`
}

type xmlDataIntegrity struct {
	EncryptedHmacKey   string `xml:"encryptedHmacKey,attr"`
	EncryptedHmacValue string `xml:"encryptedHmacValue,attr"`
}

type xmlKeyEncryptor struct {
	URI          string           `xml:"uri,attr"`
	EncryptedKey *xmlEncryptedKey `xml:"encryptedKey"`
}

type xmlEncryptedKey struct {
	SpinCount                  uint32 `xml:"spinCount,attr"`
	SaltSize                   int    `xml:"saltSize,attr"`
	BlockSize                  int    `xml:"blockSize,attr"`
	KeyBits                    int    `xml:"keyBits,attr"`
	HashSize                   int    `xml:"hashSize,attr"`
	CipherAlgorithm            string `xml:"cipherAlgorithm,attr"`
	CipherChaining             string `xml:"cipherChaining,attr"`
	HashAlgorithm              string `xml:"hashAlgorithm,attr"`
	SaltValue                  string `xml:"saltValue,attr"`
	EncryptedVerifierHashInput string `xml:"encryptedVerifierHashInput,attr"`
	EncryptedVerifierHashValue string `xml:"encryptedVerifierHashValue,attr"`
	EncryptedKeyValue          string `xml:"encryptedKeyValue,attr"`
}

func b64attr(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, WrapErr(errors.Wrap(err, "offcrypto: bad base64 attribute"), ErrCorruptContainer)
	}
	return b, nil
}

func checkAgileCipher(alg, chaining string, blockSize int) error {
	if alg != "AES" {
		return errors.Wrapf(ErrUnsupportedScheme, "cipher %q", alg)
	}
	if chaining != "ChainingModeCBC" {
		return errors.Wrapf(ErrUnsupportedScheme, "chaining %q", chaining)
	}
	if blockSize != aes.BlockSize {
		return errors.Wrapf(ErrUnsupportedScheme, "block size %d", blockSize)
	}
	return nil
}

func parseAgileDescriptor(data []byte) (*AgileDescriptor, error) {
	var x xmlEncryption
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, WrapErr(errors.Wrap(err, "offcrypto: parsing Agile descriptor"), ErrCorruptContainer)
	}

	d := &AgileDescriptor{}
	if err := checkAgileCipher(x.KeyData.CipherAlgorithm, x.KeyData.CipherChaining, x.KeyData.BlockSize); err != nil {
		return nil, err
	}
	kdHash, err := hashByName(x.KeyData.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	kdSalt, err := b64attr(x.KeyData.SaltValue)
	if err != nil {
		return nil, err
	}
	if len(kdSalt) != x.KeyData.SaltSize || len(kdSalt) == 0 {
		return nil, WrapErr(errors.New("offcrypto: keyData salt size mismatch"), ErrCorruptContainer)
	}
	d.KeyData = AgileKeyData{
		SaltValue:       kdSalt,
		BlockSize:       x.KeyData.BlockSize,
		KeyBits:         x.KeyData.KeyBits,
		HashSize:        x.KeyData.HashSize,
		CipherAlgorithm: x.KeyData.CipherAlgorithm,
		CipherChaining:  x.KeyData.CipherChaining,
		HashAlgorithm:   x.KeyData.HashAlgorithm,
		hash:            kdHash,
	}

	if x.DataIntegrity != nil {
		hk, err := b64attr(x.DataIntegrity.EncryptedHmacKey)
		if err != nil {
			return nil, err
		}
		hv, err := b64attr(x.DataIntegrity.EncryptedHmacValue)
		if err != nil {
			return nil, err
		}
		d.Integrity = &AgileIntegrity{EncryptedHmacKey: hk, EncryptedHmacValue: hv}
	}

	// Certificate key encryptors may appear alongside the password one;
	// only the password encryptor is implemented.
	var ek *xmlEncryptedKey
	for i := range x.KeyEncryptors.KeyEncryptor {
		ke := &x.KeyEncryptors.KeyEncryptor[i]
		if ke.EncryptedKey != nil && (ke.URI == "" || ke.URI == passwordKeyEncryptorURI) {
			ek = ke.EncryptedKey
			break
		}
	}
	if ek == nil {
		return nil, errors.Wrap(ErrUnsupportedScheme, "no password key encryptor")
	}
	if err := checkAgileCipher(ek.CipherAlgorithm, ek.CipherChaining, ek.BlockSize); err != nil {
		return nil, err
	}
	pkHash, err := hashByName(ek.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	pkSalt, err := b64attr(ek.SaltValue)
	if err != nil {
		return nil, err
	}
	if len(pkSalt) != ek.SaltSize || len(pkSalt) == 0 {
		return nil, WrapErr(errors.New("offcrypto: keyEncryptor salt size mismatch"), ErrCorruptContainer)
	}
	vInput, err := b64attr(ek.EncryptedVerifierHashInput)
	if err != nil {
		return nil, err
	}
	vValue, err := b64attr(ek.EncryptedVerifierHashValue)
	if err != nil {
		return nil, err
	}
	kValue, err := b64attr(ek.EncryptedKeyValue)
	if err != nil {
		return nil, err
	}
	d.PasswordKey = AgilePasswordKey{
		SpinCount:                  ek.SpinCount,
		SaltValue:                  pkSalt,
		BlockSize:                  ek.BlockSize,
		KeyBits:                    ek.KeyBits,
		HashSize:                   ek.HashSize,
		CipherAlgorithm:            ek.CipherAlgorithm,
		CipherChaining:             ek.CipherChaining,
		HashAlgorithm:              ek.HashAlgorithm,
		EncryptedVerifierHashInput: vInput,
		EncryptedVerifierHashValue: vValue,
		EncryptedKeyValue:          kValue,
		hash:                       pkHash,
	}
	return d, nil
}

// agileHashChain runs the spin loop of the Agile KDF:
//
//	H = Hash(salt || pw)
//	H = Hash(LE32(i) || H)   for i in [0, spinCount)
//
// The spin count is file-provided, so it is checked against the configured
// maximum before the loop runs.
func agileHashChain(ctx context.Context, h *hashAlg, salt, pw []byte, spinCount, maxSpin uint32) ([]byte, error) {
	if spinCount > maxSpin {
		return nil, errors.Wrapf(ErrSpinCountTooLarge, "spin count %d > %d", spinCount, maxSpin)
	}
	cur := h.digest(salt, pw)
	d := h.new()
	for i := uint32(0); i < spinCount; i++ {
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
	return cur, nil
}

// agileDeriveKey produces the purpose-specific key for a block-key
// constant: Hash(H || blockKey) truncated or 0x36-padded to keyBits/8.
func agileDeriveKey(h *hashAlg, chain, blockKey []byte, keyBits int) []byte {
	return normalizeBlock(h.digest(chain, blockKey), keyBits/8)
}

// normalizeBlock truncates b or pads it with 0x36 bytes to exactly n bytes
// (MS-OFFCRYPTO 2.3.4.11).
func normalizeBlock(b []byte, n int) []byte {
	out := make([]byte, n)
	for i := copy(out, b); i < n; i++ {
		out[i] = 0x36
	}
	return out
}

// agileVerify checks the password verifier pair. The IV for both fields is
// the key encryptor salt itself.
func agileVerify(d *AgileDescriptor, chain []byte) (bool, error) {
	pk := &d.PasswordKey
	iv := normalizeBlock(pk.SaltValue, pk.BlockSize)

	kInput := agileDeriveKey(pk.hash, chain, blockKeyVerifierHashInput, pk.KeyBits)
	defer Zeroize(kInput)
	verifier, err := aesCBC(kInput, iv, pk.EncryptedVerifierHashInput, false)
	if err != nil {
		return false, err
	}
	if len(verifier) > len(pk.SaltValue) {
		verifier = verifier[:len(pk.SaltValue)]
	}

	kValue := agileDeriveKey(pk.hash, chain, blockKeyVerifierHashValue, pk.KeyBits)
	defer Zeroize(kValue)
	verifierHash, err := aesCBC(kValue, iv, pk.EncryptedVerifierHashValue, false)
	if err != nil {
		return false, err
	}

	want := pk.hash.digest(verifier)
	n := pk.HashSize
	if n <= 0 || n > len(want) || n > len(verifierHash) {
		n = pk.hash.size
	}
	if n > len(verifierHash) {
		return false, WrapErr(errors.New("offcrypto: verifier hash too short"), ErrCorruptContainer)
	}
	return ctEqual(want[:n], verifierHash[:n]), nil
}

// agileUnwrapKey recovers the random package key wrapped under the
// password-derived key.
func agileUnwrapKey(d *AgileDescriptor, chain []byte) ([]byte, error) {
	pk := &d.PasswordKey
	iv := normalizeBlock(pk.SaltValue, pk.BlockSize)
	kKey := agileDeriveKey(pk.hash, chain, blockKeyEncryptedKey, pk.KeyBits)
	defer Zeroize(kKey)
	raw, err := aesCBC(kKey, iv, pk.EncryptedKeyValue, false)
	if err != nil {
		return nil, err
	}
	n := d.KeyData.KeyBits / 8
	if n <= 0 || n > len(raw) {
		return nil, WrapErr(errors.New("offcrypto: encryptedKeyValue too short"), ErrCorruptContainer)
	}
	key := make([]byte, n)
	copy(key, raw)
	Zeroize(raw)
	return key, nil
}

// agileCheckIntegrity validates the HMAC over the full EncryptedPackage
// stream, 8-byte size prefix included. The HMAC key and value are wrapped
// under the package key with IVs derived from the keyData salt and the
// dedicated block-key constants.
func agileCheckIntegrity(d *AgileDescriptor, packageKey, pkg []byte) error {
	kd := &d.KeyData
	unwrap := func(enc, blockKey []byte) ([]byte, error) {
		iv := normalizeBlock(kd.hash.digest(kd.SaltValue, blockKey), kd.BlockSize)
		return aesCBC(packageKey, iv, enc, false)
	}
	hmacKey, err := unwrap(d.Integrity.EncryptedHmacKey, blockKeyHmacKey)
	if err != nil {
		return err
	}
	defer Zeroize(hmacKey)
	hmacValue, err := unwrap(d.Integrity.EncryptedHmacValue, blockKeyHmacValue)
	if err != nil {
		return err
	}

	n := kd.hash.size
	if len(hmacKey) < n || len(hmacValue) < n {
		return WrapErr(errors.New("offcrypto: dataIntegrity fields too short"), ErrCorruptContainer)
	}
	mac := hmac.New(kd.hash.new, hmacKey[:n])
	mac.Write(pkg)
	if !ctEqual(mac.Sum(nil)[:n], hmacValue[:n]) {
		return ErrIntegrityMismatch
	}
	return nil
}

// agileDecrypt derives keys from the password, verifies it, checks package
// integrity, and decrypts the EncryptedPackage stream in 4096-byte CBC
// segments with IV = Hash(keyData.salt || LE32(segment)) per keyData's hash.
func agileDecrypt(ctx context.Context, d *AgileDescriptor, pkg []byte, password string, cfg Config) ([]byte, error) {
	pw := newSecret(EncodePassword(password))
	defer pw.Close()

	chain, err := agileHashChain(ctx, d.PasswordKey.hash, d.PasswordKey.SaltValue, pw.Bytes(),
		d.PasswordKey.SpinCount, cfg.maxSpinCount())
	if err != nil {
		return nil, err
	}
	defer Zeroize(chain)

	ok, err := agileVerify(d, chain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidPassword
	}

	packageKey, err := agileUnwrapKey(d, chain)
	if err != nil {
		return nil, err
	}
	km := &keyMaterial{key: newSecret(packageKey), verified: true}
	defer km.Close()

	if len(pkg) < 8 {
		return nil, WrapErr(errors.New("offcrypto: missing package size prefix"), ErrCorruptContainer)
	}
	if d.Integrity != nil && !cfg.SkipIntegrity {
		if err := agileCheckIntegrity(d, km.key.Bytes(), pkg); err != nil {
			return nil, err
		}
	}

	kd := &d.KeyData
	origSize := binary.LittleEndian.Uint64(pkg)
	return decryptSegments(ctx, km.key.Bytes(), pkg[8:], origSize, func(i uint32) []byte {
		return normalizeBlock(kd.hash.digest(kd.SaltValue, le32(i)), kd.BlockSize)
	}, cfg.Parallelism)
}

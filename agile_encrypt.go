package offcrypto

import (
	"context"
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// EncryptOptions selects the Agile parameter profile for Encrypt. Override
// the defaults only for explicit compatibility needs.
type EncryptOptions struct {
	KeyBits   int    // cipher key size, default 256
	Hash      string // hash algorithm name, default SHA512
	SpinCount uint32 // password KDF iterations, default 100000
	SaltSize  int    // default 16
}

func (o *EncryptOptions) withDefaults() EncryptOptions {
	out := EncryptOptions{KeyBits: 256, Hash: "SHA512", SpinCount: 100000, SaltSize: 16}
	if o == nil {
		return out
	}
	if o.KeyBits != 0 {
		out.KeyBits = o.KeyBits
	}
	if o.Hash != "" {
		out.Hash = o.Hash
	}
	if o.SpinCount != 0 {
		out.SpinCount = o.SpinCount
	}
	if o.SaltSize != 0 {
		out.SaltSize = o.SaltSize
	}
	return out
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "offcrypto: crypto/rand")
	}
	return b, nil
}

// zeroPad extends b with zeros to the next multiple of the AES block size.
func zeroPad(b []byte) []byte {
	r := len(b) % aes.BlockSize
	if r == 0 {
		return b
	}
	return append(b[:len(b):len(b)], make([]byte, aes.BlockSize-r)...)
}

// Encrypt produces a new Agile-encrypted container from plaintext package
// bytes: an EncryptionInfo stream holding the XML descriptor and an
// EncryptedPackage stream holding the 8-byte size prefix plus ciphertext.
// Every parameter is freshly generated: both salts, the verifier input, the
// package key, and the integrity HMAC key.
func Encrypt(ctx context.Context, w StreamWriter, pkg []byte, password string, opts *EncryptOptions) error {
	o := opts.withDefaults()
	h, err := hashByName(o.Hash)
	if err != nil {
		return err
	}
	switch o.KeyBits {
	case 128, 192, 256:
	default:
		return errors.Wrapf(ErrUnsupportedScheme, "key size %d", o.KeyBits)
	}

	kdSalt, err := randomBytes(o.SaltSize)
	if err != nil {
		return err
	}
	pkSalt, err := randomBytes(o.SaltSize)
	if err != nil {
		return err
	}
	verifierInput, err := randomBytes(o.SaltSize)
	if err != nil {
		return err
	}
	packageKey, err := randomBytes(o.KeyBits / 8)
	if err != nil {
		return err
	}
	hmacKey, err := randomBytes(h.size)
	if err != nil {
		return err
	}
	km := &keyMaterial{key: newSecret(packageKey), hmacKey: newSecret(hmacKey), verified: true}
	defer km.Close()

	pw := newSecret(EncodePassword(password))
	defer pw.Close()
	chain, err := agileHashChain(ctx, h, pkSalt, pw.Bytes(), o.SpinCount, o.SpinCount)
	if err != nil {
		return err
	}
	defer Zeroize(chain)

	// Password key encryptor fields, IV = salt.
	iv := normalizeBlock(pkSalt, aes.BlockSize)
	wrap := func(blockKey, plain []byte) ([]byte, error) {
		k := agileDeriveKey(h, chain, blockKey, o.KeyBits)
		defer Zeroize(k)
		return aesCBC(k, iv, zeroPad(plain), true)
	}
	encVerifierInput, err := wrap(blockKeyVerifierHashInput, verifierInput)
	if err != nil {
		return err
	}
	encVerifierValue, err := wrap(blockKeyVerifierHashValue, h.digest(verifierInput))
	if err != nil {
		return err
	}
	encKeyValue, err := wrap(blockKeyEncryptedKey, packageKey)
	if err != nil {
		return err
	}

	// Segment-encrypt the payload under the package key.
	ciphertext, err := encryptSegments(packageKey, pkg, func(i uint32) []byte {
		return normalizeBlock(h.digest(kdSalt, le32(i)), aes.BlockSize)
	})
	if err != nil {
		return err
	}
	encryptedPackage := make([]byte, 8+len(ciphertext))
	binary.LittleEndian.PutUint64(encryptedPackage, uint64(len(pkg)))
	copy(encryptedPackage[8:], ciphertext)

	// Integrity HMAC over the whole stream, size prefix included.
	mac := hmac.New(h.new, hmacKey)
	mac.Write(encryptedPackage)
	seal := func(blockKey, plain []byte) ([]byte, error) {
		iv := normalizeBlock(h.digest(kdSalt, blockKey), aes.BlockSize)
		return aesCBC(packageKey, iv, zeroPad(plain), true)
	}
	encHmacKey, err := seal(blockKeyHmacKey, hmacKey)
	if err != nil {
		return err
	}
	encHmacValue, err := seal(blockKeyHmacValue, mac.Sum(nil))
	if err != nil {
		return err
	}

	info := agileInfoStream(o, h, kdSalt, pkSalt, encHmacKey, encHmacValue,
		encVerifierInput, encVerifierValue, encKeyValue)
	if err := w.WriteStream(StreamEncryptionInfo, info); err != nil {
		return errors.Wrap(err, "offcrypto: writing EncryptionInfo")
	}
	if err := w.WriteStream(StreamEncryptedPackage, encryptedPackage); err != nil {
		return errors.Wrap(err, "offcrypto: writing EncryptedPackage")
	}
	return nil
}

const agileDescriptorTemplate = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\r\n" +
	`<encryption xmlns="http://schemas.microsoft.com/office/2006/encryption"` +
	` xmlns:p="http://schemas.microsoft.com/office/2006/keyEncryptor/password">` +
	`<keyData saltSize="%d" blockSize="16" keyBits="%d" hashSize="%d"` +
	` cipherAlgorithm="AES" cipherChaining="ChainingModeCBC" hashAlgorithm="%s" saltValue="%s"/>` +
	`<dataIntegrity encryptedHmacKey="%s" encryptedHmacValue="%s"/>` +
	`<keyEncryptors><keyEncryptor uri="` + passwordKeyEncryptorURI + `">` +
	`<p:encryptedKey spinCount="%d" saltSize="%d" blockSize="16" keyBits="%d" hashSize="%d"` +
	` cipherAlgorithm="AES" cipherChaining="ChainingModeCBC" hashAlgorithm="%s" saltValue="%s"` +
	` encryptedVerifierHashInput="%s" encryptedVerifierHashValue="%s" encryptedKeyValue="%s"/>` +
	`</keyEncryptor></keyEncryptors></encryption>`

// agileInfoStream serializes the EncryptionInfo stream: the 8-byte version
// header (4.4, flags 0x40) followed by the XML descriptor.
func agileInfoStream(o EncryptOptions, h *hashAlg, kdSalt, pkSalt,
	encHmacKey, encHmacValue, encVerifierInput, encVerifierValue, encKeyValue []byte) []byte {
	b64 := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
	xmlBody := fmt.Sprintf(agileDescriptorTemplate,
		len(kdSalt), o.KeyBits, h.size, h.name, b64(kdSalt),
		b64(encHmacKey), b64(encHmacValue),
		o.SpinCount, len(pkSalt), o.KeyBits, h.size, h.name, b64(pkSalt),
		b64(encVerifierInput), b64(encVerifierValue), b64(encKeyValue))

	out := make([]byte, 8, 8+len(xmlBody))
	binary.LittleEndian.PutUint16(out[0:], 4)
	binary.LittleEndian.PutUint16(out[2:], 4)
	binary.LittleEndian.PutUint32(out[4:], 0x40)
	return append(out, xmlBody...)
}

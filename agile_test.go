package offcrypto

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"testing"

	"github.com/stretchr/testify/require"
)

// Chain value computed independently for SHA-512, a 16-byte salt of
// 0x01..0x10, the password "opensesame", and 1000 spins.
const agileChainSHA512 = "2c9da0a4963a16bdd7719883d246347c16e29f88b033e457f09f3fa8db0a7564" +
	"7b662c774a674853d076803d9b35d17bf8a3354d1a490a0c18c1ed4efbc4d88e"

func seqBytes(start byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func TestAgileHashChainVector(t *testing.T) {
	h, err := hashByName("SHA512")
	require.NoError(t, err)
	salt := seqBytes(0x01, 16)
	chain, err := agileHashChain(context.Background(), h, salt,
		EncodePassword("opensesame"), 1000, DefaultMaxSpinCount)
	require.NoError(t, err)
	require.Equal(t, agileChainSHA512, hex.EncodeToString(chain))
}

func TestAgileHashChainSpinGuard(t *testing.T) {
	h, _ := hashByName("SHA1")
	_, err := agileHashChain(context.Background(), h, seqBytes(1, 16),
		EncodePassword("pw"), 1001, 1000)
	require.ErrorIs(t, err, ErrSpinCountTooLarge)
}

// countingHash wraps a real hash constructor and counts instantiations,
// which bounds how much KDF work could have happened.
type countingHash struct {
	inner *hashAlg
	calls int
}

func (c *countingHash) alg() *hashAlg {
	return &hashAlg{
		name: c.inner.name,
		size: c.inner.size,
		new: func() hash.Hash {
			c.calls++
			return c.inner.new()
		},
	}
}

func TestAgileSpinGuardRunsBeforeKDF(t *testing.T) {
	inner, _ := hashByName("SHA512")
	counter := &countingHash{inner: inner}
	_, err := agileHashChain(context.Background(), counter.alg(), seqBytes(1, 16),
		EncodePassword("pw"), 10_000_000, DefaultMaxSpinCount)
	require.ErrorIs(t, err, ErrSpinCountTooLarge)
	require.Zero(t, counter.calls, "KDF must not run for an oversized spin count")
}

func TestAgileHashChainCancel(t *testing.T) {
	h, _ := hashByName("SHA1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agileHashChain(ctx, h, seqBytes(1, 16),
		EncodePassword("pw"), 100000, DefaultMaxSpinCount)
	require.ErrorIs(t, err, context.Canceled)
}

func agileFixtureContainer(t *testing.T) memContainer {
	return memContainer{
		StreamEncryptionInfo:   loadFixture(t, "agile_info.bin"),
		StreamEncryptedPackage: loadFixture(t, "agile_package.bin"),
	}
}

func TestAgileDecryptFixture(t *testing.T) {
	c := agileFixtureContainer(t)
	plain, err := Decrypt(context.Background(), c, "opensesame")
	require.NoError(t, err)
	require.Equal(t, loadFixture(t, "agile_plain.bin"), plain)
}

func TestAgileWrongPassword(t *testing.T) {
	c := agileFixtureContainer(t)
	_, err := Decrypt(context.Background(), c, "not the password")
	require.ErrorIs(t, err, ErrInvalidPassword)
}

func TestAgileIntegrityMismatch(t *testing.T) {
	c := agileFixtureContainer(t)
	pkg := append([]byte(nil), c[StreamEncryptedPackage]...)
	pkg[100] ^= 0x01
	c[StreamEncryptedPackage] = pkg

	_, err := Decrypt(context.Background(), c, "opensesame")
	require.ErrorIs(t, err, ErrIntegrityMismatch)

	// the same tampered package decrypts when validation is skipped
	_, err = DecryptWith(context.Background(), c, "opensesame", Config{SkipIntegrity: true})
	require.NoError(t, err)
}

func TestAgileSpinCountCeiling(t *testing.T) {
	c := agileFixtureContainer(t)
	_, err := DecryptWith(context.Background(), c, "opensesame", Config{MaxSpinCount: 500})
	require.ErrorIs(t, err, ErrSpinCountTooLarge)
}

func TestAgileSerialDecrypt(t *testing.T) {
	c := agileFixtureContainer(t)
	plain, err := DecryptWith(context.Background(), c, "opensesame", Config{Parallelism: 1})
	require.NoError(t, err)
	require.Equal(t, loadFixture(t, "agile_plain.bin"), plain)
}

func TestAgileRoundTrip(t *testing.T) {
	opts := &EncryptOptions{KeyBits: 128, Hash: "SHA256", SpinCount: 1000}
	for _, n := range []int{0, 1, 15, 16, 4095, 4096, 4097, 8192, 8193} {
		t.Run(fmt.Sprintf("len%d", n), func(t *testing.T) {
			pkg := make([]byte, n)
			for i := range pkg {
				pkg[i] = byte(i * 3)
			}
			c := memContainer{}
			err := Encrypt(context.Background(), c, pkg, "round trip", opts)
			require.NoError(t, err)

			si, err := Detect(c)
			require.NoError(t, err)
			require.Equal(t, SchemeAgile, si.Scheme)

			got, err := Decrypt(context.Background(), c, "round trip")
			require.NoError(t, err)
			require.Equal(t, pkg, got)
		})
	}
}

func TestAgileRoundTripDefaults(t *testing.T) {
	pkg := []byte("zip archive stand-in")
	c := memContainer{}
	require.NoError(t, Encrypt(context.Background(), c, pkg, "pw", nil))

	d, err := ParseDescriptor(c[StreamEncryptionInfo])
	require.NoError(t, err)
	require.Equal(t, 256, d.Agile.KeyData.KeyBits)
	require.Equal(t, "SHA512", d.Agile.KeyData.HashAlgorithm)
	require.Equal(t, uint32(100000), d.Agile.PasswordKey.SpinCount)
	require.NotNil(t, d.Agile.Integrity)

	got, err := Decrypt(context.Background(), c, "pw")
	require.NoError(t, err)
	require.Equal(t, pkg, got)
}

func TestAgileRoundTripWrongPassword(t *testing.T) {
	c := memContainer{}
	opts := &EncryptOptions{KeyBits: 128, Hash: "SHA256", SpinCount: 1000}
	require.NoError(t, Encrypt(context.Background(), c, []byte("payload"), "right", opts))
	_, err := Decrypt(context.Background(), c, "wrong")
	require.ErrorIs(t, err, ErrInvalidPassword)
}

func TestAgileCertificateOnlyDescriptor(t *testing.T) {
	xml := `<?xml version="1.0"?><encryption xmlns="http://schemas.microsoft.com/office/2006/encryption">` +
		`<keyData saltSize="16" blockSize="16" keyBits="128" hashSize="32"` +
		` cipherAlgorithm="AES" cipherChaining="ChainingModeCBC" hashAlgorithm="SHA256"` +
		` saltValue="AAECAwQFBgcICQoLDA0ODw=="/>` +
		`<keyEncryptors><keyEncryptor uri="http://schemas.microsoft.com/office/2006/keyEncryptor/certificate">` +
		`</keyEncryptor></keyEncryptors></encryption>`
	info := append(versionHeader(4, 4, 0x40), xml...)
	_, err := ParseDescriptor(info)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestNormalizeBlock(t *testing.T) {
	require.Equal(t, []byte{1, 2, 3}, normalizeBlock([]byte{1, 2, 3, 4}, 3))
	require.Equal(t, []byte{1, 2, 0x36, 0x36}, normalizeBlock([]byte{1, 2}, 4))
}

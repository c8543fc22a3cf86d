package biff

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
	"github.com/stretchr/testify/require"
)

// Values computed independently for the default password and a 16-byte
// salt of 0x10..0x1F.
const (
	kdfBaseVector   = "5aa329443f43910ee1d586f56c84265882ea893a"
	block0KeyVector = "899d90f71f"
	block1KeyVector = "4db674520f"
)

func testSalt() []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = 0x10 + byte(i)
	}
	return b
}

func TestDeriveCryptoAPIKeyVector(t *testing.T) {
	key, err := deriveCryptoAPIKey(context.Background(), DefaultPassword, testSalt(), 40)
	require.NoError(t, err)
	defer key.close()
	require.Equal(t, kdfBaseVector, hex.EncodeToString(key.base))
	require.Equal(t, block0KeyVector, hex.EncodeToString(key.blockKey(0)))
	require.Equal(t, block1KeyVector, hex.EncodeToString(key.blockKey(1)))
}

func TestDeriveCryptoAPIKeyCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := deriveCryptoAPIKey(ctx, "pw", testSalt(), 40)
	require.ErrorIs(t, err, context.Canceled)
}

func TestKeyLenBytes(t *testing.T) {
	for bits, want := range map[int]int{40: 5, 56: 7, 128: 16} {
		n, err := keyLenBytes(bits)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	_, err := keyLenBytes(64)
	require.ErrorIs(t, err, offcrypto.ErrUnsupportedScheme)
}

func validFilePassPayload() []byte {
	hdr := make([]byte, 32)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], 4)       // Flags: fCryptoAPI
	le.PutUint32(hdr[8:], 0x6801)  // CALG_RC4
	le.PutUint32(hdr[12:], 0x8004) // CALG_SHA1
	le.PutUint32(hdr[16:], 40)     // KeySize
	le.PutUint32(hdr[20:], 1)      // ProviderType

	out := make([]byte, 0, 106)
	out = append(out, u16(1)...) // wEncryptionType: RC4
	out = append(out, u16(4)...) // version 4.2
	out = append(out, u16(2)...)
	out = append(out, u32(4)...)  // flags
	out = append(out, u32(32)...) // header size
	out = append(out, hdr...)
	out = append(out, u32(16)...)
	out = append(out, testSalt()...)
	out = append(out, make([]byte, 16)...) // encrypted verifier
	out = append(out, u32(20)...)
	out = append(out, make([]byte, 20)...) // encrypted verifier hash
	return out
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestParseFilePass(t *testing.T) {
	fp, err := parseFilePass(validFilePassPayload())
	require.NoError(t, err)
	require.Equal(t, uint16(1), fp.EncryptionType)
	require.Equal(t, uint16(4), fp.VersionMajor)
	require.Equal(t, uint16(2), fp.VersionMinor)
	require.Equal(t, 40, fp.KeySizeBits)
	require.Equal(t, testSalt(), fp.Salt)
}

func TestParseFilePassRejects(t *testing.T) {
	mutate := func(f func(p []byte)) []byte {
		p := validFilePassPayload()
		f(p)
		return p
	}
	cases := []struct {
		name    string
		payload []byte
		err     error
	}{
		{"xor obfuscation", mutate(func(p []byte) { p[0] = 0 }), offcrypto.ErrUnsupportedScheme},
		{"basic rc4 1.1", mutate(func(p []byte) { p[2] = 1; p[4] = 1 }), offcrypto.ErrUnsupportedScheme},
		{"version 5.2", mutate(func(p []byte) { p[2] = 5 }), offcrypto.ErrUnsupportedScheme},
		{"version 4.3", mutate(func(p []byte) { p[4] = 3 }), offcrypto.ErrUnsupportedScheme},
		{"aes alg id", mutate(func(p []byte) { binary.LittleEndian.PutUint32(p[14+8:], 0x660E) }), offcrypto.ErrUnsupportedScheme},
		{"bad key size", mutate(func(p []byte) { binary.LittleEndian.PutUint32(p[14+16:], 64) }), offcrypto.ErrUnsupportedScheme},
		{"bad salt size", mutate(func(p []byte) { p[46] = 8 }), offcrypto.ErrCorruptContainer},
		{"too short", []byte{1, 0, 4}, offcrypto.ErrCorruptContainer},
		{"truncated verifier", validFilePassPayload()[:80], offcrypto.ErrCorruptContainer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseFilePass(tc.payload)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestParseFilePassDefaultKeySize(t *testing.T) {
	p := validFilePassPayload()
	binary.LittleEndian.PutUint32(p[14+16:], 0)
	fp, err := parseFilePass(p)
	require.NoError(t, err)
	require.Equal(t, 40, fp.KeySizeBits)
}

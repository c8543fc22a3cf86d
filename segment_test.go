package offcrypto

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func testIV(salt []byte) ivFunc {
	return func(i uint32) []byte {
		sum := sha256.Sum256(append(salt, le32(i)...))
		return sum[:16]
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	key := seqBytes(0x11, 16)
	iv := testIV([]byte("segment salt"))
	for _, n := range []int{0, 1, 15, 16, 17, 4095, 4096, 4097, 8192, 8193} {
		plain := make([]byte, n)
		for i := range plain {
			plain[i] = byte(i * 7)
		}
		ct, err := encryptSegments(key, plain, iv)
		require.NoError(t, err)
		require.Equal(t, 0, len(ct)%16)
		require.GreaterOrEqual(t, len(ct), n)

		got, err := decryptSegments(context.Background(), key, ct, uint64(n), iv, 0)
		require.NoError(t, err)
		require.Equal(t, plain, got, "length %d", n)
	}
}

func TestSegmentsAreIndependent(t *testing.T) {
	key := seqBytes(0x22, 16)
	iv := testIV([]byte("independent"))
	plain := make([]byte, 2*segmentSize)
	for i := range plain {
		plain[i] = byte(i)
	}
	ct, err := encryptSegments(key, plain, iv)
	require.NoError(t, err)

	// corrupt a block in the middle of segment 0
	ct[100] ^= 0xFF
	got, err := decryptSegments(context.Background(), key, ct, uint64(len(plain)), iv, 0)
	require.NoError(t, err)
	require.False(t, bytes.Equal(plain[:segmentSize], got[:segmentSize]))
	require.Equal(t, plain[segmentSize:], got[segmentSize:])
}

func TestSegmentIsolationMatchesFullDecrypt(t *testing.T) {
	// decrypting one segment's ciphertext on its own yields the same bytes
	// as decrypting it within the whole stream
	key := seqBytes(0x66, 16)
	iv := testIV([]byte("isolation"))
	plain := make([]byte, 3*segmentSize)
	for i := range plain {
		plain[i] = byte(i * 13)
	}
	ct, err := encryptSegments(key, plain, iv)
	require.NoError(t, err)

	full, err := decryptSegments(context.Background(), key, ct, uint64(len(plain)), iv, 0)
	require.NoError(t, err)

	for seg := uint32(0); seg < 3; seg++ {
		off := int(seg) * segmentSize
		alone, err := aesCBC(key, iv(seg), ct[off:off+segmentSize], false)
		require.NoError(t, err)
		require.Equal(t, full[off:off+segmentSize], alone, "segment %d", seg)
	}
}

func TestSegmentDeclaredSizeTooLarge(t *testing.T) {
	key := seqBytes(0x33, 16)
	iv := testIV([]byte("truncated"))
	ct, err := encryptSegments(key, make([]byte, 100), iv)
	require.NoError(t, err)
	_, err = decryptSegments(context.Background(), key, ct, 5000, iv, 0)
	require.ErrorIs(t, err, ErrTruncatedPackage)
}

func TestSegmentUnalignedCiphertext(t *testing.T) {
	key := seqBytes(0x44, 16)
	iv := testIV([]byte("unaligned"))
	_, err := decryptSegments(context.Background(), key, make([]byte, 17), 10, iv, 0)
	require.ErrorIs(t, err, ErrCorruptContainer)
}

func TestSegmentExtraPaddingIgnored(t *testing.T) {
	// a package whose final segment carries a full block of padding still
	// truncates to the declared size
	key := seqBytes(0x55, 16)
	iv := testIV([]byte("padded"))
	plain := make([]byte, 40)
	ct, err := encryptSegments(key, plain, iv)
	require.NoError(t, err)
	require.Equal(t, 48, len(ct))

	got, err := decryptSegments(context.Background(), key, ct, 40, iv, 0)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

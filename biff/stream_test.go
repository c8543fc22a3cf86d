package biff

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestDetectEncryptedWorkbook(t *testing.T) {
	fp, err := Detect(loadFixture(t, "workbook_rc4.bin"))
	require.NoError(t, err)
	require.NotNil(t, fp)
	require.Equal(t, 40, fp.KeySizeBits)
	require.Equal(t, testSalt(), fp.Salt)
}

func TestDetectPlainWorkbook(t *testing.T) {
	// a globals substream with no FILEPASS record
	stream := append(rec(recBOF, make([]byte, 16)), rec(recEOF, nil)...)
	fp, err := Detect(stream)
	require.NoError(t, err)
	require.Nil(t, fp)
}

func rec(recType uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(out, recType)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

func TestDecryptStreamFixture(t *testing.T) {
	// The fixture covers a plaintext BOF, the FILEPASS record itself, a
	// BoundSheet8 whose first four bytes stay plaintext, and a 2000-byte
	// record whose payload spans two 1024-byte rekey boundaries.
	enc := loadFixture(t, "workbook_rc4.bin")
	got, err := DecryptStream(context.Background(), enc, "")
	require.NoError(t, err)
	require.Equal(t, loadFixture(t, "workbook_plain.bin"), got)
}

func TestDecryptStreamExplicitDefaultPassword(t *testing.T) {
	enc := loadFixture(t, "workbook_rc4.bin")
	got, err := DecryptStream(context.Background(), enc, DefaultPassword)
	require.NoError(t, err)
	require.Equal(t, loadFixture(t, "workbook_plain.bin"), got)
}

func TestDecryptStreamWrongPassword(t *testing.T) {
	enc := loadFixture(t, "workbook_rc4.bin")
	_, err := DecryptStream(context.Background(), enc, "letmein")
	require.ErrorIs(t, err, offcrypto.ErrInvalidPassword)
}

func TestDecryptStreamPatchesFilePass(t *testing.T) {
	enc := loadFixture(t, "workbook_rc4.bin")
	got, err := DecryptStream(context.Background(), enc, "")
	require.NoError(t, err)

	// the FILEPASS record follows the 16-byte BOF record
	off := 4 + 16
	require.Equal(t, uint16(recFilePass), binary.LittleEndian.Uint16(enc[off:]))
	require.Equal(t, uint16(recDecrypted), binary.LittleEndian.Uint16(got[off:]))
	// size and payload position are preserved
	require.Equal(t, enc[off+2:off+4], got[off+2:off+4])
}

func TestDecryptStreamUnencryptedCopy(t *testing.T) {
	stream := append(rec(recBOF, make([]byte, 16)), rec(0x00FC, []byte("shared strings"))...)
	stream = append(stream, rec(recEOF, nil)...)
	got, err := DecryptStream(context.Background(), stream, "ignored")
	require.NoError(t, err)
	require.Equal(t, stream, got)

	// the result is a copy, not an alias
	got[0] ^= 1
	require.NotEqual(t, stream[0], got[0])
}

func TestDecryptStreamCorruptRecord(t *testing.T) {
	stream := rec(recBOF, make([]byte, 16))
	binary.LittleEndian.PutUint16(stream[2:], 9000) // size beyond the record limit
	_, err := DecryptStream(context.Background(), stream, "")
	require.ErrorIs(t, err, offcrypto.ErrCorruptContainer)
}

func TestKeystreamRekeying(t *testing.T) {
	key, err := deriveCryptoAPIKey(context.Background(), DefaultPassword, testSalt(), 40)
	require.NoError(t, err)
	defer key.close()

	// applying one 2048-byte buffer must equal applying it in uneven
	// chunks, with rekeying at the same absolute positions
	src := make([]byte, 2048)
	for i := range src {
		src[i] = byte(i * 31)
	}

	ks1, err := newKeystream(key)
	require.NoError(t, err)
	whole := make([]byte, len(src))
	require.NoError(t, ks1.apply(whole, src))

	ks2, err := newKeystream(key)
	require.NoError(t, err)
	chunked := make([]byte, len(src))
	for _, cut := range [][2]int{{0, 100}, {100, 1024}, {1024, 1500}, {1500, 2048}} {
		require.NoError(t, ks2.apply(chunked[cut[0]:cut[1]], src[cut[0]:cut[1]]))
	}
	require.Equal(t, whole, chunked)
}

func TestKeystreamSkipAdvances(t *testing.T) {
	key, err := deriveCryptoAPIKey(context.Background(), DefaultPassword, testSalt(), 40)
	require.NoError(t, err)
	defer key.close()

	src := make([]byte, 200)
	ks1, err := newKeystream(key)
	require.NoError(t, err)
	full := make([]byte, len(src))
	require.NoError(t, ks1.apply(full, src))

	ks2, err := newKeystream(key)
	require.NoError(t, err)
	require.NoError(t, ks2.skip(100))
	tail := make([]byte, 100)
	require.NoError(t, ks2.apply(tail, src[100:]))
	require.Equal(t, full[100:], tail)
}

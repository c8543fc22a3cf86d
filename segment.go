package offcrypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// segmentSize is the plaintext segment length of an EncryptedPackage
// stream. CBC chaining is confined to a single segment; the IV of segment i
// depends only on (salt, i), never on the previous segment's output.
const segmentSize = 4096

// ivFunc returns the initialization vector for a plaintext segment index.
type ivFunc func(index uint32) []byte

// decryptSegments CBC-decrypts an EncryptedPackage ciphertext (without its
// 8-byte size prefix) in 4096-byte segments and truncates the result to
// origSize. Segments are independent, so they are decrypted concurrently.
//
// The final ciphertext segment is whatever remains after the full 4096-byte
// segments, which can be up to one whole cipher block more than the minimal
// padding for origSize would need. Everything is decrypted and the global
// truncation discards the padding, whatever its length.
func decryptSegments(ctx context.Context, key []byte, ciphertext []byte, origSize uint64, iv ivFunc, parallelism int) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WrapErr(errors.Wrap(err, "offcrypto: package key"), ErrCorruptContainer)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, WrapErr(errors.New("offcrypto: ciphertext not block aligned"), ErrCorruptContainer)
	}
	if origSize > uint64(len(ciphertext)) {
		return nil, errors.Wrapf(ErrTruncatedPackage,
			"declared %d bytes, %d bytes of ciphertext", origSize, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for seg, off := uint32(0), 0; off < len(ciphertext); seg, off = seg+1, off+segmentSize {
		seg, off := seg, off
		end := off + segmentSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			mode := cipher.NewCBCDecrypter(block, iv(seg))
			mode.CryptBlocks(out[off:end], ciphertext[off:end])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out[:origSize], nil
}

// encryptSegments CBC-encrypts plaintext in 4096-byte segments, zero-padding
// the final segment to the cipher block size.
func encryptSegments(key []byte, plaintext []byte, iv ivFunc) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := len(plaintext)
	if r := padded % aes.BlockSize; r != 0 {
		padded += aes.BlockSize - r
	}
	out := make([]byte, padded)

	for seg, off := uint32(0), 0; off < padded; seg, off = seg+1, off+segmentSize {
		end := off + segmentSize
		if end > padded {
			end = padded
		}
		src := out[off:end]
		copy(src, plaintext[off:min(end, len(plaintext))])
		mode := cipher.NewCBCEncrypter(block, iv(seg))
		mode.CryptBlocks(src, src)
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// aesECB applies AES to each block of src independently. The Standard
// scheme verifier fields use ECB with no IV.
func aesECB(block cipher.Block, src []byte, encrypt bool) ([]byte, error) {
	if len(src)%aes.BlockSize != 0 {
		return nil, WrapErr(errors.New("offcrypto: ECB data not block aligned"), ErrCorruptContainer)
	}
	out := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		if encrypt {
			block.Encrypt(out[i:], src[i:])
		} else {
			block.Decrypt(out[i:], src[i:])
		}
	}
	return out, nil
}

// aesCBC runs one CBC pass over a block-aligned buffer with an explicit IV.
func aesCBC(key, iv, src []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(src)%aes.BlockSize != 0 {
		return nil, WrapErr(errors.New("offcrypto: CBC data not block aligned"), ErrCorruptContainer)
	}
	out := make([]byte, len(src))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, src)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, src)
	}
	return out, nil
}

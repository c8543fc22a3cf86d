package biff

import (
	"context"
	"crypto/rc4"
	"encoding/binary"
	"log"

	"github.com/pkg/errors"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
)

// Record types this package must treat specially. Per MS-XLS 2.2.10 the
// record type and size fields are never encrypted, and these records keep
// plaintext payloads; the lbPlyPos field of BoundSheet8 also stays
// plaintext.
const (
	recEOF          = 0x000A
	recFilePass     = 0x002F
	recBoundSheet8  = 0x0085
	recInterfaceHdr = 0x00E1
	recRRDHead      = 0x0138
	recUsrExcl      = 0x0194
	recFileLock     = 0x0195
	recRRDInfo      = 0x0196
	recBOF          = 0x0809

	// recDecrypted replaces the FILEPASS type id after decryption so
	// downstream consumers that do not know about encryption can still
	// walk the stream without offset drift.
	recDecrypted = 0xFFFF

	maxRecordSize = 8224
)

func plaintextRecord(recType uint16) bool {
	switch recType {
	case recBOF, recFilePass, recUsrExcl, recFileLock, recInterfaceHdr, recRRDInfo, recRRDHead:
		return true
	}
	return false
}

// keystream applies the RC4 CryptoAPI keystream across record payload
// bytes, re-initializing the cipher with the next block key at every
// 1024-byte payload boundary. Plaintext ranges advance the stream position
// without transforming anything.
type keystream struct {
	key     *cryptoAPIKey
	block   uint32
	offset  int
	cipher  *rc4.Cipher
	scratch [rekeyInterval]byte
}

func newKeystream(key *cryptoAPIKey) (*keystream, error) {
	c, err := rc4.NewCipher(key.blockKey(0))
	if err != nil {
		return nil, err
	}
	return &keystream{key: key, cipher: c}, nil
}

func (ks *keystream) advanceBlock() error {
	ks.block++
	ks.offset = 0
	c, err := rc4.NewCipher(ks.key.blockKey(ks.block))
	if err != nil {
		return err
	}
	ks.cipher = c
	return nil
}

// apply XORs the keystream over src into dst (dst and src may alias).
func (ks *keystream) apply(dst, src []byte) error {
	for len(src) > 0 {
		n := rekeyInterval - ks.offset
		if n > len(src) {
			n = len(src)
		}
		ks.cipher.XORKeyStream(dst[:n], src[:n])
		dst, src = dst[n:], src[n:]
		ks.offset += n
		if ks.offset == rekeyInterval {
			if err := ks.advanceBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// skip consumes n keystream bytes without using them, for payload ranges
// that stay plaintext.
func (ks *keystream) skip(n int) error {
	for n > 0 {
		c := n
		if c > rekeyInterval-ks.offset {
			c = rekeyInterval - ks.offset
		}
		ks.cipher.XORKeyStream(ks.scratch[:c], ks.scratch[:c])
		n -= c
		ks.offset += c
		if ks.offset == rekeyInterval {
			if err := ks.advanceBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// findFilePass walks record headers and returns the offset of the FILEPASS
// record, or -1 when the stream is not encrypted. Record headers are
// plaintext even in an encrypted stream, so the walk is safe either way.
func findFilePass(stream []byte) (int, []byte, error) {
	pos := 0
	for pos+4 <= len(stream) {
		recType := binary.LittleEndian.Uint16(stream[pos:])
		recSize := int(binary.LittleEndian.Uint16(stream[pos+2:]))
		if recType == 0 {
			break
		}
		if recSize > maxRecordSize || pos+4+recSize > len(stream) {
			return -1, nil, offcrypto.WrapErr(errors.Errorf("biff: invalid record at offset %d", pos), offcrypto.ErrCorruptContainer)
		}
		if recType == recFilePass {
			return pos, stream[pos+4 : pos+4+recSize], nil
		}
		if recType == recEOF {
			// FILEPASS can only appear in the globals substream.
			break
		}
		pos += 4 + recSize
	}
	return -1, nil, nil
}

// Detect scans the globals substream of a workbook stream for a FILEPASS
// record and returns its parsed form, or (nil, nil) when the stream is not
// encrypted.
func Detect(workbook []byte) (*FilePass, error) {
	_, data, err := findFilePass(workbook)
	if err != nil || data == nil {
		return nil, err
	}
	return parseFilePass(data)
}

// DecryptStream decrypts an RC4 CryptoAPI encrypted workbook stream in
// place of a copy: record headers and excluded records are carried over
// untouched, every other record payload is deciphered, and the FILEPASS
// record type id is rewritten to 0xFFFF (its size is kept) so the stream
// still walks cleanly. A stream without a FILEPASS record is returned as
// an unchanged copy.
//
// An empty password means the Excel default password ("VelvetSweatshop"),
// which Excel applies to protection-only workbooks.
func DecryptStream(ctx context.Context, workbook []byte, password string) ([]byte, error) {
	fpOffset, fpData, err := findFilePass(workbook)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(workbook))
	copy(out, workbook)
	if fpData == nil {
		return out, nil
	}
	fp, err := parseFilePass(fpData)
	if err != nil {
		return nil, err
	}
	if password == "" {
		password = DefaultPassword
	}

	key, err := deriveCryptoAPIKey(ctx, password, fp.Salt, fp.KeySizeBits)
	if err != nil {
		return nil, err
	}
	defer key.close()
	ok, err := key.verify(fp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, offcrypto.ErrInvalidPassword
	}
	if offcrypto.Debug {
		log.Printf("  Decrypting BIFF stream with RC4 CryptoAPI, %d-bit key", fp.KeySizeBits)
	}

	ks, err := newKeystream(key)
	if err != nil {
		return nil, err
	}
	pos := 0
	for pos+4 <= len(out) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recType := binary.LittleEndian.Uint16(out[pos:])
		recSize := int(binary.LittleEndian.Uint16(out[pos+2:]))
		if recType == 0 {
			break
		}
		if recSize > maxRecordSize || pos+4+recSize > len(out) {
			return nil, offcrypto.WrapErr(errors.Errorf("biff: invalid record at offset %d", pos), offcrypto.ErrCorruptContainer)
		}
		payload := out[pos+4 : pos+4+recSize]
		switch {
		case plaintextRecord(recType):
			err = ks.skip(recSize)
		case recType == recBoundSheet8 && recSize >= 4:
			// lbPlyPos stays plaintext so sheet offsets remain valid.
			if err = ks.skip(4); err == nil {
				err = ks.apply(payload[4:], payload[4:])
			}
		default:
			err = ks.apply(payload, payload)
		}
		if err != nil {
			return nil, err
		}
		pos += 4 + recSize
	}

	binary.LittleEndian.PutUint16(out[fpOffset:], recDecrypted)
	return out, nil
}

// Package offcrypto implements the password encryption schemes used by
// Microsoft Office documents: the OOXML "Agile" and "Standard" (CryptoAPI)
// schemes stored in an OLE/CFB container. It converts an encrypted container
// plus a password into plaintext package bytes, and can produce new
// Agile-encrypted containers. The legacy BIFF FILEPASS scheme for .xls
// workbook streams lives in the biff subpackage.
package offcrypto

// Algorithms implemented from the MS-OFFCRYPTO specification:
// https://docs.microsoft.com/en-us/openspecs/office_file_formats/ms-offcrypto/3c34d72a-1a61-4b52-a893-196f9157f083

import (
	"context"
	"encoding/binary"
	"log"

	"github.com/pkg/errors"
)

// Stream names within the OLE/CFB container. Some producers emit the
// EncryptionInfo stream under a space-prefixed name; the unprefixed name
// takes precedence when both exist.
const (
	StreamEncryptionInfo       = "EncryptionInfo"
	StreamEncryptionInfoLegacy = "\x06DataSpaces/EncryptionInfo"
	StreamEncryptedPackage     = "EncryptedPackage"
)

// Container provides named-stream access to an OLE/CFB compound file.
// This package never parses the compound file sector structure itself.
type Container interface {
	// ReadStream returns the full contents of the named stream.
	ReadStream(name string) ([]byte, error)
}

// StreamWriter receives the streams of a new encrypted container.
type StreamWriter interface {
	// WriteStream stores the full contents of the named stream.
	WriteStream(name string, data []byte) error
}

// Scheme identifies an Office encryption scheme.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeStandard
	SchemeAgile
)

func (s Scheme) String() string {
	switch s {
	case SchemeStandard:
		return "Standard (CryptoAPI)"
	case SchemeAgile:
		return "Agile"
	}
	return "unknown"
}

// SchemeInfo describes the classification of an EncryptionInfo stream.
type SchemeInfo struct {
	Scheme       Scheme
	VersionMajor uint16
	VersionMinor uint16
	Flags        uint32
}

// DefaultMaxSpinCount bounds the file-declared Agile spin count. A file
// declaring more is rejected with ErrSpinCountTooLarge before the
// key-derivation loop ever runs.
const DefaultMaxSpinCount = 250000

// Config adjusts decryption behavior. The zero value uses the defaults.
type Config struct {
	// MaxSpinCount overrides DefaultMaxSpinCount when non-zero.
	MaxSpinCount uint32

	// SkipIntegrity disables the Agile HMAC validation of the encrypted
	// package. The HMAC is validated by default whenever the descriptor
	// carries a dataIntegrity block.
	SkipIntegrity bool

	// Parallelism caps the number of segments decrypted concurrently.
	// Zero means one worker per CPU.
	Parallelism int
}

func (c Config) maxSpinCount() uint32 {
	if c.MaxSpinCount == 0 {
		return DefaultMaxSpinCount
	}
	return c.MaxSpinCount
}

// DetectScheme classifies the raw bytes of an EncryptionInfo stream.
// It returns ErrUnsupportedScheme for a recognized header with an
// unimplemented version pair, and ErrCorruptContainer when the stream is
// shorter than the fixed 8-byte version header.
func DetectScheme(encryptionInfo []byte) (SchemeInfo, error) {
	if len(encryptionInfo) < 8 {
		return SchemeInfo{}, WrapErr(errors.New("offcrypto: EncryptionInfo shorter than version header"), ErrCorruptContainer)
	}
	si := SchemeInfo{
		VersionMajor: binary.LittleEndian.Uint16(encryptionInfo),
		VersionMinor: binary.LittleEndian.Uint16(encryptionInfo[2:]),
		Flags:        binary.LittleEndian.Uint32(encryptionInfo[4:]),
	}
	switch {
	case si.VersionMinor == 2 && (si.VersionMajor == 2 || si.VersionMajor == 3 || si.VersionMajor == 4):
		si.Scheme = SchemeStandard
	case si.VersionMajor == 4 && si.VersionMinor == 4:
		si.Scheme = SchemeAgile
	default:
		return si, errors.Wrapf(ErrUnsupportedScheme,
			"EncryptionInfo version %d.%d", si.VersionMajor, si.VersionMinor)
	}
	return si, nil
}

// Detect reads the EncryptionInfo stream of a container and classifies its
// encryption scheme. It returns (nil, nil) when the container holds no
// EncryptionInfo stream at all, i.e. it is not password-encrypted.
func Detect(c Container) (*SchemeInfo, error) {
	data, err := readEncryptionInfo(c)
	if err != nil {
		return nil, nil
	}
	si, err := DetectScheme(data)
	if err != nil {
		return &si, err
	}
	return &si, nil
}

func readEncryptionInfo(c Container) ([]byte, error) {
	data, err := c.ReadStream(StreamEncryptionInfo)
	if err == nil {
		return data, nil
	}
	return c.ReadStream(StreamEncryptionInfoLegacy)
}

// Decrypt opens a password-encrypted OOXML container and returns the
// plaintext package bytes. Defaults are used for the spin-count guard and
// integrity validation; see DecryptWith.
func Decrypt(ctx context.Context, c Container, password string) ([]byte, error) {
	return DecryptWith(ctx, c, password, Config{})
}

// DecryptWith is Decrypt with an explicit Config.
func DecryptWith(ctx context.Context, c Container, password string, cfg Config) ([]byte, error) {
	info, err := readEncryptionInfo(c)
	if err != nil {
		return nil, WrapErr(errors.Wrap(err, "offcrypto: reading EncryptionInfo"), ErrCorruptContainer)
	}
	desc, err := ParseDescriptor(info)
	if err != nil {
		return nil, err
	}
	pkg, err := c.ReadStream(StreamEncryptedPackage)
	if err != nil {
		return nil, WrapErr(errors.Wrap(err, "offcrypto: reading EncryptedPackage"), ErrCorruptContainer)
	}

	switch desc.Scheme {
	case SchemeStandard:
		if Debug {
			log.Printf("  Decrypting Standard package, AES-%d/%s", desc.Standard.KeyBits, desc.Standard.HashAlgorithm)
		}
		return standardDecrypt(ctx, desc.Standard, pkg, password, cfg)
	case SchemeAgile:
		if Debug {
			log.Printf("  Decrypting Agile package, AES-%d/%s", desc.Agile.PasswordKey.KeyBits, desc.Agile.KeyData.HashAlgorithm)
		}
		return agileDecrypt(ctx, desc.Agile, pkg, password, cfg)
	}
	return nil, ErrUnsupportedScheme
}

// EncryptionDescriptor is the parsed form of an EncryptionInfo stream.
// Exactly one of the variant arms is set, matching Scheme.
type EncryptionDescriptor struct {
	Scheme Scheme
	Info   SchemeInfo

	Standard *StandardDescriptor
	Agile    *AgileDescriptor
}

// ParseDescriptor parses an EncryptionInfo stream into its scheme-specific
// descriptor. The descriptor is immutable once parsed.
func ParseDescriptor(encryptionInfo []byte) (*EncryptionDescriptor, error) {
	si, err := DetectScheme(encryptionInfo)
	if err != nil {
		return nil, err
	}
	d := &EncryptionDescriptor{Scheme: si.Scheme, Info: si}
	switch si.Scheme {
	case SchemeStandard:
		d.Standard, err = parseStandardDescriptor(encryptionInfo[8:], si.Flags)
	case SchemeAgile:
		d.Agile, err = parseAgileDescriptor(encryptionInfo[8:])
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

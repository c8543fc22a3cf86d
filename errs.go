package offcrypto

import "errors"

var (
	// configure at build time by adding go build arguments:
	//   -ldflags="-X github.com/fcwoknhenuxdfiyv/offcrypto.loglevel=debug"
	loglevel string = "warn"

	// Debug should be set to true to expose detailed logging.
	Debug bool = (loglevel == "debug")
)

// ErrInvalidPassword is returned when the password verifier does not match.
// The password is wrong; nothing was decrypted.
var ErrInvalidPassword = errors.New("offcrypto: invalid password")

// ErrUnsupportedScheme is returned for a recognized container using an
// encryption scheme, cipher, or hash this package does not implement
// (e.g. certificate key encryptors, XOR obfuscation, basic RC4).
var ErrUnsupportedScheme = errors.New("offcrypto: unsupported encryption scheme")

// ErrCorruptContainer is returned when a required stream or header is
// missing or malformed.
var ErrCorruptContainer = errors.New("offcrypto: corrupt container")

// ErrIntegrityMismatch is returned when the Agile HMAC check fails after a
// correct password. The ciphertext was modified.
var ErrIntegrityMismatch = errors.New("offcrypto: package integrity mismatch")

// ErrSpinCountTooLarge is returned before the key-derivation loop runs when
// a file declares a spin count above the configured maximum.
var ErrSpinCountTooLarge = errors.New("offcrypto: spin count exceeds maximum")

// ErrTruncatedPackage is returned when the declared plaintext size exceeds
// the available ciphertext.
var ErrTruncatedPackage = errors.New("offcrypto: encrypted package is truncated")

type errx struct {
	errs []error
}

func (e errx) Error() string {
	return e.errs[0].Error()
}
func (e errx) Unwrap() error {
	if len(e.errs) > 1 {
		return e.errs[1]
	}
	return nil
}

// WrapErr wraps a set of errors.
func WrapErr(e ...error) error {
	if len(e) == 1 {
		return e[0]
	}
	return errx{errs: e}
}

package offcrypto

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// memContainer is an in-memory stream container for tests.
type memContainer map[string][]byte

func (m memContainer) ReadStream(name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, errors.Errorf("stream '%s' not found", name)
	}
	return data, nil
}

func (m memContainer) WriteStream(name string, data []byte) error {
	m[name] = data
	return nil
}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func versionHeader(major, minor uint16, flags uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:], major)
	binary.LittleEndian.PutUint16(b[2:], minor)
	binary.LittleEndian.PutUint32(b[4:], flags)
	return b
}

func TestDetectScheme(t *testing.T) {
	cases := []struct {
		name   string
		major  uint16
		minor  uint16
		scheme Scheme
		err    error
	}{
		{"standard 2.2", 2, 2, SchemeStandard, nil},
		{"standard 3.2", 3, 2, SchemeStandard, nil},
		{"standard 4.2", 4, 2, SchemeStandard, nil},
		{"agile 4.4", 4, 4, SchemeAgile, nil},
		{"extensible 4.3", 4, 3, SchemeUnknown, ErrUnsupportedScheme},
		{"bogus 1.1", 1, 1, SchemeUnknown, ErrUnsupportedScheme},
		{"bogus 5.2", 5, 2, SchemeUnknown, ErrUnsupportedScheme},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			si, err := DetectScheme(versionHeader(tc.major, tc.minor, 0x40))
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.scheme, si.Scheme)
			require.Equal(t, tc.major, si.VersionMajor)
			require.Equal(t, tc.minor, si.VersionMinor)
		})
	}
}

func TestDetectSchemeTruncated(t *testing.T) {
	_, err := DetectScheme([]byte{4, 0, 4})
	require.ErrorIs(t, err, ErrCorruptContainer)
}

func TestDetectUnencryptedContainer(t *testing.T) {
	si, err := Detect(memContainer{"Workbook": []byte("not encrypted")})
	require.NoError(t, err)
	require.Nil(t, si)
}

func TestDetectPrefersUnprefixedStream(t *testing.T) {
	c := memContainer{
		StreamEncryptionInfo:       versionHeader(4, 4, 0x40),
		StreamEncryptionInfoLegacy: versionHeader(3, 2, 0x24),
	}
	si, err := Detect(c)
	require.NoError(t, err)
	require.Equal(t, SchemeAgile, si.Scheme)
}

func TestDetectLegacyStreamName(t *testing.T) {
	c := memContainer{StreamEncryptionInfoLegacy: versionHeader(4, 4, 0x40)}
	si, err := Detect(c)
	require.NoError(t, err)
	require.Equal(t, SchemeAgile, si.Scheme)
}

func TestParseDescriptorStandard(t *testing.T) {
	d, err := ParseDescriptor(loadFixture(t, "standard_info.bin"))
	require.NoError(t, err)
	require.Equal(t, SchemeStandard, d.Scheme)
	require.NotNil(t, d.Standard)
	require.Nil(t, d.Agile)
	require.Equal(t, 128, d.Standard.KeyBits)
	require.Equal(t, "SHA1", d.Standard.HashAlgorithm)
	require.Equal(t, "Microsoft Enhanced RSA and AES Cryptographic Provider", d.Standard.CSPName)
	require.Len(t, d.Standard.Salt, 16)
	require.Len(t, d.Standard.EncryptedVerifier, 16)
	require.Len(t, d.Standard.EncryptedVerifierHash, 32)
	require.Equal(t, 20, d.Standard.VerifierHashSize)
}

func TestParseDescriptorAgile(t *testing.T) {
	d, err := ParseDescriptor(loadFixture(t, "agile_info.bin"))
	require.NoError(t, err)
	require.Equal(t, SchemeAgile, d.Scheme)
	require.NotNil(t, d.Agile)
	require.Nil(t, d.Standard)
	require.Equal(t, 128, d.Agile.KeyData.KeyBits)
	require.Equal(t, "SHA256", d.Agile.KeyData.HashAlgorithm)
	require.Equal(t, uint32(1000), d.Agile.PasswordKey.SpinCount)
	require.NotNil(t, d.Agile.Integrity)
}

func TestHashByName(t *testing.T) {
	for _, name := range []string{"SHA1", "SHA-1", "sha256", "SHA384", "SHA512"} {
		h, err := hashByName(name)
		require.NoError(t, err, name)
		require.NotNil(t, h)
	}
	_, err := hashByName("MD5")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

package resource

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/primitives"
)

func mustDecodeBase64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

func randomContentKey(t *testing.T) [primitives.KeySize]byte {
	t.Helper()
	key, err := primitives.GenerateContentKey()
	require.NoError(t, err)
	return key
}

func TestEncryptSimpleRoundTrip(t *testing.T) {
	t.Run("v3 round trip", func(t *testing.T) {
		key := randomContentKey(t)
		clear := []byte("hello, this is a resource payload")

		encrypted, err := EncryptSimple(key, clear)
		require.NoError(t, err)

		version, _, err := readVersion(encrypted)
		require.NoError(t, err)
		assert.Equal(t, FormatV3, version)

		got, err := DecryptSimple(key, encrypted)
		require.NoError(t, err)
		assert.Equal(t, clear, got)
	})

	t.Run("v3 empty plaintext", func(t *testing.T) {
		key := randomContentKey(t)
		encrypted, err := EncryptSimple(key, nil)
		require.NoError(t, err)

		got, err := DecryptSimple(key, encrypted)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("resource id recoverable from ciphertext tag", func(t *testing.T) {
		key := randomContentKey(t)
		encrypted, err := EncryptSimple(key, []byte("data"))
		require.NoError(t, err)

		id, err := ExtractResourceID(encrypted)
		require.NoError(t, err)
		assert.Equal(t, ResourceID(encrypted[len(encrypted)-ResourceIDSize:]), id)
	})

	t.Run("wrong key fails decryption", func(t *testing.T) {
		key := randomContentKey(t)
		other := randomContentKey(t)
		encrypted, err := EncryptSimple(key, []byte("secret"))
		require.NoError(t, err)

		_, err = DecryptSimple(other, encrypted)
		require.Error(t, err)
		assert.True(t, corerr.Is(err, corerr.DecryptionFailed))
	})

	t.Run("tampered ciphertext fails decryption", func(t *testing.T) {
		key := randomContentKey(t)
		encrypted, err := EncryptSimple(key, []byte("secret"))
		require.NoError(t, err)
		encrypted[len(encrypted)-1] ^= 0xFF

		_, err = DecryptSimple(key, encrypted)
		require.Error(t, err)
		assert.True(t, corerr.Is(err, corerr.DecryptionFailed))
	})
}

func TestEncryptSimpleWithIDRoundTrip(t *testing.T) {
	key := randomContentKey(t)
	var wantID ResourceID
	copy(wantID[:], []byte("0123456789abcdef"))

	encrypted, err := EncryptSimpleWithID(key, wantID, []byte("fixed id payload"))
	require.NoError(t, err)

	version, _, err := readVersion(encrypted)
	require.NoError(t, err)
	assert.Equal(t, FormatV5, version)

	gotID, err := ExtractResourceID(encrypted)
	require.NoError(t, err)
	assert.Equal(t, wantID, gotID)

	plaintext, err := DecryptSimple(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, []byte("fixed id payload"), plaintext)
}

func TestDecryptLegacySimpleFixtures(t *testing.T) {
	t.Run("v1 iv is derived, not used raw", func(t *testing.T) {
		var key [primitives.KeySize]byte
		copy(key[:], mustDecodeBase64(t, "dg2OgFy8qLba6s9mRsrX6086vGmsm853NY6oMdcvFN0="))
		encrypted := mustDecodeBase64(t, "Acld5go0solCem3a13ukWKe/yE/1Up4SBJ38qoOwcVmR+6ribUsBB9zO2czErd+Je4YOFCJWPEMWl5po")

		version, _, err := readVersion(encrypted)
		require.NoError(t, err)
		assert.Equal(t, FormatV1, version)

		got, err := DecryptSimple(key, encrypted)
		require.NoError(t, err)
		assert.Equal(t, "this is very secret", string(got))
	})

	t.Run("v2 iv is used raw", func(t *testing.T) {
		var key [primitives.KeySize]byte
		copy(key[:], mustDecodeBase64(t, "XqV1NmaWWhDumAmjIg7SLckNO+UJczlclFFNGjgkZx0="))
		encrypted := mustDecodeBase64(t, "Ag40o25KiX7q4WjhCitEmYOBwGhZMTuPw+1j/Kuy+Nez89AWogT17gKzaViCZ13r7YhA9077CX1mwuxy")

		version, _, err := readVersion(encrypted)
		require.NoError(t, err)
		assert.Equal(t, FormatV2, version)

		got, err := DecryptSimple(key, encrypted)
		require.NoError(t, err)
		assert.Equal(t, "this is very secret", string(got))
	})
}

func TestDecryptSimpleRejectsStreamingFormat(t *testing.T) {
	key := randomContentKey(t)
	artifact := putVersion(nil, FormatV4)
	artifact = append(artifact, make([]byte, 64)...)

	_, err := DecryptSimple(key, artifact)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.InvalidArgument))
}

func TestDecryptSimpleRejectsUnknownVersion(t *testing.T) {
	key := randomContentKey(t)
	artifact := putVersion(nil, Format(99))
	artifact = append(artifact, make([]byte, 64)...)

	_, err := DecryptSimple(key, artifact)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.InvalidEncryptionFormat))
}

func TestDecryptSimpleRejectsTruncatedArtifact(t *testing.T) {
	key := randomContentKey(t)
	_, err := DecryptSimple(key, []byte{byte(FormatV3)})
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.DecryptionFailed))
}

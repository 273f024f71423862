package resource

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/primitives"
)

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestStreamRoundTrip(t *testing.T) {
	key := randomContentKey(t)
	var resourceID ResourceID
	copy(resourceID[:], []byte("stream-resource1"))

	t.Run("multi-chunk payload", func(t *testing.T) {
		plaintext := bytes.Repeat([]byte("abcdefgh"), 20000) // bigger than a small chunk size

		enc, err := NewEncryptionStream(bytes.NewReader(plaintext), key, resourceID, 1024)
		require.NoError(t, err)
		encrypted := readAll(t, enc)

		dec, err := NewDecryptionStream(bytes.NewReader(encrypted), key, resourceID)
		require.NoError(t, err)
		got := readAll(t, dec)

		assert.Equal(t, plaintext, got)
		assert.Equal(t, resourceID, dec.Header().ResourceID)
	})

	t.Run("empty payload still emits terminator chunk", func(t *testing.T) {
		enc, err := NewEncryptionStream(bytes.NewReader(nil), key, resourceID, DefaultEncryptedChunkSize)
		require.NoError(t, err)
		encrypted := readAll(t, enc)
		assert.Equal(t, StreamHeaderSize+ivSeedSize+primitives.MACSize, len(encrypted))

		dec, err := NewDecryptionStream(bytes.NewReader(encrypted), key, resourceID)
		require.NoError(t, err)
		got := readAll(t, dec)
		assert.Empty(t, got)
	})

	t.Run("payload exactly one chunk still gets a terminator", func(t *testing.T) {
		small, err := NewEncryptionStream(bytes.NewReader(nil), key, resourceID, 1024)
		require.NoError(t, err)
		maxPlain := small.Header().maxPlaintextPerChunk()
		plaintext := bytes.Repeat([]byte{0x42}, maxPlain)

		enc, err := NewEncryptionStream(bytes.NewReader(plaintext), key, resourceID, 1024)
		require.NoError(t, err)
		encrypted := readAll(t, enc)

		// one full data chunk plus an empty terminator chunk
		assert.Equal(t, 1024+StreamHeaderSize+ivSeedSize+primitives.MACSize, len(encrypted))

		dec, err := NewDecryptionStream(bytes.NewReader(encrypted), key, resourceID)
		require.NoError(t, err)
		got := readAll(t, dec)
		assert.Equal(t, plaintext, got)
	})

	t.Run("wrong resource id is rejected", func(t *testing.T) {
		enc, err := NewEncryptionStream(bytes.NewReader([]byte("hi")), key, resourceID, DefaultEncryptedChunkSize)
		require.NoError(t, err)
		encrypted := readAll(t, enc)

		var otherID ResourceID
		copy(otherID[:], []byte("other-resource12"))
		dec, err := NewDecryptionStream(bytes.NewReader(encrypted), key, otherID)
		require.NoError(t, err)

		_, err = io.ReadAll(dec)
		require.Error(t, err)
	})

	t.Run("wrong key fails decryption", func(t *testing.T) {
		enc, err := NewEncryptionStream(bytes.NewReader([]byte("hi")), key, resourceID, DefaultEncryptedChunkSize)
		require.NoError(t, err)
		encrypted := readAll(t, enc)

		otherKey := randomContentKey(t)
		dec, err := NewDecryptionStream(bytes.NewReader(encrypted), otherKey, resourceID)
		require.NoError(t, err)

		_, err = io.ReadAll(dec)
		require.Error(t, err)
	})
}

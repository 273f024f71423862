package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanker-go/e2ee-core/internal/corerr"
)

func TestDetectFormat(t *testing.T) {
	t.Run("simple formats", func(t *testing.T) {
		for _, f := range []Format{FormatV1, FormatV2, FormatV3, FormatV5} {
			head := putVersion(nil, f)
			class, err := DetectFormat(head)
			require.NoError(t, err)
			assert.Equal(t, ClassificationSimple, class)
		}
	})

	t.Run("streaming format", func(t *testing.T) {
		head := putVersion(nil, FormatV4)
		class, err := DetectFormat(head)
		require.NoError(t, err)
		assert.Equal(t, ClassificationStreaming, class)
	})

	t.Run("unknown version", func(t *testing.T) {
		head := putVersion(nil, Format(42))
		_, err := DetectFormat(head)
		require.Error(t, err)
		assert.True(t, corerr.Is(err, corerr.InvalidEncryptionFormat))
	})

	t.Run("empty buffer", func(t *testing.T) {
		_, err := DetectFormat(nil)
		require.Error(t, err)
		assert.True(t, corerr.Is(err, corerr.InvalidEncryptionFormat))
	})
}

func TestFormatOverhead(t *testing.T) {
	assert.Equal(t, 1+24+16, int(FormatV3.Overhead()))
	assert.Equal(t, 1+16+24+16, int(FormatV5.Overhead()))
	assert.Equal(t, StreamHeaderSize+24+16, int(FormatV4.Overhead()))
}

func TestFormatIsStreaming(t *testing.T) {
	assert.True(t, FormatV4.IsStreaming())
	assert.False(t, FormatV3.IsStreaming())
	assert.False(t, FormatV5.IsStreaming())
}

func TestFormatIsKnown(t *testing.T) {
	for _, f := range []Format{FormatV1, FormatV2, FormatV3, FormatV4, FormatV5} {
		assert.True(t, f.IsKnown())
	}
	assert.False(t, Format(0).IsKnown())
	assert.False(t, Format(6).IsKnown())
}

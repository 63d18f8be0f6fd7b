package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivativeRequest(t *testing.T) {
	r, err := NewDerivativeRequest("  assets/cat.png ", " 640w", true)
	require.NoError(t, err)
	assert.Equal(t, DerivativeRequest{SourceKey: "assets/cat.png", Size: "640w", Force: true}, r)
}

func TestValidateSourceKey(t *testing.T) {
	valid := []string{"assets/cat.png", "cat.png", "assets/nested/dir/clip.mp4", "raw/42"}
	for _, key := range valid {
		assert.NoError(t, ValidateSourceKey(key), key)
	}

	invalid := []string{"", "   ", "/etc/passwd", "assets/../secret.png", "..", "assets/", "."}
	for _, key := range invalid {
		assert.ErrorIs(t, ValidateSourceKey(key), ErrInvalidSourceKey, key)
	}
}

func TestAssetValidate(t *testing.T) {
	require.NoError(t, Asset{ID: "a1", OriginalURI: "ipfs://cid"}.Validate())
	require.NoError(t, Asset{ID: "a1", SourceKey: "raw/a1.png"}.Validate())
	require.Error(t, Asset{ID: "a1"}.Validate())
	require.Error(t, Asset{OriginalURI: "ipfs://cid"}.Validate())
	require.Error(t, Asset{ID: "a1", SourceKey: "../x"}.Validate())
}

func TestAssetNeedsIngest(t *testing.T) {
	assert.True(t, Asset{ID: "a", OriginalURI: "ar://tx"}.NeedsIngest())
	assert.False(t, Asset{ID: "a", OriginalURI: "ar://tx", SourceKey: "raw/a.gif"}.NeedsIngest())
}

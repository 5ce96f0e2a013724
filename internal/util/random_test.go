package util

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	require.NoError(t, err)
	b2, err := RandomBytes(32)
	require.NoError(t, err)

	assert.Len(t, b1, 32)
	assert.NotEqual(t, b1, b2)
}

func TestRandomChars(t *testing.T) {
	s1, err := RandomChars(12)
	require.NoError(t, err)
	s2, err := RandomChars(12)
	require.NoError(t, err)

	assert.Len(t, s1, 12)
	assert.NotEqual(t, s1, s2)
	for _, r := range s1 {
		assert.True(t, slices.Contains(allowedRandomChars, r), "unexpected rune %q", r)
	}
	assert.NotContains(t, s1+s2, "0")
	assert.NotContains(t, s1+s2, "O")
}

func TestRandomIntn(t *testing.T) {
	for i := 0; i < 100; i++ {
		n, err := RandomIntn(10)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 10)
	}
}

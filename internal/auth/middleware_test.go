package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tok, ok := bearerToken("  Bearer abc ")
	require.True(t, ok)
	require.Equal(t, "abc", tok)

	_, ok = bearerToken("abc")
	require.False(t, ok)
}

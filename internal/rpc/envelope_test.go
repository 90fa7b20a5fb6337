package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesRoundTrip(t *testing.T) {
	env, err := FromBytes([]byte{0x0A, 0x0B, 0x0C})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x0A, 0x0B, 0x0C}, env.Serialize())
	assert.Equal(t, 3, env.Len())
}

func TestFromBytesEmpty(t *testing.T) {
	_, err := FromBytes(nil)
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	_, err = FromBytes([]byte{})
	assert.ErrorIs(t, err, ErrEmptyEnvelope)
}

// TestFromBytesCopies verifies the envelope does not alias the caller's
// buffer.
func TestFromBytesCopies(t *testing.T) {
	src := []byte("envelope")
	env, err := FromBytes(src)
	require.NoError(t, err)

	src[0] = 'X'
	assert.Equal(t, []byte("envelope"), env.Serialize())
}

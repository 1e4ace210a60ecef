package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFrameParseFrame(t *testing.T) {
	seq, err := BuildFrame(9, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+4, seq.Len())

	stream := append(seq.Bytes(), 0xDE, 0xAD)
	f, n, err := ParseFrame(stream, 1024)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+4, n)
	assert.Equal(t, uint16(9), f.Command)
	assert.Equal(t, []byte("ping"), f.Payload)
	assert.Equal(t, n, f.Size())
}

func TestParseFrameErrors(t *testing.T) {
	seq, err := BuildFrame(1, []byte("payload"))
	require.NoError(t, err)
	full := seq.Bytes()

	_, _, err = ParseFrame(full[:4], math.MaxUint32)
	assert.ErrorIs(t, err, ErrIncompleteHeader)

	_, _, err = ParseFrame(full[:HeaderSize+2], math.MaxUint32)
	assert.ErrorIs(t, err, ErrIncompletePayload)

	_, _, err = ParseFrame(full, 3)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	corrupt := append([]byte{}, full...)
	corrupt[0] ^= 0xFF
	_, _, err = ParseFrame(corrupt, math.MaxUint32)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestBuildFrameEmptyPayload(t *testing.T) {
	seq, err := BuildFrame(3, nil)
	require.NoError(t, err)

	f, n, err := ParseFrame(seq.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, n)
	assert.Empty(t, f.Payload)
}

package fec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulaginds/rfnet/internal/fec"
)

func TestParityBytes(t *testing.T) {
	assert.Equal(t, 2, fec.ParityBytes(0))
	assert.Equal(t, 4, fec.ParityBytes(1))
	assert.Equal(t, 12, fec.ParityBytes(5))
}

func TestFullFrameParity(t *testing.T) {
	assert.Equal(t, 20, fec.FullFrameParity(10))
}

func TestCodecEncodeDecodeRoundTrip(t *testing.T) {
	codec, err := fec.NewCodec(16, fec.ParityBytes(2))
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	encoded, err := codec.Encode(data)
	require.NoError(t, err)
	assert.Len(t, encoded, codec.TotalLen())

	decoded, corrected, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
	assert.Zero(t, corrected)
}

func TestCodecCorrectsFlippedBytes(t *testing.T) {
	codec, err := fec.NewCodec(16, fec.ParityBytes(2))
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	encoded, err := codec.Encode(data)
	require.NoError(t, err)

	corrupted := append([]byte{}, encoded...)
	corrupted[0] ^= 0xFF
	corrupted[5] ^= 0xFF

	decoded, corrected, err := codec.Decode(corrupted)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
	assert.Equal(t, 2, corrected)
}

func TestCodecReturnsErrUncorrectable(t *testing.T) {
	codec, err := fec.NewCodec(16, fec.ParityBytes(1))
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	encoded, err := codec.Encode(data)
	require.NoError(t, err)

	// Three bad bytes exceed the two that 4 parity bytes can repair.
	// (Flipping every byte by the same value would not do: a constant
	// vector is itself a codeword, so the result would decode cleanly.)
	corrupted := append([]byte{}, encoded...)
	for _, i := range []int{0, 5, 10} {
		corrupted[i] ^= 0xFF
	}

	_, _, err = codec.Decode(corrupted)
	assert.ErrorIs(t, err, fec.ErrUncorrectable)
}

func TestCodecRejectsWrongLength(t *testing.T) {
	codec, err := fec.NewCodec(16, fec.ParityBytes(1))
	require.NoError(t, err)

	_, err = codec.Encode(make([]byte, 10))
	assert.Error(t, err)

	_, _, err = codec.Decode(make([]byte, 10))
	assert.Error(t, err)
}

package compress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var sample = []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")

func TestRoundTripNone(t *testing.T) {
	enc, err := Compress(sample, None)
	assert.NoError(t, err)
	assert.Equal(t, sample, enc)
	dec, err := Decompress(enc, None)
	assert.NoError(t, err)
	assert.Equal(t, sample, dec)
}

func TestRoundTripGzip(t *testing.T) {
	enc, err := Compress(sample, Gzip)
	assert.NoError(t, err)
	assert.NotEqual(t, sample, enc)
	dec, err := Decompress(enc, Gzip)
	assert.NoError(t, err)
	assert.Equal(t, sample, dec)
}

func TestRoundTripBrotli(t *testing.T) {
	enc, err := Compress(sample, Brotli)
	assert.NoError(t, err)
	assert.NotEqual(t, sample, enc)
	dec, err := Decompress(enc, Brotli)
	assert.NoError(t, err)
	assert.Equal(t, sample, dec)
}

func TestRecompressSameIsNoop(t *testing.T) {
	enc, _ := Compress(sample, Gzip)
	out, err := Recompress(enc, Gzip, Gzip, false)
	assert.NoError(t, err)
	assert.Equal(t, enc, out)
}

func TestRecompressForced(t *testing.T) {
	enc, _ := Compress(sample, Gzip)
	out, err := Recompress(enc, Gzip, Gzip, true)
	assert.NoError(t, err)
	dec, err := Decompress(out, Gzip)
	assert.NoError(t, err)
	assert.Equal(t, sample, dec)
}

func TestRecompressCrossCodec(t *testing.T) {
	enc, _ := Compress(sample, Gzip)
	out, err := Recompress(enc, Gzip, Brotli, false)
	assert.NoError(t, err)
	dec, err := Decompress(out, Brotli)
	assert.NoError(t, err)
	assert.Equal(t, sample, dec)
}

func TestParseAlgorithmUnknown(t *testing.T) {
	_, err := ParseAlgorithm(99)
	assert.Error(t, err)
}

func TestDecompressCorruptGzip(t *testing.T) {
	_, err := Decompress([]byte{0x00, 0x01, 0x02}, Gzip)
	assert.Error(t, err)
}

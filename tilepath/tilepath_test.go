package tilepath

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		c    coord.TileCoord
		fmt  container.TileFormat
		comp compress.Algorithm
	}{
		{coord.TileCoord{Z: 3, X: 1, Y: 2}, container.FormatPBF, compress.Gzip},
		{coord.TileCoord{Z: 0, X: 0, Y: 0}, container.FormatPNG, compress.None},
		{coord.TileCoord{Z: 12, X: 2048, Y: 4095}, container.FormatWEBP, compress.Brotli},
	}
	for _, tc := range cases {
		path := Encode(tc.c, tc.fmt, tc.comp)
		c, format, comp, err := Decode(path)
		assert.NoError(t, err)
		assert.Equal(t, tc.c, c)
		assert.Equal(t, tc.fmt, format)
		assert.Equal(t, tc.comp, comp)
	}
}

func TestDecodeStripsLeadingDotSlash(t *testing.T) {
	c, format, comp, err := Decode("./3/1/2.pbf.gz")
	assert.NoError(t, err)
	assert.Equal(t, coord.TileCoord{Z: 3, X: 1, Y: 2}, c)
	assert.Equal(t, container.FormatPBF, format)
	assert.Equal(t, compress.Gzip, comp)
}

func TestDecodeBadPath(t *testing.T) {
	_, _, _, err := Decode("not-a-tile-path")
	assert.Error(t, err)
}

func TestDecodeBadExtension(t *testing.T) {
	_, _, _, err := Decode("1/2/3.bogus")
	assert.Error(t, err)
}

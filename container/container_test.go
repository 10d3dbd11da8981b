package container

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/versatiles-org/versatiles-go/compress"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Format:      FormatPNG,
		Compression: compress.None,
		MinZoom:     0,
		MaxZoom:     14,
		BBox:        GeoBBox{West: -122.5, South: 37.2, East: -122.0, North: 37.9},
		MetaRange:   ByteRange{Offset: 66, Length: 100},
		BlockIndexRange: ByteRange{Offset: 166, Length: 200},
	}
	buf := h.Marshal()
	assert.Len(t, buf, HeaderSize)
	assert.Equal(t, "versatiles_v02", string(buf[0:14]))
	assert.Equal(t, byte(0x10), buf[14])
	assert.Equal(t, byte(0x00), buf[15])

	got, err := ParseHeader(buf)
	assert.NoError(t, err)
	assert.Equal(t, h.Format, got.Format)
	assert.Equal(t, h.Compression, got.Compression)
	assert.Equal(t, h.MinZoom, got.MinZoom)
	assert.Equal(t, h.MaxZoom, got.MaxZoom)
	assert.InDelta(t, h.BBox.West, got.BBox.West, 1e-6)
	assert.Equal(t, h.MetaRange, got.MetaRange)
	assert.Equal(t, h.BlockIndexRange, got.BlockIndexRange)
}

func TestParseHeaderTruncated(t *testing.T) {
	h := Header{Format: FormatPNG, Compression: compress.None, MinZoom: 0, MaxZoom: 0}
	buf := h.Marshal()
	_, err := ParseHeader(buf[:HeaderSize-1])
	assert.Error(t, err)
}

func TestParseHeaderBadMagic(t *testing.T) {
	h := Header{Format: FormatPNG, Compression: compress.None}
	buf := h.Marshal()
	buf[0] = 'X'
	_, err := ParseHeader(buf)
	assert.Error(t, err)
}

func TestParseHeaderV1Magic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf, "OpenCloudTiles-Container-v1:")
	buf[14] = byte(FormatPBF)
	buf[15] = byte(compress.Gzip)
	_, err := ParseHeader(buf)
	assert.NoError(t, err)
}

func TestParseHeaderBadZoomRange(t *testing.T) {
	h := Header{Format: FormatPNG, Compression: compress.None, MinZoom: 5, MaxZoom: 2}
	buf := h.Marshal()
	_, err := ParseHeader(buf)
	assert.Error(t, err)
}

func TestBlockIndexRoundTrip(t *testing.T) {
	blocks := []BlockDefinition{
		{Z: 4, BlockX: 0, BlockY: 0, ColMin: 0, RowMin: 0, ColMax: 15, RowMax: 15,
			TilesRange: ByteRange{Offset: 100, Length: 500}, IndexRange: ByteRange{Offset: 600, Length: 50}},
		{Z: 4, BlockX: 1, BlockY: 0, ColMin: 0, RowMin: 0, ColMax: 0, RowMax: 0,
			TilesRange: ByteRange{Offset: 650, Length: 10}, IndexRange: ByteRange{Offset: 660, Length: 16}},
	}
	buf := MarshalBlockIndex(blocks)
	assert.Len(t, buf, 2*BlockRecordSize)

	got, err := UnmarshalBlockIndex(buf)
	assert.NoError(t, err)
	assert.Equal(t, blocks, got)
}

func TestUnmarshalBlockIndexBadLength(t *testing.T) {
	_, err := UnmarshalBlockIndex(make([]byte, BlockRecordSize+1))
	assert.Error(t, err)
}

func TestBlockDefinitionDims(t *testing.T) {
	b := BlockDefinition{ColMin: 2, RowMin: 3, ColMax: 5, RowMax: 9}
	assert.Equal(t, 4, b.Width())
	assert.Equal(t, 7, b.Height())
}

func TestTileIndexRoundTrip(t *testing.T) {
	idx := TileIndex{
		{Offset: 0, Length: 120},
		{Offset: 120, Length: 0},
		{Offset: 120, Length: 80},
	}
	buf := MarshalTileIndex(idx)
	assert.Len(t, buf, 3*16)
	got, err := UnmarshalTileIndex(buf)
	assert.NoError(t, err)
	assert.Equal(t, idx, got)
}

func TestSlotRowMajor(t *testing.T) {
	b := BlockDefinition{ColMin: 2, RowMin: 3, ColMax: 5, RowMax: 9}
	assert.Equal(t, 0, b.Slot(2, 3))
	assert.Equal(t, 4, b.Slot(2, 4)) // width is 4
	assert.Equal(t, 5, b.Slot(3, 4))
	assert.Equal(t, -1, b.Slot(1, 3))
	assert.Equal(t, -1, b.Slot(2, 10))
}

func TestParseTileFormatUnknown(t *testing.T) {
	_, err := ParseTileFormat(0xFF)
	assert.Error(t, err)
}

func TestParseTileFormatNameRoundTrip(t *testing.T) {
	for _, f := range []TileFormat{FormatBIN, FormatPNG, FormatJPG, FormatWEBP, FormatAVIF, FormatSVG, FormatPBF, FormatGEOJSON, FormatTOPOJSON, FormatJSON} {
		parsed, err := ParseTileFormatName(f.String())
		assert.NoError(t, err)
		assert.Equal(t, f, parsed)
	}
	_, err := ParseTileFormatName("bogus")
	assert.Error(t, err)
}

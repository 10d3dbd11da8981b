package versatiles

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/versatiles-org/versatiles-go/blobio"
	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
)

func TestWriteReadSingleTile(t *testing.T) {
	src := newFakeSource(tilesource.Parameters{
		Format:      container.FormatPNG,
		Compression: compress.None,
		Pyramid:     coord.NewPyramid(),
	})
	src.put(coord.TileCoord{Z: 0, X: 0, Y: 0}, []byte("A"))

	sink := blobio.NewMemoryWriter()
	ctx := context.Background()
	header, err := WriteFrom(ctx, src, sink, WriteOptions{Format: container.FormatPNG, Compression: compress.None})
	assert.NoError(t, err)
	assert.Equal(t, uint8(0), header.MinZoom)
	assert.Equal(t, uint8(0), header.MaxZoom)

	data := sink.Bytes()
	assert.Equal(t, "versatiles_v02", string(data[0:14]))
	assert.Equal(t, byte(0x10), data[14])
	assert.Equal(t, byte(0x00), data[15])

	r, err := Open(ctx, blobio.NewMemoryReader("test", data))
	assert.NoError(t, err)

	blob, ok, err := r.GetTile(ctx, coord.TileCoord{Z: 0, X: 0, Y: 0})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A", string(blob))

	_, ok, err = r.GetTile(ctx, coord.TileCoord{Z: 0, X: 1, Y: 0})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteReadDedup(t *testing.T) {
	src := newFakeSource(tilesource.Parameters{
		Format:      container.FormatPNG,
		Compression: compress.None,
		Pyramid:     coord.NewPyramid(),
	})
	shared := []byte("same-bytes")
	for x := uint32(0); x < 4; x++ {
		src.put(coord.TileCoord{Z: 2, X: x, Y: 0}, shared)
	}

	sink := blobio.NewMemoryWriter()
	ctx := context.Background()
	_, err := WriteFrom(ctx, src, sink, WriteOptions{Format: container.FormatPNG, Compression: compress.None})
	assert.NoError(t, err)

	r, err := Open(ctx, blobio.NewMemoryReader("test", sink.Bytes()))
	assert.NoError(t, err)
	for x := uint32(0); x < 4; x++ {
		blob, ok, err := r.GetTile(ctx, coord.TileCoord{Z: 2, X: x, Y: 0})
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, shared, blob)
	}
}

func TestGetTileStreamOrder(t *testing.T) {
	src := newFakeSource(tilesource.Parameters{
		Format:      container.FormatPNG,
		Compression: compress.None,
		Pyramid:     coord.NewPyramid(),
	})
	for y := uint32(0); y < 3; y++ {
		for x := uint32(0); x < 3; x++ {
			src.put(coord.TileCoord{Z: 3, X: x, Y: y}, []byte{byte(x), byte(y)})
		}
	}

	sink := blobio.NewMemoryWriter()
	ctx := context.Background()
	_, err := WriteFrom(ctx, src, sink, WriteOptions{Format: container.FormatPNG, Compression: compress.None})
	assert.NoError(t, err)

	r, err := Open(ctx, blobio.NewMemoryReader("test", sink.Bytes()))
	assert.NoError(t, err)

	stream, err := r.GetTileStream(ctx, coord.NewBBox(3, 0, 0, 2, 2))
	assert.NoError(t, err)

	var coords []coord.TileCoord
	for tile := range stream {
		assert.NoError(t, tile.Err)
		coords = append(coords, tile.Coord)
	}
	var want []coord.TileCoord
	for y := uint32(0); y < 3; y++ {
		for x := uint32(0); x < 3; x++ {
			want = append(want, coord.TileCoord{Z: 3, X: x, Y: y})
		}
	}
	assert.Equal(t, want, coords)
}

func TestRecompressionOnWrite(t *testing.T) {
	src := newFakeSource(tilesource.Parameters{
		Format:      container.FormatPBF,
		Compression: compress.Gzip,
		Pyramid:     coord.NewPyramid(),
	})
	raw := bytes.Repeat([]byte("vector-tile-payload"), 20)
	gz, err := compress.Compress(raw, compress.Gzip)
	assert.NoError(t, err)
	src.put(coord.TileCoord{Z: 1, X: 0, Y: 0}, gz)

	sink := blobio.NewMemoryWriter()
	ctx := context.Background()
	header, err := WriteFrom(ctx, src, sink, WriteOptions{Format: container.FormatPBF, Compression: compress.Brotli})
	assert.NoError(t, err)
	assert.Equal(t, compress.Brotli, header.Compression)

	r, err := Open(ctx, blobio.NewMemoryReader("test", sink.Bytes()))
	assert.NoError(t, err)
	blob, ok, err := r.GetTile(ctx, coord.TileCoord{Z: 1, X: 0, Y: 0})
	assert.NoError(t, err)
	assert.True(t, ok)
	decoded, err := compress.Decompress(blob, compress.Brotli)
	assert.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestEmptyPyramidWriteErrors(t *testing.T) {
	src := newFakeSource(tilesource.Parameters{
		Format:      container.FormatPNG,
		Compression: compress.None,
		Pyramid:     coord.NewPyramid(),
	})
	sink := blobio.NewMemoryWriter()
	_, err := WriteFrom(context.Background(), src, sink, WriteOptions{Format: container.FormatPNG, Compression: compress.None})
	assert.Error(t, err)
}

func TestOpenTruncatedFileIsCorruption(t *testing.T) {
	src := newFakeSource(tilesource.Parameters{
		Format:      container.FormatPNG,
		Compression: compress.None,
		Pyramid:     coord.NewPyramid(),
	})
	src.put(coord.TileCoord{Z: 0, X: 0, Y: 0}, []byte("A"))
	sink := blobio.NewMemoryWriter()
	_, err := WriteFrom(context.Background(), src, sink, WriteOptions{Format: container.FormatPNG, Compression: compress.None})
	assert.NoError(t, err)

	full := sink.Bytes()
	truncated := full[:65]
	_, err = Open(context.Background(), blobio.NewMemoryReader("bad", truncated))
	assert.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.Corruption))
	assert.Contains(t, err.Error(), "header")
}

func TestDeepVerifyCleanFile(t *testing.T) {
	src := newFakeSource(tilesource.Parameters{
		Format:      container.FormatPNG,
		Compression: compress.None,
		Pyramid:     coord.NewPyramid(),
	})
	src.put(coord.TileCoord{Z: 0, X: 0, Y: 0}, []byte("A"))
	src.put(coord.TileCoord{Z: 1, X: 1, Y: 1}, []byte("B"))

	sink := blobio.NewMemoryWriter()
	ctx := context.Background()
	_, err := WriteFrom(ctx, src, sink, WriteOptions{Format: container.FormatPNG, Compression: compress.None})
	assert.NoError(t, err)

	r, err := Open(ctx, blobio.NewMemoryReader("test", sink.Bytes()))
	assert.NoError(t, err)
	report, err := r.DeepVerify(ctx)
	assert.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.TilesChecked)
}

func TestBlockCacheMedianEviction(t *testing.T) {
	c := newBlockCache(0) // force eviction on every put beyond the first
	idx := container.TileIndex{{Offset: 0, Length: 10}}
	c.put(container.BlockKey{Z: 1, BX: 0, BY: 0}, idx)
	c.put(container.BlockKey{Z: 1, BX: 1, BY: 0}, idx)
	// With maxBytes 0, each put evicts everything before inserting, so at
	// most one entry should ever survive.
	assert.LessOrEqual(t, len(c.entries), 1)
}

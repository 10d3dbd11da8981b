package tarcontainer

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
)

type fakeSource struct {
	params tilesource.Parameters
	tiles  map[coord.TileCoord][]byte
	meta   []byte
}

func newFakeSource(format container.TileFormat, comp compress.Algorithm) *fakeSource {
	return &fakeSource{
		params: tilesource.Parameters{Format: format, Compression: comp, Pyramid: coord.NewPyramid()},
		tiles:  make(map[coord.TileCoord][]byte),
	}
}

func (f *fakeSource) put(c coord.TileCoord, blob []byte) {
	f.tiles[c] = blob
	f.params.Pyramid.Add(c)
}

func (f *fakeSource) Parameters() tilesource.Parameters { return f.params }
func (f *fakeSource) Name() string                      { return "fake" }
func (f *fakeSource) ContainerName() string             { return "fake" }

func (f *fakeSource) Meta(ctx context.Context) ([]byte, bool, error) {
	if f.meta == nil {
		return nil, false, nil
	}
	return f.meta, true, nil
}

func (f *fakeSource) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	blob, ok := f.tiles[c]
	return blob, ok, nil
}

func (f *fakeSource) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	out := make(chan tilesource.Tile)
	go func() {
		defer close(out)
		bbox.IterCoords(func(c coord.TileCoord) bool {
			if blob, ok := f.tiles[c]; ok {
				out <- tilesource.Tile{Coord: c, Blob: blob}
			}
			return true
		})
	}()
	return out, nil
}

func TestWriteFromAndOpenRoundTrip(t *testing.T) {
	src := newFakeSource(container.FormatPBF, compress.Gzip)
	src.meta = []byte(`{"name":"fixture"}`)
	src.put(coord.TileCoord{Z: 1, X: 0, Y: 0}, []byte("nw"))
	src.put(coord.TileCoord{Z: 1, X: 1, Y: 1}, []byte("se"))

	dir := t.TempDir()
	path := filepath.Join(dir, "out.tar")
	err := WriteFrom(context.Background(), src, path, WriteOptions{Format: container.FormatPBF, Compression: compress.Gzip})
	require.NoError(t, err)

	r, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, container.FormatPBF, r.Parameters().Format)
	assert.Equal(t, compress.Gzip, r.Parameters().Compression)

	blob, ok, err := r.GetTile(context.Background(), coord.TileCoord{Z: 1, X: 0, Y: 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("nw"), blob)

	_, ok, err = r.GetTile(context.Background(), coord.TileCoord{Z: 1, X: 0, Y: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	meta, ok, err := r.Meta(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"name":"fixture"}`, string(meta))
}

func TestGetTileStreamCoversBBox(t *testing.T) {
	src := newFakeSource(container.FormatPNG, compress.None)
	for x := uint32(0); x < 2; x++ {
		for y := uint32(0); y < 2; y++ {
			src.put(coord.TileCoord{Z: 2, X: x, Y: y}, []byte{byte(x), byte(y)})
		}
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "out.tar")
	require.NoError(t, WriteFrom(context.Background(), src, path, WriteOptions{Format: container.FormatPNG, Compression: compress.None}))

	r, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer r.Close()

	stream, err := r.GetTileStream(context.Background(), coord.TileBBox{Z: 2, XMin: 0, YMin: 0, XMax: 1, YMax: 1})
	require.NoError(t, err)
	count := 0
	for tile := range stream {
		require.NoError(t, tile.Err)
		count++
	}
	assert.Equal(t, 4, count)
}

func TestOpenRejectsMixedFormats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tar")
	f, err := os.Create(path)
	require.NoError(t, err)

	tw := tar.NewWriter(f)
	writeRaw(t, tw, "0/0/0.pbf", []byte("a"))
	writeRaw(t, tw, "0/0/0.png", []byte("b"))
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	_, err = Open(context.Background(), path)
	assert.Error(t, err)
}

func writeRaw(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644, Typeflag: tar.TypeReg}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

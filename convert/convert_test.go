package convert

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versatiles-org/versatiles-go/blobio"
	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/dircontainer"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/versatiles"
)

type fakeSource struct {
	params tilesource.Parameters
	tiles  map[coord.TileCoord][]byte
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

func (f *fakeSource) Meta(ctx context.Context) ([]byte, bool, error) { return nil, false, nil }

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

func buildFixture(t *testing.T) string {
	t.Helper()
	src := newFakeSource(container.FormatPBF, compress.Gzip)
	for z := uint8(0); z <= 2; z++ {
		n := uint32(1) << z
		for x := uint32(0); x < n; x++ {
			for y := uint32(0); y < n; y++ {
				src.put(coord.TileCoord{Z: z, X: x, Y: y}, []byte{byte(z), byte(x), byte(y)})
			}
		}
	}

	path := filepath.Join(t.TempDir(), "fixture.versatiles")
	sink, err := blobio.CreateFile(path)
	require.NoError(t, err)
	_, err = versatiles.WriteFrom(context.Background(), src, sink, versatiles.WriteOptions{
		Format: container.FormatPBF, Compression: compress.Gzip,
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	return path
}

func TestConvertVersatilesToDirectory(t *testing.T) {
	input := buildFixture(t)
	output := filepath.Join(t.TempDir(), "out")

	_, err := Convert(context.Background(), input, output, Options{})
	require.NoError(t, err)

	r, err := dircontainer.Open(context.Background(), output)
	require.NoError(t, err)
	defer r.Close()

	blob, ok, err := r.GetTile(context.Background(), coord.TileCoord{Z: 2, X: 3, Y: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{2, 3, 1}, blob)
}

func TestConvertAppliesMinMaxZoom(t *testing.T) {
	input := buildFixture(t)
	output := filepath.Join(t.TempDir(), "out")

	minZ, maxZ := uint8(1), uint8(1)
	_, err := Convert(context.Background(), input, output, Options{MinZoom: &minZ, MaxZoom: &maxZ})
	require.NoError(t, err)

	r, err := dircontainer.Open(context.Background(), output)
	require.NoError(t, err)
	defer r.Close()

	_, ok, _ := r.GetTile(context.Background(), coord.TileCoord{Z: 0, X: 0, Y: 0})
	assert.False(t, ok)
	_, ok, _ = r.GetTile(context.Background(), coord.TileCoord{Z: 2, X: 0, Y: 0})
	assert.False(t, ok)
	_, ok, _ = r.GetTile(context.Background(), coord.TileCoord{Z: 1, X: 0, Y: 0})
	assert.True(t, ok)
}

func TestConvertEmptyAfterRestrictionErrors(t *testing.T) {
	input := buildFixture(t)
	output := filepath.Join(t.TempDir(), "out")

	minZ, maxZ := uint8(9), uint8(10)
	_, err := Convert(context.Background(), input, output, Options{MinZoom: &minZ, MaxZoom: &maxZ})
	assert.Error(t, err)
}

func TestConvertFlipY(t *testing.T) {
	input := buildFixture(t)
	output := filepath.Join(t.TempDir(), "out")

	_, err := Convert(context.Background(), input, output, Options{FlipY: true})
	require.NoError(t, err)

	r, err := dircontainer.Open(context.Background(), output)
	require.NoError(t, err)
	defer r.Close()

	// z=1 has y in {0,1}; flipping y=0 maps to y=1 and vice versa, tile
	// content at the original (1,0,1) lands at (1,0,0) post-flip.
	blob, ok, err := r.GetTile(context.Background(), coord.TileCoord{Z: 1, X: 0, Y: 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 0, 1}, blob)
}

func TestParseBBoxRect(t *testing.T) {
	b, err := ParseBBox("-10,-5,10,5")
	require.NoError(t, err)
	assert.Equal(t, coord.GeoBBox{West: -10, South: -5, East: 10, North: 5}, b)
}

func TestParseBBoxGeoJSON(t *testing.T) {
	raw := `{"type":"Polygon","coordinates":[[[0,0],[0,10],[10,10],[10,0],[0,0]]]}`
	b, err := ParseBBox(raw)
	require.NoError(t, err)
	assert.InDelta(t, 0, b.West, 1e-9)
	assert.InDelta(t, 0, b.South, 1e-9)
	assert.InDelta(t, 10, b.East, 1e-9)
	assert.InDelta(t, 10, b.North, 1e-9)
}

func TestParseBBoxInvalid(t *testing.T) {
	_, err := ParseBBox("not,a,bbox")
	assert.Error(t, err)
}

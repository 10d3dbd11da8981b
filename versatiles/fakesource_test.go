package versatiles

import (
	"context"
	"sort"

	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
)

// fakeSource is a minimal in-memory tilesource.Source for tests: a plain
// map of tiles plus a declared format/compression/pyramid.
type fakeSource struct {
	params tilesource.Parameters
	tiles  map[coord.TileCoord][]byte
	meta   []byte
}

func newFakeSource(params tilesource.Parameters) *fakeSource {
	return &fakeSource{params: params, tiles: make(map[coord.TileCoord][]byte)}
}

func (f *fakeSource) put(c coord.TileCoord, blob []byte) {
	f.tiles[c] = blob
	f.params.Pyramid.Add(c)
}

func (f *fakeSource) Parameters() tilesource.Parameters { return f.params }

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
	var coords []coord.TileCoord
	for c := range f.tiles {
		if bbox.Contains(c) {
			coords = append(coords, c)
		}
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].Y != coords[j].Y {
			return coords[i].Y < coords[j].Y
		}
		return coords[i].X < coords[j].X
	})
	out := make(chan tilesource.Tile, len(coords))
	for _, c := range coords {
		out <- tilesource.Tile{Coord: c, Blob: f.tiles[c]}
	}
	close(out)
	return out, nil
}

func (f *fakeSource) Name() string          { return "fake" }
func (f *fakeSource) ContainerName() string { return "fake" }

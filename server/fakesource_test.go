package server

import (
	"context"

	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
)

// fakeSource is a minimal in-memory tilesource.Source, mirroring
// versatiles' own test helper of the same shape.
type fakeSource struct {
	params tilesource.Parameters
	tiles  map[coord.TileCoord][]byte
	meta   []byte
}

func newFakeSource(params tilesource.Parameters) *fakeSource {
	return &fakeSource{params: params, tiles: make(map[coord.TileCoord][]byte)}
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
	out := make(chan tilesource.Tile)
	close(out)
	return out, nil
}

func (f *fakeSource) Name() string          { return "fake" }
func (f *fakeSource) ContainerName() string { return "fake" }

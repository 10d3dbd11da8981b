package tilesource

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/versatiles-org/versatiles-go/coord"
)

func fetchOf(n int, delay time.Duration) BlockFetch {
	return func(ctx context.Context) ([]Tile, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []Tile{{Coord: coord.TileCoord{Z: 1, X: uint32(n), Y: 0}}}, nil
	}
}

func TestStreamBlocksPreservesOrder(t *testing.T) {
	fetches := []BlockFetch{
		fetchOf(0, 30 * time.Millisecond),
		fetchOf(1, 5 * time.Millisecond),
		fetchOf(2, 15 * time.Millisecond),
		fetchOf(3, 1 * time.Millisecond),
	}
	out, errFn := StreamBlocks(context.Background(), fetches, 4)
	var got []uint32
	for tile := range out {
		got = append(got, tile.Coord.X)
	}
	assert.NoError(t, errFn())
	assert.Equal(t, []uint32{0, 1, 2, 3}, got)
}

func TestStreamBlocksEmpty(t *testing.T) {
	out, errFn := StreamBlocks(context.Background(), nil, 4)
	count := 0
	for range out {
		count++
	}
	assert.Equal(t, 0, count)
	assert.NoError(t, errFn())
}

func TestStreamBlocksPropagatesError(t *testing.T) {
	boom := fmt.Errorf("boom")
	fetches := []BlockFetch{
		fetchOf(0, 0),
		func(ctx context.Context) ([]Tile, error) { return nil, boom },
		fetchOf(2, 0),
	}
	out, errFn := StreamBlocks(context.Background(), fetches, 3)
	for range out {
	}
	assert.ErrorIs(t, errFn(), boom)
}

func TestWithTerminalErrorAppendsErrTile(t *testing.T) {
	boom := fmt.Errorf("boom")
	fetches := []BlockFetch{
		fetchOf(0, 0),
		func(ctx context.Context) ([]Tile, error) { return nil, boom },
	}
	out, errFn := StreamBlocks(context.Background(), fetches, 2)
	wrapped := WithTerminalError(out, errFn)

	var tiles []Tile
	for t := range wrapped {
		tiles = append(tiles, t)
	}
	assert.NotEmpty(t, tiles)
	last := tiles[len(tiles)-1]
	assert.ErrorIs(t, last.Err, boom)
}

func TestWithTerminalErrorNoErrorAppendsNothing(t *testing.T) {
	fetches := []BlockFetch{fetchOf(0, 0), fetchOf(1, 0)}
	out, errFn := StreamBlocks(context.Background(), fetches, 2)
	wrapped := WithTerminalError(out, errFn)

	var tiles []Tile
	for t := range wrapped {
		tiles = append(tiles, t)
	}
	for _, tile := range tiles {
		assert.NoError(t, tile.Err)
	}
}

func TestStreamBlocksSingleWorker(t *testing.T) {
	fetches := []BlockFetch{fetchOf(0, 0), fetchOf(1, 0), fetchOf(2, 0)}
	out, errFn := StreamBlocks(context.Background(), fetches, 1)
	var got []uint32
	for tile := range out {
		got = append(got, tile.Coord.X)
	}
	assert.NoError(t, errFn())
	assert.Equal(t, []uint32{0, 1, 2}, got)
}

// Package versatiles implements the reader and writer for the
// .versatiles container format: fixed header, brotli-compressed block
// index, and per-block brotli-compressed tile indexes.
package versatiles

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/versatiles-org/versatiles-go/blobio"
	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// defaultCacheBytes bounds the reader's decoded-tile-index cache; chosen
// to hold a few thousand typical blocks without needing configuration for
// the common case.
const defaultCacheBytes = 32 << 20

// blockCache holds decoded TileIndexes keyed by block, evicted by
// median access frequency: when full, every entry at or below the median
// hit count is dropped and survivors' counters are halved. This tracks
// recency less aggressively than LRU but rewards blocks read repeatedly
// across many get_tile calls, which is the access pattern a tile server
// sees.
type blockCache struct {
	mu       sync.Mutex
	entries  map[container.BlockKey]*cacheEntry
	maxBytes int
	curBytes int
}

type cacheEntry struct {
	index container.TileIndex
	hits  int
	bytes int
}

func newBlockCache(maxBytes int) *blockCache {
	return &blockCache{entries: make(map[container.BlockKey]*cacheEntry), maxBytes: maxBytes}
}

func (c *blockCache) get(key container.BlockKey) (container.TileIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.hits++
	return e.index, true
}

func (c *blockCache) put(key container.BlockKey, idx container.TileIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return
	}
	size := len(idx) * 16
	for c.curBytes+size > c.maxBytes && len(c.entries) > 0 {
		c.evictLocked()
	}
	c.entries[key] = &cacheEntry{index: idx, hits: 1, bytes: size}
	c.curBytes += size
}

func (c *blockCache) evictLocked() {
	hits := make([]int, 0, len(c.entries))
	for _, e := range c.entries {
		hits = append(hits, e.hits)
	}
	sort.Ints(hits)
	median := hits[len(hits)/2]
	for k, e := range c.entries {
		if e.hits <= median {
			c.curBytes -= e.bytes
			delete(c.entries, k)
		} else {
			e.hits /= 2
		}
	}
}

// Reader opens an existing .versatiles container for tile and bbox-stream
// reads.
type Reader struct {
	src    blobio.Reader
	header container.Header
	blocks map[container.BlockKey]container.BlockDefinition
	pyramid *coord.Pyramid
	cache  *blockCache

	metaOnce sync.Once
	metaBlob []byte
	metaErr  error
}

// Open parses src's header and block index, building the in-memory block
// lookup and the dataset's tile bbox pyramid.
func Open(ctx context.Context, src blobio.Reader) (*Reader, error) {
	readLen := uint64(container.HeaderSize)
	if src.Size() < readLen {
		// Short source: read whatever exists and let ParseHeader reject it
		// as a truncated header rather than failing the range read itself.
		readLen = src.Size()
	}
	headerBuf, err := src.ReadRange(ctx, 0, readLen)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "versatiles", src.Name(), err)
	}
	header, err := container.ParseHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	blocks := make(map[container.BlockKey]container.BlockDefinition)
	pyramid := coord.NewPyramid()
	if !header.BlockIndexRange.Empty() {
		raw, err := src.ReadRange(ctx, header.BlockIndexRange.Offset, header.BlockIndexRange.Length)
		if err != nil {
			return nil, verrors.New(verrors.SourceIO, "versatiles", "block index", err)
		}
		decoded, err := compress.Decompress(raw, compress.Brotli)
		if err != nil {
			return nil, verrors.New(verrors.Corruption, "versatiles", "block index", err)
		}
		defs, err := container.UnmarshalBlockIndex(decoded)
		if err != nil {
			return nil, err
		}
		for _, b := range defs {
			blocks[b.Key()] = b
			lo := coord.TileCoord{Z: b.Z, X: b.BlockX<<8 + uint32(b.ColMin), Y: b.BlockY<<8 + uint32(b.RowMin)}
			hi := coord.TileCoord{Z: b.Z, X: b.BlockX<<8 + uint32(b.ColMax), Y: b.BlockY<<8 + uint32(b.RowMax)}
			pyramid.Add(lo)
			pyramid.Add(hi)
		}
	}

	return &Reader{
		src:     src,
		header:  header,
		blocks:  blocks,
		pyramid: pyramid,
		cache:   newBlockCache(defaultCacheBytes),
	}, nil
}

// Header returns the parsed file header.
func (r *Reader) Header() container.Header { return r.header }

// Pyramid returns the dataset's tile coverage.
func (r *Reader) Pyramid() *coord.Pyramid { return r.pyramid }

// Parameters implements tilesource.Source.
func (r *Reader) Parameters() tilesource.Parameters {
	return tilesource.Parameters{Format: r.header.Format, Compression: r.header.Compression, Pyramid: r.pyramid}
}

// Name implements tilesource.Source.
func (r *Reader) Name() string { return r.src.Name() }

// ContainerName implements tilesource.Source.
func (r *Reader) ContainerName() string { return "versatiles" }

// Meta returns the container's metadata blob, reading and caching it on
// first use.
func (r *Reader) Meta(ctx context.Context) ([]byte, bool, error) {
	r.metaOnce.Do(func() {
		if r.header.MetaRange.Empty() {
			return
		}
		raw, err := r.src.ReadRange(ctx, r.header.MetaRange.Offset, r.header.MetaRange.Length)
		if err != nil {
			r.metaErr = verrors.New(verrors.SourceIO, "versatiles", "metadata", err)
			return
		}
		r.metaBlob = raw
	})
	if r.metaErr != nil {
		return nil, false, r.metaErr
	}
	if r.header.MetaRange.Empty() {
		return nil, false, nil
	}
	return r.metaBlob, true, nil
}

func (r *Reader) tileIndex(ctx context.Context, block container.BlockDefinition) (container.TileIndex, error) {
	key := block.Key()
	if idx, ok := r.cache.get(key); ok {
		return idx, nil
	}
	raw, err := r.src.ReadRange(ctx, block.IndexRange.Offset, block.IndexRange.Length)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "versatiles", "tile index", err)
	}
	decoded, err := compress.Decompress(raw, compress.Brotli)
	if err != nil {
		return nil, verrors.New(verrors.Corruption, "versatiles", "tile index", err)
	}
	idx, err := container.UnmarshalTileIndex(decoded)
	if err != nil {
		return nil, err
	}
	want := block.Width() * block.Height()
	if len(idx) != want {
		return nil, verrors.New(verrors.Corruption, "versatiles",
			fmt.Sprintf("block %d/%d/%d tile index", block.Z, block.BlockX, block.BlockY),
			fmt.Errorf("got %d entries, want %d", len(idx), want))
	}
	r.cache.put(key, idx)
	return idx, nil
}

// GetTile implements tilesource.Source.
func (r *Reader) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	if c.Z < r.header.MinZoom || c.Z > r.header.MaxZoom {
		return nil, false, verrors.New(verrors.Contract, "versatiles", c.String(),
			fmt.Errorf("zoom %d outside file range [%d,%d]", c.Z, r.header.MinZoom, r.header.MaxZoom))
	}
	key := container.BlockKey{Z: c.Z, BX: c.X >> 8, BY: c.Y >> 8}
	block, ok := r.blocks[key]
	if !ok {
		return nil, false, nil
	}
	col, row := c.LocalXY()
	slot := block.Slot(col, row)
	if slot < 0 {
		return nil, false, nil
	}
	idx, err := r.tileIndex(ctx, block)
	if err != nil {
		return nil, false, err
	}
	if slot >= len(idx) {
		return nil, false, verrors.New(verrors.Corruption, "versatiles", c.String(),
			fmt.Errorf("slot %d out of range (len %d)", slot, len(idx)))
	}
	rng := idx[slot]
	if rng.Length == 0 {
		return nil, false, nil
	}
	blob, err := r.src.ReadRange(ctx, block.TilesRange.Offset+rng.Offset, rng.Length)
	if err != nil {
		return nil, false, verrors.New(verrors.SourceIO, "versatiles", c.String(), err)
	}
	return blob, true, nil
}

// GetTileStream implements tilesource.Source: it partitions bbox into
// touched blocks, coalesces each into a single range read over the
// block's tiles_range, and fans the block fetches out with bounded
// concurrency while preserving block/tile row-major order.
func (r *Reader) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	if bbox.Empty() {
		out := make(chan tilesource.Tile)
		close(out)
		return out, nil
	}

	var fetches []tilesource.BlockFetch
	bbox.IterBlocks(func(blk coord.Block) {
		key := container.BlockKey{Z: blk.Coord.Z, BX: blk.Coord.BX, BY: blk.Coord.BY}
		def, ok := r.blocks[key]
		if !ok {
			return
		}
		colMin, rowMin := maxU8(blk.ColMin, def.ColMin), maxU8(blk.RowMin, def.RowMin)
		colMax, rowMax := minU8(blk.ColMax, def.ColMax), minU8(blk.RowMax, def.RowMax)
		if colMin > colMax || rowMin > rowMax {
			return
		}
		block := def
		fetches = append(fetches, func(ctx context.Context) ([]tilesource.Tile, error) {
			return r.fetchBlockRange(ctx, block, colMin, rowMin, colMax, rowMax)
		})
	})

	inner, errFn := tilesource.StreamBlocks(ctx, fetches, tilesource.DefaultFanOut)
	return tilesource.WithTerminalError(inner, errFn), nil
}

// fetchBlockRange issues one coalesced range read covering block's full
// tiles_range, then slices it by the tile index for every slot in
// [colMin,rowMin]..[colMax,rowMax], emitting tiles in row-major order.
func (r *Reader) fetchBlockRange(ctx context.Context, block container.BlockDefinition, colMin, rowMin, colMax, rowMax uint8) ([]tilesource.Tile, error) {
	idx, err := r.tileIndex(ctx, block)
	if err != nil {
		return nil, err
	}
	raw, err := r.src.ReadRange(ctx, block.TilesRange.Offset, block.TilesRange.Length)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "versatiles",
			fmt.Sprintf("block %d/%d/%d tiles", block.Z, block.BlockX, block.BlockY), err)
	}

	var tiles []tilesource.Tile
	for row := rowMin; ; row++ {
		for col := colMin; ; col++ {
			slot := block.Slot(col, row)
			if slot >= 0 && slot < len(idx) {
				rng := idx[slot]
				if rng.Length > 0 {
					if rng.Offset+rng.Length > uint64(len(raw)) {
						return nil, verrors.New(verrors.Corruption, "versatiles",
							fmt.Sprintf("block %d/%d/%d slot %d", block.Z, block.BlockX, block.BlockY, slot),
							fmt.Errorf("range exceeds tiles segment"))
					}
					tiles = append(tiles, tilesource.Tile{
						Coord: coord.TileCoord{Z: block.Z, X: block.BlockX<<8 + uint32(col), Y: block.BlockY<<8 + uint32(row)},
						Blob:  raw[rng.Offset : rng.Offset+rng.Length],
					})
				}
			}
			if col == colMax {
				break
			}
		}
		if row == rowMax {
			break
		}
	}
	return tiles, nil
}

func maxU8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func minU8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

// Close releases the underlying data source.
func (r *Reader) Close() error { return r.src.Close() }

package versatiles

import (
	"context"
	"fmt"

	"github.com/versatiles-org/versatiles-go/blobio"
	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// WriteOptions configures a write: the target format/compression and an
// optional pyramid restriction narrower than the source's own coverage.
type WriteOptions struct {
	Format          container.TileFormat
	Compression     compress.Algorithm
	Pyramid         *coord.Pyramid // nil: use the source's full pyramid
	ForceRecompress bool
	Concurrency     int // not read by WriteFrom; source streams use their own fan-out (tilesource.DefaultFanOut for every reader here)
}

// dedupThreshold is the cutoff below which a tile blob is a candidate
// for exact-byte dedup against others already written to the same
// block.
const dedupThreshold = 1000

// WriteFrom drives a source through the writer's full lifecycle —
// header placeholder, metadata, one pass per non-empty zoom level writing
// blocks in row-major order, block index, header rewrite — and returns
// the final header once the file is sealed. The tile-stream backpressure
// (the source is pulled at the writer's pace) falls out of ranging over
// the channel tilesource.Source.GetTileStream returns.
func WriteFrom(ctx context.Context, src tilesource.Source, sink blobio.Writer, opts WriteOptions) (container.Header, error) {
	srcParams := src.Parameters()

	targetPyramid := srcParams.Pyramid
	if opts.Pyramid != nil {
		targetPyramid = targetPyramid.Intersect(opts.Pyramid)
	}
	if targetPyramid == nil || targetPyramid.Empty() {
		return container.Header{}, verrors.New(verrors.Contract, "versatiles", "write", fmt.Errorf("empty pyramid on write"))
	}
	minZoom, maxZoom, _ := targetPyramid.MinMaxZoom()

	needsRecompress := srcParams.Format != opts.Format || srcParams.Compression != opts.Compression || opts.ForceRecompress

	// state: Empty -> HeaderPlaceholderWritten
	if _, err := sink.Append(make([]byte, container.HeaderSize)); err != nil {
		return container.Header{}, verrors.New(verrors.SourceIO, "versatiles", "header placeholder", err)
	}

	// state: HeaderPlaceholderWritten -> MetadataAppended
	metaRange, err := writeMeta(ctx, src, sink, srcParams, opts, needsRecompress)
	if err != nil {
		return container.Header{}, err
	}

	// state: (BlockBeingFilled <-> BlockIndexUpdated)*
	// The dedup table is scoped to one block, not the whole file: a
	// block's tile index stores offsets relative to its own tiles_range
	// start, so a reused range can only ever point at bytes within the
	// same block's segment.
	var blockDefs []container.BlockDefinition
	var levelErr error
	targetPyramid.IterLevels(func(levelBBox coord.TileBBox) {
		if levelErr != nil {
			return
		}
		levelBBox.IterBlocks(func(blk coord.Block) {
			if levelErr != nil {
				return
			}
			def, err := writeBlock(ctx, src, sink, blk, srcParams, opts, needsRecompress)
			if err != nil {
				levelErr = err
				return
			}
			blockDefs = append(blockDefs, def)
		})
	})
	if levelErr != nil {
		return container.Header{}, levelErr
	}

	// state: BlockIndexSerialized
	blockIndexRange, err := writeBlockIndex(sink, blockDefs)
	if err != nil {
		return container.Header{}, err
	}

	// state: HeaderRewritten -> Sealed
	header := container.Header{
		Format:          opts.Format,
		Compression:     opts.Compression,
		MinZoom:         minZoom,
		MaxZoom:         maxZoom,
		BBox:            geoBBoxFromPyramid(targetPyramid),
		MetaRange:       metaRange,
		BlockIndexRange: blockIndexRange,
	}
	if err := sink.WriteAt(0, header.Marshal()); err != nil {
		return container.Header{}, verrors.New(verrors.SourceIO, "versatiles", "header rewrite", err)
	}
	return header, nil
}

func writeMeta(ctx context.Context, src tilesource.Source, sink blobio.Writer, srcParams tilesource.Parameters, opts WriteOptions, needsRecompress bool) (container.ByteRange, error) {
	blob, ok, err := src.Meta(ctx)
	if err != nil {
		return container.ByteRange{}, err
	}
	if !ok || len(blob) == 0 {
		return container.ByteRange{}, nil
	}
	if needsRecompress {
		blob, err = compress.Recompress(blob, srcParams.Compression, opts.Compression, opts.ForceRecompress)
		if err != nil {
			return container.ByteRange{}, err
		}
	}
	offset, err := sink.Append(blob)
	if err != nil {
		return container.ByteRange{}, verrors.New(verrors.SourceIO, "versatiles", "metadata", err)
	}
	return container.ByteRange{Offset: offset, Length: uint64(len(blob))}, nil
}

// writeBlock requests a tile stream covering one block's populated
// sub-rectangle, recompresses each tile if needed, deduplicates small
// tiles by exact byte equality, and appends everything to sink.
func writeBlock(ctx context.Context, src tilesource.Source, sink blobio.Writer, blk coord.Block, srcParams tilesource.Parameters, opts WriteOptions, needsRecompress bool) (container.BlockDefinition, error) {
	width := blk.Width()
	blockBBox := coord.TileBBox{
		Z:    blk.Coord.Z,
		XMin: blk.Coord.BX<<8 + uint32(blk.ColMin),
		YMin: blk.Coord.BY<<8 + uint32(blk.RowMin),
		XMax: blk.Coord.BX<<8 + uint32(blk.ColMax),
		YMax: blk.Coord.BY<<8 + uint32(blk.RowMax),
	}

	stream, err := src.GetTileStream(ctx, blockBBox)
	if err != nil {
		return container.BlockDefinition{}, err
	}

	tileIndex := make(container.TileIndex, width*blk.Height())
	dedup := make(map[string]container.ByteRange)
	segmentStart := sink.Position()

	for tile := range stream {
		if tile.Err != nil {
			return container.BlockDefinition{}, tile.Err
		}
		blob := tile.Blob
		if needsRecompress {
			blob, err = compress.Recompress(blob, srcParams.Compression, opts.Compression, opts.ForceRecompress)
			if err != nil {
				return container.BlockDefinition{}, err
			}
		}

		var rng container.ByteRange
		small := len(blob) < dedupThreshold
		if small {
			if existing, ok := dedup[string(blob)]; ok {
				rng = existing
			}
		}
		if rng.Length == 0 && len(blob) > 0 {
			offset, err := sink.Append(blob)
			if err != nil {
				return container.BlockDefinition{}, verrors.New(verrors.SourceIO, "versatiles", tile.Coord.String(), err)
			}
			rng = container.ByteRange{Offset: offset - segmentStart, Length: uint64(len(blob))}
			if small {
				dedup[string(blob)] = rng
			}
		}

		col, row := uint8(tile.Coord.X&255), uint8(tile.Coord.Y&255)
		localSlot := (int(row)-int(blk.RowMin))*width + (int(col) - int(blk.ColMin))
		if localSlot < 0 || localSlot >= len(tileIndex) {
			return container.BlockDefinition{}, verrors.New(verrors.Contract, "versatiles", tile.Coord.String(), fmt.Errorf("tile outside requested block range"))
		}
		tileIndex[localSlot] = rng
	}

	tilesRange := container.ByteRange{Offset: segmentStart, Length: sink.Position() - segmentStart}

	rawIdx := container.MarshalTileIndex(tileIndex)
	compressedIdx, err := compress.Compress(rawIdx, compress.Brotli)
	if err != nil {
		return container.BlockDefinition{}, err
	}
	idxOffset, err := sink.Append(compressedIdx)
	if err != nil {
		return container.BlockDefinition{}, verrors.New(verrors.SourceIO, "versatiles", "block tile index", err)
	}

	return container.BlockDefinition{
		Z: blk.Coord.Z, BlockX: blk.Coord.BX, BlockY: blk.Coord.BY,
		ColMin: blk.ColMin, RowMin: blk.RowMin, ColMax: blk.ColMax, RowMax: blk.RowMax,
		TilesRange: tilesRange,
		IndexRange: container.ByteRange{Offset: idxOffset, Length: uint64(len(compressedIdx))},
	}, nil
}

func writeBlockIndex(sink blobio.Writer, defs []container.BlockDefinition) (container.ByteRange, error) {
	raw := container.MarshalBlockIndex(defs)
	compressed, err := compress.Compress(raw, compress.Brotli)
	if err != nil {
		return container.ByteRange{}, err
	}
	offset, err := sink.Append(compressed)
	if err != nil {
		return container.ByteRange{}, verrors.New(verrors.SourceIO, "versatiles", "block index", err)
	}
	return container.ByteRange{Offset: offset, Length: uint64(len(compressed))}, nil
}

// geoBBoxFromPyramid derives the header's geographic extent as the union,
// across every non-empty level, of that level's tile bbox converted to
// lon/lat corners.
func geoBBoxFromPyramid(p *coord.Pyramid) container.GeoBBox {
	result := container.GeoBBox{West: 180, South: 90, East: -180, North: -90}
	p.IterLevels(func(b coord.TileBBox) {
		nw := coord.TileCoord{Z: b.Z, X: b.XMin, Y: b.YMin}
		se := coord.TileCoord{Z: b.Z, X: b.XMax + 1, Y: b.YMax + 1}
		lonW, latN := coord.TileToLonLat(nw)
		lonE, latS := coord.TileToLonLat(se)
		if lonW < result.West {
			result.West = lonW
		}
		if lonE > result.East {
			result.East = lonE
		}
		if latN > result.North {
			result.North = latN
		}
		if latS < result.South {
			result.South = latS
		}
	})
	return result
}

// Package pmtilesfmt implements a minimal PMTiles specification version 3
// reader and writer: a fixed 127-byte header, a single gzip-compressed,
// varint-encoded root directory (no leaf-directory splitting — this
// back-end targets the single-file, single-directory case), and a tile
// data segment addressed by Hilbert-curve tile IDs.
package pmtilesfmt

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/versatiles-org/versatiles-go/blobio"
	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// Reader is a tilesource.Source backed by a PMTiles v3 archive.
type Reader struct {
	src     blobio.Reader
	hdr     header
	entries []entry
	pyramid *coord.Pyramid
	params  tilesource.Parameters
}

// Open reads the header and root directory and derives the populated
// pyramid from the directory's tile IDs.
func Open(ctx context.Context, src blobio.Reader) (*Reader, error) {
	raw, err := src.ReadRange(ctx, 0, headerSize)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "pmtilesfmt", "header", err)
	}
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	format, err := fromPMTileType(h.TileType)
	if err != nil {
		return nil, err
	}
	compression, err := fromPMCompression(h.TileCompression)
	if err != nil {
		return nil, err
	}

	rootRaw, err := src.ReadRange(ctx, h.RootOffset, h.RootLength)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "pmtilesfmt", "root directory", err)
	}
	entries, err := deserializeEntries(rootRaw)
	if err != nil {
		return nil, err
	}

	pyramid := coord.NewPyramid()
	for _, e := range entries {
		runLength := e.RunLength
		if runLength == 0 {
			runLength = 1
		}
		for i := uint32(0); i < runLength; i++ {
			pyramid.Add(IDToTile(e.TileID + uint64(i)))
		}
	}

	return &Reader{
		src:     src,
		hdr:     h,
		entries: entries,
		pyramid: pyramid,
		params: tilesource.Parameters{
			Format:      format,
			Compression: compression,
			Pyramid:     pyramid,
		},
	}, nil
}

func (r *Reader) Parameters() tilesource.Parameters { return r.params }
func (r *Reader) Name() string                      { return r.src.Name() }
func (r *Reader) ContainerName() string             { return "pmtiles" }

func (r *Reader) Meta(ctx context.Context) ([]byte, bool, error) {
	if r.hdr.MetadataLength == 0 {
		return nil, false, nil
	}
	raw, err := r.src.ReadRange(ctx, r.hdr.MetadataOffset, r.hdr.MetadataLength)
	if err != nil {
		return nil, false, verrors.New(verrors.SourceIO, "pmtilesfmt", "metadata", err)
	}
	blob, err := compress.Decompress(raw, compress.Gzip)
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (r *Reader) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	if !r.params.Pyramid.Get(c.Z).Contains(c) {
		return nil, false, nil
	}
	e, ok := findEntry(r.entries, TileToID(c))
	if !ok {
		return nil, false, nil
	}
	blob, err := r.src.ReadRange(ctx, r.hdr.TileDataOffset+e.Offset, uint64(e.Length))
	if err != nil {
		return nil, false, verrors.New(verrors.SourceIO, "pmtilesfmt", c.String(), err)
	}
	return blob, true, nil
}

func (r *Reader) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	var coords []coord.TileCoord
	bbox.IterCoords(func(c coord.TileCoord) bool {
		if r.params.Pyramid.Get(c.Z).Contains(c) {
			coords = append(coords, c)
		}
		return true
	})

	fetches := make([]tilesource.BlockFetch, len(coords))
	for i, c := range coords {
		c := c
		fetches[i] = func(ctx context.Context) ([]tilesource.Tile, error) {
			blob, ok, err := r.GetTile(ctx, c)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return []tilesource.Tile{{Coord: c, Blob: blob}}, nil
		}
	}

	inner, errFn := tilesource.StreamBlocks(ctx, fetches, tilesource.DefaultFanOut)
	return tilesource.WithTerminalError(inner, errFn), nil
}

// Close releases the underlying backing store.
func (r *Reader) Close() error { return r.src.Close() }

// WriteOptions configures a PMTiles write.
type WriteOptions struct {
	Compression compress.Algorithm // must be None, Gzip, or Brotli: Zstd is rejected
}

// WriteFrom drains src's full pyramid into a single-directory PMTiles v3
// archive: pass 1 collects the addressed tile-ID set via a roaring64
// bitmap, pass 2 fetches each tile in ascending ID order, deduplicating
// exact-byte-identical content, and appends entries, tile data, metadata,
// and the directory around a placeholder header that's rewritten once
// final offsets are known.
func WriteFrom(ctx context.Context, src tilesource.Source, sink blobio.Writer, opts WriteOptions) error {
	switch opts.Compression {
	case compress.None, compress.Gzip, compress.Brotli:
	default:
		return verrors.New(verrors.Unsupported, "pmtilesfmt", "compression", fmt.Errorf("pmtiles tile compression must be none, gzip, or brotli"))
	}

	srcParams := src.Parameters()
	if srcParams.Pyramid == nil || srcParams.Pyramid.Empty() {
		return verrors.New(verrors.Contract, "pmtilesfmt", "write", fmt.Errorf("empty pyramid on write"))
	}
	minZoom, maxZoom, _ := srcParams.Pyramid.MinMaxZoom()
	needsRecompress := srcParams.Compression != opts.Compression

	ids := roaring64.New()
	srcParams.Pyramid.IterLevels(func(bbox coord.TileBBox) {
		bbox.IterCoords(func(c coord.TileCoord) bool {
			ids.Add(TileToID(c))
			return true
		})
	})

	if _, err := sink.Append(make([]byte, headerSize)); err != nil {
		return verrors.New(verrors.SourceIO, "pmtilesfmt", "header placeholder", err)
	}

	tileDataOffset := sink.Position()
	var entries []entry
	dedup := make(map[string]struct {
		offset uint64
		length uint32
	})
	addressed := uint64(0)

	it := ids.Iterator()
	for it.HasNext() {
		id := it.Next()
		c := IDToTile(id)
		blob, ok, err := src.GetTile(ctx, c)
		if err != nil {
			return err
		}
		if !ok || len(blob) == 0 {
			continue
		}
		addressed++
		if needsRecompress {
			blob, err = compress.Recompress(blob, srcParams.Compression, opts.Compression, false)
			if err != nil {
				return err
			}
		}

		if existing, ok := dedup[string(blob)]; ok {
			if n := len(entries); n > 0 && entries[n-1].Offset == existing.offset && entries[n-1].TileID+uint64(entries[n-1].RunLength) == id {
				entries[n-1].RunLength++
				continue
			}
			entries = append(entries, entry{TileID: id, Offset: existing.offset, Length: existing.length, RunLength: 1})
			continue
		}

		off, err := sink.Append(blob)
		if err != nil {
			return verrors.New(verrors.SourceIO, "pmtilesfmt", c.String(), err)
		}
		relOffset := off - tileDataOffset
		dedup[string(blob)] = struct {
			offset uint64
			length uint32
		}{relOffset, uint32(len(blob))}
		entries = append(entries, entry{TileID: id, Offset: relOffset, Length: uint32(len(blob)), RunLength: 1})
	}
	tileDataLength := sink.Position() - tileDataOffset

	sort.Slice(entries, func(i, j int) bool { return entries[i].TileID < entries[j].TileID })

	metaOffset := sink.Position()
	var metaLength uint64
	if blob, ok, err := src.Meta(ctx); err != nil {
		return err
	} else if ok && len(blob) > 0 {
		gz, err := compress.Compress(blob, compress.Gzip)
		if err != nil {
			return err
		}
		if _, err := sink.Append(gz); err != nil {
			return verrors.New(verrors.SourceIO, "pmtilesfmt", "metadata", err)
		}
		metaLength = uint64(len(gz))
	}

	rootRaw := serializeEntries(entries)
	rootOffset := sink.Position()
	if _, err := sink.Append(rootRaw); err != nil {
		return verrors.New(verrors.SourceIO, "pmtilesfmt", "root directory", err)
	}

	geo := geoBBoxFromPyramid(srcParams.Pyramid)
	h := header{
		RootOffset: rootOffset, RootLength: uint64(len(rootRaw)),
		MetadataOffset: metaOffset, MetadataLength: metaLength,
		TileDataOffset: tileDataOffset, TileDataLength: tileDataLength,
		AddressedTilesCount: addressed,
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(dedup)),
		Clustered:           true,
		InternalCompression: pmGzip,
		TileCompression:     toPMCompression(opts.Compression),
		TileType:            toPMTileType(srcParams.Format),
		MinZoom:             minZoom,
		MaxZoom:             maxZoom,
		MinLonE7:            int32(geo.West * 1e7),
		MinLatE7:            int32(geo.South * 1e7),
		MaxLonE7:            int32(geo.East * 1e7),
		MaxLatE7:            int32(geo.North * 1e7),
	}
	if err := sink.WriteAt(0, h.marshal()); err != nil {
		return verrors.New(verrors.SourceIO, "pmtilesfmt", "header rewrite", err)
	}
	return nil
}

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

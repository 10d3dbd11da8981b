// Package tarcontainer implements the TAR companion back-end: tiles
// stored as "<z>/<x>/<y>.<ext>[.gz|.br]" entries inside an uncompressed
// tar archive. The reader builds an in-memory index from the tar headers
// on open; the writer streams entries straight through in the order the
// source's GetTileStream delivers them, one zoom level at a time.
package tarcontainer

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilepath"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
)

const metaEntryName = "metadata.json"

type entry struct {
	offset, size int64
}

// Reader is a tilesource.Source backed by an uncompressed tar archive
// read through a single *os.File (tar entries must be read with
// io.SectionReader-style absolute offsets, which os.File.ReadAt gives us
// without re-scanning the archive per tile).
type Reader struct {
	f       *os.File
	name    string
	entries map[coord.TileCoord]entry
	meta    entry
	params  tilesource.Parameters
}

// Open scans path's tar headers once, indexing every tile entry's byte
// range, and infers the declared format/compression from the first tile
// path encountered (mixed-format archives are rejected as Corruption).
func Open(ctx context.Context, path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "tarcontainer", path, err)
	}
	r := &Reader{f: f, name: path, entries: make(map[coord.TileCoord]entry)}

	tr := tar.NewReader(f)
	havePrimary := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, verrors.New(verrors.Corruption, "tarcontainer", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		offset, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			f.Close()
			return nil, verrors.New(verrors.SourceIO, "tarcontainer", path, err)
		}

		if hdr.Name == metaEntryName {
			r.meta = entry{offset: offset, size: hdr.Size}
			continue
		}

		c, format, compression, err := tilepath.Decode(hdr.Name)
		if err != nil {
			f.Close()
			return nil, err
		}
		if !havePrimary {
			r.params.Format = format
			r.params.Compression = compression
			r.params.Pyramid = coord.NewPyramid()
			havePrimary = true
		} else if format != r.params.Format {
			f.Close()
			return nil, verrors.New(verrors.Corruption, "tarcontainer", hdr.Name, fmt.Errorf("mixed tile formats in one archive: %s vs %s", format, r.params.Format))
		}
		r.entries[c] = entry{offset: offset, size: hdr.Size}
		r.params.Pyramid.Add(c)
	}
	if !havePrimary {
		r.params.Pyramid = coord.NewPyramid()
	}
	return r, nil
}

func (r *Reader) Parameters() tilesource.Parameters { return r.params }
func (r *Reader) Name() string                      { return r.name }
func (r *Reader) ContainerName() string             { return "tar" }

func (r *Reader) Meta(ctx context.Context) ([]byte, bool, error) {
	if r.meta.size == 0 {
		return nil, false, nil
	}
	buf := make([]byte, r.meta.size)
	if _, err := r.f.ReadAt(buf, r.meta.offset); err != nil {
		return nil, false, verrors.New(verrors.SourceIO, "tarcontainer", metaEntryName, err)
	}
	return buf, true, nil
}

func (r *Reader) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	e, ok := r.entries[c]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, e.size)
	if _, err := r.f.ReadAt(buf, e.offset); err != nil {
		return nil, false, verrors.New(verrors.SourceIO, "tarcontainer", c.String(), err)
	}
	return buf, true, nil
}

func (r *Reader) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	var coords []coord.TileCoord
	bbox.IterCoords(func(c coord.TileCoord) bool {
		if _, ok := r.entries[c]; ok {
			coords = append(coords, c)
		}
		return true
	})

	fetches := make([]tilesource.BlockFetch, len(coords))
	for i, c := range coords {
		c := c
		fetches[i] = func(ctx context.Context) ([]tilesource.Tile, error) {
			blob, ok, err := r.GetTile(ctx, c)
			if err != nil || !ok {
				return nil, err
			}
			return []tilesource.Tile{{Coord: c, Blob: blob}}, nil
		}
	}
	inner, errFn := tilesource.StreamBlocks(ctx, fetches, tilesource.DefaultFanOut)
	return tilesource.WithTerminalError(inner, errFn), nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// WriteFrom streams src's full pyramid straight into an uncompressed tar
// at path, one entry per tile plus one "metadata.json" entry if src has
// metadata. Unlike the .versatiles/PMTiles writers this back-end needs no
// placeholder header: tar entries are self-contained and can be written
// in a single forward pass.
func WriteFrom(ctx context.Context, src tilesource.Source, path string, opts WriteOptions) error {
	srcParams := src.Parameters()
	if srcParams.Pyramid == nil || srcParams.Pyramid.Empty() {
		return verrors.New(verrors.Contract, "tarcontainer", "write", fmt.Errorf("empty pyramid on write"))
	}
	needsRecompress := srcParams.Format != opts.Format || srcParams.Compression != opts.Compression

	f, err := os.Create(path)
	if err != nil {
		return verrors.New(verrors.SourceIO, "tarcontainer", path, err)
	}
	defer f.Close()
	tw := tar.NewWriter(f)
	defer tw.Close()

	if blob, ok, err := src.Meta(ctx); err != nil {
		return err
	} else if ok && len(blob) > 0 {
		if needsRecompress {
			blob, err = compress.Recompress(blob, srcParams.Compression, opts.Compression, false)
			if err != nil {
				return err
			}
		}
		if err := writeEntry(tw, metaEntryName, blob); err != nil {
			return err
		}
	}

	var writeErr error
	srcParams.Pyramid.IterLevels(func(levelBBox coord.TileBBox) {
		if writeErr != nil {
			return
		}
		stream, err := src.GetTileStream(ctx, levelBBox)
		if err != nil {
			writeErr = err
			return
		}
		for tile := range stream {
			if tile.Err != nil {
				writeErr = tile.Err
				return
			}
			blob := tile.Blob
			if needsRecompress {
				blob, err = compress.Recompress(blob, srcParams.Compression, opts.Compression, false)
				if err != nil {
					writeErr = err
					return
				}
			}
			name := tilepath.Encode(tile.Coord, opts.Format, opts.Compression)
			if err := writeEntry(tw, name, blob); err != nil {
				writeErr = err
				return
			}
		}
	})
	return writeErr
}

// WriteOptions configures a tar write's declared target format/compression.
type WriteOptions struct {
	Format      container.TileFormat
	Compression compress.Algorithm
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return verrors.New(verrors.SourceIO, "tarcontainer", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return verrors.New(verrors.SourceIO, "tarcontainer", name, err)
	}
	return nil
}

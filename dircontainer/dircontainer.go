// Package dircontainer implements the plain-directory companion back-end:
// the same "<z>/<x>/<y>.<ext>[.gz|.br]" path convention as tarcontainer,
// laid out directly on the filesystem instead of inside an archive. A
// sibling "metadata.json" file holds the source's metadata blob.
package dircontainer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilepath"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
)

const metaFileName = "metadata.json"

// Reader is a tilesource.Source backed by a directory tree of tile files,
// indexed once on Open by walking the tree (mirrors tarcontainer.Open's
// single-pass scan, but via filepath.WalkDir instead of tar headers).
type Reader struct {
	root   string
	hasMeta bool
	params tilesource.Parameters
}

// Open walks root, indexing every tile file's coordinate and inferring the
// declared format/compression from the first tile encountered. A
// directory with no tile files yields an empty, but otherwise valid,
// Reader.
func Open(ctx context.Context, root string) (*Reader, error) {
	r := &Reader{root: root, params: tilesource.Parameters{Pyramid: coord.NewPyramid()}}
	havePrimary := false

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == metaFileName {
			r.hasMeta = true
			return nil
		}
		c, format, compression, err := tilepath.Decode(rel)
		if err != nil {
			return err
		}
		if !havePrimary {
			r.params.Format = format
			r.params.Compression = compression
			havePrimary = true
		} else if format != r.params.Format {
			return verrors.New(verrors.Corruption, "dircontainer", rel, fmt.Errorf("mixed tile formats in one directory: %s vs %s", format, r.params.Format))
		}
		r.params.Pyramid.Add(c)
		return nil
	})
	if err != nil {
		if verr, ok := err.(*verrors.Error); ok {
			return nil, verr
		}
		return nil, verrors.New(verrors.SourceIO, "dircontainer", root, err)
	}
	return r, nil
}

func (r *Reader) Parameters() tilesource.Parameters { return r.params }
func (r *Reader) Name() string                      { return r.root }
func (r *Reader) ContainerName() string             { return "directory" }

func (r *Reader) Meta(ctx context.Context) ([]byte, bool, error) {
	if !r.hasMeta {
		return nil, false, nil
	}
	blob, err := os.ReadFile(filepath.Join(r.root, metaFileName))
	if err != nil {
		return nil, false, verrors.New(verrors.SourceIO, "dircontainer", metaFileName, err)
	}
	return blob, true, nil
}

func (r *Reader) tilePath(c coord.TileCoord) string {
	return filepath.Join(r.root, filepath.FromSlash(tilepath.Encode(c, r.params.Format, r.params.Compression)))
}

func (r *Reader) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	blob, err := os.ReadFile(r.tilePath(c))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, verrors.New(verrors.SourceIO, "dircontainer", c.String(), err)
	}
	return blob, true, nil
}

func (r *Reader) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	var coords []coord.TileCoord
	bbox.IterCoords(func(c coord.TileCoord) bool {
		coords = append(coords, c)
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

// Close is a no-op; dircontainer holds no open file handles between calls.
func (r *Reader) Close() error { return nil }

// WriteOptions configures a directory write's declared target format/compression.
type WriteOptions struct {
	Format      container.TileFormat
	Compression compress.Algorithm
}

// WriteFrom streams src's full pyramid into root, one file per tile plus
// a metadata.json if src has metadata. Parent directories are created as
// needed; an existing root is written into without being cleared first,
// matching tarcontainer's straight single-pass write.
func WriteFrom(ctx context.Context, src tilesource.Source, root string, opts WriteOptions) error {
	srcParams := src.Parameters()
	if srcParams.Pyramid == nil || srcParams.Pyramid.Empty() {
		return verrors.New(verrors.Contract, "dircontainer", "write", fmt.Errorf("empty pyramid on write"))
	}
	needsRecompress := srcParams.Format != opts.Format || srcParams.Compression != opts.Compression

	if err := os.MkdirAll(root, 0o755); err != nil {
		return verrors.New(verrors.SourceIO, "dircontainer", root, err)
	}

	if blob, ok, err := src.Meta(ctx); err != nil {
		return err
	} else if ok && len(blob) > 0 {
		if needsRecompress {
			blob, err = compress.Recompress(blob, srcParams.Compression, opts.Compression, false)
			if err != nil {
				return err
			}
		}
		if err := os.WriteFile(filepath.Join(root, metaFileName), blob, 0o644); err != nil {
			return verrors.New(verrors.SourceIO, "dircontainer", metaFileName, err)
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
			relPath := filepath.FromSlash(tilepath.Encode(tile.Coord, opts.Format, opts.Compression))
			fullPath := filepath.Join(root, relPath)
			if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
				writeErr = verrors.New(verrors.SourceIO, "dircontainer", fullPath, err)
				return
			}
			if err := os.WriteFile(fullPath, blob, 0o644); err != nil {
				writeErr = verrors.New(verrors.SourceIO, "dircontainer", fullPath, err)
				return
			}
		}
	})
	return writeErr
}

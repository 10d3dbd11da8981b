// Package convert implements the companion-format converter: open a
// source by file extension, apply the requested zoom/bbox/orientation
// overrides as stream-transforming wrapper sources, then hand the result
// to the destination backend's writer.
package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/versatiles-org/versatiles-go/blobio"
	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/dircontainer"
	"github.com/versatiles-org/versatiles-go/mbtiles"
	"github.com/versatiles-org/versatiles-go/pmtilesfmt"
	"github.com/versatiles-org/versatiles-go/tarcontainer"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
	"github.com/versatiles-org/versatiles-go/versatiles"
)

// Source is the contract a converter input must satisfy: a tilesource.Source
// plus the ability to release any open handle once the conversion is done.
type Source interface {
	tilesource.Source
	Close() error
}

// Options configures one conversion run's overrides on top of whatever
// the source itself declares.
type Options struct {
	MinZoom         *uint8
	MaxZoom         *uint8
	BBox            *coord.GeoBBox
	FlipY           bool
	SwapXY          bool
	Format          *container.TileFormat
	Compression     *compress.Algorithm
	ForceRecompress bool
	Concurrency     int
	Progress        ProgressWriter // nil: no progress reporting
}

type kind int

const (
	kindVersatiles kind = iota
	kindMBTiles
	kindPMTiles
	kindTar
	kindDirectory
)

func classify(path string) kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".versatiles":
		return kindVersatiles
	case ".mbtiles":
		return kindMBTiles
	case ".pmtiles":
		return kindPMTiles
	case ".tar":
		return kindTar
	default:
		return kindDirectory
	}
}

// OpenSource opens path as a converter input, dispatching on its file
// extension (an unrecognized or absent extension is treated as a
// directory tree).
func OpenSource(ctx context.Context, path string) (Source, error) {
	switch classify(path) {
	case kindVersatiles:
		f, err := blobio.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return versatiles.Open(ctx, f)
	case kindMBTiles:
		return mbtiles.Open(ctx, path)
	case kindPMTiles:
		f, err := blobio.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return pmtilesfmt.Open(ctx, f)
	case kindTar:
		return tarcontainer.Open(ctx, path)
	default:
		return dircontainer.Open(ctx, path)
	}
}

// Convert opens inputPath, applies opts' overrides, and writes the result
// to outputPath, dispatching the destination backend the same way
// OpenSource does for the source. The returned container.Header is only
// populated when the destination is a .versatiles file; other back-ends
// have no equivalent fixed header.
func Convert(ctx context.Context, inputPath, outputPath string, opts Options) (container.Header, error) {
	src, err := OpenSource(ctx, inputPath)
	if err != nil {
		return container.Header{}, err
	}
	defer src.Close()

	wrapped := applyOverrides(ctx, src, opts)

	if p := wrapped.Parameters().Pyramid; p == nil || p.Empty() {
		return container.Header{}, verrors.New(verrors.Contract, "convert", outputPath, fmt.Errorf("no tiles left to write after applying overrides"))
	}

	return writeDestination(ctx, wrapped, outputPath, opts)
}

// applyOverrides wraps src, innermost first, with the transform (flip_y,
// swap_xy) and restriction (min/max zoom, bbox) layers opts requests, and
// finally a tile-counting progress layer if opts.Progress is set.
func applyOverrides(ctx context.Context, src tilesource.Source, opts Options) tilesource.Source {
	var wrapped tilesource.Source = src

	if opts.FlipY {
		wrapped = &transformSource{inner: wrapped, fn: coord.FlipY}
	}
	if opts.SwapXY {
		wrapped = &transformSource{inner: wrapped, fn: coord.SwapXY}
	}
	if opts.MinZoom != nil || opts.MaxZoom != nil || opts.BBox != nil {
		restricted := buildRestrictedPyramid(wrapped.Parameters().Pyramid, opts)
		wrapped = &restrictSource{inner: wrapped, pyramid: restricted}
	}
	if opts.Progress != nil {
		wrapped = &progressSource{inner: wrapped, progress: opts.Progress}
	}
	return wrapped
}

func buildRestrictedPyramid(base *coord.Pyramid, opts Options) *coord.Pyramid {
	result := coord.NewPyramid()
	if base == nil {
		return result
	}
	base.IterLevels(func(b coord.TileBBox) {
		if opts.MinZoom != nil && b.Z < *opts.MinZoom {
			return
		}
		if opts.MaxZoom != nil && b.Z > *opts.MaxZoom {
			return
		}
		if opts.BBox != nil {
			b = b.Intersect(coord.BBoxFromGeo(b.Z, *opts.BBox))
		}
		result.Set(b)
	})
	return result
}

func effectiveFormat(p tilesource.Parameters, opts Options) container.TileFormat {
	if opts.Format != nil {
		return *opts.Format
	}
	return p.Format
}

func effectiveCompression(p tilesource.Parameters, opts Options) compress.Algorithm {
	if opts.Compression != nil {
		return *opts.Compression
	}
	return p.Compression
}

func writeDestination(ctx context.Context, src tilesource.Source, path string, opts Options) (container.Header, error) {
	params := src.Parameters()
	format := effectiveFormat(params, opts)
	compression := effectiveCompression(params, opts)

	switch classify(path) {
	case kindVersatiles:
		sink, err := blobio.CreateFile(path)
		if err != nil {
			return container.Header{}, err
		}
		defer sink.Close()
		return versatiles.WriteFrom(ctx, src, sink, versatiles.WriteOptions{
			Format:          format,
			Compression:     compression,
			ForceRecompress: opts.ForceRecompress,
			Concurrency:     opts.Concurrency,
		})
	case kindMBTiles:
		return container.Header{}, mbtiles.WriteFrom(ctx, src, path)
	case kindPMTiles:
		sink, err := blobio.CreateFile(path)
		if err != nil {
			return container.Header{}, err
		}
		defer sink.Close()
		return container.Header{}, pmtilesfmt.WriteFrom(ctx, src, sink, pmtilesfmt.WriteOptions{Compression: compression})
	case kindTar:
		return container.Header{}, tarcontainer.WriteFrom(ctx, src, path, tarcontainer.WriteOptions{Format: format, Compression: compression})
	default:
		return container.Header{}, dircontainer.WriteFrom(ctx, src, path, dircontainer.WriteOptions{Format: format, Compression: compression})
	}
}

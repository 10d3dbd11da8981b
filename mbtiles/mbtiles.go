// Package mbtiles reads the MBTiles SQLite container (tiles(zoom_level,
// tile_column, tile_row, tile_data), metadata(name, value)) as a
// tilesource.Source. MBTiles is TMS-scheme (y counts from the south); every
// read flips y to this module's XYZ convention. Writing is unsupported.
package mbtiles

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// Reader is a read-only tilesource.Source backed by an MBTiles file. Tile
// bytes are read exactly as stored (MBTiles convention is gzip-compressed
// PBF or raw raster); Parameters().Format and Compression are derived from
// the metadata "format" row alone (see detectFormat), and a missing row is
// taken as gzip-compressed PBF. Tile contents are not inspected.
type Reader struct {
	path     string
	conn     *sqlite.Conn
	params   tilesource.Parameters
	metadata map[string]string
}

// Open opens path read-only, reads the metadata table, and determines the
// declared format/compression and the populated zoom pyramid.
func Open(ctx context.Context, path string) (*Reader, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "mbtiles", path, err)
	}
	r := &Reader{path: path, conn: conn, metadata: make(map[string]string)}

	if err := r.readMetadata(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.readPyramid(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	format, compression, err := detectFormat(r.metadata)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.params.Format = format
	r.params.Compression = compression
	return r, nil
}

func (r *Reader) readMetadata() error {
	stmt, _, err := r.conn.PrepareTransient("SELECT name, value FROM metadata")
	if err != nil {
		return verrors.New(verrors.SourceIO, "mbtiles", "metadata", err)
	}
	defer stmt.Finalize()
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return verrors.New(verrors.SourceIO, "mbtiles", "metadata", err)
		}
		if !hasRow {
			break
		}
		r.metadata[stmt.ColumnText(0)] = stmt.ColumnText(1)
	}
	return nil
}

func (r *Reader) readPyramid(ctx context.Context) error {
	r.params.Pyramid = coord.NewPyramid()
	stmt, _, err := r.conn.PrepareTransient("SELECT zoom_level, tile_column, tile_row FROM tiles")
	if err != nil {
		return verrors.New(verrors.SourceIO, "mbtiles", "tiles", err)
	}
	defer stmt.Finalize()
	for {
		if ctx.Err() != nil {
			return verrors.New(verrors.Cancelled, "mbtiles", "pyramid scan", ctx.Err())
		}
		hasRow, err := stmt.Step()
		if err != nil {
			return verrors.New(verrors.SourceIO, "mbtiles", "tiles", err)
		}
		if !hasRow {
			break
		}
		z := uint8(stmt.ColumnInt64(0))
		x := uint32(stmt.ColumnInt64(1))
		tmsY := uint32(stmt.ColumnInt64(2))
		c := coord.FlipY(coord.TileCoord{Z: z, X: x, Y: tmsY})
		r.params.Pyramid.Add(c)
	}
	return nil
}

// detectFormat maps the metadata table's "format" value to a
// container.TileFormat, and its presence/absence to a compression guess:
// MBTiles stores vector tiles gzip-compressed and raster tiles raw.
func detectFormat(meta map[string]string) (container.TileFormat, compress.Algorithm, error) {
	switch strings.ToLower(meta["format"]) {
	case "pbf", "mvt":
		return container.FormatPBF, compress.Gzip, nil
	case "png":
		return container.FormatPNG, compress.None, nil
	case "jpg", "jpeg":
		return container.FormatJPG, compress.None, nil
	case "webp":
		return container.FormatWEBP, compress.None, nil
	case "":
		return container.FormatPBF, compress.Gzip, nil
	default:
		return 0, 0, verrors.New(verrors.Unsupported, "mbtiles", meta["format"], fmt.Errorf("unrecognized tile format %q", meta["format"]))
	}
}

func (r *Reader) Parameters() tilesource.Parameters { return r.params }

func (r *Reader) Name() string          { return r.path }
func (r *Reader) ContainerName() string { return "mbtiles" }

// Meta assembles a TileJSON-ish JSON metadata blob from the metadata
// table, matching the shape readers of other backends return.
func (r *Reader) Meta(ctx context.Context) ([]byte, bool, error) {
	if len(r.metadata) == 0 {
		return nil, false, nil
	}
	keys := make([]string, 0, len(r.metadata))
	for k := range r.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%q", k, r.metadata[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), true, nil
}

func (r *Reader) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	tms := coord.FlipY(c)
	stmt := r.conn.Prep("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	defer stmt.Reset()
	stmt.BindInt64(1, int64(tms.Z))
	stmt.BindInt64(2, int64(tms.X))
	stmt.BindInt64(3, int64(tms.Y))

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, false, verrors.New(verrors.SourceIO, "mbtiles", c.String(), err)
	}
	if !hasRow {
		return nil, false, nil
	}
	data := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, data)
	return data, true, nil
}

func (r *Reader) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	xMin, xMax := bbox.XMin, bbox.XMax
	n := uint32(1)<<bbox.Z - 1
	tmsYMin, tmsYMax := n-bbox.YMax, n-bbox.YMin

	stmt, _, err := r.conn.PrepareTransient(
		"SELECT tile_column, tile_row, tile_data FROM tiles " +
			"WHERE zoom_level = ? AND tile_column BETWEEN ? AND ? AND tile_row BETWEEN ? AND ? " +
			"ORDER BY tile_row DESC, tile_column ASC")
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "mbtiles", "stream", err)
	}
	stmt.BindInt64(1, int64(bbox.Z))
	stmt.BindInt64(2, int64(xMin))
	stmt.BindInt64(3, int64(xMax))
	stmt.BindInt64(4, int64(tmsYMin))
	stmt.BindInt64(5, int64(tmsYMax))

	out := make(chan tilesource.Tile)
	go func() {
		defer close(out)
		defer stmt.Finalize()
		for {
			if ctx.Err() != nil {
				out <- tilesource.Tile{Err: verrors.New(verrors.Cancelled, "mbtiles", "stream", ctx.Err())}
				return
			}
			hasRow, err := stmt.Step()
			if err != nil {
				out <- tilesource.Tile{Err: verrors.New(verrors.SourceIO, "mbtiles", "stream", err)}
				return
			}
			if !hasRow {
				return
			}
			x := uint32(stmt.ColumnInt64(0))
			tmsY := uint32(stmt.ColumnInt64(1))
			c := coord.FlipY(coord.TileCoord{Z: bbox.Z, X: x, Y: tmsY})
			data := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, data)
			select {
			case out <- tilesource.Tile{Coord: c, Blob: data}:
			case <-ctx.Done():
				out <- tilesource.Tile{Err: verrors.New(verrors.Cancelled, "mbtiles", "stream", ctx.Err())}
				return
			}
		}
	}()
	return out, nil
}

// VerifyReport mirrors versatiles.VerifyReport's shape so probe tooling
// can report both back-ends uniformly.
type VerifyReport struct {
	TilesChecked int
	FirstError   error
}

func (rep *VerifyReport) note(err error) {
	if rep.FirstError == nil {
		rep.FirstError = err
	}
}

// OK reports whether the pass found no failures.
func (rep *VerifyReport) OK() bool { return rep.FirstError == nil }

// DeepVerify runs SQLite's own quick_check pragma (a table/index-level
// consistency check, cheaper than the full integrity_check) and then
// walks every tiles row checking that tile_data is non-empty and that the
// zoom level lies within 0..coord.MaxZoom.
func (r *Reader) DeepVerify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}

	stmt, _, err := r.conn.PrepareTransient("PRAGMA quick_check")
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "mbtiles", "quick_check", err)
	}
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Finalize()
			return nil, verrors.New(verrors.SourceIO, "mbtiles", "quick_check", err)
		}
		if !hasRow {
			break
		}
		if result := stmt.ColumnText(0); result != "ok" {
			report.note(verrors.New(verrors.Corruption, "mbtiles", "quick_check", fmt.Errorf("%s", result)))
		}
	}
	stmt.Finalize()

	rows, _, err := r.conn.PrepareTransient("SELECT zoom_level, tile_column, tile_row, length(tile_data) FROM tiles")
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "mbtiles", "tiles", err)
	}
	defer rows.Finalize()
	for {
		if ctx.Err() != nil {
			report.note(verrors.New(verrors.Cancelled, "mbtiles", "deep verify", ctx.Err()))
			break
		}
		hasRow, err := rows.Step()
		if err != nil {
			report.note(verrors.New(verrors.SourceIO, "mbtiles", "tiles", err))
			break
		}
		if !hasRow {
			break
		}
		z := rows.ColumnInt64(0)
		length := rows.ColumnInt64(3)
		if z < 0 || z > coord.MaxZoom {
			report.note(verrors.New(verrors.Corruption, "mbtiles",
				fmt.Sprintf("zoom %d/%d/%d", z, rows.ColumnInt64(1), rows.ColumnInt64(2)),
				fmt.Errorf("zoom level out of range")))
			continue
		}
		if length == 0 {
			report.note(verrors.New(verrors.Corruption, "mbtiles",
				fmt.Sprintf("zoom %d/%d/%d", z, rows.ColumnInt64(1), rows.ColumnInt64(2)),
				fmt.Errorf("empty tile_data")))
			continue
		}
		report.TilesChecked++
	}
	return report, nil
}

// Close releases the underlying SQLite connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// WriteFrom always fails: MBTiles is a read-only companion back-end.
func WriteFrom(ctx context.Context, src tilesource.Source, path string) error {
	return verrors.New(verrors.Unsupported, "mbtiles", path, fmt.Errorf("writing MBTiles is not supported"))
}

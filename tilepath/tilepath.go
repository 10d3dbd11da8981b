// Package tilepath implements the "<z>/<x>/<y>.<ext>[.gz|.br]" path
// convention shared by the tar and directory companion back-ends (spec
// §6's "Tiles stored as files <z>/<x>/<y>.<ext>[.gz|.br]").
package tilepath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// Encode builds the path for one tile.
func Encode(c coord.TileCoord, format container.TileFormat, compression compress.Algorithm) string {
	return fmt.Sprintf("%d/%d/%d.%s%s", c.Z, c.X, c.Y, format.String(), compression.Ext())
}

// Decode parses a path produced by Encode, tolerating a leading "./".
func Decode(path string) (coord.TileCoord, container.TileFormat, compress.Algorithm, error) {
	path = strings.TrimPrefix(path, "./")
	compression := compress.None
	switch {
	case strings.HasSuffix(path, ".gz"):
		compression = compress.Gzip
		path = strings.TrimSuffix(path, ".gz")
	case strings.HasSuffix(path, ".br"):
		compression = compress.Brotli
		path = strings.TrimSuffix(path, ".br")
	}

	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return coord.TileCoord{}, 0, 0, verrors.New(verrors.Corruption, "tilepath", path, fmt.Errorf("expected <z>/<x>/<y>.<ext> path"))
	}
	z, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return coord.TileCoord{}, 0, 0, verrors.New(verrors.Corruption, "tilepath", path, fmt.Errorf("bad zoom: %w", err))
	}
	x, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return coord.TileCoord{}, 0, 0, verrors.New(verrors.Corruption, "tilepath", path, fmt.Errorf("bad column: %w", err))
	}
	yExt := strings.SplitN(parts[2], ".", 2)
	if len(yExt) != 2 {
		return coord.TileCoord{}, 0, 0, verrors.New(verrors.Corruption, "tilepath", path, fmt.Errorf("missing file extension"))
	}
	y, err := strconv.ParseUint(yExt[0], 10, 32)
	if err != nil {
		return coord.TileCoord{}, 0, 0, verrors.New(verrors.Corruption, "tilepath", path, fmt.Errorf("bad row: %w", err))
	}
	format, err := container.ParseTileFormatName(yExt[1])
	if err != nil {
		return coord.TileCoord{}, 0, 0, err
	}
	return coord.TileCoord{Z: uint8(z), X: uint32(x), Y: uint32(y)}, format, compression, nil
}

package convert

import (
	"context"

	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
)

// transformSource applies an involutive coordinate transform (coord.FlipY
// or coord.SwapXY) to every coordinate a source is asked about or emits,
// so --flip-y/--swap-xy behave as a stream-level rewrite rather than
// needing support from every individual backend.
type transformSource struct {
	inner tilesource.Source
	fn    func(coord.TileCoord) coord.TileCoord
}

func (t *transformSource) Parameters() tilesource.Parameters {
	p := t.inner.Parameters()
	pyramid := coord.NewPyramid()
	if p.Pyramid != nil {
		p.Pyramid.IterLevels(func(b coord.TileBBox) {
			pyramid.Set(transformBBox(b, t.fn))
		})
	}
	return tilesource.Parameters{Format: p.Format, Compression: p.Compression, Pyramid: pyramid}
}

func (t *transformSource) Name() string          { return t.inner.Name() }
func (t *transformSource) ContainerName() string { return t.inner.ContainerName() }

func (t *transformSource) Meta(ctx context.Context) ([]byte, bool, error) {
	return t.inner.Meta(ctx)
}

func (t *transformSource) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	return t.inner.GetTile(ctx, t.fn(c))
}

func (t *transformSource) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	inner, err := t.inner.GetTileStream(ctx, transformBBox(bbox, t.fn))
	if err != nil {
		return nil, err
	}
	out := make(chan tilesource.Tile)
	go func() {
		defer close(out)
		for tile := range inner {
			if tile.Err == nil {
				tile.Coord = t.fn(tile.Coord)
			}
			out <- tile
		}
	}()
	return out, nil
}

// transformBBox maps a bbox's two diagonal corners through fn and
// reassembles the bounding rectangle, which is exact for FlipY and SwapXY
// since both are per-axis monotonic or anti-monotonic maps.
func transformBBox(b coord.TileBBox, fn func(coord.TileCoord) coord.TileCoord) coord.TileBBox {
	if b.Empty() {
		return b
	}
	c1 := fn(coord.TileCoord{Z: b.Z, X: b.XMin, Y: b.YMin})
	c2 := fn(coord.TileCoord{Z: b.Z, X: b.XMax, Y: b.YMax})
	return coord.TileBBox{
		Z:    b.Z,
		XMin: minU32(c1.X, c2.X), YMin: minU32(c1.Y, c2.Y),
		XMax: maxU32(c1.X, c2.X), YMax: maxU32(c1.Y, c2.Y),
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// restrictSource narrows a source's declared pyramid to the intersection
// computed from --min-zoom/--max-zoom/--bbox, and filters GetTile/
// GetTileStream to match.
type restrictSource struct {
	inner   tilesource.Source
	pyramid *coord.Pyramid
}

func (s *restrictSource) Parameters() tilesource.Parameters {
	p := s.inner.Parameters()
	return tilesource.Parameters{Format: p.Format, Compression: p.Compression, Pyramid: s.pyramid}
}

func (s *restrictSource) Name() string          { return s.inner.Name() }
func (s *restrictSource) ContainerName() string { return s.inner.ContainerName() }

func (s *restrictSource) Meta(ctx context.Context) ([]byte, bool, error) {
	return s.inner.Meta(ctx)
}

func (s *restrictSource) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	if !s.pyramid.Get(c.Z).Contains(c) {
		return nil, false, nil
	}
	return s.inner.GetTile(ctx, c)
}

func (s *restrictSource) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	restricted := s.pyramid.Get(bbox.Z).Intersect(bbox)
	return s.inner.GetTileStream(ctx, restricted)
}

// progressSource reports one progress tick per tile that actually crosses
// GetTile/GetTileStream, so a CLI progress bar advances at the same rate
// tiles are pulled from the source regardless of which backend is reading.
type progressSource struct {
	inner    tilesource.Source
	progress ProgressWriter
}

func (p *progressSource) Parameters() tilesource.Parameters { return p.inner.Parameters() }
func (p *progressSource) Name() string                      { return p.inner.Name() }
func (p *progressSource) ContainerName() string             { return p.inner.ContainerName() }

func (p *progressSource) Meta(ctx context.Context) ([]byte, bool, error) {
	return p.inner.Meta(ctx)
}

func (p *progressSource) GetTile(ctx context.Context, c coord.TileCoord) ([]byte, bool, error) {
	blob, ok, err := p.inner.GetTile(ctx, c)
	if ok {
		p.progress.Add(1)
	}
	return blob, ok, err
}

func (p *progressSource) GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan tilesource.Tile, error) {
	inner, err := p.inner.GetTileStream(ctx, bbox)
	if err != nil {
		return nil, err
	}
	out := make(chan tilesource.Tile)
	go func() {
		defer close(out)
		for tile := range inner {
			if tile.Err == nil {
				p.progress.Add(1)
			}
			out <- tile
		}
	}()
	return out, nil
}

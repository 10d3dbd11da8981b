package pmtilesfmt

import "github.com/versatiles-org/versatiles-go/coord"

// rotate performs the Hilbert-curve quadrant rotation step shared by both
// directions of the ID<->(z,x,y) conversion.
func rotate(n uint64, x, y *uint64, rx, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

// tileOnLevel inverts hilbertDistance: given a zoom level and a Hilbert
// distance local to that level, recovers the (x,y) tile position.
func tileOnLevel(z uint8, pos uint64) (uint32, uint32) {
	n := uint64(1) << z
	t := pos
	var tx, ty uint64
	for s := uint64(1); s < n; s *= 2 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		rotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return uint32(tx), uint32(ty)
}

// hilbertDistance returns a tile's position along the Hilbert curve within
// its own zoom level (not a global ID across levels).
func hilbertDistance(z uint8, x, y uint32) uint64 {
	n := uint64(1) << z
	tx, ty := uint64(x), uint64(y)
	var d uint64
	for s := n / 2; s > 0; s /= 2 {
		var rx, ry uint64
		if tx&s > 0 {
			rx = 1
		}
		if ty&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		rotate(s, &tx, &ty, rx, ry)
	}
	return d
}

// levelOffset is the count of every tile at a lower zoom than z, i.e. the
// global ID of z's first (0,0) tile.
func levelOffset(z uint8) uint64 {
	var acc uint64
	for tz := uint8(0); tz < z; tz++ {
		n := uint64(1) << tz
		acc += n * n
	}
	return acc
}

// TileToID converts a tile coordinate into a single global Hilbert curve
// ID, the PMTiles directory's sort and lookup key.
func TileToID(c coord.TileCoord) uint64 {
	return levelOffset(c.Z) + hilbertDistance(c.Z, c.X, c.Y)
}

// IDToTile inverts TileToID.
func IDToTile(id uint64) coord.TileCoord {
	var acc uint64
	var z uint8
	for {
		n := uint64(1) << z
		count := n * n
		if acc+count > id {
			x, y := tileOnLevel(z, id-acc)
			return coord.TileCoord{Z: z, X: x, Y: y}
		}
		acc += count
		z++
	}
}

// Package tilesource defines the contract every reader backend
// (versatiles, mbtiles, pmtiles, tar, directory) exposes to the
// converter, plus the bounded-fan-out stream helper all of them use to
// serve get_tile_stream without losing result ordering.
package tilesource

import (
	"context"
	"sync"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
)

// Parameters describes a source's declared tile format, compression, and
// spatial/zoom coverage.
type Parameters struct {
	Format      container.TileFormat
	Compression compress.Algorithm
	Pyramid     *coord.Pyramid
}

// Tile pairs a coordinate with its raw (still-compressed) blob. A stream
// that hits a fatal error emits one final Tile with Err set instead of a
// coordinate/blob, then closes — the standard shape for a channel that
// needs to report a terminal failure without a second return channel.
type Tile struct {
	Coord coord.TileCoord
	Blob  []byte
	Err   error
}

// Source is the contract every backend implements. Empty coverage is
// represented by ok=false, never by an error.
type Source interface {
	Parameters() Parameters
	// Meta returns the source's metadata blob, compressed in the
	// declared compression.
	Meta(ctx context.Context) (blob []byte, ok bool, err error)
	// GetTile returns one tile's raw blob.
	GetTile(ctx context.Context, c coord.TileCoord) (blob []byte, ok bool, err error)
	// GetTileStream emits every populated tile in bbox. The versatiles
	// reader emits tiles in row-major order within each touched block,
	// blocks in row-major order; the tar, directory, PMTiles and MBTiles
	// readers emit row-major order over the whole bbox, which differs from
	// block order when bbox spans more than one block column. The
	// channel is closed when the stream ends, ctx is cancelled, or a
	// fatal error occurs (reported as a final Tile with Err set).
	GetTileStream(ctx context.Context, bbox coord.TileBBox) (<-chan Tile, error)
	Name() string
	ContainerName() string
}

// WithTerminalError wraps a Tile channel so that, once it closes, errFn's
// non-nil result is delivered as one final Tile{Err: err} before the
// returned channel closes. Backends build their public GetTileStream
// channel by wrapping tilesource.StreamBlocks' (channel, errFn) pair with
// this helper, since the Source contract has no separate error channel.
func WithTerminalError(in <-chan Tile, errFn func() error) <-chan Tile {
	out := make(chan Tile)
	go func() {
		defer close(out)
		for t := range in {
			out <- t
		}
		if err := errFn(); err != nil {
			out <- Tile{Err: err}
		}
	}()
	return out
}

// DefaultFanOut is the degree of parallel block fetches get_tile_stream
// implementations should use absent an override.
const DefaultFanOut = 8

// BlockFetch produces the tiles for one block, in row-major order within
// the block.
type BlockFetch func(ctx context.Context) ([]Tile, error)

// StreamBlocks dispatches one BlockFetch per block to a bounded worker
// pool and emits their tiles on the returned channel in block order —
// row-major blocks, row-major tiles within a block — buffering results
// that complete out of order. A fixed number of workers pull from a job
// queue, results land in a map keyed by submission index, and a single
// emitter goroutine drains the map in order as each next index becomes
// available.
//
// The returned Err function blocks until the stream has been fully
// drained (or abandoned) and then reports the first fetch error, if any;
// a caller ranging over the Tile channel to completion and then calling
// Err gets the standard "range, then check error" shape.
func StreamBlocks(ctx context.Context, fetches []BlockFetch, concurrency int) (<-chan Tile, func() error) {
	out := make(chan Tile)
	done := make(chan struct{})
	var firstErr error
	errFn := func() error {
		<-done
		return firstErr
	}
	if len(fetches) == 0 {
		close(out)
		close(done)
		return out, errFn
	}
	if concurrency <= 0 {
		concurrency = DefaultFanOut
	}
	if concurrency > len(fetches) {
		concurrency = len(fetches)
	}

	// internal cancels fan-out workers as soon as the collector stops
	// draining, whether because the caller stopped ranging over out, a
	// fetch failed, or the caller's own ctx was cancelled. Without this,
	// a worker blocked sending a result nobody will ever read again would
	// leak forever.
	internal, cancel := context.WithCancel(ctx)

	type result struct {
		idx   int
		tiles []Tile
		err   error
	}

	jobs := make(chan int)
	results := make(chan result)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				tiles, err := fetches[idx](internal)
				select {
				case results <- result{idx: idx, tiles: tiles, err: err}:
				case <-internal.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(results)
		defer wg.Wait()
		for i := range fetches {
			select {
			case jobs <- i:
			case <-internal.Done():
				close(jobs)
				return
			}
		}
		close(jobs)
	}()

	go func() {
		defer cancel()
		defer close(done)
		defer close(out)
		pending := make(map[int][]Tile)
		next := 0
		for next < len(fetches) {
			if tiles, ok := pending[next]; ok {
				if !emitTiles(internal, out, tiles) {
					firstErr = internal.Err()
					return
				}
				delete(pending, next)
				next++
				continue
			}
			select {
			case r, ok := <-results:
				if !ok {
					return
				}
				if r.err != nil {
					firstErr = r.err
					return
				}
				pending[r.idx] = r.tiles
			case <-ctx.Done():
				firstErr = ctx.Err()
				return
			}
		}
	}()

	return out, errFn
}

// emitTiles sends each tile on out, returning false if internal was
// cancelled before all were sent.
func emitTiles(internal context.Context, out chan<- Tile, tiles []Tile) bool {
	for _, t := range tiles {
		select {
		case out <- t:
		case <-internal.Done():
			return false
		}
	}
	return true
}

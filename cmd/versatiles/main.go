// Command versatiles is the thin CLI over this module's library
// packages: convert between container formats, probe a file's header and
// optionally deep-verify it, or serve one or more files over HTTP. Each
// subcommand parses its own flag.NewFlagSet and returns an error for main
// to classify into an exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/convert"
	"github.com/versatiles-org/versatiles-go/mbtiles"
	"github.com/versatiles-org/versatiles-go/server"
	"github.com/versatiles-org/versatiles-go/tilesource"
	"github.com/versatiles-org/versatiles-go/verrors"
	"github.com/versatiles-org/versatiles-go/versatiles"
)

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

const helptext = `Usage: versatiles [COMMAND] [ARGS]

Converting between container formats:
versatiles convert [--min-zoom N] [--max-zoom N] [--bbox W,S,E,N]
                   [--force-recompress] [--flip-y] [--swap-xy]
                   [--compression none|gzip|brotli] [--progress] INPUT OUTPUT

Inspecting a file:
versatiles probe [--deep] FILE

Serving files over HTTP:
versatiles serve [-p PORT] [--cors ORIGIN] FILE...

Flags go before the positional arguments.`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(helptext)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:])
	case "probe":
		err = runProbe(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		fmt.Println(helptext)
		os.Exit(2)
	}

	if err != nil {
		if verrors.Is(err, verrors.Contract) {
			logger.Println(err)
			os.Exit(2)
		}
		logger.Println(err)
		os.Exit(1)
	}
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	minZoom := fs.Int("min-zoom", -1, "minimum zoom level to keep")
	maxZoom := fs.Int("max-zoom", -1, "maximum zoom level to keep")
	bbox := fs.String("bbox", "", "west,south,east,north or a GeoJSON shape")
	forceRecompress := fs.Bool("force-recompress", false, "recompress tiles even if source/target compression match")
	flipY := fs.Bool("flip-y", false, "flip the Y coordinate of every tile (TMS<->XYZ)")
	swapXY := fs.Bool("swap-xy", false, "swap the X/Y coordinates of every tile")
	compressionName := fs.String("compression", "", "override target compression: none, gzip, or brotli")
	concurrency := fs.Int("concurrency", 0, "passed to the writer options; has no effect, block fetches always use the default fan-out of 8")
	progress := fs.Bool("progress", false, "show a terminal progress bar")
	if err := fs.Parse(args); err != nil {
		return verrors.New(verrors.Contract, "cli", "convert", err)
	}
	if fs.NArg() != 2 {
		return verrors.New(verrors.Contract, "cli", "convert", fmt.Errorf("expected INPUT and OUTPUT arguments"))
	}
	input, output := fs.Arg(0), fs.Arg(1)

	opts := convert.Options{
		ForceRecompress: *forceRecompress,
		FlipY:           *flipY,
		SwapXY:          *swapXY,
		Concurrency:     *concurrency,
	}
	if *minZoom >= 0 {
		z := uint8(*minZoom)
		opts.MinZoom = &z
	}
	if *maxZoom >= 0 {
		z := uint8(*maxZoom)
		opts.MaxZoom = &z
	}
	if *bbox != "" {
		geo, err := convert.ParseBBox(*bbox)
		if err != nil {
			return err
		}
		opts.BBox = &geo
	}
	if *compressionName != "" {
		a, err := parseCompressionName(*compressionName)
		if err != nil {
			return err
		}
		opts.Compression = &a
	}
	if *progress {
		opts.Progress = convert.NewBarProgress(-1, filepath.Base(input))
	}

	ctx := context.Background()
	start := time.Now()
	if _, err := convert.Convert(ctx, input, output, opts); err != nil {
		return err
	}
	logger.Printf("converted %s -> %s in %s", input, output, time.Since(start))
	return nil
}

func parseCompressionName(name string) (compress.Algorithm, error) {
	switch strings.ToLower(name) {
	case "none":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "brotli":
		return compress.Brotli, nil
	default:
		return 0, verrors.New(verrors.Contract, "cli", name, fmt.Errorf("unknown compression %q", name))
	}
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	deep := fs.Bool("deep", false, "exhaustively read every declared tile range")
	if err := fs.Parse(args); err != nil {
		return verrors.New(verrors.Contract, "cli", "probe", err)
	}
	if fs.NArg() != 1 {
		return verrors.New(verrors.Contract, "cli", "probe", fmt.Errorf("expected a FILE argument"))
	}
	path := fs.Arg(0)

	ctx := context.Background()
	src, err := convert.OpenSource(ctx, path)
	if err != nil {
		return err
	}
	defer src.Close()

	params := src.Parameters()
	fmt.Printf("container:   %s\n", src.ContainerName())
	fmt.Printf("format:      %s\n", params.Format)
	fmt.Printf("compression: %s\n", params.Compression)
	if minZ, maxZ, ok := params.Pyramid.MinMaxZoom(); ok {
		fmt.Printf("zoom range:  %d..%d\n", minZ, maxZ)
	} else {
		fmt.Println("zoom range:  (empty)")
	}

	if vr, ok := src.(*versatiles.Reader); ok {
		h := vr.Header()
		fmt.Printf("bbox:        %.7f,%.7f,%.7f,%.7f\n", h.BBox.West, h.BBox.South, h.BBox.East, h.BBox.North)
	}

	if !*deep {
		return nil
	}

	switch r := src.(type) {
	case *versatiles.Reader:
		report, err := r.DeepVerify(ctx)
		if err != nil {
			return err
		}
		return printVerify(report.BlocksChecked, report.TilesChecked, report.OK(), report.FirstError)
	case *mbtiles.Reader:
		report, err := r.DeepVerify(ctx)
		if err != nil {
			return err
		}
		return printVerify(0, report.TilesChecked, report.OK(), report.FirstError)
	default:
		logger.Printf("deep verify is not implemented for %s archives", src.ContainerName())
		return nil
	}
}

func printVerify(blocksChecked, tilesChecked int, ok bool, firstErr error) error {
	if blocksChecked > 0 {
		fmt.Printf("blocks checked: %d\n", blocksChecked)
	}
	fmt.Printf("tiles checked:  %d\n", tilesChecked)
	if ok {
		fmt.Println("status:         OK")
		return nil
	}
	fmt.Printf("status:         FAILED (%v)\n", firstErr)
	return verrors.New(verrors.Corruption, "probe", "deep verify", firstErr)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.String("p", "8080", "port to serve on")
	corsOrigin := fs.String("cors", "", "CORS allowed origin value")
	if err := fs.Parse(args); err != nil {
		return verrors.New(verrors.Contract, "cli", "serve", err)
	}
	if fs.NArg() == 0 {
		return verrors.New(verrors.Contract, "cli", "serve", fmt.Errorf("expected at least one FILE argument"))
	}

	if dir := os.Getenv("VERSATILES_CACHE_DIR"); dir != "" {
		logger.Printf("VERSATILES_CACHE_DIR=%s set (serve-side caching only; the core engine itself needs no cache directory)", dir)
	}

	ctx := context.Background()
	sources := make(map[string]tilesource.Source, fs.NArg())
	for _, path := range fs.Args() {
		src, err := convert.OpenSource(ctx, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		sources[name] = src
		logger.Printf("serving %q as /%s/{z}/{x}/{y}.%s", path, name, src.Parameters().Format)
	}

	srv := server.New(sources, logger)
	addr := ":" + *port
	logger.Printf("listening on %s (cors=%q)", addr, *corsOrigin)
	return http.ListenAndServe(addr, srv.Handler(*corsOrigin))
}

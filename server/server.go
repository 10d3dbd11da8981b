// Package server implements an HTTP tile server over any number of named
// tilesource.Source backends: a tile/metadata routing layer, CORS, and
// prometheus request metrics.
package server

import (
	"context"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/coord"
	"github.com/versatiles-org/versatiles-go/tilesource"
)

// Server routes tile/metadata requests to named sources and exposes
// request metrics.
type Server struct {
	sources map[string]tilesource.Source
	logger  *log.Logger
	metrics *metrics
}

// New builds a Server over the given name->source map. Names are matched
// against the first path segment of incoming requests.
func New(sources map[string]tilesource.Source, logger *log.Logger) *Server {
	return &Server{sources: sources, logger: logger, metrics: createMetrics(logger)}
}

// Handler wraps the Server's ServeHTTP in CORS (an empty origin disables
// CORS entirely) and exposes /metrics for prometheus scraping.
func (s *Server) Handler(corsOrigin string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s)

	if corsOrigin == "" {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{corsOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	}).Handler(mux)
}

var tilePattern = regexp.MustCompile(`^/([A-Za-z0-9_-]+)/(\d+)/(\d+)/(\d+)\.([a-z0-9]+)$`)
var metadataPattern = regexp.MustCompile(`^/([A-Za-z0-9_-]+)/metadata\.json$`)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tracker := s.metrics.start()
	status, handler, archive := s.route(r.Context(), w, r.URL.Path)
	tracker.finish(archive, handler, status)
}

func (s *Server) route(ctx context.Context, w http.ResponseWriter, path string) (status int, handler, archive string) {
	if m := tilePattern.FindStringSubmatch(path); m != nil {
		return s.serveTile(ctx, w, m[1], m[2], m[3], m[4], m[5]), "tile", m[1]
	}
	if m := metadataPattern.FindStringSubmatch(path); m != nil {
		return s.serveMeta(ctx, w, m[1]), "metadata", m[1]
	}
	w.WriteHeader(http.StatusNotFound)
	return http.StatusNotFound, "unknown", ""
}

func (s *Server) serveTile(ctx context.Context, w http.ResponseWriter, name, zs, xs, ys, ext string) int {
	src, ok := s.sources[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return http.StatusNotFound
	}

	z, zErr := strconv.ParseUint(zs, 10, 8)
	x, xErr := strconv.ParseUint(xs, 10, 32)
	y, yErr := strconv.ParseUint(ys, 10, 32)
	if zErr != nil || xErr != nil || yErr != nil {
		w.WriteHeader(http.StatusBadRequest)
		return http.StatusBadRequest
	}
	c := coord.TileCoord{Z: uint8(z), X: uint32(x), Y: uint32(y)}
	if !c.Valid() {
		w.WriteHeader(http.StatusBadRequest)
		return http.StatusBadRequest
	}

	params := src.Parameters()
	wantFormat, err := container.ParseTileFormatName(ext)
	if err == nil && wantFormat != params.Format {
		w.WriteHeader(http.StatusBadRequest)
		return http.StatusBadRequest
	}

	blob, ok, err := src.GetTile(ctx, c)
	if err != nil {
		s.logger.Printf("serve %s %s: %v", name, c, err)
		w.WriteHeader(http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return http.StatusNotFound
	}

	if ct, ok := contentType(params.Format); ok {
		w.Header().Set("Content-Type", ct)
	}
	if ce, ok := contentEncoding(params.Compression); ok {
		w.Header().Set("Content-Encoding", ce)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
	return http.StatusOK
}

func (s *Server) serveMeta(ctx context.Context, w http.ResponseWriter, name string) int {
	src, ok := s.sources[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return http.StatusNotFound
	}
	blob, ok, err := src.Meta(ctx)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return http.StatusNotFound
	}
	raw, err := compress.Decompress(blob, src.Parameters().Compression)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
	return http.StatusOK
}

func contentType(f container.TileFormat) (string, bool) {
	switch f {
	case container.FormatPNG:
		return "image/png", true
	case container.FormatJPG:
		return "image/jpeg", true
	case container.FormatWEBP:
		return "image/webp", true
	case container.FormatAVIF:
		return "image/avif", true
	case container.FormatSVG:
		return "image/svg+xml", true
	case container.FormatPBF:
		return "application/x-protobuf", true
	case container.FormatGEOJSON, container.FormatTOPOJSON, container.FormatJSON:
		return "application/json", true
	default:
		return "", false
	}
}

func contentEncoding(a compress.Algorithm) (string, bool) {
	switch a {
	case compress.Gzip:
		return "gzip", true
	case compress.Brotli:
		return "br", true
	default:
		return "", false
	}
}

type metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		logger.Println(err)
	}
	return metric
}

func createMetrics(logger *log.Logger) *metrics {
	return &metrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "versatiles",
			Name:      "requests_total",
			Help:      "Requests served, by archive, handler, and status code.",
		}, []string{"archive", "handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "versatiles",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds, by archive and handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"archive", "handler"})),
	}
}

type tracker struct {
	start   time.Time
	metrics *metrics
}

func (m *metrics) start() *tracker { return &tracker{start: time.Now(), metrics: m} }

func (t *tracker) finish(archive, handler string, status int) {
	t.metrics.requests.WithLabelValues(archive, handler, strconv.Itoa(status)).Inc()
	t.metrics.requestDuration.WithLabelValues(archive, handler).Observe(time.Since(t.start).Seconds())
}

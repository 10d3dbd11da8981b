// Package blobio implements the byte-range read/append abstraction the
// container format is built on: local files, HTTP range requests, and
// in-memory buffers, all behind the same Reader/Writer contract.
package blobio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/orcaman/writerseeker"

	"github.com/versatiles-org/versatiles-go/verrors"
)

// Reader serves byte ranges from a named, fixed-size source.
type Reader interface {
	// ReadRange returns exactly length bytes starting at offset.
	ReadRange(ctx context.Context, offset, length uint64) ([]byte, error)
	// ReadAll returns the full contents.
	ReadAll(ctx context.Context) ([]byte, error)
	// Size returns the source's total byte length.
	Size() uint64
	// Name returns a human-readable identifier (path or URL).
	Name() string
	Close() error
}

// Writer appends blobs to a growing sink and reports where each one
// landed, matching how a container writer streams block data before its
// header and indexes are known.
type Writer interface {
	// Append writes data at the sink's current end and returns the offset
	// it was written at.
	Append(data []byte) (offset uint64, err error)
	// Position returns the sink's current length.
	Position() uint64
	// WriteAt overwrites len(data) bytes at offset (used to patch the fixed
	// header once final byte-ranges are known).
	WriteAt(offset uint64, data []byte) error
	Close() error
}

// ---- file backend ----

// FileReader reads byte ranges from a local file opened read-only.
type FileReader struct {
	f    *os.File
	name string
	size uint64
	mu   sync.Mutex
}

// OpenFile opens path for range reads.
func OpenFile(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, verrors.New(verrors.SourceIO, "blobio", path, err)
	}
	return &FileReader{f: f, name: path, size: uint64(info.Size())}, nil
}

func (r *FileReader) ReadRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, verrors.New(verrors.Cancelled, "blobio", r.name, err)
	}
	if offset+length > r.size {
		return nil, verrors.New(verrors.Contract, "blobio", r.name, fmt.Errorf("range [%d,%d) exceeds size %d", offset, offset+length, r.size))
	}
	buf := make([]byte, length)
	r.mu.Lock()
	_, err := r.f.ReadAt(buf, int64(offset))
	r.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, verrors.New(verrors.SourceIO, "blobio", r.name, err)
	}
	return buf, nil
}

func (r *FileReader) ReadAll(ctx context.Context) ([]byte, error) {
	return r.ReadRange(ctx, 0, r.size)
}

func (r *FileReader) Size() uint64   { return r.size }
func (r *FileReader) Name() string   { return r.name }
func (r *FileReader) Close() error   { return r.f.Close() }

// FileWriter appends to a newly created local file.
type FileWriter struct {
	f   *os.File
	pos uint64
	mu  sync.Mutex
}

// CreateFile creates (truncating) path for append writes.
func CreateFile(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", path, err)
	}
	return &FileWriter{f: f}, nil
}

func (w *FileWriter) Append(data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.f.Write(data)
	if err != nil {
		return 0, verrors.New(verrors.SourceIO, "blobio", "append", err)
	}
	offset := w.pos
	w.pos += uint64(n)
	return offset, nil
}

func (w *FileWriter) Position() uint64 { return w.pos }

func (w *FileWriter) WriteAt(offset uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteAt(data, int64(offset)); err != nil {
		return verrors.New(verrors.SourceIO, "blobio", "write-at", err)
	}
	return nil
}

func (w *FileWriter) Close() error { return w.f.Close() }

// ---- in-memory backend ----

// MemoryReader serves ranges out of an in-memory byte slice, for tests and
// for reading back a blob just produced by MemoryWriter.
type MemoryReader struct {
	data []byte
	name string
}

func NewMemoryReader(name string, data []byte) *MemoryReader {
	return &MemoryReader{data: data, name: name}
}

func (r *MemoryReader) ReadRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, verrors.New(verrors.Cancelled, "blobio", r.name, err)
	}
	if offset+length > uint64(len(r.data)) {
		return nil, verrors.New(verrors.Contract, "blobio", r.name, fmt.Errorf("range [%d,%d) exceeds size %d", offset, offset+length, len(r.data)))
	}
	out := make([]byte, length)
	copy(out, r.data[offset:offset+length])
	return out, nil
}

func (r *MemoryReader) ReadAll(ctx context.Context) ([]byte, error) {
	return r.ReadRange(ctx, 0, uint64(len(r.data)))
}

func (r *MemoryReader) Size() uint64 { return uint64(len(r.data)) }
func (r *MemoryReader) Name() string { return r.name }
func (r *MemoryReader) Close() error { return nil }

// MemoryWriter appends into a writerseeker.WriterSeeker, an in-memory sink
// that supports the WriteAt a container writer needs to patch its header
// after the fact, without ever touching disk.
type MemoryWriter struct {
	ws  *writerseeker.WriterSeeker
	pos uint64
	mu  sync.Mutex
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{ws: &writerseeker.WriterSeeker{}}
}

func (w *MemoryWriter) Append(data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.ws.Seek(0, io.SeekEnd); err != nil {
		return 0, verrors.New(verrors.SourceIO, "blobio", "seek-end", err)
	}
	n, err := w.ws.Write(data)
	if err != nil {
		return 0, verrors.New(verrors.SourceIO, "blobio", "append", err)
	}
	offset := w.pos
	w.pos += uint64(n)
	return offset, nil
}

func (w *MemoryWriter) Position() uint64 { return w.pos }

func (w *MemoryWriter) WriteAt(offset uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.ws.Seek(int64(offset), io.SeekStart); err != nil {
		return verrors.New(verrors.SourceIO, "blobio", "seek", err)
	}
	if _, err := w.ws.Write(data); err != nil {
		return verrors.New(verrors.SourceIO, "blobio", "write-at", err)
	}
	if _, err := w.ws.Seek(0, io.SeekEnd); err != nil {
		return verrors.New(verrors.SourceIO, "blobio", "seek-end", err)
	}
	return nil
}

func (w *MemoryWriter) Close() error { return nil }

// Bytes returns the sink's full contents. Only valid after writing is done.
func (w *MemoryWriter) Bytes() []byte {
	r := w.ws.Reader()
	out, _ := io.ReadAll(r)
	return out
}

// ---- HTTP backend ----

// HTTPReader fetches byte ranges from an HTTP(S) URL via Range requests,
// keeping a single keepalive client for the life of the reader.
type HTTPReader struct {
	url    string
	client *http.Client
	size   uint64
}

// OpenHTTP issues a HEAD request to learn the resource's size from its
// Content-Length, then serves ReadRange via byte-range GETs. There is no
// GET fallback: a failed HEAD or a missing Content-Length is an error.
func OpenHTTP(ctx context.Context, url string, client *http.Client) (*HTTPReader, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, verrors.New(verrors.Contract, "blobio", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, verrors.New(verrors.SourceIO, "blobio", url, fmt.Errorf("HEAD status %d", resp.StatusCode))
	}
	size, err := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", url, fmt.Errorf("missing Content-Length: %w", err))
	}
	return &HTTPReader{url: url, client: client, size: size}, nil
}

func (r *HTTPReader) ReadRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	if offset+length > r.size {
		return nil, verrors.New(verrors.Contract, "blobio", r.url, fmt.Errorf("range [%d,%d) exceeds size %d", offset, offset+length, r.size))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, verrors.New(verrors.Contract, "blobio", r.url, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", r.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return nil, verrors.New(verrors.SourceIO, "blobio", r.url, fmt.Errorf("range request status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", r.url, err)
	}
	if uint64(len(body)) != length {
		return nil, verrors.New(verrors.SourceIO, "blobio", r.url, fmt.Errorf("short read: got %d want %d", len(body), length))
	}
	return body, nil
}

func (r *HTTPReader) ReadAll(ctx context.Context) ([]byte, error) {
	return r.ReadRange(ctx, 0, r.size)
}

func (r *HTTPReader) Size() uint64 { return r.size }
func (r *HTTPReader) Name() string { return r.url }
func (r *HTTPReader) Close() error { return nil }

// NormalizeName strips a leading "./" so readers opened from CLI
// arguments and from cache keys agree.
func NormalizeName(name string) string {
	return strings.TrimPrefix(name, "./")
}

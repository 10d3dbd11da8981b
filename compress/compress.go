// Package compress implements the blob compression codecs a container can
// use for metadata, tile indexes, and tile bodies, plus the step that
// rewrites a blob from one codec to another without a caller needing to
// know both ends' formats.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/versatiles-org/versatiles-go/verrors"
)

// Algorithm identifies a compression codec, matching the single-byte
// values stored in the container header.
type Algorithm uint8

const (
	None Algorithm = 0
	Gzip Algorithm = 1
	Brotli Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Ext returns the filename suffix the tar and directory back-ends append
// to a tile's path for this codec (empty for None), e.g. "0/0/0.pbf.gz".
func (a Algorithm) Ext() string {
	switch a {
	case Gzip:
		return ".gz"
	case Brotli:
		return ".br"
	default:
		return ""
	}
}

// ParseAlgorithm maps a header byte to an Algorithm, rejecting anything
// this build doesn't implement.
func ParseAlgorithm(b uint8) (Algorithm, error) {
	switch Algorithm(b) {
	case None, Gzip, Brotli:
		return Algorithm(b), nil
	default:
		return 0, verrors.New(verrors.Unsupported, "compress", fmt.Sprintf("byte %d", b), fmt.Errorf("unknown compression algorithm"))
	}
}

// brotliQuality is this module's fixed write-time compression level
// (maximum); it can read any quality.
const brotliQuality = 11

// Compress encodes data with algorithm a.
func Compress(data []byte, a Algorithm) ([]byte, error) {
	switch a {
	case None:
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, verrors.New(verrors.Contract, "compress", "gzip writer", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, verrors.New(verrors.SourceIO, "compress", "gzip write", err)
		}
		if err := w.Close(); err != nil {
			return nil, verrors.New(verrors.SourceIO, "compress", "gzip close", err)
		}
		return buf.Bytes(), nil
	case Brotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotliQuality)
		if _, err := w.Write(data); err != nil {
			return nil, verrors.New(verrors.SourceIO, "compress", "brotli write", err)
		}
		if err := w.Close(); err != nil {
			return nil, verrors.New(verrors.SourceIO, "compress", "brotli close", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, verrors.New(verrors.Unsupported, "compress", a.String(), fmt.Errorf("unsupported algorithm"))
	}
}

// Decompress decodes data encoded with algorithm a.
func Decompress(data []byte, a Algorithm) ([]byte, error) {
	switch a {
	case None:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, verrors.New(verrors.Corruption, "compress", "gzip header", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, verrors.New(verrors.Corruption, "compress", "gzip body", err)
		}
		return out, nil
	case Brotli:
		r := brotli.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, verrors.New(verrors.Corruption, "compress", "brotli body", err)
		}
		return out, nil
	default:
		return nil, verrors.New(verrors.Unsupported, "compress", a.String(), fmt.Errorf("unsupported algorithm"))
	}
}

// Recompress rewrites data from codec `from` to codec `to`. If the codecs
// already match and force is false, data is returned unchanged (the common
// case: most tiles pass through a converter without touching their bytes).
func Recompress(data []byte, from, to Algorithm, force bool) ([]byte, error) {
	if from == to && !force {
		return data, nil
	}
	raw, err := Decompress(data, from)
	if err != nil {
		return nil, err
	}
	return Compress(raw, to)
}

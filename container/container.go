// Package container defines the on-disk records of the .versatiles file
// format: the fixed file header, block index entries, per-block tile
// indexes, and byte ranges, plus their big-endian (de)serialization.
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// TileFormat is the tile payload's content type, stored as a single byte
// in the file header.
type TileFormat uint8

const (
	FormatBIN      TileFormat = 0x00
	FormatPNG      TileFormat = 0x10
	FormatJPG      TileFormat = 0x11
	FormatWEBP     TileFormat = 0x12
	FormatAVIF     TileFormat = 0x13
	FormatSVG      TileFormat = 0x14
	FormatPBF      TileFormat = 0x20 // MVT vector tiles
	FormatGEOJSON  TileFormat = 0x21
	FormatTOPOJSON TileFormat = 0x22
	FormatJSON     TileFormat = 0x23
)

func (f TileFormat) String() string {
	switch f {
	case FormatBIN:
		return "bin"
	case FormatPNG:
		return "png"
	case FormatJPG:
		return "jpg"
	case FormatWEBP:
		return "webp"
	case FormatAVIF:
		return "avif"
	case FormatSVG:
		return "svg"
	case FormatPBF:
		return "pbf"
	case FormatGEOJSON:
		return "geojson"
	case FormatTOPOJSON:
		return "topojson"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(f))
	}
}

// ParseTileFormatName maps a filename extension (as produced by
// TileFormat.String, without the leading dot) back to a TileFormat, for
// back-ends that address tiles by path rather than a header byte.
func ParseTileFormatName(name string) (TileFormat, error) {
	switch name {
	case "bin":
		return FormatBIN, nil
	case "png":
		return FormatPNG, nil
	case "jpg":
		return FormatJPG, nil
	case "webp":
		return FormatWEBP, nil
	case "avif":
		return FormatAVIF, nil
	case "svg":
		return FormatSVG, nil
	case "pbf":
		return FormatPBF, nil
	case "geojson":
		return FormatGEOJSON, nil
	case "topojson":
		return FormatTOPOJSON, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, verrors.New(verrors.Corruption, "container", fmt.Sprintf("extension %q", name), fmt.Errorf("unknown tile format"))
	}
}

// ParseTileFormat validates a header byte against the known enum values.
func ParseTileFormat(b uint8) (TileFormat, error) {
	switch TileFormat(b) {
	case FormatBIN, FormatPNG, FormatJPG, FormatWEBP, FormatAVIF, FormatSVG,
		FormatPBF, FormatGEOJSON, FormatTOPOJSON, FormatJSON:
		return TileFormat(b), nil
	default:
		return 0, verrors.New(verrors.Corruption, "container", fmt.Sprintf("format byte 0x%02x", b), fmt.Errorf("unknown tile format"))
	}
}

// TileCompression mirrors compress.Algorithm but keeps the container
// package's header parsing self-contained from the numeric contract.
type TileCompression = compress.Algorithm

// ByteRange is an (offset, length) pair into the container file.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// Empty reports whether the range covers zero bytes (e.g. no metadata).
func (r ByteRange) Empty() bool { return r.Length == 0 }

const byteRangeSize = 16

func putByteRange(buf []byte, r ByteRange) {
	binary.BigEndian.PutUint64(buf[0:8], r.Offset)
	binary.BigEndian.PutUint64(buf[8:16], r.Length)
}

func getByteRange(buf []byte) ByteRange {
	return ByteRange{
		Offset: binary.BigEndian.Uint64(buf[0:8]),
		Length: binary.BigEndian.Uint64(buf[8:16]),
	}
}

// GeoBBox is the header's geographic extent, stored as i32 degrees*1e7.
type GeoBBox struct {
	West, South, East, North float64
}

const geoScale = 1e7

func putGeoDegree(buf []byte, deg float64) {
	binary.BigEndian.PutUint32(buf, uint32(int32(deg*geoScale)))
}

func getGeoDegree(buf []byte) float64 {
	return float64(int32(binary.BigEndian.Uint32(buf))) / geoScale
}

// HeaderSize is the fixed v2 header length in bytes.
const HeaderSize = 66

const magicV2 = "versatiles_v02"
const magicV1 = "OpenCloudTiles-Container-v1:"

// Header is the fixed 66-byte file header. Version 1 files (with the
// older, longer magic) are read-compatible; this type always writes v2.
type Header struct {
	Format        TileFormat
	Compression   TileCompression
	MinZoom       uint8
	MaxZoom       uint8
	BBox          GeoBBox
	MetaRange     ByteRange
	BlockIndexRange ByteRange
}

// Marshal encodes the header into its fixed 66-byte v2 form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:14], magicV2)
	buf[14] = byte(h.Format)
	buf[15] = byte(h.Compression)
	buf[16] = h.MinZoom
	buf[17] = h.MaxZoom
	putGeoDegree(buf[18:22], h.BBox.West)
	putGeoDegree(buf[22:26], h.BBox.South)
	putGeoDegree(buf[26:30], h.BBox.East)
	putGeoDegree(buf[30:34], h.BBox.North)
	putByteRange(buf[34:50], h.MetaRange)
	putByteRange(buf[50:66], h.BlockIndexRange)
	return buf
}

// ParseHeader decodes and validates the first HeaderSize bytes of a file.
// v1 files are accepted for their magic only; this module otherwise treats
// them identically to v2 once the magic check passes, since the rest of
// the v1 layout this spec targets is the same fixed fields.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, verrors.New(verrors.Corruption, "container", "header", fmt.Errorf("truncated header: got %d bytes, want %d", len(buf), HeaderSize))
	}
	magic := string(buf[0:14])
	if magic != magicV2 && string(buf[0:len(magicV1)]) != magicV1 {
		return Header{}, verrors.New(verrors.Corruption, "container", "magic", fmt.Errorf("unrecognized magic %q", magic))
	}
	format, err := ParseTileFormat(buf[14])
	if err != nil {
		return Header{}, err
	}
	compression, err := compress.ParseAlgorithm(buf[15])
	if err != nil {
		return Header{}, verrors.New(verrors.Corruption, "container", "compression byte", err)
	}
	h := Header{
		Format:      format,
		Compression: compression,
		MinZoom:     buf[16],
		MaxZoom:     buf[17],
		BBox: GeoBBox{
			West:  getGeoDegree(buf[18:22]),
			South: getGeoDegree(buf[22:26]),
			East:  getGeoDegree(buf[26:30]),
			North: getGeoDegree(buf[30:34]),
		},
		MetaRange:       getByteRange(buf[34:50]),
		BlockIndexRange: getByteRange(buf[50:66]),
	}
	if h.MinZoom > h.MaxZoom {
		return Header{}, verrors.New(verrors.Corruption, "container", "zoom range", fmt.Errorf("min_zoom %d > max_zoom %d", h.MinZoom, h.MaxZoom))
	}
	return h, nil
}

// BlockDefinition is one entry of the block index: a block's coordinate,
// the local (0..=255) tile bbox actually populated within it, and the
// byte ranges of its tile payloads and its own tile index.
type BlockDefinition struct {
	Z                              uint8
	BlockX, BlockY                 uint32
	ColMin, RowMin, ColMax, RowMax uint8
	TilesRange                     ByteRange
	IndexRange                     ByteRange
}

// BlockRecordSize is this module's fixed on-disk block-definition record
// width: the sum of the z/bx/by/col/row bounds and the two byte ranges.
const BlockRecordSize = 1 + 4 + 4 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 // 45

func (b BlockDefinition) marshal(buf []byte) {
	buf[0] = b.Z
	binary.BigEndian.PutUint32(buf[1:5], b.BlockX)
	binary.BigEndian.PutUint32(buf[5:9], b.BlockY)
	buf[9] = b.ColMin
	buf[10] = b.RowMin
	buf[11] = b.ColMax
	buf[12] = b.RowMax
	putByteRange(buf[13:29], b.TilesRange)
	putByteRange(buf[29:45], b.IndexRange)
}

func unmarshalBlock(buf []byte) BlockDefinition {
	return BlockDefinition{
		Z:          buf[0],
		BlockX:     binary.BigEndian.Uint32(buf[1:5]),
		BlockY:     binary.BigEndian.Uint32(buf[5:9]),
		ColMin:     buf[9],
		RowMin:     buf[10],
		ColMax:     buf[11],
		RowMax:     buf[12],
		TilesRange: getByteRange(buf[13:29]),
		IndexRange: getByteRange(buf[29:45]),
	}
}

// Width is the number of tile columns this block covers.
func (b BlockDefinition) Width() int { return int(b.ColMax) - int(b.ColMin) + 1 }

// Height is the number of tile rows this block covers.
func (b BlockDefinition) Height() int { return int(b.RowMax) - int(b.RowMin) + 1 }

// Key identifies a block for lookup purposes, independent of its payload.
type BlockKey struct {
	Z      uint8
	BX, BY uint32
}

// Key returns this block's lookup key.
func (b BlockDefinition) Key() BlockKey {
	return BlockKey{Z: b.Z, BX: b.BlockX, BY: b.BlockY}
}

// MarshalBlockIndex concatenates fixed-width records for every block,
// ready for brotli compression by the caller.
func MarshalBlockIndex(blocks []BlockDefinition) []byte {
	buf := make([]byte, len(blocks)*BlockRecordSize)
	for i, b := range blocks {
		b.marshal(buf[i*BlockRecordSize : (i+1)*BlockRecordSize])
	}
	return buf
}

// UnmarshalBlockIndex splits a decompressed block index blob back into
// records.
func UnmarshalBlockIndex(buf []byte) ([]BlockDefinition, error) {
	if len(buf)%BlockRecordSize != 0 {
		return nil, verrors.New(verrors.Corruption, "container", "block index", fmt.Errorf("length %d not a multiple of record size %d", len(buf), BlockRecordSize))
	}
	n := len(buf) / BlockRecordSize
	out := make([]BlockDefinition, n)
	for i := 0; i < n; i++ {
		out[i] = unmarshalBlock(buf[i*BlockRecordSize : (i+1)*BlockRecordSize])
	}
	return out, nil
}

// TileIndex is a dense array of byte ranges for one block, row-major over
// the block's populated sub-rectangle (`(RowMax-RowMin+1) *
// (ColMax-ColMin+1)` entries), not the full 256x256 grid. A zero-length
// entry means the slot has no tile.
type TileIndex []ByteRange

// MarshalTileIndex encodes a tile index as concatenated (offset,length)
// pairs, ready for brotli compression.
func MarshalTileIndex(idx TileIndex) []byte {
	buf := make([]byte, len(idx)*byteRangeSize)
	for i, r := range idx {
		putByteRange(buf[i*byteRangeSize:(i+1)*byteRangeSize], r)
	}
	return buf
}

// UnmarshalTileIndex decodes a decompressed tile index blob into ranges.
func UnmarshalTileIndex(buf []byte) (TileIndex, error) {
	if len(buf)%byteRangeSize != 0 {
		return nil, verrors.New(verrors.Corruption, "container", "tile index", fmt.Errorf("length %d not a multiple of range size %d", len(buf), byteRangeSize))
	}
	n := len(buf) / byteRangeSize
	out := make(TileIndex, n)
	for i := 0; i < n; i++ {
		out[i] = getByteRange(buf[i*byteRangeSize : (i+1)*byteRangeSize])
	}
	return out, nil
}

// Slot returns the row-major tile-index position for a tile at local
// (col,row) within a block whose populated sub-rectangle starts at
// (colMin,rowMin) and is `width` columns wide. Returns -1 if the tile
// falls outside the block's populated rectangle.
func (b BlockDefinition) Slot(col, row uint8) int {
	if col < b.ColMin || col > b.ColMax || row < b.RowMin || row > b.RowMax {
		return -1
	}
	width := b.Width()
	return (int(row)-int(b.RowMin))*width + (int(col) - int(b.ColMin))
}

package pmtilesfmt

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/versatiles-org/versatiles-go/compress"
	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// headerSize is the fixed PMTiles spec-version-3 header length.
const headerSize = 127

const magic = "PMTiles"

// pmCompression mirrors PMTiles' own compression byte values, which this
// module's compress.Algorithm enum (a None/Gzip/Brotli triple) does not
// share: PMTiles reserves 0 for "unknown" and 4 for zstd, which this
// back-end recognizes but refuses to read or write.
type pmCompression uint8

const (
	pmUnknown pmCompression = 0
	pmNone    pmCompression = 1
	pmGzip    pmCompression = 2
	pmBrotli  pmCompression = 3
	pmZstd    pmCompression = 4
)

func toPMCompression(a compress.Algorithm) pmCompression {
	switch a {
	case compress.None:
		return pmNone
	case compress.Gzip:
		return pmGzip
	case compress.Brotli:
		return pmBrotli
	default:
		return pmUnknown
	}
}

func fromPMCompression(c pmCompression) (compress.Algorithm, error) {
	switch c {
	case pmNone:
		return compress.None, nil
	case pmGzip:
		return compress.Gzip, nil
	case pmBrotli:
		return compress.Brotli, nil
	case pmZstd:
		return 0, verrors.New(verrors.Unsupported, "pmtilesfmt", "zstd", fmt.Errorf("zstd-compressed PMTiles tiles are not supported"))
	default:
		return 0, verrors.New(verrors.Corruption, "pmtilesfmt", fmt.Sprintf("compression byte %d", c), fmt.Errorf("unknown compression"))
	}
}

// pmTileType mirrors PMTiles' own tile-type byte values.
type pmTileType uint8

const (
	pmTypeUnknown pmTileType = 0
	pmTypeMVT     pmTileType = 1
	pmTypePNG     pmTileType = 2
	pmTypeJPEG    pmTileType = 3
	pmTypeWEBP    pmTileType = 4
	pmTypeAVIF    pmTileType = 5
)

func toPMTileType(f container.TileFormat) pmTileType {
	switch f {
	case container.FormatPBF:
		return pmTypeMVT
	case container.FormatPNG:
		return pmTypePNG
	case container.FormatJPG:
		return pmTypeJPEG
	case container.FormatWEBP:
		return pmTypeWEBP
	case container.FormatAVIF:
		return pmTypeAVIF
	default:
		return pmTypeUnknown
	}
}

func fromPMTileType(t pmTileType) (container.TileFormat, error) {
	switch t {
	case pmTypeMVT:
		return container.FormatPBF, nil
	case pmTypePNG:
		return container.FormatPNG, nil
	case pmTypeJPEG:
		return container.FormatJPG, nil
	case pmTypeWEBP:
		return container.FormatWEBP, nil
	case pmTypeAVIF:
		return container.FormatAVIF, nil
	default:
		return 0, verrors.New(verrors.Unsupported, "pmtilesfmt", fmt.Sprintf("tile type %d", t), fmt.Errorf("unrecognized or unsupported tile type"))
	}
}

// header is the fixed 127-byte PMTiles v3 header. Unlike .versatiles, this
// format keeps the root directory, metadata blob, and (unused by this
// minimal writer) leaf directory as separate byte ranges rather than one
// combined block index.
type header struct {
	RootOffset, RootLength             uint64
	MetadataOffset, MetadataLength     uint64
	LeafDirOffset, LeafDirLength       uint64
	TileDataOffset, TileDataLength     uint64
	AddressedTilesCount                uint64
	TileEntriesCount, TileContentsCount uint64
	Clustered                          bool
	InternalCompression                pmCompression
	TileCompression                    pmCompression
	TileType                           pmTileType
	MinZoom, MaxZoom                   uint8
	MinLonE7, MinLatE7                 int32
	MaxLonE7, MaxLatE7                 int32
}

func (h header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:7], magic)
	b[7] = 3
	binary.LittleEndian.PutUint64(b[8:16], h.RootOffset)
	binary.LittleEndian.PutUint64(b[16:24], h.RootLength)
	binary.LittleEndian.PutUint64(b[24:32], h.MetadataOffset)
	binary.LittleEndian.PutUint64(b[32:40], h.MetadataLength)
	binary.LittleEndian.PutUint64(b[40:48], h.LeafDirOffset)
	binary.LittleEndian.PutUint64(b[48:56], h.LeafDirLength)
	binary.LittleEndian.PutUint64(b[56:64], h.TileDataOffset)
	binary.LittleEndian.PutUint64(b[64:72], h.TileDataLength)
	binary.LittleEndian.PutUint64(b[72:80], h.AddressedTilesCount)
	binary.LittleEndian.PutUint64(b[80:88], h.TileEntriesCount)
	binary.LittleEndian.PutUint64(b[88:96], h.TileContentsCount)
	if h.Clustered {
		b[96] = 1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	binary.LittleEndian.PutUint32(b[102:106], uint32(h.MinLonE7))
	binary.LittleEndian.PutUint32(b[106:110], uint32(h.MinLatE7))
	binary.LittleEndian.PutUint32(b[110:114], uint32(h.MaxLonE7))
	binary.LittleEndian.PutUint32(b[114:118], uint32(h.MaxLatE7))
	// Bytes 118-127 (center zoom/lon/lat) are left zero: this back-end
	// doesn't compute a center point, which PMTiles readers treat as
	// advisory only.
	return b
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, verrors.New(verrors.Corruption, "pmtilesfmt", "header", fmt.Errorf("truncated header: got %d bytes, want %d", len(b), headerSize))
	}
	if string(b[0:7]) != magic {
		return header{}, verrors.New(verrors.Corruption, "pmtilesfmt", "magic", fmt.Errorf("unrecognized magic %q", b[0:7]))
	}
	if b[7] > 3 {
		return header{}, verrors.New(verrors.Unsupported, "pmtilesfmt", "spec version", fmt.Errorf("spec version %d newer than supported version 3", b[7]))
	}
	h := header{
		RootOffset:           binary.LittleEndian.Uint64(b[8:16]),
		RootLength:           binary.LittleEndian.Uint64(b[16:24]),
		MetadataOffset:       binary.LittleEndian.Uint64(b[24:32]),
		MetadataLength:       binary.LittleEndian.Uint64(b[32:40]),
		LeafDirOffset:        binary.LittleEndian.Uint64(b[40:48]),
		LeafDirLength:        binary.LittleEndian.Uint64(b[48:56]),
		TileDataOffset:       binary.LittleEndian.Uint64(b[56:64]),
		TileDataLength:       binary.LittleEndian.Uint64(b[64:72]),
		AddressedTilesCount:  binary.LittleEndian.Uint64(b[72:80]),
		TileEntriesCount:     binary.LittleEndian.Uint64(b[80:88]),
		TileContentsCount:    binary.LittleEndian.Uint64(b[88:96]),
		Clustered:            b[96] == 1,
		InternalCompression:  pmCompression(b[97]),
		TileCompression:      pmCompression(b[98]),
		TileType:             pmTileType(b[99]),
		MinZoom:              b[100],
		MaxZoom:              b[101],
		MinLonE7:             int32(binary.LittleEndian.Uint32(b[102:106])),
		MinLatE7:             int32(binary.LittleEndian.Uint32(b[106:110])),
		MaxLonE7:             int32(binary.LittleEndian.Uint32(b[110:114])),
		MaxLatE7:             int32(binary.LittleEndian.Uint32(b[114:118])),
	}
	return h, nil
}

// entry is one row of a PMTiles directory: a tile ID (or the first of a
// run of RunLength consecutive IDs sharing this same offset/length, for
// runs of identical content at consecutive IDs), and its tile-data range.
type entry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// serializeEntries varint-encodes a directory the way PMTiles spec v3
// requires: four parallel columns (delta-coded IDs, run lengths, byte
// lengths, offsets-with-continuation) rather than one column of structs,
// so that runs of sequential, same-sized entries compress well.
func serializeEntries(entries []entry) []byte {
	var buf bytes.Buffer
	gz, _ := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	tmp := make([]byte, binary.MaxVarintLen64)

	n := binary.PutUvarint(tmp, uint64(len(entries)))
	gz.Write(tmp[:n])

	var lastID uint64
	for _, e := range entries {
		n = binary.PutUvarint(tmp, e.TileID-lastID)
		gz.Write(tmp[:n])
		lastID = e.TileID
	}
	for _, e := range entries {
		n = binary.PutUvarint(tmp, uint64(e.RunLength))
		gz.Write(tmp[:n])
	}
	for _, e := range entries {
		n = binary.PutUvarint(tmp, uint64(e.Length))
		gz.Write(tmp[:n])
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			n = binary.PutUvarint(tmp, 0)
		} else {
			n = binary.PutUvarint(tmp, e.Offset+1) // +1: 0 is reserved for "contiguous with previous"
		}
		gz.Write(tmp[:n])
	}
	gz.Close()
	return buf.Bytes()
}

func deserializeEntries(raw []byte) ([]entry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, verrors.New(verrors.Corruption, "pmtilesfmt", "directory", err)
	}
	defer gz.Close()
	r := bufio.NewReader(gz)

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, verrors.New(verrors.Corruption, "pmtilesfmt", "directory count", err)
	}
	entries := make([]entry, count)

	var lastID uint64
	for i := range entries {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, verrors.New(verrors.Corruption, "pmtilesfmt", "directory ids", err)
		}
		lastID += delta
		entries[i].TileID = lastID
	}
	for i := range entries {
		run, err := readUvarintInto(r)
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(run)
	}
	for i := range entries {
		length, err := readUvarintInto(r)
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(length)
	}
	for i := range entries {
		raw, err := readUvarintInto(r)
		if err != nil {
			return nil, err
		}
		if i > 0 && raw == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = raw - 1
		}
	}
	return entries, nil
}

func readUvarintInto(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, verrors.New(verrors.Corruption, "pmtilesfmt", "directory", err)
	}
	return v, nil
}

// findEntry binary-searches entries for the one covering tileID, honoring
// run-length entries that cover a contiguous range of IDs sharing one
// tile's content.
func findEntry(entries []entry, tileID uint64) (entry, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case entries[mid].TileID < tileID:
			lo = mid + 1
		case entries[mid].TileID > tileID:
			hi = mid - 1
		default:
			return entries[mid], true
		}
	}
	if hi >= 0 {
		e := entries[hi]
		if tileID-e.TileID < uint64(e.RunLength) {
			return e, true
		}
	}
	return entry{}, false
}

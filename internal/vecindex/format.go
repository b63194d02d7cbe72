// Package vecindex implements the CVVI on-disk vector index (C6): a
// mmap-friendly fixed-row file with inline filter metadata and a
// contiguous quantized vector slab (spec.md §4.6, §6.3).
package vecindex

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Magic identifies a CVVI file. Version is bumped whenever Header or Row
// byte layout changes; Open refuses any version it doesn't recognize.
const (
	Magic          = "CVVI"
	Version uint16 = 1

	// QuantF32 and QuantF16 are the two supported component encodings
	// (spec.md §4.6).
	QuantF32 uint8 = 0
	QuantF16 uint8 = 1

	// RowBytes is sizeof(Row) under Version 1's fixed layout: message_id(8)
	// + created_at_ms(8) + agent_id(4) + workspace_id(4) + source_id(4) +
	// role(1) + chunk_idx(1) + pad(2) + vec_offset(8) + content_hash(32).
	RowBytes = 8 + 8 + 4 + 4 + 4 + 1 + 1 + 2 + 8 + 32
)

// Row is one VectorRow (spec.md §3), fixed-size for direct mmap indexing.
type Row struct {
	MessageID   int64
	CreatedAtMS int64
	AgentID     uint32
	WorkspaceID uint32
	SourceID    uint32
	Role        uint8
	ChunkIdx    uint8
	// pad: 2 bytes, never read/written explicitly
	VecOffset   uint64
	ContentHash [32]byte
}

// EncodeRow writes r in the fixed Version-1 layout.
func EncodeRow(r Row) [RowBytes]byte {
	var buf [RowBytes]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.MessageID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.CreatedAtMS))
	binary.LittleEndian.PutUint32(buf[16:20], r.AgentID)
	binary.LittleEndian.PutUint32(buf[20:24], r.WorkspaceID)
	binary.LittleEndian.PutUint32(buf[24:28], r.SourceID)
	buf[28] = r.Role
	buf[29] = r.ChunkIdx
	// buf[30:32] left zero (pad)
	binary.LittleEndian.PutUint64(buf[32:40], r.VecOffset)
	copy(buf[40:72], r.ContentHash[:])
	return buf
}

// DecodeRow reads a Row back from its Version-1 byte layout. Round-tripping
// EncodeRow/DecodeRow preserves every field byte-exactly (spec.md §8).
func DecodeRow(buf []byte) Row {
	var r Row
	r.MessageID = int64(binary.LittleEndian.Uint64(buf[0:8]))
	r.CreatedAtMS = int64(binary.LittleEndian.Uint64(buf[8:16]))
	r.AgentID = binary.LittleEndian.Uint32(buf[16:20])
	r.WorkspaceID = binary.LittleEndian.Uint32(buf[20:24])
	r.SourceID = binary.LittleEndian.Uint32(buf[24:28])
	r.Role = buf[28]
	r.ChunkIdx = buf[29]
	r.VecOffset = binary.LittleEndian.Uint64(buf[32:40])
	copy(r.ContentHash[:], buf[40:72])
	return r
}

// Header is the CVVI file preamble (spec.md §6.3).
type Header struct {
	Version      uint16
	EmbedderID   string
	Dimension    uint32
	Quantization uint8
	Count        uint32
}

// componentBytes returns the per-component width implied by Quantization.
func (h Header) componentBytes() uint64 {
	if h.Quantization == QuantF32 {
		return 4
	}
	return 2
}

// encodeHeader serializes h including its trailing CRC32, computed over
// every preceding byte (magic through count).
func encodeHeader(h Header) []byte {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	writeU16(&buf, h.Version)
	writeU16(&buf, uint16(len(h.EmbedderID)))
	buf.WriteString(h.EmbedderID)
	writeU32(&buf, h.Dimension)
	buf.WriteByte(h.Quantization)
	writeU32(&buf, h.Count)

	crc := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, crc)
	return buf.Bytes()
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// headerSize returns the encoded byte length of h (variable because
// EmbedderID is variable-length).
func headerSize(h Header) int { return len(encodeHeader(h)) }

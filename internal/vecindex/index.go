package vecindex

import (
	"bytes"
	"container/heap"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sort"

	mmap "github.com/blevesearch/mmap-go"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// Entry is one opened row paired with its dequantized vector, the unit
// insert_or_update and search operate on.
type Entry struct {
	Row    Row
	Vector []float32
}

// Filter narrows a search to rows matching every non-zero-value field; it
// mirrors the catalog's view of valid agent/workspace/source ids so the
// planner can push filters down before scoring (spec.md §4.6, §4.8).
type Filter struct {
	AgentIDs     map[uint32]bool
	WorkspaceIDs map[uint32]bool
	SourceIDs    map[uint32]bool
	Roles        map[uint8]bool
	SinceMS      int64
	UntilMS      int64 // 0 means unbounded
}

func (f *Filter) match(r Row) bool {
	if f == nil {
		return true
	}
	if f.AgentIDs != nil && !f.AgentIDs[r.AgentID] {
		return false
	}
	if f.WorkspaceIDs != nil && !f.WorkspaceIDs[r.WorkspaceID] {
		return false
	}
	if f.SourceIDs != nil && !f.SourceIDs[r.SourceID] {
		return false
	}
	if f.Roles != nil && !f.Roles[r.Role] {
		return false
	}
	if f.SinceMS != 0 && r.CreatedAtMS < f.SinceMS {
		return false
	}
	if f.UntilMS != 0 && r.CreatedAtMS > f.UntilMS {
		return false
	}
	return true
}

// Hit is one search_top_k result.
type Hit struct {
	Row   Row
	Score float32 // dot product / cosine similarity, never quantization-adjusted
}

// Index is a CVVI file opened for read (mmap-backed) with a buffered
// in-memory delta of pending writes (spec.md §4.6). Reads are lock-free
// against the mmap snapshot; writers take Save's exclusive path.
type Index struct {
	path      string
	header    Header
	mm        mmap.MMap // nil if the index has never been saved
	f         *os.File
	rows      []Row      // decoded once at Open, mirrors the mmap'd row array
	rowsStart uint64     // byte offset of the row array within mm
	slabStart uint64     // byte offset of the vector slab within mm
	pending   []Entry    // buffered inserts/updates not yet flushed by Save
	hnsw      *hnswGraph // nil until BuildHNSW is called
}

// Open validates and mmaps path, or returns a fresh empty Index if the
// file does not exist yet (spec.md §4.6 Open: "validates magic, version,
// header CRC, and file length").
func Open(path string, embedderID string, dimension int, quant uint8) (*Index, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Index{
			path:   path,
			header: Header{Version: Version, EmbedderID: embedderID, Dimension: uint32(dimension), Quantization: quant},
		}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.DerivedCorruption, fmt.Sprintf("open vector index %q", path), err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.DerivedCorruption, fmt.Sprintf("mmap vector index %q", path), err)
	}

	idx := &Index{path: path, mm: mm, f: f}
	if err := idx.parseHeader(); err != nil {
		mm.Unmap()
		f.Close()
		return nil, err
	}
	idx.decodeRows()
	return idx, nil
}

func (idx *Index) parseHeader() error {
	buf := []byte(idx.mm)
	if len(buf) < 4 || string(buf[0:4]) != Magic {
		return errs.New(errs.DerivedCorruption, "vector index: bad magic")
	}
	off := 4
	version := leU16(buf, off)
	off += 2
	if version > Version {
		return errs.New(errs.DerivedCorruption, fmt.Sprintf("vector index: unsupported version %d", version))
	}
	idLen := int(leU16(buf, off))
	off += 2
	if off+idLen > len(buf) {
		return errs.New(errs.DerivedCorruption, "vector index: truncated embedder id")
	}
	embedderID := string(buf[off : off+idLen])
	off += idLen
	dim := leU32(buf, off)
	off += 4
	quant := buf[off]
	off++
	count := leU32(buf, off)
	off += 4
	wantCRC := leU32(buf, off)
	off += 4

	gotCRC := crc32.ChecksumIEEE(buf[:off-4])
	if gotCRC != wantCRC {
		return errs.New(errs.DerivedCorruption, "vector index: header CRC mismatch")
	}

	h := Header{Version: version, EmbedderID: embedderID, Dimension: dim, Quantization: quant, Count: count}
	expected := uint64(off) + uint64(count)*uint64(RowBytes) + uint64(count)*uint64(dim)*h.componentBytes()
	if uint64(len(buf)) != expected {
		return errs.New(errs.DerivedCorruption, fmt.Sprintf(
			"vector index: file length %d does not match header-implied length %d", len(buf), expected))
	}

	idx.header = h
	idx.slabStart = uint64(off) + uint64(count)*uint64(RowBytes)
	idx.rowsStart = uint64(off)
	return nil
}

func leU16(b []byte, off int) uint16 { return uint16(b[off]) | uint16(b[off+1])<<8 }
func leU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func (idx *Index) decodeRows() {
	idx.rows = make([]Row, idx.header.Count)
	for i := range idx.rows {
		start := idx.rowsStart + uint64(i)*uint64(RowBytes)
		idx.rows[i] = DecodeRow(idx.mm[start : start+uint64(RowBytes)])
	}
}

func (idx *Index) vectorAt(row Row) []float32 {
	dim := int(idx.header.Dimension)
	out := make([]float32, dim)
	if idx.header.Quantization == QuantF32 {
		base := idx.slabStart + row.VecOffset*4
		for i := 0; i < dim; i++ {
			out[i] = float32FromBitsLE(idx.mm[base+uint64(i*4) : base+uint64(i*4+4)])
		}
		return out
	}
	base := idx.slabStart + row.VecOffset*2
	for i := 0; i < dim; i++ {
		raw := leU16(idx.mm, int(base)+i*2)
		out[i] = float32FromF16(f16(raw))
	}
	return out
}

func float32FromBitsLE(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func putFloat32LE(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

func putU16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// Path returns the file path this index was opened from, so a caller
// that only holds the *Index can still call Save(idx.Path()) to persist
// buffered InsertOrUpdate calls.
func (idx *Index) Path() string { return idx.path }

// Dimension reports the embedder dimension this index is pinned to.
func (idx *Index) Dimension() int { return int(idx.header.Dimension) }

// Count reports the number of durably-saved rows (excludes pending
// buffered inserts not yet flushed by Save).
func (idx *Index) Count() int { return int(idx.header.Count) }

// ContentHashOf returns the saved content_hash for message_id, used by the
// orchestrator's staleness check (spec.md §3 VectorRow invariant, §8
// property 4).
func (idx *Index) ContentHashOf(messageID int64) (string, bool) {
	for _, r := range idx.rows {
		if r.MessageID == messageID {
			return fmt.Sprintf("%x", r.ContentHash), true
		}
	}
	for _, e := range idx.pending {
		if e.Row.MessageID == messageID {
			return fmt.Sprintf("%x", e.Row.ContentHash), true
		}
	}
	return "", false
}

// InsertOrUpdate buffers a row for the next Save (spec.md §4.6: "pending
// rows are appended to an in-memory delta merged into the file on
// save()"). contentHash is the raw 32-byte SHA-256 digest, not hex.
func (idx *Index) InsertOrUpdate(row Row, vector []float32) error {
	if len(vector) != int(idx.header.Dimension) && idx.header.Dimension != 0 {
		return errs.New(errs.Malformed, fmt.Sprintf(
			"vector dimension %d does not match index dimension %d", len(vector), idx.header.Dimension))
	}
	if idx.header.Dimension == 0 {
		idx.header.Dimension = uint32(len(vector))
	}
	idx.pending = append(idx.pending, Entry{Row: row, Vector: vector})
	return nil
}

// allEntries returns every saved row (minus ones superseded by a pending
// update to the same message_id) plus every pending entry, the merged view
// Save writes out and brute-force search scans.
func (idx *Index) allEntries() []Entry {
	pendingByMsg := make(map[int64]bool, len(idx.pending))
	for _, e := range idx.pending {
		pendingByMsg[e.Row.MessageID] = true
	}
	out := make([]Entry, 0, len(idx.rows)+len(idx.pending))
	for _, r := range idx.rows {
		if pendingByMsg[r.MessageID] {
			continue
		}
		out = append(out, Entry{Row: r, Vector: idx.vectorAt(r)})
	}
	out = append(out, idx.pending...)
	return out
}

// Save writes the merged (saved + pending) row set to path.tmp, fsyncs the
// file and its parent directory, keeps one .bak of the prior file, and
// renames into place (spec.md §4.6: "Crash at any point leaves either the
// prior file or a verifiable new file — never a torn file").
func (idx *Index) Save(path string) error {
	entries := idx.allEntries()
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Row.MessageID < entries[j].Row.MessageID })

	var buf bytes.Buffer
	h := idx.header
	h.Version = Version
	h.Count = uint32(len(entries))
	headerBytes := encodeHeader(h)
	buf.Write(headerBytes)

	offsets := make([]uint64, len(entries))
	var cursor uint64
	for i := range entries {
		offsets[i] = cursor
		cursor += uint64(len(entries[i].Vector))
	}
	for i, e := range entries {
		r := e.Row
		r.VecOffset = offsets[i]
		rb := EncodeRow(r)
		buf.Write(rb[:])
	}
	for _, e := range entries {
		if h.Quantization == QuantF32 {
			for _, v := range e.Vector {
				var b [4]byte
				putFloat32LE(b[:], v)
				buf.Write(b[:])
			}
		} else {
			for _, v := range e.Vector {
				var b [2]byte
				putU16LE(b[:], uint16(float32ToF16(v)))
				buf.Write(b[:])
			}
		}
	}

	tmpPath := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errs.Wrap(errs.Transient, "create vector index directory", err)
	}
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errs.Wrap(errs.Transient, "create vector index tmp file", err)
	}
	if _, err := tmpFile.Write(buf.Bytes()); err != nil {
		tmpFile.Close()
		return errs.Wrap(errs.Transient, "write vector index tmp file", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return errs.Wrap(errs.Transient, "fsync vector index tmp file", err)
	}
	if err := tmpFile.Close(); err != nil {
		return errs.Wrap(errs.Transient, "close vector index tmp file", err)
	}

	if _, err := os.Stat(path); err == nil {
		bakPath := path + ".bak"
		os.Remove(bakPath)
		if err := os.Rename(path, bakPath); err != nil {
			return errs.Wrap(errs.Transient, "backup prior vector index", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.Transient, "rename vector index into place", err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	if idx.mm != nil {
		idx.mm.Unmap()
		idx.f.Close()
	}
	reopened, err := Open(path, idx.header.EmbedderID, int(idx.header.Dimension), idx.header.Quantization)
	if err != nil {
		return err
	}
	*idx = *reopened
	return nil
}

// ExactSearch is the brute-force correctness oracle, always reachable
// regardless of HNSWEnabled (spec.md §4.6, Open Question decision 3).
func (idx *Index) ExactSearch(query []float32, k int, filter *Filter) []Hit {
	entries := idx.allEntries()
	h := &hitHeap{}
	heap.Init(h)
	for _, e := range entries {
		if !filter.match(e.Row) {
			continue
		}
		score := dot(query, e.Vector)
		pushBounded(h, Hit{Row: e.Row, Score: score}, k)
	}
	return drainSorted(h)
}

// SearchTopK streams the vector slab computing dot products, applying the
// inline filter before scoring, heap-merging top-k. Tie-break: higher
// created_at_ms, then lower message_id (spec.md §4.6).
func (idx *Index) SearchTopK(query []float32, k int, filter *Filter, hnswEnabled bool, hnswThreshold int) []Hit {
	if hnswEnabled && idx.hnsw != nil && len(idx.rows) >= hnswThreshold {
		return idx.hnsw.search(idx, query, k, filter)
	}
	return idx.ExactSearch(query, k, filter)
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

type hitHeap struct {
	hits []Hit
}

func (h hitHeap) Len() int { return len(h.hits) }
func (h hitHeap) Less(i, j int) bool {
	// Min-heap on (Score asc, then the spec's tie-break reversed so the
	// weakest candidate by the full ordering is always evictable first).
	if h.hits[i].Score != h.hits[j].Score {
		return h.hits[i].Score < h.hits[j].Score
	}
	if h.hits[i].Row.CreatedAtMS != h.hits[j].Row.CreatedAtMS {
		return h.hits[i].Row.CreatedAtMS < h.hits[j].Row.CreatedAtMS
	}
	return h.hits[i].Row.MessageID > h.hits[j].Row.MessageID
}
func (h hitHeap) Swap(i, j int) { h.hits[i], h.hits[j] = h.hits[j], h.hits[i] }
func (h *hitHeap) Push(x any)   { h.hits = append(h.hits, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := h.hits
	n := len(old)
	item := old[n-1]
	h.hits = old[:n-1]
	return item
}

func pushBounded(h *hitHeap, hit Hit, k int) {
	if k <= 0 {
		return
	}
	if h.Len() < k {
		heap.Push(h, hit)
		return
	}
	worst := h.hits[0]
	if less(worst, hit) {
		heap.Pop(h)
		heap.Push(h, hit)
	}
}

// less reports whether a ranks below b under the spec's tie-break:
// higher score wins; ties broken by higher created_at_ms, then lower
// message_id.
func less(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Row.CreatedAtMS != b.Row.CreatedAtMS {
		return a.Row.CreatedAtMS < b.Row.CreatedAtMS
	}
	return a.Row.MessageID > b.Row.MessageID
}

func drainSorted(h *hitHeap) []Hit {
	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out
}

// ContentHashFromHex decodes the catalog's hex-encoded content_hash
// (canon.ContentHash's output) into the fixed-width form Row stores,
// so the orchestrator never recomputes SHA-256 a second time when
// building vector rows.
func ContentHashFromHex(hexHash string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(hexHash)
	if err != nil {
		return out, errs.Wrap(errs.Malformed, "decode content_hash hex", err)
	}
	if len(b) != 32 {
		return out, errs.New(errs.Malformed, fmt.Sprintf("content_hash must be 32 bytes, got %d", len(b)))
	}
	copy(out[:], b)
	return out, nil
}

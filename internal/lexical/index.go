// Package lexical implements the BM25-style inverted index (C3): a
// bleve.Index over message content and code blocks, with a
// prefix-matching code analyzer, did-you-mean suggestion, and highlighted
// snippets.
package lexical

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// Index wraps a single on-disk bleve index, one per cass data root.
type Index struct {
	path string
	idx  bleve.Index
}

// Open opens the index at path, creating it with cass's document mapping
// if it does not yet exist. ngramMin/ngramMax come from
// config.LexicalConfig and govern the edge-ngram prefix filter used by
// the code analyzer (spec.md §9).
func Open(path string, ngramMin, ngramMax int) (*Index, error) {
	if ngramMin > 0 {
		edgeNGramMin = ngramMin
	}
	if ngramMax > 0 {
		edgeNGramMax = ngramMax
	}
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err != nil {
			return nil, errs.Wrap(errs.DerivedCorruption, fmt.Sprintf("open lexical index %q", path), err)
		}
		return &Index{path: path, idx: idx}, nil
	}

	im, err := buildIndexMapping()
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "build lexical index mapping", err)
	}
	idx, err := bleve.New(path, im)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, fmt.Sprintf("create lexical index %q", path), err)
	}
	return &Index{path: path, idx: idx}, nil
}

func (x *Index) Close() error { return x.idx.Close() }

func docID(messageID int64) string {
	return fmt.Sprintf("m%d", messageID)
}

// Upsert indexes or re-indexes a single message. Re-indexing the same
// message_id overwrites the prior document, bleve has no append semantics
// at the document level.
func (x *Index) Upsert(doc Document) error {
	if err := x.idx.Index(docID(doc.MessageID), doc); err != nil {
		return errs.Wrap(errs.Transient, "index document", err)
	}
	return nil
}

// Delete removes a message from the index (used when a message is
// superseded and the indexer decides not to retain the stale copy).
func (x *Index) Delete(messageID int64) error {
	if err := x.idx.Delete(docID(messageID)); err != nil {
		return errs.Wrap(errs.Transient, "delete document", err)
	}
	return nil
}

// Batch accumulates upserts/deletes for a single flush, matching the
// orchestrator's per-conversation commit granularity (spec.md §4.11).
type Batch struct {
	idx *Index
	b   *bleve.Batch
}

func (x *Index) NewBatch() *Batch {
	return &Batch{idx: x, b: x.idx.NewBatch()}
}

func (b *Batch) Upsert(doc Document) error {
	return b.b.Index(docID(doc.MessageID), doc)
}

func (b *Batch) Delete(messageID int64) {
	b.b.Delete(docID(messageID))
}

func (b *Batch) Commit() error {
	if err := b.idx.idx.Batch(b.b); err != nil {
		return errs.Wrap(errs.Transient, "commit lexical batch", err)
	}
	return nil
}

// HasDoc reports whether messageID is present in the index, used by the
// orchestrator's crash-recovery drift check (spec.md §4.11: "a subsequent
// run detects drift by comparing catalog content_hash against vector-row
// content_hash and lexical-document presence").
func (x *Index) HasDoc(messageID int64) (bool, error) {
	doc, err := x.idx.Document(docID(messageID))
	if err != nil {
		return false, errs.Wrap(errs.Transient, "lookup lexical document", err)
	}
	return doc != nil, nil
}

// DocCount reports how many documents are currently indexed, used by
// `cass health`.
func (x *Index) DocCount() (uint64, error) {
	n, err := x.idx.DocCount()
	if err != nil {
		return 0, errs.Wrap(errs.DerivedCorruption, "count lexical documents", err)
	}
	return n, nil
}

package ingest

import (
	"context"

	"github.com/fyrsmithlabs/cass/internal/catalog"
)

// DriftEntry names one message whose derived-index state disagrees with
// the catalog's content_hash (spec.md §4.11 crash recovery).
type DriftEntry struct {
	MessageID      int64
	ConversationID int64
	MissingLexical bool
	MissingVector  bool
	VectorHashMismatch bool
}

// DetectDrift compares every message in conversationID against the
// lexical index's document presence and the vector index's stored
// content_hash, returning the subset that needs reindexing. A crash
// between the catalog commit and the derived-index commits is the only
// way this can be non-empty (spec.md §4.11, §5 ordering guarantees).
func (o *Orchestrator) DetectDrift(ctx context.Context, conversationID int64) ([]DriftEntry, error) {
	_, msgs, err := o.Catalog.Fetch(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var drift []DriftEntry
	for _, m := range msgs {
		if m.SupersededBy != nil {
			continue // superseded rows are never expected in derived indices
		}
		entry := DriftEntry{MessageID: m.ID, ConversationID: conversationID}
		dirty := false

		if o.Lexical != nil {
			has, err := o.Lexical.HasDoc(m.ID)
			if err != nil {
				return nil, err
			}
			if !has {
				entry.MissingLexical = true
				dirty = true
			}
		}

		if o.VecIndex != nil {
			hash, ok := o.VecIndex.ContentHashOf(m.ID)
			switch {
			case !ok:
				entry.MissingVector = true
				dirty = true
			case hash != m.ContentHash:
				entry.VectorHashMismatch = true
				dirty = true
			}
		}

		if dirty {
			drift = append(drift, entry)
		}
	}
	return drift, nil
}

// Reindex re-derives the lexical/vector rows for exactly the drifted
// messages in entries, the targeted repair path DetectDrift feeds
// (spec.md §4.11 "reindexes only the delta").
func (o *Orchestrator) Reindex(ctx context.Context, conversationID int64, entries []DriftEntry, agentSlug string, sourceID int64, workspaceID *int64, opts Options) error {
	if len(entries) == 0 {
		return nil
	}
	_, msgs, err := o.Catalog.Fetch(ctx, conversationID)
	if err != nil {
		return err
	}
	byID := make(map[int64]catalog.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var ids []int64
	var targets []catalog.Message
	for _, e := range entries {
		m, ok := byID[e.MessageID]
		if !ok {
			continue
		}
		ids = append(ids, m.ID)
		targets = append(targets, m)
	}
	return o.indexBatch(ctx, agentSlug, conversationID, sourceID, workspaceID, ids, targets, nil, opts)
}

// Package ingest implements the indexer orchestrator (C11): it enumerates
// sources and connectors, diffs each discovered session against the
// catalog by content_hash, and drives every batch through a fixed order:
// catalog commit, then lexical, then vector (spec.md §4.11). Analytics
// facts and rollups are written inside the catalog transaction itself,
// not as a separate stage after the vector upsert. Its progress-callback/cancellation-checkpoint shape is grounded
// on internal/orchestrator's own Executor (a different domain —
// TDD-phase task execution — but the same "ctx.Done() checked at every
// phase boundary, progress reported through a callback" idiom).
package ingest

import (
	"context"

	"github.com/fyrsmithlabs/cass/internal/analytics"
	"github.com/fyrsmithlabs/cass/internal/canon"
	"github.com/fyrsmithlabs/cass/internal/catalog"
	"github.com/fyrsmithlabs/cass/internal/config"
	"github.com/fyrsmithlabs/cass/internal/connector"
	"github.com/fyrsmithlabs/cass/internal/embedder"
	"github.com/fyrsmithlabs/cass/internal/errs"
	"github.com/fyrsmithlabs/cass/internal/lexical"
	"github.com/fyrsmithlabs/cass/internal/vecindex"
	"github.com/fyrsmithlabs/cass/pkg/connectorsdk"
)

// Progress is one advisory event; indexing progress is purely advisory
// (spec.md §4.11 step 4) so a dropped/slow consumer never blocks ingest.
type Progress struct {
	Phase          string
	AgentSlug      string
	ConversationNaturalKey string
	MessagesSeen   int
	MessagesWritten int
	Done           bool
	Err            error
}

// ProgressFunc receives Progress events. Never blocks the caller: a full
// channel or slow callback must not stall ingest (the orchestrator calls
// it synchronously but callers needing backpressure isolation should
// buffer or drop events themselves).
type ProgressFunc func(Progress)

// Orchestrator wires every derived store the ingest pipeline writes to.
type Orchestrator struct {
	Catalog   *catalog.Store
	Lexical   *lexical.Index
	VecIndex  *vecindex.Index // nil when semantic indexing is disabled/unavailable
	Embedders *embedder.Registry
	Pricing   *analytics.PricingTable // nil: every fact is unpriced
	CanonCfg  canon.Options
	Cfg       config.IngestConfig
	Root      string // filesystem root connectors scan under

	OnProgress ProgressFunc
}

func (o *Orchestrator) emit(p Progress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// Options controls one Run invocation (spec.md §6.4 `index` flags).
type Options struct {
	Full     bool // re-scan every session regardless of mtime hint
	Semantic bool // also compute and upsert embeddings
}

// Run enumerates detected connectors, ingests every discoverable session,
// and returns the first hard error encountered; per-session failures are
// reported through Progress and do not abort the whole run (a malformed
// session is surfaced as a Diagnostic per spec.md §4.1, not an ingest
// failure).
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	agents := connector.Detected(o.Root)
	if o.Cfg.IgnoreSourcesConfig {
		agents = connector.All()
	}

	catalogAgents := make([]catalog.Agent, 0, len(agents))
	for _, a := range agents {
		catalogAgents = append(catalogAgents, catalog.Agent{Slug: a.AgentSlug(), Name: a.AgentName()})
	}
	if err := o.Catalog.ReconcileAgents(ctx, catalogAgents); err != nil {
		return err
	}

	sourceID, err := o.Catalog.UpsertSource(ctx, "local", "local", "")
	if err != nil {
		return err
	}

	for _, adapter := range agents {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := o.ingestAgent(ctx, adapter, sourceID, opts); err != nil {
			o.emit(Progress{Phase: "source", AgentSlug: adapter.AgentSlug(), Err: err, Done: true})
		}
	}

	if opts.Semantic && o.VecIndex != nil {
		if err := o.VecIndex.Save(o.VecIndex.Path()); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ingestAgent(ctx context.Context, adapter connectorsdk.Adapter, sourceID int64, opts Options) error {
	agentID, err := o.Catalog.AgentID(ctx, adapter.AgentSlug())
	if err != nil {
		return err
	}

	refs, err := adapter.Discover(o.Root)
	if err != nil {
		return errs.Wrap(errs.Transient, "discover sessions for "+adapter.AgentSlug(), err)
	}

	for _, ref := range refs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := o.ingestSession(ctx, adapter, agentID, sourceID, ref, opts); err != nil {
			o.emit(Progress{Phase: "session", AgentSlug: adapter.AgentSlug(), ConversationNaturalKey: ref.Path, Err: err, Done: true})
		}
	}
	return nil
}

func (o *Orchestrator) ingestSession(ctx context.Context, adapter connectorsdk.Adapter, agentID, sourceID int64, ref connectorsdk.SessionRef, opts Options) error {
	conv, err := adapter.Scan(ref.Path)
	if err != nil {
		return errs.Wrap(errs.SourceCorruption, "scan session "+ref.Path, err)
	}

	var workspaceID *int64
	if conv.WorkspaceHint != "" {
		wid, err := o.Catalog.UpsertWorkspace(ctx, conv.WorkspaceHint, conv.WorkspaceHint)
		if err != nil {
			return err
		}
		workspaceID = &wid
	}

	extraBlob, err := catalog.EncodeExtra(nil)
	if err != nil {
		return err
	}
	conversationID, err := o.Catalog.UpsertConversation(ctx, catalog.Conversation{
		SourceID:       sourceID,
		AgentID:        agentID,
		WorkspaceID:    workspaceID,
		AgentSlug:      adapter.AgentSlug(),
		NaturalKey:     conv.NaturalKey,
		StartedAtMS:    conv.StartedAtMS,
		UpdatedAtMS:    conv.UpdatedAtMS,
		Title:          conv.Title,
		RawMetaMsgpack: extraBlob,
	})
	if err != nil {
		return err
	}

	batchSize := o.Cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var (
		pendingMsgs  []catalog.Message
		pendingUsage []*catalog.TokenUsage
		pendingPlan  []bool
		idx          int
		seen, written int
	)

	flush := func() error {
		if len(pendingMsgs) == 0 {
			return nil
		}
		ids, err := o.Catalog.AppendMessages(ctx, conversationID, pendingMsgs, pendingUsage, catalog.AppendOptions{ReplaceOnConflict: opts.Full})
		if err != nil {
			return err
		}
		if err := o.indexBatch(ctx, adapter.AgentSlug(), conversationID, sourceID, workspaceID, ids, pendingMsgs, pendingPlan, opts); err != nil {
			return err
		}
		written += len(ids)
		pendingMsgs, pendingUsage, pendingPlan = nil, nil, nil
		return nil
	}

	var scanErr error
	conv.Messages(func(m connectorsdk.NormalizedMessage) bool {
		if ctx.Err() != nil {
			scanErr = ctx.Err()
			return false
		}
		seen++

		canonical := canon.Canonical(m.Content, o.CanonCfg)
		hash := canon.ContentHash(m.Content, o.CanonCfg)
		extraBlob, err := catalog.EncodeExtra(m.Extra)
		if err != nil {
			scanErr = err
			return false
		}

		pendingMsgs = append(pendingMsgs, catalog.Message{
			ConversationID: conversationID,
			Idx:            idx,
			Role:           m.Role,
			CreatedAtMS:    m.CreatedAtMS,
			Content:        canonical,
			ContentHash:    hash,
			ExtraMsgpack:   extraBlob,
		})

		fact := analytics.ExtractFact(analytics.FactInput{
			AgentID:     agentID,
			AgentSlug:   adapter.AgentSlug(),
			WorkspaceID: workspaceID,
			SourceID:    sourceID,
			CreatedAtMS: m.CreatedAtMS,
			Model:       modelFromExtra(m.Extra),
			Role:        string(m.Role),
		}, m.Content, m.Extra, canonical)

		if o.Pricing != nil {
			if cost, ok := o.Pricing.EstimateCost(fact.Usage.ModelName, fact.Usage.InputTokens, fact.Usage.OutputTokens, fact.Usage.CacheReadTokens, m.CreatedAtMS); ok {
				fact.Usage.CostUSD = cost
			}
		}
		u := fact.Usage
		pendingUsage = append(pendingUsage, &u)
		pendingPlan = append(pendingPlan, fact.PlanFlag)

		idx++
		if len(pendingMsgs) >= batchSize {
			if err := flush(); err != nil {
				scanErr = err
				return false
			}
		}
		return true
	})
	if scanErr != nil {
		return scanErr
	}
	if err := flush(); err != nil {
		return err
	}

	if conv.Diagnostics != nil {
		for range *conv.Diagnostics {
			// Diagnostics are neither logged nor counted here (Progress
			// has no diagnostic field), and they never fail the
			// session.
		}
	}

	o.emit(Progress{Phase: "session", AgentSlug: adapter.AgentSlug(), ConversationNaturalKey: conv.NaturalKey, MessagesSeen: seen, MessagesWritten: written, Done: true})
	return nil
}

func modelFromExtra(extra map[string]any) string {
	if m, ok := extra["model"].(string); ok {
		return m
	}
	return ""
}

// indexBatch performs the fixed post-commit order (spec.md §5): lexical
// commit, then vector upsert. Analytics for this batch were already
// written transactionally inside AppendMessages, and planFlags is not
// read here.
func (o *Orchestrator) indexBatch(ctx context.Context, agentSlug string, conversationID, sourceID int64, workspaceID *int64, ids []int64, msgs []catalog.Message, planFlags []bool, opts Options) error {
	var wsID int64
	if workspaceID != nil {
		wsID = *workspaceID
	}
	if o.Lexical != nil {
		batch := o.Lexical.NewBatch()
		for i, id := range ids {
			batch.Upsert(lexical.Document{
				MessageID:      id,
				ConversationID: conversationID,
				AgentSlug:      agentSlug,
				WorkspaceID:    wsID,
				SourceID:       sourceID,
				Role:           string(msgs[i].Role),
				CreatedAtMS:    msgs[i].CreatedAtMS,
				Content:        msgs[i].Content,
				Code:           msgs[i].CodeContent,
			})
		}
		if err := batch.Commit(); err != nil {
			return err
		}
	}

	if opts.Semantic && o.VecIndex != nil && o.Embedders != nil {
		emb := o.Embedders.Current()
		texts := make([]string, len(msgs))
		for i, m := range msgs {
			texts[i] = embedder.CanonicalForEmbedding(m.Content, o.CanonCfg)
		}
		vectors, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return errs.Wrap(errs.Transient, "embed batch", err)
		}
		agentID, err := o.Catalog.AgentID(ctx, agentSlug)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if i >= len(vectors) {
				break
			}
			hashBytes, err := vecindex.ContentHashFromHex(msgs[i].ContentHash)
			if err != nil {
				return err
			}
			row := vecindex.Row{
				MessageID:   id,
				CreatedAtMS: msgs[i].CreatedAtMS,
				AgentID:     uint32(agentID),
				WorkspaceID: uint32(wsID),
				SourceID:    uint32(sourceID),
				Role:        roleCode(msgs[i].Role),
				ChunkIdx:    0,
				ContentHash: hashBytes,
			}
			if err := o.VecIndex.InsertOrUpdate(row, vectors[i]); err != nil {
				return err
			}
		}
	}

	return nil
}

func roleCode(r connectorsdk.Role) uint8 {
	switch r {
	case connectorsdk.RoleUser:
		return 0
	case connectorsdk.RoleAssistant:
		return 1
	case connectorsdk.RoleTool:
		return 2
	case connectorsdk.RoleSystem:
		return 3
	default:
		return 4
	}
}

package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cass/internal/analytics"
	"github.com/fyrsmithlabs/cass/internal/canon"
	"github.com/fyrsmithlabs/cass/internal/catalog"
	"github.com/fyrsmithlabs/cass/internal/config"
	"github.com/fyrsmithlabs/cass/internal/connector"
	"github.com/fyrsmithlabs/cass/internal/connector/generic"
	"github.com/fyrsmithlabs/cass/internal/embedder"
	"github.com/fyrsmithlabs/cass/internal/lexical"
	"github.com/fyrsmithlabs/cass/internal/modellifecycle"
	"github.com/fyrsmithlabs/cass/internal/reranker"
	"github.com/fyrsmithlabs/cass/internal/vecindex"

	_ "github.com/fyrsmithlabs/cass/internal/connector/claudecode"
	_ "github.com/fyrsmithlabs/cass/internal/connector/codex"
	_ "github.com/fyrsmithlabs/cass/internal/connector/cursor"
	_ "github.com/fyrsmithlabs/cass/internal/connector/gemini"
)

// app bundles the stores a command needs open, mirroring the shape
// ingest.Orchestrator and planner.Engine already expect (spec.md §9
// "engine init... a single struct consumed at startup").
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	catalog  *catalog.Store
	lexical  *lexical.Index
	vecindex *vecindex.Index
	embedders *embedder.Registry
	models   *modellifecycle.Manager
	pricing  *analytics.PricingTable
	canon    canon.Options
	reranker reranker.Reranker
}

// openApp opens the catalog and lexical index unconditionally and the
// vector index only when withVectors is requested, since most commands
// (e.g. `analytics`) never need it. A missing or unreadable pricing table
// is tolerated: cost reporting simply reports every fact as unpriced.
func openApp(cfg *config.Config, log *zap.Logger, withVectors bool) (*app, error) {
	registerGenericAgents(cfg.Ingest.GenericAgents)

	store, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	idx, err := lexical.Open(cfg.LexicalIndexDir(), cfg.Lexical.EdgeNGramMin, cfg.Lexical.EdgeNGramMax)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open lexical index: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		catalog: store,
		lexical: idx,
		canon:   canon.Options{CodeCollapseHeadLines: cfg.Canon.CodeCollapseHeadLines, CodeCollapseTailLines: cfg.Canon.CodeCollapseTailLines, MaxChars: cfg.Canon.MaxChars},
	}

	manifest, err := modellifecycle.LoadManifest(cfg.Model.ManifestPath)
	if err != nil {
		manifest = &modellifecycle.Manifest{Entries: map[string]modellifecycle.ManifestEntry{}}
	}
	a.models = modellifecycle.NewManager(cfg.ModelRoot, manifest, cfg.Offline, cfg.Model.MaxAttempts, cfg.Model.BackoffBase)

	a.embedders = embedder.NewRegistry(cfg.Embed)
	if id, ok := strings.CutPrefix(cfg.Embed.DefaultEmbedderID, "onnx:"); ok {
		if a.models.Status(cfg.Embed.DefaultEmbedderID).State == modellifecycle.Ready {
			onnxEmb, err := embedder.NewONNXEmbedder(id, a.models.InstallDir(cfg.Embed.DefaultEmbedderID))
			if err != nil {
				log.Warn("onnx embedder unavailable, falling back to hash", zap.Error(err))
			} else {
				a.embedders.Set(onnxEmb)
			}
		} else {
			log.Warn("semantic model not ready, using hash embedder", zap.String("model_id", cfg.Embed.DefaultEmbedderID))
		}
	}

	if withVectors {
		quant := vecindex.QuantF16
		if cfg.VecIndex.Quantization == "f32" {
			quant = vecindex.QuantF32
		}
		dim := a.embedders.Current().Dimension()
		vi, err := vecindex.Open(cfg.VectorIndexPath(a.embedders.Current().ID()), a.embedders.Current().ID(), dim, quant)
		if err != nil {
			idx.Close()
			store.Close()
			return nil, fmt.Errorf("open vector index: %w", err)
		}
		a.vecindex = vi
	}

	if cfg.Search.RerankEnabled {
		a.reranker = reranker.NewSimpleReranker()
	}

	if pt, err := analytics.LoadPricingTable(cfg.Analytics.PricingTablePath); err == nil {
		a.pricing = pt
	} else {
		log.Debug("no pricing table loaded, costs will be unpriced", zap.Error(err))
	}

	return a, nil
}

// registerGenericAgents wires config-declared agents into the global
// connector registry through internal/connector/generic, which (unlike
// claudecode/codex/cursor/gemini) has no init() self-registration since
// it needs a slug/name/dir triple it cannot know ahead of time.
func registerGenericAgents(agents []config.GenericAgentConfig) {
	for _, ga := range agents {
		if ga.Slug == "" || ga.Dir == "" {
			continue
		}
		if _, exists := connector.Lookup(ga.Slug); exists {
			continue
		}
		connector.Register(generic.New(ga.Slug, ga.Name, ga.Dir))
	}
}

func (a *app) Close() {
	if a.reranker != nil {
		a.reranker.Close()
	}
	if a.lexical != nil {
		a.lexical.Close()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
}

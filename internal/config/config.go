// Package config loads cass's configuration: a single struct consumed at
// engine init (§9 "Configuration"), populated from YAML with environment
// variable overrides, following contextd's own env-over-YAML precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete engine configuration. All tunables named in
// spec.md §9 are enumerated here; no lookups outside this struct and the
// §6.4 environment contract are permitted inside the engine core.
type Config struct {
	DataRoot  string `koanf:"data_root"`
	ModelRoot string `koanf:"model_root"`

	Canon     CanonConfig     `koanf:"canon"`
	Embed     EmbedConfig     `koanf:"embed"`
	VecIndex  VecIndexConfig  `koanf:"vecindex"`
	Lexical   LexicalConfig   `koanf:"lexical"`
	Search    SearchConfig    `koanf:"search"`
	Model     ModelConfig     `koanf:"model"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Offline   bool            `koanf:"offline"`
	Timeouts  TimeoutsConfig  `koanf:"timeouts"`
}

// CanonConfig controls the text canonicalizer (C4), spec.md §4.2.
type CanonConfig struct {
	CodeCollapseHeadLines int `koanf:"code_collapse_head_lines"` // H, default 20
	CodeCollapseTailLines int `koanf:"code_collapse_tail_lines"` // T, default 10
	MaxChars              int `koanf:"max_chars"`                // default 2000
}

// EmbedConfig controls the embedder registry (C5).
type EmbedConfig struct {
	// DefaultEmbedderID selects "hash" or "onnx:<model-id>".
	DefaultEmbedderID string `koanf:"default_embedder_id"`
	ChunkHeadTailMax   int    `koanf:"chunk_head_tail_max"` // chars per head/mid/tail chunk
	ChunkThreshold     int    `koanf:"chunk_threshold"`     // 2x MAX by default
}

// VecIndexConfig controls the CVVI vector index (C6).
type VecIndexConfig struct {
	Quantization  string `koanf:"quantization"` // "f16" (default) or "f32"
	HNSWEnabled   bool   `koanf:"hnsw_enabled"`
	HNSWThreshold int    `koanf:"hnsw_threshold"` // not read by search; the planner passes a fixed 5000
	HNSWM         int    `koanf:"hnsw_m"`
	HNSWEfConstr  int    `koanf:"hnsw_ef_construction"`
}

// LexicalConfig controls the bleve-backed lexical index (C3).
type LexicalConfig struct {
	EdgeNGramMin int `koanf:"edge_ngram_min"`
	EdgeNGramMax int `koanf:"edge_ngram_max"`
}

// SearchConfig controls query planning defaults (C8).
type SearchConfig struct {
	DefaultMode       string `koanf:"default_mode"` // lexical | semantic | hybrid
	CandidateDepthMul int    `koanf:"candidate_depth_multiplier"` // L, default 3
	RRFK              int    `koanf:"rrf_k"`                      // default 60
	DefaultLimit      int    `koanf:"default_limit"`
	DiversityEnabled  bool   `koanf:"diversity_enabled"`
	RerankEnabled     bool   `koanf:"rerank_enabled"`
	RerankTopK        int    `koanf:"rerank_top_k"`
}

// ModelConfig controls the model lifecycle manager (C7).
type ModelConfig struct {
	ManifestPath    string        `koanf:"manifest_path"`
	AutoDownload    string        `koanf:"auto_download"` // ask | true | false
	MaxAttempts     int           `koanf:"max_attempts"`
	BackoffBase     time.Duration `koanf:"backoff_base"`
	DownloadTimeout time.Duration `koanf:"download_timeout"`
}

// AnalyticsConfig controls the fact/rollup store (C10).
type AnalyticsConfig struct {
	PricingTablePath string `koanf:"pricing_table_path"`
}

// IngestConfig controls orchestration (C11).
type IngestConfig struct {
	BatchSize   int `koanf:"batch_size"`
	WorkerCount int `koanf:"worker_count"`
	// IgnoreSourcesConfig restricts ingestion to a default-local source,
	// set only via CASS_IGNORE_SOURCES_CONFIG (§6.4), never from YAML.
	IgnoreSourcesConfig bool `koanf:"-"`
	// GenericAgents configures additional agents recognized only through
	// internal/connector/generic, for tools with no bespoke adapter
	// (spec.md §3 "Agent... Fixed set" — this is how the fixed set grows
	// without a code change per agent).
	GenericAgents []GenericAgentConfig `koanf:"generic_agents"`
}

// GenericAgentConfig names one additional agent discovered under Dir and
// parsed by internal/connector/generic's JSONL-entry heuristic.
type GenericAgentConfig struct {
	Slug string `koanf:"slug"`
	Name string `koanf:"name"`
	Dir  string `koanf:"dir"`
}

// TimeoutsConfig holds per-operation timeout defaults, spec.md §5.
type TimeoutsConfig struct {
	PerFileDownload time.Duration `koanf:"per_file_download"` // default 5m
	Query           time.Duration `koanf:"query"`             // default 30s
	BatchEmbedding  time.Duration `koanf:"batch_embedding"`   // default 60s
}

// Default returns the hardcoded baseline configuration, rooted under the
// user's config/cache directories (XDG-style, mirroring the teacher's
// ~/.config/contextd convention).
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataRoot := filepath.Join(home, ".local", "share", "cass")

	return &Config{
		DataRoot:  dataRoot,
		ModelRoot: filepath.Join(dataRoot, "models"),
		Canon: CanonConfig{
			CodeCollapseHeadLines: 20,
			CodeCollapseTailLines: 10,
			MaxChars:              2000,
		},
		Embed: EmbedConfig{
			DefaultEmbedderID: "hash",
			ChunkHeadTailMax:  2000,
			ChunkThreshold:    4000,
		},
		VecIndex: VecIndexConfig{
			Quantization:  "f16",
			HNSWEnabled:   false,
			HNSWThreshold: 5000,
			HNSWM:         16,
			HNSWEfConstr:  200,
		},
		Lexical: LexicalConfig{
			EdgeNGramMin: 2,
			EdgeNGramMax: 10,
		},
		Search: SearchConfig{
			DefaultMode:       "hybrid",
			CandidateDepthMul: 3,
			RRFK:              60,
			DefaultLimit:      20,
			DiversityEnabled:  false,
			RerankEnabled:     false,
			RerankTopK:        75,
		},
		Model: ModelConfig{
			ManifestPath:    filepath.Join(dataRoot, "models", "manifest.json"),
			AutoDownload:    "ask",
			MaxAttempts:     3,
			BackoffBase:     5 * time.Second,
			DownloadTimeout: 5 * time.Minute,
		},
		Analytics: AnalyticsConfig{
			PricingTablePath: filepath.Join(dataRoot, "pricing.json"),
		},
		Ingest: IngestConfig{
			BatchSize:   200,
			WorkerCount: 4,
		},
		Offline: false,
		Timeouts: TimeoutsConfig{
			PerFileDownload: 5 * time.Minute,
			Query:           30 * time.Second,
			BatchEmbedding:  60 * time.Second,
		},
	}
}

// Validate rejects structurally invalid configuration before engine init.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must not be empty")
	}
	if c.Canon.MaxChars <= 0 {
		return fmt.Errorf("canon.max_chars must be positive")
	}
	if c.VecIndex.Quantization != "f16" && c.VecIndex.Quantization != "f32" {
		return fmt.Errorf("vecindex.quantization must be f16 or f32, got %q", c.VecIndex.Quantization)
	}
	switch c.Search.DefaultMode {
	case "lexical", "semantic", "hybrid":
	default:
		return fmt.Errorf("search.default_mode must be lexical, semantic, or hybrid, got %q", c.Search.DefaultMode)
	}
	switch c.Model.AutoDownload {
	case "ask", "true", "false":
	default:
		return fmt.Errorf("model.auto_download must be ask, true, or false, got %q", c.Model.AutoDownload)
	}
	return nil
}

// CatalogPath is the single relational catalog file under DataRoot (§6.4
// persisted-state layout).
func (c *Config) CatalogPath() string { return filepath.Join(c.DataRoot, "catalog.db") }

// LexicalIndexDir is the bleve segment directory under DataRoot.
func (c *Config) LexicalIndexDir() string { return filepath.Join(c.DataRoot, "lexical_index") }

// VectorIndexPath returns the CVVI file path for a given embedder id.
func (c *Config) VectorIndexPath(embedderID string) string {
	return filepath.Join(c.DataRoot, "vector_index", fmt.Sprintf("index-%s.cvvi", embedderID))
}

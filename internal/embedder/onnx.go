//go:build cgo

package embedder

import (
	"context"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// modelMapping and modelDimensions ground cass's pinned-model identifiers
// in fastembed-go's own model catalog, adapted from
// internal/embeddings/fastembed.go's identical table in the teacher.
var modelMapping = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var modelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.BGESmallZH:    512,
	fastembed.AllMiniLML6V2: 384,
}

// ONNXEmbedder wraps a pre-installed, version-pinned fastembed/ONNX model
// (spec.md §4.5: "loads a pre-installed, version-pinned model... Loading
// MUST NOT trigger any network fetch"). modelDir must already contain the
// files internal/modellifecycle verified and installed; ShowDownloadProgress
// is always false and fastembed-go's own cache lookup is pointed at
// modelDir so NewONNXEmbedder never reaches the network itself.
type ONNXEmbedder struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	modelID   string
	dimension int
}

// NewONNXEmbedder loads modelID from modelDir (the lifecycle manager's
// Ready install location), refusing to start if the model files are
// missing rather than silently downloading them.
func NewONNXEmbedder(modelID, modelDir string) (*ONNXEmbedder, error) {
	model, ok := modelMapping[modelID]
	if !ok {
		return nil, errs.New(errs.Malformed, fmt.Sprintf("embedder: unknown onnx model id %q", modelID))
	}
	dimension := modelDimensions[model]

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             modelDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, fmt.Sprintf("load onnx model %q from %q", modelID, modelDir), err)
	}

	return &ONNXEmbedder{model: flagEmbed, modelID: modelID, dimension: dimension}, nil
}

func (e *ONNXEmbedder) ID() string       { return "onnx:" + e.modelID }
func (e *ONNXEmbedder) Dimension() int   { return e.dimension }
func (e *ONNXEmbedder) IsSemantic() bool { return true }

// Embed uses the "query: " prefix convention BGE-family models expect for
// query-side embeddings (adapted from the teacher's EmbedQuery).
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	vec, err := e.model.QueryEmbed(text)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "onnx query embed", err)
	}
	return vec, nil
}

// EmbedBatch uses the "passage: " prefix convention for document-side
// embeddings (adapted from the teacher's EmbedDocuments).
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	vecs, err := e.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "onnx passage embed", err)
	}
	return vecs, nil
}

func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	return e.model.Destroy()
}

// KnownDimension reports the dimension a modelID would have without
// loading it, used by internal/modellifecycle to size a CVVI header
// before the model is actually Ready.
func KnownDimension(modelID string) (int, bool) {
	m, ok := modelMapping[modelID]
	if !ok {
		return 0, false
	}
	dim, ok := modelDimensions[m]
	return dim, ok
}

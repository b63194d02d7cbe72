//go:build !cgo

package embedder

import (
	"context"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// ONNXEmbedder stub for binaries built without CGO (fastembed-go requires
// CGO for its ONNX runtime bindings), mirroring the teacher's
// fastembed_nocgo.go split.
type ONNXEmbedder struct{}

func NewONNXEmbedder(modelID, modelDir string) (*ONNXEmbedder, error) {
	return nil, errs.New(errs.PolicyRefusal, "onnx embedder requires a CGO-enabled build")
}

func (e *ONNXEmbedder) ID() string       { return "onnx:unavailable" }
func (e *ONNXEmbedder) Dimension() int   { return 0 }
func (e *ONNXEmbedder) IsSemantic() bool { return true }

func (e *ONNXEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, errs.New(errs.PolicyRefusal, "onnx embedder requires a CGO-enabled build")
}

func (e *ONNXEmbedder) EmbedBatch(_ context.Context, _ []string) ([][]float32, error) {
	return nil, errs.New(errs.PolicyRefusal, "onnx embedder requires a CGO-enabled build")
}

func (e *ONNXEmbedder) Close() error { return nil }

func KnownDimension(modelID string) (int, bool) {
	dims := map[string]int{
		"BAAI/bge-small-en-v1.5":                 384,
		"BAAI/bge-base-en-v1.5":                  768,
		"sentence-transformers/all-MiniLM-L6-v2": 384,
	}
	d, ok := dims[modelID]
	return d, ok
}

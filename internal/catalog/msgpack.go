package catalog

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// EncodeExtra packs a connector's extra map for conversations.metadata_bin
// / messages.extra_bin (spec.md §6.2): "MessagePack blobs ... store the
// raw per-agent JSON losslessly for later re-extraction."
func EncodeExtra(extra map[string]any) ([]byte, error) {
	if extra == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(extra)
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, "encode extra blob", err)
	}
	return b, nil
}

// DecodeExtra unpacks a stored blob back into the same map[string]any
// shape RebuildAnalytics streams through internal/analytics' extractors,
// so ingest-time and rebuild-time extraction never diverge on Go-specific
// typed values.
func DecodeExtra(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := msgpack.Unmarshal(blob, &m); err != nil {
		return nil, errs.Wrap(errs.DerivedCorruption, "decode extra blob", err)
	}
	return m, nil
}

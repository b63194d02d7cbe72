package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// contractVersion is bumped whenever the JSON envelope or a command's
// payload shape changes in an incompatible way (spec.md §6.4).
const contractVersion = 1

// meta is attached to every `--json` response so scripts can distinguish
// a stable contract version from the payload it wraps.
type meta struct {
	ElapsedMS       int64 `json:"elapsed_ms"`
	ContractVersion int   `json:"contract_version"`
}

// envelope is the outer shape of every `--json` command response.
type envelope struct {
	Meta  meta `json:"_meta"`
	Data  any  `json:"data,omitempty"`
	Error *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// emitJSON writes data wrapped in the stable envelope to stdout.
func emitJSON(start time.Time, data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope{
		Meta: meta{ElapsedMS: time.Since(start).Milliseconds(), ContractVersion: contractVersion},
		Data: data,
	})
}

// emitText prints a human-readable line; commands use this in the
// default (non-JSON) mode instead of emitJSON.
func emitText(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

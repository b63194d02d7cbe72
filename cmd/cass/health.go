package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report whether the catalog and derived indices are usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			cfg, log, err := root.bootstrap()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.catalog.Counts(cmd.Context())
			if err != nil {
				return err
			}
			lexCount, err := a.lexical.DocCount()
			if err != nil {
				return err
			}

			payload := struct {
				Catalog     any    `json:"catalog"`
				LexicalDocs uint64 `json:"lexical_docs"`
				DefaultEmbedder string `json:"default_embedder"`
			}{counts, lexCount, a.embedders.Current().ID()}

			if root.jsonOut {
				return emitJSON(start, payload)
			}
			emitText("sources=%d agents=%d workspaces=%d conversations=%d messages=%d",
				counts.Sources, counts.Agents, counts.Workspaces, counts.Conversations, counts.Messages)
			emitText("lexical docs=%d  embedder=%s", lexCount, a.embedders.Current().ID())
			return nil
		},
	}
}

func newCapabilitiesCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Report which optional search capabilities are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			cfg, log, err := root.bootstrap()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, log, true)
			if err != nil {
				return err
			}
			defer a.Close()

			payload := struct {
				SemanticAvailable bool   `json:"semantic_available"`
				Embedder          string `json:"embedder"`
				Offline           bool   `json:"offline"`
				HNSWEnabled       bool   `json:"hnsw_enabled"`
			}{
				SemanticAvailable: a.embedders.Current().IsSemantic(),
				Embedder:          a.embedders.Current().ID(),
				Offline:           cfg.Offline,
				HNSWEnabled:       cfg.VecIndex.HNSWEnabled,
			}

			if root.jsonOut {
				return emitJSON(start, payload)
			}
			emitText("semantic_available=%v embedder=%s offline=%v hnsw=%v",
				payload.SemanticAvailable, payload.Embedder, payload.Offline, payload.HNSWEnabled)
			return nil
		},
	}
}

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cass/internal/ingest"
)

func newIndexCmd(root *rootOpts) *cobra.Command {
	var full, semantic bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Discover and ingest sessions from every detected agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			scanRoot := root.scanRoot()
			if len(args) == 1 {
				scanRoot = args[0]
			}

			cfg, log, err := root.bootstrap()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, log, semantic)
			if err != nil {
				return err
			}
			defer a.Close()

			var written, seen int
			orch := &ingest.Orchestrator{
				Catalog:   a.catalog,
				Lexical:   a.lexical,
				VecIndex:  a.vecindex,
				Embedders: a.embedders,
				Pricing:   a.pricing,
				CanonCfg:  a.canon,
				Cfg:       cfg.Ingest,
				Root:      scanRoot,
				OnProgress: func(p ingest.Progress) {
					seen += p.MessagesSeen
					written += p.MessagesWritten
					if p.Err != nil {
						log.Warn("ingest progress error", zap.String("agent", p.AgentSlug), zap.Error(p.Err))
						return
					}
					if !root.jsonOut {
						emitText("[%s] %s: %d seen, %d written", p.Phase, p.AgentSlug, p.MessagesSeen, p.MessagesWritten)
					}
				},
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			runErr := orch.Run(ctx, ingest.Options{Full: full, Semantic: semantic})

			result := struct {
				Root            string `json:"root"`
				MessagesSeen    int    `json:"messages_seen"`
				MessagesWritten int    `json:"messages_written"`
				Semantic        bool   `json:"semantic"`
			}{scanRoot, seen, written, semantic}

			if root.jsonOut {
				if err := emitJSON(start, result); err != nil {
					return err
				}
			} else if runErr == nil {
				emitText("indexed %d messages (%d seen) under %s", written, seen, scanRoot)
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "re-scan every session regardless of mtime hints")
	cmd.Flags().BoolVar(&semantic, "semantic", false, "also compute and store embeddings")
	return cmd
}

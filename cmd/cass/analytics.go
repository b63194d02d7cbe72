package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

func newAnalyticsCmd(root *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Inspect the derived token and cost analytics store",
	}
	cmd.AddCommand(
		newAnalyticsStatusCmd(root),
		newAnalyticsTokensCmd(root),
		newAnalyticsToolsCmd(root),
		newAnalyticsCostCmd(root),
		newAnalyticsRebuildCmd(root),
		newAnalyticsValidateCmd(root),
	)
	return cmd
}

func newAnalyticsStatusCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize fact and rollup coverage",
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

			st, err := a.catalog.AnalyticsStatus(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return emitJSON(start, st)
			}
			emitText("messages: %d  facts: %d  daily rollups: %d", st.MessageCount, st.FactCount, st.RollupRowCount)
			emitText("coverage: %d api, %d estimated", st.APICoverageCount, st.EstCoverageCount)
			return nil
		},
	}
}

func newAnalyticsTokensCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "Report token usage by model family",
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

			rows, err := a.catalog.TokensByModel(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return emitJSON(start, rows)
			}
			for _, r := range rows {
				emitText("%-24s in=%-10d out=%-10d messages=%d", r.ModelFamily, r.InputTokens, r.OutputTokens, r.MessageCount)
			}
			return nil
		},
	}
}

func newAnalyticsToolsCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Report tool-call volume by agent",
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

			rows, err := a.catalog.ToolsByAgent(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return emitJSON(start, rows)
			}
			for _, r := range rows {
				emitText("%-16s tool_calls=%-8d messages=%d", r.AgentSlug, r.ToolCallCount, r.MessageCount)
			}
			return nil
		},
	}
}

func newAnalyticsCostCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cost",
		Short: "Report estimated spend and pricing coverage",
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

			c, err := a.catalog.Cost(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return emitJSON(start, c)
			}
			emitText("estimated cost: $%.4f (priced=%d unpriced=%d)", c.TotalEstimatedCostUSD, c.PricedMessageCount, c.UnpricedMessageCount)
			return nil
		},
	}
}

func newAnalyticsRebuildCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute every rollup from the underlying facts",
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

			if err := a.catalog.RebuildAnalytics(cmd.Context()); err != nil {
				return err
			}
			if root.jsonOut {
				return emitJSON(start, struct {
					Status string `json:"status"`
				}{"rebuilt"})
			}
			emitText("rollups rebuilt")
			return nil
		},
	}
}

func newAnalyticsValidateCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every daily rollup against its source facts",
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

			mismatches, err := a.catalog.ValidateRollups(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return emitJSON(start, struct {
					Mismatches []string `json:"mismatched_agent_slugs"`
					Clean      bool     `json:"clean"`
				}{mismatches, len(mismatches) == 0})
			}
			if len(mismatches) == 0 {
				emitText("rollups consistent with facts")
				return nil
			}
			emitText("mismatches found in %d agent(s): %v", len(mismatches), mismatches)
			return errs.New(errs.DerivedCorruption, "rollup/fact mismatch detected")
		},
	}
}

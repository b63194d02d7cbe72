package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cass/internal/errs"
	"github.com/fyrsmithlabs/cass/internal/modellifecycle"
)

func newModelsCmd(root *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage the semantic embedding model lifecycle",
	}
	cmd.AddCommand(newModelsStatusCmd(root), newModelsInstallCmd(root), newModelsVerifyCmd(root), newModelsRemoveCmd(root))
	return cmd
}

func newModelsStatusCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status [model-id]",
		Short: "Report the lifecycle state of one or every known model",
		Args:  cobra.MaximumNArgs(1),
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

			id := cfg.Embed.DefaultEmbedderID
			if len(args) == 1 {
				id = args[0]
			}
			st := a.models.Status(id)

			if root.jsonOut {
				return emitJSON(start, struct {
					ID         string  `json:"id"`
					State      string  `json:"state"`
					Percent    float64 `json:"percent"`
					Reason     string  `json:"reason,omitempty"`
					RetryCount int     `json:"retry_count"`
				}{st.ID, string(st.State), st.Pct(), st.Reason, st.RetryCount})
			}
			emitText("%s: %s (%.1f%%)", st.ID, st.State, st.Pct())
			if st.Reason != "" {
				emitText("  reason: %s", st.Reason)
			}
			return nil
		},
	}
}

func newModelsInstallCmd(root *rootOpts) *cobra.Command {
	var consent bool
	cmd := &cobra.Command{
		Use:   "install <model-id>",
		Short: "Download, verify, and atomically install a model",
		Args:  cobra.ExactArgs(1),
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

			id := args[0]
			if cfg.Offline {
				return errs.New(errs.PolicyRefusal, "CASS_OFFLINE forbids model installation")
			}
			installErr := a.models.Install(cmd.Context(), id, consent)
			st := a.models.Status(id)

			if root.jsonOut {
				return emitJSON(start, struct {
					ID    string `json:"id"`
					State string `json:"state"`
				}{id, string(st.State)})
			}
			if installErr != nil {
				return installErr
			}
			emitText("%s installed: %s", id, st.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&consent, "consent", false, "grant consent to download the model now")
	return cmd
}

func newModelsVerifyCmd(root *rootOpts) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "verify <model-id>",
		Short: "Check that a model is Ready (installed files are not re-hashed)",
		Args:  cobra.ExactArgs(1),
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

			id := args[0]
			var verifyErr error
			if repair {
				verifyErr = a.models.Repair(id)
			} else {
				st := a.models.Status(id)
				if st.State != modellifecycle.Ready {
					verifyErr = fmt.Errorf("model %s is not ready (state=%s)", id, st.State)
				}
			}
			st := a.models.Status(id)

			if root.jsonOut {
				return emitJSON(start, struct {
					ID    string `json:"id"`
					State string `json:"state"`
				}{id, string(st.State)})
			}
			if verifyErr != nil {
				return verifyErr
			}
			emitText("%s: %s", id, st.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "re-verify a leftover download: remove it if corrupt, install it if it verifies")
	return cmd
}

func newModelsRemoveCmd(root *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <model-id>",
		Short: "Remove an installed model from disk",
		Args:  cobra.ExactArgs(1),
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

			id := args[0]
			if err := a.models.Remove(id); err != nil {
				return err
			}
			if root.jsonOut {
				return emitJSON(start, struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				}{id, "removed"})
			}
			emitText("%s removed", id)
			return nil
		},
	}
}

// Command cass indexes coding-agent session transcripts from every
// detected agent on disk and serves lexical, semantic, and hybrid search
// over them, following the teacher's cobra-rooted CLI shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cass/internal/config"
	"github.com/fyrsmithlabs/cass/internal/errs"
	"github.com/fyrsmithlabs/cass/internal/logging"
)

// rootOpts holds the persistent flags every subcommand reads.
type rootOpts struct {
	configPath string
	logLevel   string
	jsonOut    bool
	scanDir    string
}

func (r *rootOpts) bootstrap() (*config.Config, *zap.Logger, error) {
	var cfg *config.Config
	var err error
	if r.configPath != "" {
		cfg, err = config.LoadWithFile(r.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	log, err := logging.New(logging.Options{Level: r.logLevel, JSON: r.jsonOut})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func (r *rootOpts) scanRoot() string {
	if r.scanDir != "" {
		return r.scanDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func newRootCmd() *cobra.Command {
	root := &rootOpts{}

	cmd := &cobra.Command{
		Use:           "cass",
		Short:         "Search across every coding-agent session on this machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&root.configPath, "config", "", "path to config.yaml (default: ~/.config/cass/config.yaml)")
	cmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "info", "debug | info | warn | error")
	cmd.PersistentFlags().BoolVar(&root.jsonOut, "json", false, "emit machine-readable JSON instead of text")
	cmd.PersistentFlags().StringVar(&root.scanDir, "root", "", "filesystem root to scan for agent sessions (default: home directory)")

	cmd.AddCommand(
		newIndexCmd(root),
		newSearchCmd(root),
		newModelsCmd(root),
		newAnalyticsCmd(root),
		newHealthCmd(root),
		newCapabilitiesCmd(root),
	)
	return cmd
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cass:", err)
		os.Exit(errs.ExitCode(err))
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paladugu82/node-smb-server-sub001/internal/config"
)

// newConfigCmd builds the "config" command group. It overrides the root's
// PersistentPreRunE because config init must run before a usable local-path
// is known — the whole point is to bootstrap the file that would otherwise
// supply it.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "config",
		Short:             "Manage the rqshare configuration file",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}

	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file to --config (or the default config path)",
		RunE:  runConfigInit,
	}
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	logger := buildLogger(nil)

	if err := config.WriteDefault(path, config.DefaultConfig(), logger); err != nil {
		return fmt.Errorf("config init: %w", err)
	}

	fmt.Fprintf(stdout, "wrote default config to %s\n", path)

	return nil
}

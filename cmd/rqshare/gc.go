package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paladugu82/node-smb-server-sub001/internal/localtree"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Drain everything currently eligible and purge stale staged downloads",
		Long: `Runs a single synchronous request queue drain pass (an entry that fails
again with its retry budget used up is purged; entries already past the
budget are not eligible) and sweeps any staged download left behind by a
crashed process, then exits.`,
		RunE: runGC,
	}
}

func runGC(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	share, err := openShareForInspection(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer share.Close(context.Background()) //nolint:errcheck

	local := localtree.New(cc.Cfg.Local.Path)

	if err := share.GC(cmd.Context(), local); err != nil {
		return fmt.Errorf("gc: %w", err)
	}

	fmt.Fprintln(stdout, "gc complete")

	return nil
}

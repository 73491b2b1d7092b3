package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show request queue depth, unresolved conflicts, and cache size",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	share, err := openShareForInspection(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer share.Close(context.Background()) //nolint:errcheck

	depth, err := share.QueueDepth(cmd.Context())
	if err != nil {
		return fmt.Errorf("status: reading queue depth: %w", err)
	}

	conflicts := share.Conflicts().List()

	cacheBytes, err := dirSize(cc.Cfg.Local.Path)
	if err != nil {
		cc.Logger.Warn("status: could not compute cache size", "err", err)
	}

	if isTerminal() {
		fmt.Fprintln(stdout, "----------------------------------------")
	}

	fmt.Fprintf(stdout, "Queue depth:      %d\n", depth)
	fmt.Fprintf(stdout, "Unresolved conflicts: %d\n", len(conflicts))
	fmt.Fprintf(stdout, "Cache size:       %s\n", formatSize(cacheBytes))

	return nil
}

// dirSize sums the apparent size of regular files under root, skipping the
// staging and sidecar bookkeeping that isn't part of the user-visible cache.
func dirSize(root string) (int64, error) {
	var total int64

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if info.IsDir() {
			if info.Name() == ".staging" {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasSuffix(info.Name(), ".rqmeta") {
			return nil
		}

		total += info.Size()

		return nil
	})

	return total, err
}

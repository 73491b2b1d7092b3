package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paladugu82/node-smb-server-sub001/internal/localtree"
	"github.com/paladugu82/node-smb-server-sub001/internal/remotetree"
	"github.com/paladugu82/node-smb-server-sub001/internal/remoteshare"
)

// conflictIDPrefixLen is how many characters of the conflict ID to show in
// table output — enough for uniqueness in typical use.
const conflictIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display conflicts the request queue processor could not apply because the
remote object was locked or checked out by another writer. The conflict
ledger is held in memory by the share this command opens, whose processor
is not started, so conflicts recorded by a separate serve process are not
listed.`,
		RunE: runConflicts,
	}
}

type conflictJSON struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	DetectedAt string `json:"detected_at"`
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	share, err := openShareForInspection(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer share.Close(context.Background()) //nolint:errcheck

	records := share.Conflicts().List()

	if len(records) == 0 {
		fmt.Fprintln(stdout, "No unresolved conflicts.")
		return nil
	}

	if flagJSON {
		return printConflictsJSON(records)
	}

	printConflictsTable(records)

	return nil
}

func printConflictsJSON(records []remoteshare.Record) error {
	items := make([]conflictJSON, len(records))
	for i, r := range records {
		items[i] = conflictJSON{ID: r.ID, Path: r.Path, DetectedAt: r.DetectedAt.UTC().Format(time.RFC3339)}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printConflictsTable(records []remoteshare.Record) {
	headers := []string{"ID", "PATH", "DETECTED"}
	rows := make([][]string, len(records))

	for i, r := range records {
		id := r.ID
		if len(id) > conflictIDPrefixLen {
			id = id[:conflictIDPrefixLen]
		}

		rows[i] = []string{id, r.Path, r.DetectedAt.UTC().Format(time.RFC3339)}
	}

	printTable(stdout, headers, rows)
}

// openShareForInspection opens a Share without starting its background
// processor, for read-only CLI subcommands (status, conflicts).
func openShareForInspection(ctx context.Context, cc *CLIContext) (*remoteshare.Share, error) {
	tokens, err := loadTokenSource(flagTokenFile)
	if err != nil {
		return nil, err
	}

	local := localtree.New(cc.Cfg.Local.Path)
	client := remotetree.NewClient(remotetree.Config{BaseURL: cc.Cfg.Remote.BaseURL}, metadataHTTPClient(cc.Cfg), tokens, cc.Logger)
	remote := remotetree.New(client)

	share, err := remoteshare.Open(ctx, cc.Cfg, remoteshare.Deps{Local: local, Remote: remote, Logger: cc.Logger})
	if err != nil {
		return nil, fmt.Errorf("opening share: %w", err)
	}

	return share, nil
}

// Command rqshare runs the RQ write-back caching share: it serves a
// CachingTree backed by a local disk cache and an HTTP Digital Asset
// Management remote, draining pending mutations in the background via an
// RQProcessor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/paladugu82/node-smb-server-sub001/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagLocalPath  string
	flagRemoteURL  string
	flagTokenFile  string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles resolved config and logger. Built once in
// PersistentPreRunE.
type CLIContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — PersistentPreRunE should have set it")
	}

	return cc
}

// connectHTTPClientTimeout bounds metadata requests (list/stat/move/delete).
const connectHTTPClientTimeout = 10 * time.Second

// metadataHTTPClient returns an HTTP client timed out for small metadata
// requests.
func metadataHTTPClient(cfg *config.Config) *http.Client {
	d, err := time.ParseDuration(cfg.Remote.ConnectTimeout)
	if err != nil {
		d = connectHTTPClientTimeout
	}

	return &http.Client{Timeout: d}
}

// transferHTTPClient returns an HTTP client timed out for large file
// transfers (upload/download), separately from metadata calls — mirrors
// the split used for every other slow network operation in this codebase.
func transferHTTPClient(cfg *config.Config) *http.Client {
	d, err := time.ParseDuration(cfg.Remote.DataTimeout)
	if err != nil {
		d = 60 * time.Second
	}

	return &http.Client{Timeout: d}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rqshare",
		Short:         "RQ write-back caching share",
		Long:          "Serves a write-back caching content repository over a local cache and an HTTP DAM remote.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagLocalPath, "local-path", "", "local cache root directory")
	cmd.PersistentFlags().StringVar(&flagRemoteURL, "remote-url", "", "DAM base URL")
	cmd.PersistentFlags().StringVar(&flagTokenFile, "token-file", "", "path to a saved OAuth2 token file for the DAM remote")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		LocalPath:  flagLocalPath,
		RemoteURL:  flagRemoteURL,
	}

	env := config.ReadEnvOverrides()

	resolved, err := config.Resolve(env, cli, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	finalLogger := buildLogger(resolved)
	cc := &CLIContext{Cfg: resolved, Logger: finalLogger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Pass nil for pre-config bootstrap. Config-file log level is
// the baseline; --verbose/--debug/--quiet always win, since they're
// mutually exclusive and explicit.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

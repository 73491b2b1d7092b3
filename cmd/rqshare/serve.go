package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paladugu82/node-smb-server-sub001/internal/localtree"
	"github.com/paladugu82/node-smb-server-sub001/internal/remotetree"
	"github.com/paladugu82/node-smb-server-sub001/internal/remoteshare"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the caching share and drain the request queue until interrupted",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := os.MkdirAll(cc.Cfg.Local.Path, 0o755); err != nil {
		return fmt.Errorf("serve: creating local cache root %s: %w", cc.Cfg.Local.Path, err)
	}

	tokens, err := loadTokenSource(flagTokenFile)
	if err != nil {
		return err
	}

	local := localtree.New(cc.Cfg.Local.Path)

	metaClient := remotetree.NewClient(remotetree.Config{
		BaseURL:    cc.Cfg.Remote.BaseURL,
		MaxRetries: 5,
		BaseDelay:  0.5,
	}, metadataHTTPClient(cc.Cfg), tokens, cc.Logger)

	transferClient := remotetree.NewClient(remotetree.Config{
		BaseURL:    cc.Cfg.Remote.BaseURL,
		MaxRetries: 5,
		BaseDelay:  0.5,
	}, transferHTTPClient(cc.Cfg), tokens, cc.Logger)

	remote := remotetree.NewWithTransfer(metaClient, transferClient)

	share, err := remoteshare.Open(cmd.Context(), cc.Cfg, remoteshare.Deps{
		Local:  local,
		Remote: remote,
		Logger: cc.Logger,
	})
	if err != nil {
		return fmt.Errorf("serve: opening share: %w", err)
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	share.Start(ctx)
	cc.Logger.Info("rqshare: serving", "local_path", cc.Cfg.Local.Path, "remote_url", cc.Cfg.Remote.BaseURL)

	<-ctx.Done()

	cc.Logger.Info("rqshare: shutting down")

	return share.Close(context.Background())
}

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits the process on a second, giving the processor time to
// finish an in-flight sync before exiting.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("rqshare: received signal, initiating graceful shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("rqshare: received second signal, forcing exit", "signal", sig.String())
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

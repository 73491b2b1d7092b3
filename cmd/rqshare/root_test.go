package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags() {
	flagVerbose, flagDebug, flagQuiet = false, false, false
}

func TestBuildLogger_Default(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)

	logger := buildLogger(nil)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_Verbose(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)

	flagVerbose = true

	logger := buildLogger(nil)
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Quiet(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)

	flagQuiet = true

	logger := buildLogger(nil)
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"serve", "status", "conflicts", "gc", "config"} {
		assert.True(t, names[want], "expected subcommand %q", want)
	}
}

func TestMustCLIContext_PanicsWithoutContext(t *testing.T) {
	assert.Panics(t, func() {
		mustCLIContext(context.Background())
	})
}

func TestLoadConfig_PopulatesCLIContext(t *testing.T) {
	resetFlags()

	flagLocalPath = t.TempDir()
	flagRemoteURL = "http://example.invalid"

	t.Cleanup(func() {
		resetFlags()
		flagLocalPath, flagRemoteURL = "", ""
	})

	cmd := newRootCmd()
	cmd.SetContext(context.Background())

	require.NoError(t, loadConfig(cmd))

	cc := cliContextFrom(cmd.Context())
	require.NotNil(t, cc)
	assert.NotNil(t, cc.Cfg)
	assert.NotNil(t, cc.Logger)
}

package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag in the tree to its default so tests do not
// leak values into each other through the shared root command.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// executeCommandAndCaptureOutput runs the root command with args.
func executeCommandAndCaptureOutput(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return strings.TrimSpace(buf.String()), err
}

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, rootCmd)
	assert.Equal(t, "snapdetect", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.Same(t, rootCmd, GetRootCommand())
}

func TestRootCommandHelp(t *testing.T) {
	output, err := executeCommandAndCaptureOutput(t, "--help")
	require.NoError(t, err)

	assert.Contains(t, output, "object detection model")
	assert.Contains(t, output, "Available Commands:")
	assert.Contains(t, output, "Usage:")
}

func TestRootCommandVersion(t *testing.T) {
	output, err := executeCommandAndCaptureOutput(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, output, "snapdetect version")
}

func TestRootCommandSubcommands(t *testing.T) {
	commandNames := make([]string, 0, len(rootCmd.Commands()))
	for _, sub := range rootCmd.Commands() {
		commandNames = append(commandNames, sub.Name())
	}

	for _, expected := range []string{"detect", "serve", "config", "version"} {
		assert.Contains(t, commandNames, expected, "Expected subcommand '%s' not found", expected)
	}
}

func TestRootCommandInvalidFlag(t *testing.T) {
	output, err := executeCommandAndCaptureOutput(t, "--invalid-flag")
	require.Error(t, err)
	assert.Contains(t, output, "unknown flag")
}

func TestRootCommandNoArgs(t *testing.T) {
	output, err := executeCommandAndCaptureOutput(t)
	require.NoError(t, err)
	assert.Contains(t, output, "Usage:")
}

func TestRootCommandConfiguration(t *testing.T) {
	assert.True(t, rootCmd.HasSubCommands())
	for _, name := range []string{"config", "verbose", "log-level", "models-dir", "version"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "missing flag %s", name)
	}
}

func TestVersionCommand(t *testing.T) {
	output, err := executeCommandAndCaptureOutput(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "snapdetect version dev")
	assert.Contains(t, output, "Commit:")
	assert.Contains(t, output, "Go:")
}

func TestGetConfigIncludesFlags(t *testing.T) {
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	require.NoError(t, detectCmd.Flags().Set("min-score", "0.8"))
	cfg := GetConfig()
	assert.InDelta(t, 0.8, cfg.Model.MinScore, 1e-9)
}

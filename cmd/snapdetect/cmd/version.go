package cmd

import (
	"fmt"
	"runtime"

	"github.com/MeKo-Tech/snapdetect/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, commit, date := version.Info()
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "snapdetect version %s\n", v)
		_, _ = fmt.Fprintf(out, "Commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "Built: %s\n", date)
		_, err := fmt.Fprintf(out, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

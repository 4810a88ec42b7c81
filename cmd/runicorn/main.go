package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/cmd/runicorn/commands"
	"github.com/runicorn/runicorn/logger"
)

var rootCmd = &cobra.Command{
	Use:   "runicorn",
	Short: "Runicorn - self-hosted experiment tracking viewer",
	Long: `Runicorn - local-first, self-hosted ML experiment tracking.

The viewer reads run directories written by the runicorn SDK, mirrors them
into SQLite for fast listing, and serves metrics, logs, and artifacts over
HTTP. Remote hosts are reachable through SSH tunnels.

Available commands:
  viewer      - Start the viewer server
  config      - Inspect and initialize configuration
  export      - Export run directories as a portable archive
  import      - Import runs from an archive
  export-data - Export run listings as CSV or JSON
  manage      - Show storage statistics
  rate-limit  - Inspect or initialize the rate-limit config
  delete      - Permanently delete runs

Examples:
  runicorn viewer                      # Start the viewer on the configured port
  runicorn export 20250101_120000_abc123 -o runs.zip
  runicorn manage                      # Storage statistics
  runicorn delete --deleted --yes      # Purge everything in the recycle bin`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		level := "info"
		if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 {
			level = "debug"
		}
		if err := logger.Initialize(jsonLogs, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("storage", "", "Storage root directory (overrides config)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ViewerCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.ExportDataCmd)
	rootCmd.AddCommand(commands.ManageCmd)
	rootCmd.AddCommand(commands.RateLimitCmd)
	rootCmd.AddCommand(commands.DeleteCmd)
	rootCmd.AddCommand(commands.VersionCmd)

	// Usage mistakes exit 2; runtime failures exit 1.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return commands.UsageError(err)
	})
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
}

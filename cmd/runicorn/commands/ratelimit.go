package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/config"
)

// RateLimitCmd inspects and initializes the rate-limit JSON config. The
// running viewer hot-reloads the file, so edits take effect without a
// restart.
var RateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect or initialize the rate-limit config",
}

var rateLimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective rate-limit rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.RateLimitConfigPath()
		cfg, err := config.LoadRateLimitConfig(path)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var rateLimitInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default rate-limit config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.RateLimitConfigPath()
		if err := config.SaveRateLimitConfig(path, config.DefaultRateLimitConfig()); err != nil {
			return err
		}
		pterm.Success.Printf("Rate-limit config at %s\n", path)
		return nil
	},
}

var rateLimitPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the rate-limit config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(config.RateLimitConfigPath())
		return nil
	},
}

func init() {
	RateLimitCmd.AddCommand(rateLimitShowCmd)
	RateLimitCmd.AddCommand(rateLimitInitCmd)
	RateLimitCmd.AddCommand(rateLimitPathCmd)
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// validateCmd checks a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a bboard configuration file without starting the server.

The YAML is parsed, environment variables are expanded and every field
is checked.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  bboard validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config is valid!\n")
	_, _ = fmt.Fprintf(out, "  TCP address:   %s\n", cfg.TCPAddr)
	_, _ = fmt.Fprintf(out, "  HTTP address:  %s\n", cfg.HTTPAddr)
	_, _ = fmt.Fprintf(out, "  Groups:        %s\n", strings.Join(cfg.Groups, ", "))
	_, _ = fmt.Fprintf(out, "  History size:  %d\n", cfg.HistorySize)
	_, _ = fmt.Fprintf(out, "  Rate limit:    %d per %s\n", cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval.Duration())
	return nil
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "v0.1.0"

func main() {
	v := viper.New()
	v.SetEnvPrefix("mcphub")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:     "mcphub",
		Short:   "MCPHub - a multiplexing MCP gateway across upstream servers",
		Version: version,
	}

	rootCmd.PersistentFlags().String("config", "", "settings document path (default: $MCPHUB_SETTING_PATH, else ./mcp_settings.json)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory for the audit log and search index (default: ~/.mcphub)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON-encoded logs instead of console")
	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, "mcphub: failed to bind flags:", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(newServeCommand(v))
	rootCmd.AddCommand(newConfigCommand(v))
	rootCmd.AddCommand(newOAuthCommand(v))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

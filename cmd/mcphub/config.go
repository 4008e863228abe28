package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcphub-dev/mcphub/internal/applog"
	"github.com/mcphub-dev/mcphub/internal/settings"
)

func newConfigCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the settings document",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the settings document and report errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := settings.NewStore(v.GetString("config"), applog.NewNop())
			if _, err := store.Load(); err != nil {
				return fmt.Errorf("invalid settings document: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "settings document is valid")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the resolved settings document as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := settings.NewStore(v.GetString("config"), applog.NewNop())
			doc, err := store.Load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	})

	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcphub-dev/mcphub/internal/applog"
	"github.com/mcphub-dev/mcphub/internal/settings"
)

func newOAuthCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Inspect OAuth state for configured upstream servers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List each OAuth-configured server and whether it holds a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := settings.NewStore(v.GetString("config"), applog.NewNop())
			doc, err := store.Load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			found := false
			for name, cfg := range doc.MCPServers {
				if cfg.OAuth == nil {
					continue
				}
				found = true
				status := "no token"
				switch {
				case cfg.OAuth.AccessToken != "":
					status = "authorized"
				case cfg.OAuth.PendingAuthorization != nil:
					status = "pending authorization at " + cfg.OAuth.PendingAuthorization.AuthorizationURL
				}
				fmt.Fprintf(out, "%s: %s\n", name, status)
			}
			if !found {
				fmt.Fprintln(out, "no servers configure oauth")
			}
			return nil
		},
	})

	return cmd
}

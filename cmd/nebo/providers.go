package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nebolabs/nebo/internal/provider"
)

// ProvidersCmd groups provider management: list, set-key, models.
func ProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and configure LLM providers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			configs := app.Providers.List()
			sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })

			keys := app.Creds.LoadAPIKeys()
			for _, c := range configs {
				cred := "no key"
				if _, ok := keys[c.ID]; ok {
					cred = "api key"
				}
				if c.SupportsOAuth && app.Creds.HasOAuthToken(c.ID) {
					cred = "oauth"
				}
				custom := ""
				if c.Custom {
					custom = " (custom)"
				}
				fmt.Printf("%-16s %-18s %-8s %s%s\n", c.ID, c.Protocol, cred, c.BaseURL, custom)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-key <provider> <api-key>",
		Short: "Store an API key for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			if _, ok := app.Providers.Get(args[0]); !ok {
				return fmt.Errorf("unknown provider %q", args[0])
			}
			if err := app.Creds.SetAPIKey(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("stored key for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "models [provider]",
		Short: "List advertised models",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			catalog := provider.GetModelsConfig()
			ids := make([]string, 0, len(catalog.Providers))
			for id := range catalog.Providers {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			for _, id := range ids {
				if len(args) == 1 && args[0] != id {
					continue
				}
				for _, m := range catalog.Providers[id] {
					active := ""
					if !m.IsActive() {
						active = " (inactive)"
					}
					fmt.Printf("%s@%s%s\n", m.ID, id, active)
				}
			}
			return nil
		},
	})

	return cmd
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// DoctorCmd reports the health of local state: data dir, database,
// credentials, providers, registered tools.
func DoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			ok := func(cond bool) string {
				if cond {
					return "ok"
				}
				return "MISSING"
			}

			fmt.Printf("data dir: %s\n", app.Cfg.DataDir)
			dbPath := filepath.Join(app.Cfg.DataDir, "data", "nebo.db")
			_, dbErr := os.Stat(dbPath)
			fmt.Printf("database: %s (%s)\n", dbPath, ok(dbErr == nil))

			keys := app.Creds.LoadAPIKeys()
			fmt.Printf("api keys: %d configured\n", len(keys))
			for id := range keys {
				fmt.Printf(" - %s\n", id)
			}
			for _, id := range []string{"openai", "anthropic", "github-copilot"} {
				if app.Creds.HasOAuthToken(id) {
					fmt.Printf("oauth: %s token present\n", id)
				}
			}

			fmt.Printf("providers: %d registered\n", len(app.Providers.List()))
			fmt.Printf("tools: %d registered\n", len(app.Tools.List()))
			return nil
		},
	}
}

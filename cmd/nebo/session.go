package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SessionCmd groups session queries: list, show, reset, delete.
func SessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage conversation sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			sessions, err := app.Sessions.ListSessions("")
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s %-10s %s\n", s.ID, s.Status, s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			messages, err := app.Sessions.GetMessages(args[0], 0, 0)
			if err != nil {
				return err
			}
			for _, m := range messages {
				text := m.Text()
				if text == "" {
					if calls := m.ToolCalls(); len(calls) > 0 {
						text = fmt.Sprintf("(tool call: %s)", calls[0].ToolName)
					} else if results := m.ToolResults(); len(results) > 0 {
						text = fmt.Sprintf("(tool result: %s)", results[0].ToolName)
					}
				}
				fmt.Printf("[%s] %s\n", m.Role, text)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <id>",
		Short: "Clear a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Sessions.Reset(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Sessions.DeleteSession(args[0])
		},
	})

	return cmd
}

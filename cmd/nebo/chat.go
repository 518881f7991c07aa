package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// ChatCmd starts an interactive conversation loop sharing one session.
func ChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if sessionFlag == "" {
				sess, err := app.Sessions.CreateSession("", "")
				if err != nil {
					return err
				}
				sessionFlag = sess.ID
			}
			fmt.Printf("session: %s (exit with /quit)\n", sessionFlag)

			reader := bufio.NewReader(os.Stdin)
			for {
				fmt.Print("\n> ")
				line, err := reader.ReadString('\n')
				if err != nil {
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case line == "/quit", line == "/exit":
					return nil
				case line == "/reset":
					if err := app.Sessions.Reset(sessionFlag); err != nil {
						fmt.Fprintf(os.Stderr, "reset: %v\n", err)
					} else {
						fmt.Println("session cleared")
					}
					continue
				}

				if err := runTask(ctx, app, line); err != nil {
					fmt.Fprintf(os.Stderr, "%v\n", err)
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	return cmd
}

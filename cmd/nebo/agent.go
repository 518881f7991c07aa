package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nebolabs/nebo/internal/runtime"

	agentrunner "github.com/nebolabs/nebo/internal/agent/runner"
)

// AgentCmd runs one task to completion, streaming output to the terminal.
func AgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent [prompt]",
		Short: "Run a single agent task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTask(ctx, app, strings.Join(args, " "))
		},
	}
	return cmd
}

// runTask starts a runtime task for prompt and renders its event stream
// until the task reaches a terminal state.
func runTask(ctx context.Context, app *App, prompt string) error {
	done := make(chan runtime.TaskState, 1)
	var taskID string

	sub := app.Runtime.Subscribe(func(_ context.Context, ev runtime.RuntimeEvent) error {
		if taskID != "" && ev.TaskID != taskID {
			return nil
		}
		renderEvent(ev)
		if ev.Kind == runtime.EventTaskStateChanged {
			switch ev.ToState {
			case runtime.TaskCompleted, runtime.TaskFailed, runtime.TaskCancelled:
				select {
				case done <- ev.ToState:
				default:
				}
			case runtime.TaskWaitingForUser:
				go promptDecision(app, ev)
			}
		}
		return nil
	})
	defer sub.Unsubscribe()

	handle, err := app.Runtime.StartTask(ctx, runtime.TaskInput{
		SessionID: sessionFlag,
		Prompt:    prompt,
		Settings: agentrunner.Settings{
			Model:            modelFlag,
			ToolsEnabled:     true,
			AutoApproveEdits: autoApproveFlag,
		},
	})
	if err != nil {
		return err
	}
	taskID = handle.ID

	select {
	case <-ctx.Done():
		app.Runtime.CancelTask(handle.ID)
		<-done
	case state := <-done:
		fmt.Println()
		if state != runtime.TaskCompleted {
			return fmt.Errorf("task %s", state)
		}
	}
	return nil
}

// renderEvent prints one runtime event in a terminal-friendly form.
func renderEvent(ev runtime.RuntimeEvent) {
	switch ev.Kind {
	case runtime.EventToken:
		fmt.Print(ev.Text)
	case runtime.EventReasoningDelta:
		if verbose {
			fmt.Fprint(os.Stderr, ev.Text)
		}
	case runtime.EventToolCallRequested:
		if ev.ToolCall != nil {
			fmt.Printf("\n[tool] %s %s\n", ev.ToolCall.Name, compactJSON(ev.ToolCall.Input))
		}
	case runtime.EventToolCallCompleted:
		if verbose {
			fmt.Printf("[tool done] %s\n", firstLine(ev.Text))
		}
	case runtime.EventError:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Error)
	case runtime.EventTaskStateChanged:
		if verbose {
			fmt.Fprintf(os.Stderr, "[state] %s -> %s\n", ev.FromState, ev.ToState)
		}
	}
}

// promptDecision asks the user about a parked tool call on the terminal.
func promptDecision(app *App, ev runtime.RuntimeEvent) {
	fmt.Printf("\nTask is waiting for approval. Approve? [y/N] ")
	var answer string
	fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "y" || answer == "yes" {
		app.Runtime.Approve(ev.TaskID, "")
	} else {
		app.Runtime.Reject(ev.TaskID, "", "rejected at the terminal")
	}
}

func compactJSON(raw []byte) string {
	s := string(raw)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

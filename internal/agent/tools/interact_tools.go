package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// TodoWriteTool implements the canonical todoWrite tool: the model maintains
// a structured task list that survives across iterations of one agent loop.
type TodoWriteTool struct {
	mu    sync.Mutex
	todos []TodoItem
}

// TodoItem is one entry of the model-managed task list.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

func NewTodoWriteTool() *TodoWriteTool { return &TodoWriteTool{} }

func (t *TodoWriteTool) Name() string { return "todoWrite" }

func (t *TodoWriteTool) Description() string {
	return "Replace the current task list. Use to plan multi-step work and track progress; statuses are pending, in_progress, completed."
}

func (t *TodoWriteTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: false, RenderUI: true}
}

func (t *TodoWriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"todos": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string"},
						"content": {"type": "string"},
						"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
					},
					"required": ["content", "status"]
				}
			}
		},
		"required": ["todos"]
	}`)
}

func (t *TodoWriteTool) RequiresApproval() bool { return false }

// Todos returns a snapshot of the current list.
func (t *TodoWriteTool) Todos() []TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TodoItem, len(t.todos))
	copy(out, t.todos)
	return out
}

func (t *TodoWriteTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		Todos []TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	t.mu.Lock()
	t.todos = in.Todos
	t.mu.Unlock()

	var b strings.Builder
	done := 0
	for _, todo := range in.Todos {
		mark := " "
		switch todo.Status {
		case "completed":
			mark = "x"
			done++
		case "in_progress":
			mark = ">"
		}
		fmt.Fprintf(&b, "[%s] %s\n", mark, todo.Content)
	}
	fmt.Fprintf(&b, "%d/%d completed", done, len(in.Todos))
	return &ToolResult{Content: b.String()}, nil
}

// QuestionAsker routes askUserQuestions to whoever can answer. With no
// asker configured, the tool prompts on stdin.
type QuestionAsker interface {
	Ask(ctx context.Context, questions []UserQuestion) (map[string][]string, error)
}

// UserQuestion is one question in an askUserQuestions request.
type UserQuestion struct {
	ID          string           `json:"id"`
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// AskUserQuestionsTool implements the canonical askUserQuestions tool.
type AskUserQuestionsTool struct {
	asker QuestionAsker
}

func NewAskUserQuestionsTool(asker QuestionAsker) *AskUserQuestionsTool {
	return &AskUserQuestionsTool{asker: asker}
}

func (t *AskUserQuestionsTool) Name() string { return "askUserQuestions" }

func (t *AskUserQuestionsTool) Description() string {
	return "Ask the user one or more multiple-choice questions and wait for their answers. Use when a decision genuinely needs user input."
}

func (t *AskUserQuestionsTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: false, RenderUI: true}
}

func (t *AskUserQuestionsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"questions": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string"},
						"question": {"type": "string"},
						"header": {"type": "string"},
						"options": {
							"type": "array",
							"items": {
								"type": "object",
								"properties": {
									"label": {"type": "string"},
									"description": {"type": "string"}
								},
								"required": ["label"]
							}
						},
						"multiSelect": {"type": "boolean"}
					},
					"required": ["id", "question"]
				}
			}
		},
		"required": ["questions"]
	}`)
}

func (t *AskUserQuestionsTool) RequiresApproval() bool { return false }

func (t *AskUserQuestionsTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		Questions []UserQuestion `json:"questions"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if len(in.Questions) == 0 {
		return &ToolResult{Content: "Error: questions must not be empty", IsError: true}, nil
	}

	asker := t.asker
	if asker == nil {
		asker = stdinAsker{}
	}
	answers, err := asker.Ask(ctx, in.Questions)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not collect answers: %v", err), IsError: true}, nil
	}

	encoded, err := json.Marshal(map[string]any{"answers": answers})
	if err != nil {
		return nil, err
	}
	return &ToolResult{Content: string(encoded)}, nil
}

// stdinAsker prompts on the terminal, the same interaction style as the
// policy package's y/N/a approval prompt.
type stdinAsker struct{}

func (stdinAsker) Ask(ctx context.Context, questions []UserQuestion) (map[string][]string, error) {
	reader := bufio.NewReader(os.Stdin)
	answers := make(map[string][]string, len(questions))
	for _, q := range questions {
		if q.Header != "" {
			fmt.Printf("\n== %s ==\n", q.Header)
		}
		fmt.Printf("%s\n", q.Question)
		for i, opt := range q.Options {
			if opt.Description != "" {
				fmt.Printf(" %d) %s — %s\n", i+1, opt.Label, opt.Description)
			} else {
				fmt.Printf(" %d) %s\n", i+1, opt.Label)
			}
		}
		if q.MultiSelect {
			fmt.Print("Choose (comma-separated numbers, or free text): ")
		} else {
			fmt.Print("Choose (number, or free text): ")
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)

		var selected []string
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			idx := 0
			if _, err := fmt.Sscanf(field, "%d", &idx); err == nil && idx >= 1 && idx <= len(q.Options) {
				selected = append(selected, q.Options[idx-1].Label)
			} else {
				selected = append(selected, field)
			}
			if !q.MultiSelect {
				break
			}
		}
		answers[q.ID] = selected
	}
	return answers, nil
}

// ExitPlanModeTool implements the canonical exitPlanMode tool: the model
// signals that planning is done and presents the plan for confirmation
// before switching to execution.
type ExitPlanModeTool struct{}

func NewExitPlanModeTool() *ExitPlanModeTool { return &ExitPlanModeTool{} }

func (t *ExitPlanModeTool) Name() string { return "exitPlanMode" }

func (t *ExitPlanModeTool) Description() string {
	return "Signal that planning is complete and present the plan. Call only when ready to start executing the planned steps."
}

func (t *ExitPlanModeTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: false, RenderUI: true}
}

func (t *ExitPlanModeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"plan": {"type": "string", "description": "The plan to present, in markdown"}
		},
		"required": ["plan"]
	}`)
}

func (t *ExitPlanModeTool) RequiresApproval() bool { return true }

func (t *ExitPlanModeTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return &ToolResult{Content: "Plan approved. Proceed with execution.\n\n" + in.Plan}, nil
}

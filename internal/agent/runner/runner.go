// Package runner implements the agent loop (F): the per-task driver that
// alternates streaming against a provider with tool dispatch until the task
// completes, errors, is cancelled, or parks on user approval.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/agent/config"
	"github.com/nebolabs/nebo/internal/agent/session"
	"github.com/nebolabs/nebo/internal/agent/skills"
	"github.com/nebolabs/nebo/internal/agent/tools"
	"github.com/nebolabs/nebo/internal/db"
	"github.com/nebolabs/nebo/internal/logging"
)

// Settings are the per-task knobs the runtime validates and threads through
// to every iteration.
type Settings struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	MaxIterations    int
	ToolsEnabled     bool
	AutoApproveEdits bool
}

// Status is the outcome class of one iteration (and of a whole run).
type Status int

const (
	StatusCompleted Status = iota
	StatusWaitingForApproval
	StatusErrored
	StatusCancelled
)

// Result is what RunIteration / Run hand back to the runtime.
type Result struct {
	Status Status
	// Message is the accumulated assistant text (plain completion) or a
	// short description of the dispatched tool (tool completion).
	Message string
	// ToolDispatched marks a Completed result that executed a tool: the
	// runtime should iterate again rather than close the conversation.
	ToolDispatched bool
	// Pending is set on StatusWaitingForApproval: the tool call awaiting a
	// user decision.
	Pending *ai.ToolCall
	Err     error
}

// StreamProcessorState accumulates one iteration's stream: text so far,
// tool calls awaiting dispatch, and the error flag. Never shared across
// tasks.
type StreamProcessorState struct {
	Text         strings.Builder
	Reasoning    strings.Builder
	PendingTools []ai.ToolCall
	HasError     bool
	Err          error
}

// EventSink receives every uniform event the loop forwards to the runtime
// bus (tokens, reasoning, tool-call notifications). May be nil.
type EventSink func(ai.StreamEvent)

// Runner executes the agent loop for one task at a time. It owns no shared
// mutable state beyond its collaborators.
type Runner struct {
	sessions    *db.SessionManager
	provider    ai.Provider
	tools       *tools.Registry
	cfg         *config.Config
	skillLoader *skills.Loader
	tracker     *FileAccessTracker
}

// New wires a runner over the session manager, a provider (usually the
// stream dispatcher), and the tool registry.
func New(cfg *config.Config, sessions *db.SessionManager, provider ai.Provider, registry *tools.Registry) *Runner {
	var loader *skills.Loader
	if cfg != nil && cfg.SkillsDir() != "" {
		loader = skills.NewLoader(cfg.SkillsDir())
		if err := loader.LoadAll(); err != nil {
			logging.Warnf("runner: loading skills: %v", err)
		}
	}
	return &Runner{
		sessions:    sessions,
		provider:    provider,
		tools:       registry,
		cfg:         cfg,
		skillLoader: loader,
		tracker:     NewFileAccessTracker(),
	}
}

// Tracker exposes the file-access tracker for callers that surface it.
func (r *Runner) Tracker() *FileAccessTracker { return r.tracker }

// RunIteration performs one build-prompt → stream → dispatch cycle
// . It persists the assistant message (text plus tool-call
// parts, in stream order) before dispatching, and at most one tool call is
// dispatched per iteration.
func (r *Runner) RunIteration(ctx context.Context, sessionID string, settings Settings, sink EventSink) Result {
	messages, err := r.sessions.GetMessages(sessionID, 0, 0)
	if err != nil {
		return Result{Status: StatusErrored, Err: fmt.Errorf("load messages: %w", err)}
	}
	messages = pruneContext(messages, r.pruningConfig())

	req := &ai.ChatRequest{
		Messages:    messages,
		System:      r.buildSystemPrompt(messages),
		Model:       settings.Model,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
	}
	if settings.ToolsEnabled {
		req.Tools = FilterTools(r.tools.List(), messages)
	}

	events, err := r.provider.Stream(ctx, req)
	if err != nil && ai.IsContextOverflow(err) {
		// One compaction attempt: summarize, reinject recently-touched
		// files, and retry with the shrunken history.
		if compactErr := r.compactSession(sessionID, messages); compactErr != nil {
			return Result{Status: StatusErrored, Err: err}
		}
		if messages, err = r.sessions.GetMessages(sessionID, 0, 0); err != nil {
			return Result{Status: StatusErrored, Err: err}
		}
		req.Messages = messages
		events, err = r.provider.Stream(ctx, req)
	}
	if err != nil {
		return Result{Status: StatusErrored, Err: err}
	}

	state := &StreamProcessorState{}
	var assistantParts []session.ContentPart

	// Pending text flushes before a ToolCall part so the persisted message
	// preserves stream order.
	flushText := func() {
		assistantParts = appendText(assistantParts, state.Text.String())
	}

	for event := range events {
		select {
		case <-ctx.Done():
			return Result{Status: StatusCancelled, Err: ctx.Err()}
		default:
		}

		switch event.Type {
		case ai.EventTypeText:
			state.Text.WriteString(event.Text)
		case ai.EventTypeReasoningDelta:
			state.Reasoning.WriteString(event.Text)
		case ai.EventTypeToolCall:
			flushText()
			assistantParts = append(assistantParts, session.ContentPart{
				Type:     session.PartToolCall,
				CallID:   event.ToolCall.ID,
				ToolName: event.ToolCall.Name,
				Input:    event.ToolCall.Input,
			})
			state.PendingTools = append(state.PendingTools, *event.ToolCall)
		case ai.EventTypeError:
			state.HasError = true
			state.Err = event.Error
		}

		if sink != nil {
			sink(event)
		}
	}
	flushText()

	if ctx.Err() != nil {
		return Result{Status: StatusCancelled, Err: ctx.Err()}
	}
	if state.HasError {
		return Result{Status: StatusErrored, Err: state.Err}
	}

	if len(assistantParts) > 0 {
		if _, err := r.sessions.AddMessage(session.Message{
			SessionID: sessionID,
			Role:      session.RoleAssistant,
			Content:   assistantParts,
		}); err != nil {
			logging.Warnf("runner: saving assistant message: %v", err)
		}
	}

	if len(state.PendingTools) > 0 {
		call := state.PendingTools[0]
		outcome := r.tools.Dispatch(ctx, &call, settings.AutoApproveEdits)
		if outcome.Pending != nil {
			return Result{Status: StatusWaitingForApproval, Pending: outcome.Pending}
		}
		r.recordToolResult(sessionID, &call, outcome.Completed, sink)
		return Result{
			Status:         StatusCompleted,
			ToolDispatched: true,
			Message:        fmt.Sprintf("ran %s", call.Name),
		}
	}

	return Result{Status: StatusCompleted, Message: state.Text.String()}
}

// ResumeApproved executes a previously-parked tool call after the user
// approved it and records the result, so the next iteration sees it.
func (r *Runner) ResumeApproved(ctx context.Context, sessionID string, call *ai.ToolCall, sink EventSink) {
	result := r.tools.ExecuteApproved(ctx, call)
	r.recordToolResult(sessionID, call, result, sink)
}

// RecordRejection appends the rejection payload as the tool's result; the
// loop continues with the model aware the user declined.
func (r *Runner) RecordRejection(sessionID string, call *ai.ToolCall, reason string) {
	if reason == "" {
		reason = "The user rejected this tool call."
	}
	payload, _ := json.Marshal(map[string]any{"value": reason, "rejected": true})
	msg := session.NewToolResultMessage(call.ID, call.Name, payload)
	msg.SessionID = sessionID
	if _, err := r.sessions.AddMessage(msg); err != nil {
		logging.Warnf("runner: saving rejection: %v", err)
	}
}

func (r *Runner) recordToolResult(sessionID string, call *ai.ToolCall, result *tools.ToolResult, sink EventSink) {
	if result == nil {
		result = &tools.ToolResult{Content: "", IsError: true}
	}
	if def, ok := r.tools.Get(call.Name); ok && def.Metadata().IsFileOp {
		r.trackFileAccess(call.Input)
	}

	payload, _ := json.Marshal(map[string]any{"value": result.Content, "is_error": result.IsError})
	msg := session.NewToolResultMessage(call.ID, call.Name, payload)
	msg.SessionID = sessionID
	if _, err := r.sessions.AddMessage(msg); err != nil {
		logging.Warnf("runner: saving tool result: %v", err)
	}

	if sink != nil {
		sink(ai.StreamEvent{
			Type:     ai.EventTypeToolResult,
			Text:     result.Content,
			ToolCall: call,
		})
	}
}

func (r *Runner) trackFileAccess(input json.RawMessage) {
	var in struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if json.Unmarshal(input, &in) != nil {
		return
	}
	if in.FilePath != "" {
		r.tracker.Track(in.FilePath)
	} else if in.Path != "" {
		r.tracker.Track(in.Path)
	}
}

// Run iterates RunIteration up to the iteration budget, short-circuiting on
// any non-Completed result and stopping at the first plain-text completion.
func (r *Runner) Run(ctx context.Context, sessionID string, settings Settings, sink EventSink) Result {
	maxIterations := settings.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 100
		if r.cfg != nil && r.cfg.MaxIterations > 0 {
			maxIterations = r.cfg.MaxIterations
		}
	}

	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return Result{Status: StatusCancelled, Err: ctx.Err()}
		default:
		}

		res := r.RunIteration(ctx, sessionID, settings, sink)
		if res.Status != StatusCompleted {
			return res
		}
		if !res.ToolDispatched {
			return res
		}
	}

	return Result{
		Status: StatusErrored,
		Err:    fmt.Errorf("reached maximum iterations (%d)", maxIterations),
	}
}

// compactSession summarizes the history (preserving the tool-failure trail)
// and re-injects the most recently accessed files so working context
// survives the reset.
func (r *Runner) compactSession(sessionID string, messages []session.Message) error {
	if err := r.sessions.Compact(sessionID, GenerateSummary(messages)); err != nil {
		return err
	}
	if reinject := buildFileReinjectionMessage(r.tracker); reinject != nil {
		reinject.SessionID = sessionID
		if _, err := r.sessions.AddMessage(*reinject); err != nil {
			logging.Warnf("runner: file reinjection: %v", err)
		}
	}
	return nil
}

func (r *Runner) pruningConfig() config.ContextPruningConfig {
	if r.cfg == nil {
		return config.DefaultContextPruning()
	}
	return r.cfg.ContextPruning
}

// buildSystemPrompt assembles the static prompt plus any skills matching the
// latest user input.
func (r *Runner) buildSystemPrompt(messages []session.Message) string {
	prompt := BuildSystemPrompt(PromptContext{
		Workspace: r.workspace(),
		Tools:     r.tools.List(),
	})

	if r.skillLoader != nil {
		if input := lastUserText(messages); input != "" {
			for _, sk := range r.skillLoader.List() {
				if sk.Matches(input) {
					prompt = sk.ApplyToPrompt(prompt)
				}
			}
		}
	}
	return prompt
}

func (r *Runner) workspace() string {
	if r.cfg != nil {
		return r.cfg.WorkspaceRoot
	}
	return ""
}

func lastUserText(messages []session.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == session.RoleUser {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

func textLen(parts []session.ContentPart) int {
	total := 0
	for _, p := range parts {
		if p.Type == session.PartText {
			total += len(p.Text)
		}
	}
	return total
}

// appendText appends only the unflushed suffix of accumulated text as a new
// text part.
func appendText(parts []session.ContentPart, full string) []session.ContentPart {
	already := textLen(parts)
	if already >= len(full) {
		return parts
	}
	return append(parts, session.ContentPart{Type: session.PartText, Text: full[already:]})
}

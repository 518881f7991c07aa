// Package runtime implements the Runtime Orchestrator (H): task lifecycle,
// the runtime event bus, settings validation, and approval resume. Each task
// owns one agent-loop goroutine; user decisions arrive over the task's
// action channel.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/agent/runner"
	"github.com/nebolabs/nebo/internal/agent/session"
	"github.com/nebolabs/nebo/internal/db"
	"github.com/nebolabs/nebo/internal/events"
	"github.com/nebolabs/nebo/internal/logging"
)

// TaskHandle is the runtime's view of one in-flight task.
type TaskHandle struct {
	ID        string
	SessionID string

	mu        sync.RWMutex
	state     TaskState
	err       error
	createdAt time.Time
	updatedAt time.Time

	actions chan TaskAction
	cancel  context.CancelFunc
}

// State returns the current task state.
func (h *TaskHandle) State() TaskState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the task's terminal error, if any.
func (h *TaskHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// TaskInput describes a new task.
type TaskInput struct {
	SessionID string // empty allocates a fresh session
	ProjectID string
	Prompt    string
	Settings  runner.Settings
}

// Runtime owns the task map and the event bus.
type Runtime struct {
	sessions *db.SessionManager
	runner   *runner.Runner
	bus      *events.Subject

	mu    sync.RWMutex
	tasks map[string]*TaskHandle
}

// New builds a runtime over the session manager and agent loop.
func New(sessions *db.SessionManager, loop *runner.Runner) *Runtime {
	return &Runtime{
		sessions: sessions,
		runner:   loop,
		bus:      events.NewSubject(events.WithLogger(logging.Slog())),
		tasks:    make(map[string]*TaskHandle),
	}
}

// Bus exposes the event bus for subscribers (websocket transport, CLI).
func (r *Runtime) Bus() *events.Subject { return r.bus }

// Subscribe registers a handler for every runtime event.
func (r *Runtime) Subscribe(handler func(context.Context, RuntimeEvent) error) events.Subscription {
	return events.Subscribe(r.bus, events.TopicRuntime, handler)
}

func (r *Runtime) emit(ev RuntimeEvent) {
	if err := events.Emit(r.bus, events.TopicRuntime, ev); err != nil {
		logging.Warnf("runtime: emit: %v", err)
	}
	if ev.SessionID != "" {
		_ = events.Emit(r.bus, events.SessionTopic(ev.SessionID), ev)
	}
}

// validateSettings applies the settings-validation rule: auto-approve flags produce
// warnings only, never errors.
func validateSettings(s runner.Settings) []string {
	var warnings []string
	if s.AutoApproveEdits {
		warnings = append(warnings, "auto_approve_edits is enabled: write/edit tools run without approval")
	}
	if s.MaxIterations < 0 {
		warnings = append(warnings, "max_iterations < 0 ignored, using default")
	}
	return warnings
}

// StartTask validates settings, creates/activates the session, persists the
// initial user message, and spawns the task goroutine.
func (r *Runtime) StartTask(ctx context.Context, input TaskInput) (*TaskHandle, error) {
	for _, w := range validateSettings(input.Settings) {
		logging.Warnf("runtime: %s", w)
	}

	sessionID := input.SessionID
	if sessionID == "" {
		sess, err := r.sessions.CreateSession(input.ProjectID, "")
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	} else if _, err := r.sessions.ActivateSession(sessionID, input.ProjectID); err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &TaskHandle{
		ID:        "task-" + uuid.New().String()[:8],
		SessionID: sessionID,
		state:     TaskPending,
		createdAt: time.Now(),
		updatedAt: time.Now(),
		actions:   make(chan TaskAction, 64),
		cancel:    cancel,
	}

	r.mu.Lock()
	r.tasks[handle.ID] = handle
	r.mu.Unlock()

	go r.runTask(taskCtx, handle, input)
	return handle, nil
}

// CancelTask signals a task to stop at its next suspension point.
func (r *Runtime) CancelTask(id string) error {
	r.mu.RLock()
	handle, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	select {
	case handle.actions <- TaskAction{Kind: ActionCancel}:
	default:
	}
	handle.cancel()
	return nil
}

// Approve resumes a task parked on approval with a positive decision.
func (r *Runtime) Approve(taskID, callID string) error {
	return r.deliver(taskID, TaskAction{Kind: ActionApproveTool, CallID: callID})
}

// Reject resumes a task parked on approval with a rejection.
func (r *Runtime) Reject(taskID, callID, reason string) error {
	return r.deliver(taskID, TaskAction{Kind: ActionRejectTool, CallID: callID, Reason: reason})
}

func (r *Runtime) deliver(taskID string, action TaskAction) error {
	r.mu.RLock()
	handle, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	if handle.State() != TaskWaitingForUser && action.Kind != ActionCancel {
		return fmt.Errorf("task %s is not waiting for user input", taskID)
	}
	handle.actions <- action
	return nil
}

// ListActiveTasks returns every non-terminal task handle.
func (r *Runtime) ListActiveTasks() []*TaskHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TaskHandle, 0, len(r.tasks))
	for _, h := range r.tasks {
		out = append(out, h)
	}
	return out
}

// GetTask returns a task handle by id.
func (r *Runtime) GetTask(id string) (*TaskHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[id]
	return h, ok
}

// transition moves the task to a new state and broadcasts the change.
func (r *Runtime) transition(h *TaskHandle, to TaskState, err error) {
	h.mu.Lock()
	from := h.state
	h.state = to
	h.updatedAt = time.Now()
	if err != nil {
		h.err = err
	}
	h.mu.Unlock()

	ev := RuntimeEvent{
		Kind:      EventTaskStateChanged,
		TaskID:    h.ID,
		SessionID: h.SessionID,
		FromState: from,
		ToState:   to,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.emit(ev)
}

// runTask is the task body: mark Running, persist the prompt, drive the
// agent loop, translate its result into a terminal state, and remove the
// handle from the active map.
func (r *Runtime) runTask(ctx context.Context, h *TaskHandle, input TaskInput) {
	r.transition(h, TaskRunning, nil)

	if input.Prompt != "" {
		msg := session.NewTextMessage(session.RoleUser, input.Prompt)
		msg.SessionID = h.SessionID
		if _, err := r.sessions.AddMessage(msg); err != nil {
			r.finishTask(h, TaskFailed, session.StatusError, err)
			return
		}
		r.emit(RuntimeEvent{Kind: EventMessageCreated, TaskID: h.ID, SessionID: h.SessionID, Text: input.Prompt})
	}

	sink := r.sinkFor(h)

	for {
		res := r.runner.Run(ctx, h.SessionID, input.Settings, sink)

		switch res.Status {
		case runner.StatusCompleted:
			r.finishTask(h, TaskCompleted, session.StatusCompleted, nil)
			r.emit(RuntimeEvent{Kind: EventTaskCompleted, TaskID: h.ID, SessionID: h.SessionID, Text: res.Message})
			return

		case runner.StatusCancelled:
			r.finishTask(h, TaskCancelled, session.StatusCancelled, res.Err)
			return

		case runner.StatusErrored:
			r.finishTask(h, TaskFailed, session.StatusError, res.Err)
			if res.Err != nil {
				r.emit(RuntimeEvent{Kind: EventError, TaskID: h.ID, SessionID: h.SessionID, Error: res.Err.Error()})
			}
			return

		case runner.StatusWaitingForApproval:
			r.transition(h, TaskWaitingForUser, nil)
			resume := r.awaitDecision(ctx, h, res.Pending, sink)
			if !resume {
				r.finishTask(h, TaskCancelled, session.StatusCancelled, ctx.Err())
				return
			}
			r.transition(h, TaskRunning, nil)
			// Loop: next Run iteration sees the tool result (or the
			// rejection payload) appended to the session.
		}
	}
}

// awaitDecision blocks on the action channel until the user approves,
// rejects, or cancels. Returns false when the task should stop.
func (r *Runtime) awaitDecision(ctx context.Context, h *TaskHandle, pending *ai.ToolCall, sink runner.EventSink) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case action := <-h.actions:
			switch action.Kind {
			case ActionCancel:
				h.cancel()
				return false
			case ActionApproveTool:
				if action.CallID != "" && action.CallID != pending.ID {
					continue
				}
				r.runner.ResumeApproved(ctx, h.SessionID, pending, sink)
				return true
			case ActionRejectTool:
				if action.CallID != "" && action.CallID != pending.ID {
					continue
				}
				r.runner.RecordRejection(h.SessionID, pending, action.Reason)
				return true
			}
		}
	}
}

// finishTask records the terminal state on both the task and its session and
// drops the handle from the active map.
func (r *Runtime) finishTask(h *TaskHandle, state TaskState, sessionStatus session.Status, err error) {
	r.transition(h, state, err)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if uerr := r.sessions.UpdateSessionStatus(h.SessionID, sessionStatus, errMsg); uerr != nil {
		logging.Warnf("runtime: updating session status: %v", uerr)
	}

	r.mu.Lock()
	delete(r.tasks, h.ID)
	r.mu.Unlock()
}

// sinkFor translates uniform stream events into runtime events for one task.
func (r *Runtime) sinkFor(h *TaskHandle) runner.EventSink {
	return func(ev ai.StreamEvent) {
		out := RuntimeEvent{TaskID: h.ID, SessionID: h.SessionID}
		switch ev.Type {
		case ai.EventTypeText:
			out.Kind = EventToken
			out.Text = ev.Text
		case ai.EventTypeReasoningStart:
			out.Kind = EventReasoningStart
			out.ReasoningID = ev.ReasoningID
		case ai.EventTypeReasoningDelta:
			out.Kind = EventReasoningDelta
			out.ReasoningID = ev.ReasoningID
			out.Text = ev.Text
		case ai.EventTypeReasoningEnd:
			out.Kind = EventReasoningEnd
			out.ReasoningID = ev.ReasoningID
		case ai.EventTypeToolCall:
			out.Kind = EventToolCallRequested
			out.ToolCall = ev.ToolCall
		case ai.EventTypeToolResult:
			out.Kind = EventToolCallCompleted
			out.ToolCall = ev.ToolCall
			out.Text = ev.Text
		default:
			return
		}
		r.emit(out)
	}
}

// Shutdown cancels every active task and completes the bus.
func (r *Runtime) Shutdown() {
	r.mu.RLock()
	handles := make([]*TaskHandle, 0, len(r.tasks))
	for _, h := range r.tasks {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.cancel()
	}
	events.Complete(r.bus)
}

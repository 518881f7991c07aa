// Package orchestrator supervises sub-agents: isolated agent-loop runs
// spawned by the callAgent tool, with concurrency limits, cancellation, and
// crash-safe persistence through the recovery store.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nebolabs/nebo/internal/agent/recovery"
	"github.com/nebolabs/nebo/internal/agent/runner"
	"github.com/nebolabs/nebo/internal/agent/session"
	"github.com/nebolabs/nebo/internal/agent/tools"
	"github.com/nebolabs/nebo/internal/db"
	"github.com/nebolabs/nebo/internal/logging"
)

// AgentStatus represents the current state of a sub-agent.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusCancelled AgentStatus = "cancelled"
)

// SubAgent represents one spawned sub-agent run.
type SubAgent struct {
	ID            string
	TaskID        string // recovery.PendingTask ID for persistence
	SessionID     string
	Task          string
	Description   string
	ModelOverride string
	Status        AgentStatus
	Result        string
	Error         error
	StartedAt     time.Time
	CompletedAt   time.Time
	cancel        context.CancelFunc
}

// AgentResult is sent when a sub-agent completes.
type AgentResult struct {
	AgentID string
	Success bool
	Result  string
	Error   error
}

// Orchestrator manages concurrent sub-agents over a shared runner.
type Orchestrator struct {
	mu       sync.RWMutex
	agents   map[string]*SubAgent
	sessions *db.SessionManager
	runner   *runner.Runner
	recovery *recovery.Manager

	maxConcurrent int
	results       chan AgentResult
}

// New creates an orchestrator. The runner is injected after construction
// (SetRunner) because the tool registry that backs the runner also hosts the
// callAgent tool pointing back here.
func New(sessions *db.SessionManager) *Orchestrator {
	return &Orchestrator{
		agents:        make(map[string]*SubAgent),
		sessions:      sessions,
		maxConcurrent: 5,
		results:       make(chan AgentResult, 100),
	}
}

// SetRunner wires the agent loop used for sub-agent execution.
func (o *Orchestrator) SetRunner(r *runner.Runner) {
	o.mu.Lock()
	o.runner = r
	o.mu.Unlock()
}

// SetRecoveryManager enables crash-safe persistence of sub-agent runs.
func (o *Orchestrator) SetRecoveryManager(mgr *recovery.Manager) {
	o.mu.Lock()
	o.recovery = mgr
	o.mu.Unlock()
}

// SetMaxConcurrent updates the concurrency limit.
func (o *Orchestrator) SetMaxConcurrent(max int) {
	if max < 1 {
		max = 1
	}
	o.mu.Lock()
	o.maxConcurrent = max
	o.mu.Unlock()
}

// RunningCount returns the number of currently running sub-agents.
func (o *Orchestrator) RunningCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	count := 0
	for _, agent := range o.agents {
		if agent.Status == StatusRunning {
			count++
		}
	}
	return count
}

// RunSubAgent implements tools.SubAgentRunner: spawn, wait, and return the
// final text. The callAgent tool bounds ctx with its own timeout.
func (o *Orchestrator) RunSubAgent(ctx context.Context, task, description, model string) (string, error) {
	agent, err := o.Spawn(ctx, task, description, model)
	if err != nil {
		return "", err
	}
	return o.wait(ctx, agent.ID)
}

// Spawn creates and starts a sub-agent.
func (o *Orchestrator) Spawn(ctx context.Context, task, description, model string) (*SubAgent, error) {
	return o.spawn(ctx, task, description, model, "")
}

// spawn starts a sub-agent, reusing existingTaskID's recovery row when
// re-spawning after a restart instead of creating a duplicate.
func (o *Orchestrator) spawn(ctx context.Context, task, description, model, existingTaskID string) (*SubAgent, error) {
	o.mu.Lock()
	if o.runner == nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator has no runner configured")
	}

	running := 0
	for _, a := range o.agents {
		if a.Status == StatusRunning {
			running++
		}
	}
	if o.maxConcurrent > 0 && running >= o.maxConcurrent {
		o.mu.Unlock()
		return nil, fmt.Errorf("maximum concurrent sub-agents reached (%d)", o.maxConcurrent)
	}

	agentID := "agent-" + uuid.New().String()[:8]
	sessionID := "subagent-" + agentID
	agentCtx, cancel := context.WithCancel(ctx)

	agent := &SubAgent{
		ID:            agentID,
		SessionID:     sessionID,
		Task:          task,
		Description:   description,
		ModelOverride: model,
		Status:        StatusPending,
		StartedAt:     time.Now(),
		cancel:        cancel,
	}

	agent.TaskID = existingTaskID

	// Persist before spawning so the run survives a restart.
	if o.recovery != nil && existingTaskID == "" {
		pending := &recovery.PendingTask{
			TaskType:    recovery.TaskTypeSubagent,
			Status:      recovery.StatusPending,
			SessionKey:  sessionID,
			Prompt:      task,
			Description: description,
		}
		if err := o.recovery.CreateTask(ctx, pending); err != nil {
			o.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("persist sub-agent task: %w", err)
		}
		agent.TaskID = pending.ID
	}

	o.agents[agentID] = agent
	o.mu.Unlock()

	go o.run(agentCtx, agent)
	return agent, nil
}

func (o *Orchestrator) run(ctx context.Context, agent *SubAgent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warnf("orchestrator: panic in sub-agent %s: %v", agent.ID, r)
			o.finish(agent, "", fmt.Errorf("panic: %v", r))
		}
	}()

	o.mu.Lock()
	agent.Status = StatusRunning
	o.mu.Unlock()

	if o.recovery != nil && agent.TaskID != "" {
		if err := o.recovery.MarkRunning(ctx, agent.TaskID); err != nil {
			logging.Warnf("orchestrator: marking task running: %v", err)
		}
	}

	ctx = tools.WithOrigin(ctx, tools.OriginSubagent)

	if _, err := o.sessions.ActivateSession(agent.SessionID, ""); err != nil {
		o.finish(agent, "", fmt.Errorf("create sub-agent session: %w", err))
		return
	}
	userMsg := session.NewTextMessage(session.RoleUser, agent.Task)
	userMsg.SessionID = agent.SessionID
	if _, err := o.sessions.AddMessage(userMsg); err != nil {
		o.finish(agent, "", fmt.Errorf("save sub-agent task message: %w", err))
		return
	}

	res := o.runner.Run(ctx, agent.SessionID, runner.Settings{
		Model:        agent.ModelOverride,
		ToolsEnabled: true,
		// Sub-agents never park on approval: anything gated is rejected
		// rather than left hanging with nobody to answer.
		AutoApproveEdits: false,
		MaxIterations:    50,
	}, nil)

	switch res.Status {
	case runner.StatusCompleted:
		o.finish(agent, res.Message, nil)
	case runner.StatusCancelled:
		o.mu.Lock()
		agent.Status = StatusCancelled
		o.mu.Unlock()
		o.finish(agent, "", res.Err)
	case runner.StatusWaitingForApproval:
		o.finish(agent, "", fmt.Errorf("sub-agent requested tool %q which requires approval", res.Pending.Name))
	default:
		o.finish(agent, "", res.Err)
	}
}

// finish records the terminal state, updates the recovery store and notifies
// waiters. Idempotent per agent.
func (o *Orchestrator) finish(agent *SubAgent, result string, err error) {
	o.mu.Lock()
	if !agent.CompletedAt.IsZero() {
		o.mu.Unlock()
		return
	}
	agent.CompletedAt = time.Now()
	agent.Result = result
	agent.Error = err
	if agent.Status != StatusCancelled {
		if err != nil {
			agent.Status = StatusFailed
		} else {
			agent.Status = StatusCompleted
		}
	}
	finalStatus := agent.Status
	taskID := agent.TaskID
	o.mu.Unlock()

	if o.recovery != nil && taskID != "" {
		dbCtx := context.Background()
		switch finalStatus {
		case StatusCompleted:
			if err := o.recovery.MarkCompleted(dbCtx, taskID); err != nil {
				logging.Warnf("orchestrator: marking task completed: %v", err)
			}
		case StatusCancelled:
			if err := o.recovery.MarkCancelled(dbCtx, taskID); err != nil {
				logging.Warnf("orchestrator: marking task cancelled: %v", err)
			}
		default:
			msg := "failed"
			if err != nil {
				msg = err.Error()
			}
			if err := o.recovery.MarkFailed(dbCtx, taskID, msg); err != nil {
				logging.Warnf("orchestrator: marking task failed: %v", err)
			}
		}
	}

	o.results <- AgentResult{
		AgentID: agent.ID,
		Success: finalStatus == StatusCompleted,
		Result:  result,
		Error:   err,
	}
}

// wait blocks until the given agent reaches a terminal state.
func (o *Orchestrator) wait(ctx context.Context, agentID string) (string, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			o.mu.RLock()
			agent, ok := o.agents[agentID]
			var status AgentStatus
			var result string
			var err error
			if ok {
				status = agent.Status
				result = agent.Result
				err = agent.Error
			}
			o.mu.RUnlock()
			if !ok {
				return "", fmt.Errorf("sub-agent not found: %s", agentID)
			}
			switch status {
			case StatusCompleted:
				return result, nil
			case StatusFailed, StatusCancelled:
				if err == nil {
					err = fmt.Errorf("sub-agent %s", status)
				}
				return result, err
			}
		}
	}
}

// GetAgent returns a sub-agent by ID.
func (o *Orchestrator) GetAgent(agentID string) (*SubAgent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	agent, exists := o.agents[agentID]
	return agent, exists
}

// ListAgents returns all sub-agents.
func (o *Orchestrator) ListAgents() []*SubAgent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	agents := make([]*SubAgent, 0, len(o.agents))
	for _, agent := range o.agents {
		agents = append(agents, agent)
	}
	return agents
}

// CancelAgent cancels a running or pending sub-agent.
func (o *Orchestrator) CancelAgent(agentID string) error {
	o.mu.Lock()
	agent, exists := o.agents[agentID]
	if !exists {
		o.mu.Unlock()
		return fmt.Errorf("sub-agent not found: %s", agentID)
	}
	if agent.Status != StatusRunning && agent.Status != StatusPending {
		o.mu.Unlock()
		return fmt.Errorf("sub-agent is not running: %s", agent.Status)
	}
	agent.Status = StatusCancelled
	cancelFn := agent.cancel
	o.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	return nil
}

// Results exposes the completion channel for monitoring.
func (o *Orchestrator) Results() <-chan AgentResult {
	return o.results
}

// Shutdown cancels every running or pending sub-agent.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	var running []*SubAgent
	for _, agent := range o.agents {
		if agent.Status == StatusRunning || agent.Status == StatusPending {
			running = append(running, agent)
		}
	}
	o.mu.Unlock()

	for _, agent := range running {
		o.mu.Lock()
		agent.Status = StatusCancelled
		cancelFn := agent.cancel
		taskID := agent.TaskID
		o.mu.Unlock()

		if o.recovery != nil && taskID != "" {
			if err := o.recovery.MarkCancelled(ctx, taskID); err != nil {
				logging.Warnf("orchestrator: marking task %s cancelled: %v", taskID, err)
			}
		}
		if cancelFn != nil {
			cancelFn()
		}
	}
}

// Cleanup removes terminal agents older than maxAge, returning how many
// were dropped.
func (o *Orchestrator) Cleanup(maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, agent := range o.agents {
		if agent.Status == StatusRunning || agent.Status == StatusPending {
			continue
		}
		if agent.CompletedAt.Before(cutoff) {
			delete(o.agents, id)
			removed++
		}
	}
	return removed
}

// RecoverAgents re-spawns incomplete sub-agent tasks persisted before a
// restart, skipping stale or already-complete ones.
func (o *Orchestrator) RecoverAgents(ctx context.Context) (int, error) {
	o.mu.RLock()
	mgr := o.recovery
	o.mu.RUnlock()
	if mgr == nil {
		return 0, nil
	}

	const maxRecoveryAge = 2 * time.Hour

	tasks, err := mgr.RecoverTasks(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range tasks {
		if task.TaskType != recovery.TaskTypeSubagent {
			continue
		}
		if time.Since(task.CreatedAt) > maxRecoveryAge {
			if err := mgr.MarkFailed(ctx, task.ID, "stale: exceeded max recovery age"); err != nil {
				logging.Warnf("orchestrator: marking stale task: %v", err)
			}
			continue
		}
		if task.Attempts >= task.MaxAttempts {
			if err := mgr.MarkFailed(ctx, task.ID, "exhausted retry attempts"); err != nil {
				logging.Warnf("orchestrator: marking exhausted task: %v", err)
			}
			continue
		}

		if _, err := o.spawn(ctx, task.Prompt, task.Description, "", task.ID); err != nil {
			logging.Warnf("orchestrator: re-spawning task %s: %v", task.ID, err)
			continue
		}
		recovered++
	}

	logging.Infof("orchestrator: recovered %d sub-agent(s)", recovered)
	return recovered, nil
}

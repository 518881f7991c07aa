package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/agent/config"
	"github.com/nebolabs/nebo/internal/agent/recovery"
	"github.com/nebolabs/nebo/internal/agent/runner"
	"github.com/nebolabs/nebo/internal/agent/tools"
	"github.com/nebolabs/nebo/internal/db"
)

// echoProvider completes every stream with a fixed text reply.
type echoProvider struct{ reply string }

func (p *echoProvider) ID() string        { return "echo" }
func (p *echoProvider) ProfileID() string { return "" }

func (p *echoProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent, 3)
	ch <- ai.StreamEvent{Type: ai.EventTypeTextStart}
	ch <- ai.StreamEvent{Type: ai.EventTypeText, Text: p.reply}
	ch <- ai.StreamEvent{Type: ai.EventTypeDone, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func testOrchestrator(t *testing.T, provider ai.Provider) (*Orchestrator, *db.Store) {
	t.Helper()

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := db.NewSessionManager(store)
	registry := tools.NewRegistry(tools.NewPolicy())
	cfg := &config.Config{DataDir: t.TempDir(), WorkspaceRoot: t.TempDir(), MaxIterations: 5}
	cfg.ContextPruning = config.DefaultContextPruning()

	o := New(sessions)
	o.SetRunner(runner.New(cfg, sessions, provider, registry))
	o.SetRecoveryManager(recovery.NewManager(store.DB()))
	return o, store
}

func TestRunSubAgentCompletes(t *testing.T) {
	o, _ := testOrchestrator(t, &echoProvider{reply: "task finished"})

	result, err := o.RunSubAgent(context.Background(), "do the thing", "unit test", "")
	require.NoError(t, err)
	assert.Equal(t, "task finished", result)
	assert.Equal(t, 0, o.RunningCount())
}

func TestSpawnWithoutRunnerFails(t *testing.T) {
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	defer store.Close()

	o := New(db.NewSessionManager(store))
	_, err = o.Spawn(context.Background(), "task", "", "")
	assert.Error(t, err)
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	o, _ := testOrchestrator(t, &gateProvider{release: release})
	o.SetMaxConcurrent(1)

	_, err := o.Spawn(context.Background(), "first", "", "")
	require.NoError(t, err)

	// Give the first sub-agent time to enter Running.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && o.RunningCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, o.RunningCount())

	_, err = o.Spawn(context.Background(), "second", "", "")
	assert.Error(t, err)

	close(release)
}

type gateProvider struct{ release chan struct{} }

func (p *gateProvider) ID() string        { return "gate" }
func (p *gateProvider) ProfileID() string { return "" }

func (p *gateProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent, 2)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			return
		case <-p.release:
		}
		ch <- ai.StreamEvent{Type: ai.EventTypeText, Text: "ok"}
		ch <- ai.StreamEvent{Type: ai.EventTypeDone}
	}()
	return ch, nil
}

func TestCancelAgent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o, _ := testOrchestrator(t, &gateProvider{release: release})

	agent, err := o.Spawn(context.Background(), "long task", "", "")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && o.RunningCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, o.CancelAgent(agent.ID))

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := o.GetAgent(agent.ID)
		if got.Status == StatusCancelled {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, _ := o.GetAgent(agent.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

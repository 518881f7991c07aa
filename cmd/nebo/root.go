// Package cli wires the runtime into a cobra command surface: agent runs,
// interactive chat, session queries, provider management, the local HTTP
// server and diagnostics.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nebolabs/nebo/internal/agent/ai/stream"
	agentconfig "github.com/nebolabs/nebo/internal/agent/config"
	"github.com/nebolabs/nebo/internal/agent/orchestrator"
	"github.com/nebolabs/nebo/internal/agent/recovery"
	"github.com/nebolabs/nebo/internal/agent/runner"
	"github.com/nebolabs/nebo/internal/agent/tools"
	"github.com/nebolabs/nebo/internal/credential"
	"github.com/nebolabs/nebo/internal/db"
	"github.com/nebolabs/nebo/internal/logging"
	"github.com/nebolabs/nebo/internal/provider"
	"github.com/nebolabs/nebo/internal/runtime"
	"github.com/nebolabs/nebo/internal/server"
	"github.com/nebolabs/nebo/internal/tracing"
)

// App bundles every wired subsystem for command handlers.
type App struct {
	Cfg        *agentconfig.Config
	Store      *db.Store
	Sessions   *db.SessionManager
	Creds      *credential.Store
	Providers  *provider.Registry
	Tools      *tools.Registry
	Runner     *runner.Runner
	Runtime    *runtime.Runtime
	Tracer     *tracing.Writer
	Orch       *orchestrator.Orchestrator
	Dispatcher *stream.Dispatcher
}

// Bootstrap wires the whole runtime in leaf-first order.
func Bootstrap() (*App, error) {
	cfg, err := agentconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	key, err := credential.LoadMasterKey(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	credential.Init(key)

	store, err := db.NewSQLite(filepath.Join(cfg.DataDir, "data", "nebo.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sessions := db.NewSessionManager(store)
	settings := credential.NewSettingsStore(store.DB())
	creds := credential.NewStore(settings)

	registry := provider.NewRegistry()
	if err := registry.LoadCustomProviders(filepath.Join(cfg.DataDir, "custom-providers.json")); err != nil {
		logging.Warnf("cli: loading custom providers: %v", err)
	}
	provider.InitModelsStore(cfg.DataDir)
	if err := provider.StartConfigWatcher(cfg.DataDir); err != nil {
		logging.Warnf("cli: config watcher: %v", err)
	}

	tracer := tracing.NewWriter(store.DB())
	dispatcher := stream.NewDispatcher(registry, creds, tracer)

	if profiles, err := agentconfig.NewAuthProfileManager(store.DB()); err == nil {
		dispatcher.SetProfileTracking(profiles, func(ctx context.Context, providerID string) string {
			best, err := profiles.GetBestProfile(ctx, providerID)
			if err != nil || best == nil {
				return ""
			}
			return best.ID
		})
	}

	policy := tools.NewPolicyFromConfig(cfg.Policy.Level, cfg.Policy.AskMode, cfg.Policy.Allowlist)
	toolRegistry := tools.NewRegistry(policy)
	orch := orchestrator.New(sessions)

	toolRegistry.RegisterDefaults(tools.RegistryConfig{
		WorkspaceRoot: cfg.WorkspaceRoot,
		DataDir:       cfg.DataDir,
		SkillsDir:     cfg.SkillsDir(),
		SubAgents:     orch,
		GitHubToken: func() string {
			keys := creds.LoadAPIKeys()
			return keys["github"]
		},
		ImageGen: tools.ImageGenConfig{
			Credentials: func() (string, string) {
				keys := creds.LoadAPIKeys()
				model, _, _ := settingString(settings, "model_type_image_generator")
				return keys["openai"], model
			},
			OutputDir: filepath.Join(cfg.DataDir, "images"),
			Client:    stream.SharedClient(),
		},
	})

	loop := runner.New(cfg, sessions, dispatcher, toolRegistry)
	orch.SetRunner(loop)
	orch.SetRecoveryManager(recovery.NewManager(store.DB()))

	rt := runtime.New(sessions, loop)

	return &App{
		Cfg:        cfg,
		Store:      store,
		Sessions:   sessions,
		Creds:      creds,
		Providers:  registry,
		Tools:      toolRegistry,
		Runner:     loop,
		Runtime:    rt,
		Tracer:     tracer,
		Orch:       orch,
		Dispatcher: dispatcher,
	}, nil
}

func settingString(s *credential.SettingsStore, key string) (string, bool, error) {
	return s.Get(key)
}

// Close flushes tracing and releases the database.
func (a *App) Close() {
	provider.StopConfigWatcher()
	a.Runtime.Shutdown()
	a.Orch.Shutdown(context.Background())
	a.Tracer.ShutdownBlocking()
	a.Store.Close()
}

// SetupRootCmd configures the root command with all subcommands and flags.
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "nebo",
		Short:   "Nebo - coding agent runtime",
		Long:    "Nebo is a multi-provider streaming LLM runtime with tool dispatch and per-task agent loops.",
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", "session id for conversation history")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "model to use (name or name@provider)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&autoApproveFlag, "auto-approve", false, "auto-approve tools that normally require confirmation")

	rootCmd.AddCommand(AgentCmd())
	rootCmd.AddCommand(ChatCmd())
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(SessionCmd())
	rootCmd.AddCommand(ProvidersCmd())
	rootCmd.AddCommand(DoctorCmd())

	return rootCmd
}

// ServeCmd runs the local HTTP surface until interrupted.
func ServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API and websocket event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &server.Server{
				Runtime:  app.Runtime,
				Sessions: app.Sessions,
				Tasks:    app.Tools.GetBackgroundTasks(),
			}
			if err := srv.ListenAndServe(ctx, addr); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:29875", "listen address")
	return cmd
}

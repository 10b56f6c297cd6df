// Command taskforge runs the task execution service: the event store, the
// agent runtime, and the HTTP/WebSocket/MCP control surfaces in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/common/tracing"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/events"
	gateway "github.com/taskforge/taskforge/internal/gateway/websocket"
	"github.com/taskforge/taskforge/internal/llm"
	"github.com/taskforge/taskforge/internal/mcpserver"
	"github.com/taskforge/taskforge/internal/runtime"
	"github.com/taskforge/taskforge/internal/server"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/task/repository"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/tools"
	"github.com/taskforge/taskforge/internal/tools/builtin"
	"github.com/taskforge/taskforge/internal/tools/subtask"
	"github.com/taskforge/taskforge/internal/uibus"
	"github.com/taskforge/taskforge/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskforge:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable state
	store, err := events.NewStore(cfg.Storage.EventsPath(), cfg.Storage.ProjectionsPath(), log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() { _ = store.Close() }()

	auditLog, err := audit.Open(cfg.Storage.AuditPath(), log)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = auditLog.Close() }()

	convStore, err := conversation.Open(cfg.Storage.ConversationPath(), log)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer func() { _ = convStore.Close() }()

	repo, repoCleanup, err := repository.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("init task view store: %w", err)
	}
	defer func() { _ = repoCleanup() }()

	// Read model projection
	projector := task.NewProjector(store, repo, log)
	if err := projector.CatchUp(ctx); err != nil {
		return fmt.Errorf("projection catch-up: %w", err)
	}
	go func() {
		if err := projector.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("projector stopped", zap.Error(err))
		}
	}()

	// UI event bus
	bus, busCleanup, err := uibus.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("init ui bus: %w", err)
	}
	defer func() { _ = busCleanup() }()

	svc := service.New(store, repo, log)

	ws, err := workspace.New(cfg.Runtime.WorkspaceDir, log)
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}

	// Agents
	llmClient := llm.NewOpenAIClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout,
	}, log)
	presets, err := agent.LoadPresets(cfg.Runtime.PresetsFile)
	if err != nil {
		return fmt.Errorf("load agent presets: %w", err)
	}
	agents, err := agent.BuildRegistry(presets, llmClient, log)
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}

	// Tools
	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		builtin.ReadFile{}, builtin.WriteFile{}, builtin.ListDir{}, builtin.RunCommand{},
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	subtaskTool := subtask.New(svc, store, convStore, agents, cfg.Runtime.ChildWaitTimeoutDuration(), log)
	if err := registry.Register(subtaskTool); err != nil {
		return fmt.Errorf("register subtask tool: %w", err)
	}

	exec := tools.NewExecutor(registry, auditLog, bus, log)
	convMgr := conversation.NewManager(convStore, auditLog, exec, log)

	// Agent runtime
	deps := &runtime.Deps{
		Service:   svc,
		Conv:      convMgr,
		Exec:      exec,
		Bus:       bus,
		Workspace: ws,
		Log:       log,
	}
	mgr := runtime.NewManager(store, agents, deps)
	mgr.Bootstrap(ctx)
	go func() {
		if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("runtime manager stopped", zap.Error(err))
		}
	}()

	// HTTP + WebSocket surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(cfg.Server, log)
	server.RegisterTaskRoutes(srv.Router(), svc, log)

	gw := gateway.NewGateway(svc, cfg.Runtime.GapFillLimit, log)
	gw.SetupRoutes(srv.Router())
	go gw.Hub.Run(ctx)
	forwarder := gateway.NewForwarder(gw.Hub, store, bus, log)
	go forwarder.Run(ctx)

	// Embedded MCP server
	if cfg.MCP.Enabled {
		_, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, svc, log)
		if err != nil {
			return fmt.Errorf("start mcp server: %w", err)
		}
		defer func() { _ = mcpCleanup() }()
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	log.Info("taskforge ready",
		zap.String("http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("websocket", "/ws"),
		zap.Bool("mcp", cfg.MCP.Enabled))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	mgr.Wait()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown", zap.Error(err))
	}
	return nil
}

// Package application wires the engine together: run directory, stores,
// gate, broker, subprocess adapters, engine loop, and the HTTP surface.
package application

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/entity"
	"github.com/visor-agent/visor/internal/domain/service"
	"github.com/visor-agent/visor/internal/domain/tool"
	"github.com/visor-agent/visor/internal/infrastructure/config"
	"github.com/visor-agent/visor/internal/infrastructure/gate"
	"github.com/visor-agent/visor/internal/infrastructure/persistence"
	"github.com/visor-agent/visor/internal/infrastructure/policy"
	"github.com/visor-agent/visor/internal/infrastructure/runstore"
	"github.com/visor-agent/visor/internal/infrastructure/sse"
	"github.com/visor-agent/visor/internal/infrastructure/subproc"
	httpserver "github.com/visor-agent/visor/internal/interfaces/http"
	"github.com/visor-agent/visor/internal/interfaces/websocket"
	"github.com/visor-agent/visor/pkg/safego"
)

// App is the dependency container for one run.
type App struct {
	config *config.Config
	logger *zap.Logger

	runDir    string
	turnStore *runstore.TurnStore
	turnIndex *persistence.TurnIndex
	policies  *policy.Store
	watcher   *policy.Watcher
	gate      *gate.Gate
	broker    *sse.Broker
	executor  *executorAdapter
	planner   *plannerAdapter
	engine    *service.EngineLoop
	wsHub     *websocket.Hub
	server    *httpserver.Server

	engineCancel context.CancelFunc
	hubCancel    context.CancelFunc
}

// NewApp builds the full dependency graph. Nothing runs until Start.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	if err := app.initRunDir(); err != nil {
		return nil, fmt.Errorf("init run dir: %w", err)
	}
	if err := app.initStores(); err != nil {
		return nil, fmt.Errorf("init stores: %w", err)
	}
	app.initEngine()
	app.initInterfaces()
	return app, nil
}

func (app *App) initRunDir() error {
	dir, err := runstore.Bootstrap(app.config.Run.BaseDir, runstore.Manifest{
		Model:    app.config.VLM.Model,
		Tools:    tool.DefaultPolicy().Allowed(),
		Executor: strings.Join(app.config.Executor.Command, " "),
		VLM:      strings.Join(app.config.VLM.Command, " "),
	})
	if err != nil {
		return err
	}
	app.runDir = dir
	app.logger.Info("Run directory ready", zap.String("dir", dir))
	return nil
}

func (app *App) initStores() error {
	if app.config.Database.Enabled {
		index, err := persistence.OpenTurnIndex(filepath.Join(app.runDir, "turns.db"))
		if err != nil {
			return fmt.Errorf("open turn index: %w", err)
		}
		app.turnIndex = index
	}

	var indexer runstore.Indexer
	if app.turnIndex != nil {
		indexer = app.turnIndex
	}
	store, err := runstore.Open(app.runDir, indexer, app.logger)
	if err != nil {
		return fmt.Errorf("open turn store: %w", err)
	}
	app.turnStore = store

	app.policies = policy.NewStore(filepath.Join(app.runDir, "allowed_tools.json"), app.logger)
	watcher, err := policy.NewWatcher(app.policies)
	if err != nil {
		return fmt.Errorf("watch allowlist: %w", err)
	}
	app.watcher = watcher
	return nil
}

func (app *App) initEngine() {
	app.gate = gate.New()
	app.broker = sse.NewBroker(app.logger)

	app.executor = &executorAdapter{inner: subproc.NewExecutorAdapter(
		app.config.Executor.Command,
		app.config.Executor.ConfigPath,
		app.config.Engine.ExecTimeout,
		app.logger,
	)}
	app.planner = &plannerAdapter{
		inner: subproc.NewVLMAdapter(
			app.config.VLM.Command,
			app.config.VLM.Model,
			app.config.Engine.VLMTimeout,
			app.logger,
		),
		systemPrompt: app.config.VLM.SystemPrompt,
	}

	app.engine = service.NewEngineLoop(
		service.EngineConfig{
			ExecTimeout:     app.config.Engine.ExecTimeout,
			AnnotateTimeout: app.config.Engine.AnnotateTimeout,
			VLMTimeout:      app.config.Engine.VLMTimeout,
			TurnDelay:       app.config.Engine.TurnDelay,
			InitialStory:    app.config.Engine.InitialStory,
			DefaultActions:  app.config.Engine.DefaultActions,
			MinToolCalls:    app.config.Engine.MinToolCalls,
			StartPaused:     app.config.Engine.StartPaused,
			Debug:           app.config.Engine.Debug,
		},
		app.executor,
		app.planner,
		app.gate,
		app.turnStore,
		app.policies,
		&brokerEvents{broker: app.broker},
		app.logger,
	)
}

func (app *App) initInterfaces() {
	app.wsHub = websocket.NewHub(app.broker, app.logger)

	app.server = httpserver.NewServer(
		httpserver.Config{
			Host: app.config.Server.Host,
			Port: app.config.Server.Port,
			Mode: app.config.Server.Mode,
		},
		httpserver.Deps{
			Engine:    app.engine,
			Executor:  app.executor,
			Gate:      app.gate,
			Policies:  app.policies,
			TurnStore: app.turnStore,
			Broker:    app.broker,
			TurnIndex: app.turnIndex,
			WS:        websocket.NewHandler(app.wsHub, app.logger),
		},
		app.logger,
	)
}

// RunDir returns the run directory chosen at startup.
func (app *App) RunDir() string { return app.runDir }

// Engine returns the engine loop.
func (app *App) Engine() *service.EngineLoop { return app.engine }

// Start brings up the watcher, websocket hub, engine loop, and listener.
func (app *App) Start(ctx context.Context) error {
	safego.Go(app.logger, "policy-watcher", app.watcher.Start)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	app.hubCancel = hubCancel
	safego.Go(app.logger, "ws-hub", func() { app.wsHub.Run(hubCtx) })

	engineCtx, engineCancel := context.WithCancel(context.Background())
	app.engineCancel = engineCancel
	safego.Go(app.logger, "engine-loop", func() { app.engine.Run(engineCtx) })

	return app.server.Start(ctx)
}

// Stop shuts everything down: listener first so no new work arrives, then
// the engine, then the fan-out and stores.
func (app *App) Stop(ctx context.Context) error {
	if err := app.server.Stop(ctx); err != nil {
		app.logger.Warn("HTTP shutdown error", zap.Error(err))
	}

	if app.engineCancel != nil {
		app.engineCancel()
		select {
		case <-app.engine.Done():
		case <-time.After(30 * time.Second):
			app.logger.Warn("Engine did not stop in time")
		}
	}
	if app.hubCancel != nil {
		app.hubCancel()
	}

	app.watcher.Stop()
	app.broker.Close()
	if err := app.turnStore.Close(); err != nil {
		app.logger.Warn("Turn store close error", zap.Error(err))
	}
	if app.turnIndex != nil {
		if err := app.turnIndex.Close(); err != nil {
			app.logger.Warn("Turn index close error", zap.Error(err))
		}
	}

	app.logger.Info("Shutdown complete", zap.String("run_dir", app.runDir))
	return nil
}

// executorAdapter maps the subprocess executor onto the engine's port and
// tags failures with the turn error taxonomy.
type executorAdapter struct {
	inner *subproc.ExecutorAdapter
}

func (a *executorAdapter) Execute(ctx context.Context, storyText string, allowedTools []string, debug bool) (service.ExecOutcome, error) {
	out, err := a.inner.Execute(ctx, storyText, allowedTools, debug)
	if err != nil {
		return service.ExecOutcome{}, &entity.TurnError{Kind: executorErrKind(err), Err: err}
	}
	return service.ExecOutcome{
		Executed:    out.Executed,
		Malformed:   out.Malformed,
		RawImageB64: out.RawImageB64,
	}, nil
}

// plannerAdapter maps the VLM subprocess onto the engine's port.
type plannerAdapter struct {
	inner        *subproc.VLMAdapter
	systemPrompt string
}

func (a *plannerAdapter) Complete(ctx context.Context, storyText, imageB64 string) (service.Completion, error) {
	res, err := a.inner.Complete(ctx, storyText, imageB64, a.systemPrompt)
	if err != nil {
		return service.Completion{}, &entity.TurnError{Kind: vlmErrKind(err), Err: err}
	}
	return service.Completion{
		Text:      res.Text,
		Usage:     res.Usage,
		LatencyMS: res.LatencyMS,
	}, nil
}

func executorErrKind(err error) string {
	switch subproc.KindOf(err) {
	case subproc.ErrKindTimeout:
		return entity.ErrExecutorTimeout
	case subproc.ErrKindMalformed:
		return entity.ErrExecutorMalformedOutput
	default:
		return entity.ErrExecutorCrash
	}
}

func vlmErrKind(err error) string {
	switch subproc.KindOf(err) {
	case subproc.ErrKindTimeout:
		return entity.ErrVLMTimeout
	default:
		return entity.ErrVLMCrash
	}
}

// brokerEvents bridges engine events onto the SSE broker.
type brokerEvents struct {
	broker *sse.Broker
}

func (b *brokerEvents) TurnFinished(t *entity.Turn) {
	b.broker.Publish(sse.Event{Kind: "turn", Data: t})
}

func (b *brokerEvents) StatusChanged(snap service.StateSnapshot, paused bool) {
	b.broker.Publish(sse.Event{Kind: "status", Data: statusPayload{
		State:     string(snap.State),
		Paused:    paused,
		Seq:       snap.Seq,
		LastError: snap.LastError,
	}})
}

type statusPayload struct {
	State     string `json:"state"`
	Paused    bool   `json:"paused"`
	Seq       int64  `json:"seq"`
	LastError string `json:"last_error,omitempty"`
}

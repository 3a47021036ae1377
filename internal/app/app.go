package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/handlers"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/remote"
	"github.com/bioen07-del/gmp-labwork/internal/services/agent"
	"github.com/bioen07-del/gmp-labwork/internal/services/connectivity"
	"github.com/bioen07-del/gmp-labwork/internal/services/drafts"
	"github.com/bioen07-del/gmp-labwork/internal/services/events"
	"github.com/bioen07-del/gmp-labwork/internal/services/syncengine"
	"github.com/bioen07-del/gmp-labwork/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Services
	EventService  *events.Service
	Monitor       *connectivity.Monitor
	StatusSource  *connectivity.FileSource
	RemoteClient  *remote.Client
	SyncEngine    *syncengine.Engine
	DraftsService *drafts.Service

	// Update agent (nil when disabled)
	Registration *agent.Registration
	Fetcher      *agent.Fetcher
	Scheduler    *agent.Scheduler

	// HTTP handlers
	APIHandler          *handlers.APIHandler
	StatusHandler       *handlers.StatusHandler
	DraftsHandler       *handlers.DraftsHandler
	SyncHandler         *handlers.SyncHandler
	ConnectivityHandler *handlers.ConnectivityHandler
	UpdateHandler       *handlers.UpdateHandler
	ResourceHandler     *handlers.ResourceHandler
	WSHandler           *handlers.WebSocketHandler

	subscriptions []interfaces.Subscription
	background    sync.WaitGroup
	ctx           context.Context
	cancelCtx     context.CancelFunc
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	app.startBackground()

	logger.Info().
		Bool("online", app.Monitor.IsOnline()).
		Bool("agent_enabled", app.Registration != nil).
		Msg("Application initialized")

	return app, nil
}

// initDatabase opens the Badger store (reset_on_startup is handled by the connection)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = storageManager

	a.Logger.Info().
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage initialized")
	return nil
}

func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	subs, err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}
	a.subscriptions = append(a.subscriptions, subs...)

	// Connectivity
	a.Monitor = connectivity.NewMonitor(a.Config.Connectivity.InitiallyOnline, a.EventService, a.Logger)
	if a.Config.Connectivity.StatusFile != "" {
		a.StatusSource = connectivity.NewFileSource(a.Config.Connectivity.StatusFile, a.Monitor, a.Logger)
	}

	// Drafts and sync
	if a.Config.Remote.BaseURL == "" {
		a.Logger.Warn().Msg("remote.base_url is not set - drafts will stay pending until it is configured")
	}
	a.RemoteClient = remote.NewClient(
		a.Config.Remote.BaseURL,
		a.Config.Remote.APIKey,
		remote.WithTimeout(common.ParseDuration(a.Config.Remote.RequestTimeout, 30*time.Second)),
		remote.WithRateLimit(a.Config.Remote.RateLimit),
		remote.WithLogger(a.Logger),
	)

	draftStore := a.StorageManager.DraftStorage()
	a.DraftsService = drafts.NewService(draftStore, a.EventService, a.Logger)
	a.SyncEngine = syncengine.NewEngine(draftStore, a.RemoteClient, a.EventService, a.Logger)
	a.subscriptions = append(a.subscriptions, a.SyncEngine.AttachMonitor(a.Monitor))

	// Update agent
	if !a.Config.Agent.Enabled {
		a.Logger.Info().Msg("Update agent disabled")
		return nil
	}

	fetchTimeout := common.ParseDuration(a.Config.Agent.FetchTimeout, 15*time.Second)
	origin, err := agent.NewOrigin(a.Config.Agent.OriginURL, a.Config.Agent.VersionPath, a.Config.Agent.Precache, fetchTimeout)
	if err != nil {
		return fmt.Errorf("invalid agent origin: %w", err)
	}

	cache := a.StorageManager.ResourceCache()
	a.Registration = agent.NewRegistration(a.Config.Agent.CachePrefix, cache, origin, nil, a.EventService, a.Logger)
	a.Fetcher = agent.NewFetcher(a.Registration, origin, cache, a.Config.Agent.VersionPath, a.Config.Agent.BypassHosts, fetchTimeout, a.Logger)
	a.Scheduler = agent.NewScheduler(a.Registration, fetchTimeout, a.Logger)

	return nil
}

func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Monitor, a.DraftsService, a.SyncEngine, a.Registration, a.Logger)
	a.DraftsHandler = handlers.NewDraftsHandler(a.DraftsService, a.Logger)
	a.SyncHandler = handlers.NewSyncHandler(a.SyncEngine, common.ParseDuration(a.Config.Sync.ManualLimit, 0), a.Logger)
	a.ConnectivityHandler = handlers.NewConnectivityHandler(a.Monitor, a.Logger)
	a.UpdateHandler = handlers.NewUpdateHandler(a.Registration, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Registration, a.StatusHandler, a.Logger, &a.Config.WebSocket)

	if a.Fetcher != nil {
		a.ResourceHandler = handlers.NewResourceHandler(a.Fetcher, a.Logger)
	}
	return nil
}

// startBackground starts the connectivity source, agent registration and the startup sync
func (a *App) startBackground() {
	if a.StatusSource != nil {
		if err := a.StatusSource.Start(); err != nil {
			a.Logger.Warn().Err(err).Str("path", a.Config.Connectivity.StatusFile).Msg("Connectivity status file not watched")
		}
	}

	if a.Registration != nil {
		a.background.Add(1)
		common.SafeGo(a.Logger, "agent-register", func() {
			defer a.background.Done()
			if err := a.Registration.Register(a.ctx); err != nil {
				// The app keeps working without offline resource caching
				a.Logger.Warn().Err(err).Msg("Update agent registration failed")
			}
		})
		if err := a.Scheduler.Start(a.Config.Agent.UpdateSchedule); err != nil {
			a.Logger.Warn().Err(err).Msg("Update check scheduler not started")
		}
	}

	if a.Config.Sync.SyncOnStartup && a.Monitor.IsOnline() {
		a.background.Add(1)
		common.SafeGo(a.Logger, "startup-sync", func() {
			defer a.background.Done()
			_, err := a.SyncEngine.SyncDrafts(a.ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("Startup sync failed")
			}
		})
	}
}

// Close closes all application resources
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}
	a.background.Wait()

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if a.StatusSource != nil {
		if err := a.StatusSource.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop connectivity status watcher")
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	for _, sub := range a.subscriptions {
		sub.Close()
	}
	a.subscriptions = nil

	if a.SyncEngine != nil {
		a.SyncEngine.Close()
	}

	if a.Fetcher != nil {
		a.Fetcher.Wait()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

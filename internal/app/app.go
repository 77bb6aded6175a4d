// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	gosync "sync"

	"github.com/tildaslashalef/anchorsync/internal/blob"
	"github.com/tildaslashalef/anchorsync/internal/cache"
	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/database"
	"github.com/tildaslashalef/anchorsync/internal/facade"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/notify"
	"github.com/tildaslashalef/anchorsync/internal/queue"
	"github.com/tildaslashalef/anchorsync/internal/records"
	"github.com/tildaslashalef/anchorsync/internal/router"
	"github.com/tildaslashalef/anchorsync/internal/server"
	"github.com/tildaslashalef/anchorsync/internal/sync"
	"github.com/tildaslashalef/anchorsync/internal/utils"
	"github.com/urfave/cli/v2"
)

// Options tells New where to find the configuration
type Options struct {
	ConfigDir string // empty uses ~/.anchorsync
	EnvFile   string // empty uses <ConfigDir>/.env
}

// App represents the application instance with its dependencies
type App struct {
	Config     *config.Config
	Logger     *loggy.Logger
	DB         *database.DB
	Settings   *config.SettingsService
	Queue      *queue.Manager
	Records    *records.SQLRepository
	Blobs      *blob.Service
	Hub        *notify.Hub
	Client     *sync.Client
	Reconciler *sync.Reconciler
	Monitor    *sync.ConnectivityMonitor
	Router     *router.Router
	Facade     *facade.Facade
	Server     *server.Server
}

// New initializes a new application instance with all its dependencies
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadFromEnv(opts.ConfigDir, opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
		"config_dir", cfg.ConfigDir(),
	)

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := db.RunMigrations(); err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}

	app, err := initServices(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}

	logger.Info("Application initialized successfully")
	return app, nil
}

// initLogger builds the process logger and installs it as the global one
func initLogger(cfg *config.Config) (*loggy.Logger, error) {
	logger, err := loggy.New(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	loggy.SetGlobalLogger(logger)
	return logger, nil
}

// initServices wires every component on top of an open database
func initServices(ctx context.Context, cfg *config.Config, db *database.DB, logger *loggy.Logger) (*App, error) {
	settings := config.NewSettingsService(db, cfg, logger)
	if err := settings.LoadPersisted(ctx); err != nil {
		logger.Warn("Failed to load persisted settings", "error", err)
	}

	if cfg.Server.DeviceName == "" {
		name := utils.GenerateDeviceName()
		if err := settings.SetDeviceName(ctx, name); err != nil {
			logger.Warn("Failed to persist device name", "error", err)
		}
		cfg.Server.DeviceName = name
	}

	client := sync.NewClient(cfg.Server, logger)
	client.SetSettingsRepository(settings)

	uploader, err := newUploader(ctx, cfg, client, logger)
	if err != nil {
		return nil, err
	}

	queueManager := queue.NewManager(
		queue.NewSQLRepository(db, logger),
		queue.NewFileStore(cfg.Queue.FallbackDir),
		logger,
	)
	recordsRepo := records.NewSQLRepository(db, logger)
	blobService := blob.NewService(blob.NewSQLRepository(db, logger), uploader, cfg.Blob.MaxUploadSize, logger)
	blobService.SetRetryPolicy(sync.UploadRetryPolicy(cfg.Sync))
	hub := notify.NewHub(logger)

	reconciler := sync.NewReconciler(sync.Options{
		DB:         db,
		Queue:      queueManager,
		Blobs:      blobService,
		Dispatcher: client,
		Recorder:   settings,
		Notifier:   hub,
	}, cfg.Sync, logger)

	monitor := sync.NewConnectivityMonitor(client, cfg.Sync.ProbeInterval, func() {
		reconciler.Trigger(sync.TriggerConnectivity)
	}, logger)

	rt, err := newRouter(cfg, db, client, settings, logger)
	if err != nil {
		return nil, err
	}

	f := facade.New(facade.Options{
		Queue:        queueManager,
		Records:      recordsRepo,
		Blobs:        blobService,
		Dispatcher:   client,
		Drainer:      reconciler,
		Connectivity: monitor,
		Hub:          hub,
		Clock:        settings,
	}, logger)

	return &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Settings:   settings,
		Queue:      queueManager,
		Records:    recordsRepo,
		Blobs:      blobService,
		Hub:        hub,
		Client:     client,
		Reconciler: reconciler,
		Monitor:    monitor,
		Router:     rt,
		Facade:     f,
		Server:     server.New(cfg.Proxy, f, hub, rt, cfg.Blob.MaxUploadSize, logger),
	}, nil
}

// newUploader picks the photo backend
func newUploader(ctx context.Context, cfg *config.Config, client *sync.Client, logger *loggy.Logger) (blob.Uploader, error) {
	switch cfg.Blob.Backend {
	case "s3":
		u, err := blob.NewS3Uploader(ctx, cfg.Blob, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 uploader: %w", err)
		}
		return u, nil
	default:
		return blob.NewHTTPUploader(cfg.Server.URL, cfg.Blob.UploadPath, client.GetToken, cfg.Server.Timeout, logger), nil
	}
}

func newRouter(cfg *config.Config, db *database.DB, client *sync.Client, settings *config.SettingsService, logger *loggy.Logger) (*router.Router, error) {
	root, err := router.ParseStrategy(cfg.Router.RootStrategy)
	if err != nil {
		return nil, err
	}

	store := cache.NewStore(
		cache.NewSQLRepository(db, logger),
		cache.GroupNames(cfg.Cache.Prefix, cfg.Cache.Version),
		logger,
	)

	rt, err := router.New(router.Config{
		Upstream:          cfg.Server.URL,
		Rules:             router.DefaultRules(root),
		Version:           cfg.Cache.Version,
		ShellURLs:         cfg.Cache.ShellURLs,
		OfflinePath:       cfg.Cache.OfflinePath,
		MaxCacheBody:      cfg.Router.MaxCacheBody,
		RevalidateTimeout: cfg.Router.RevalidateTimeout,
	}, store, client.HTTPClient(), settings, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}
	return rt, nil
}

// PrepareCache installs the app shell when the configured cache version is
// not the active one, then activates the router
func (app *App) PrepareCache(ctx context.Context) error {
	active, err := app.Settings.ActiveCacheVersion(ctx)
	if err != nil {
		app.Logger.Warn("Failed to read active cache version", "error", err)
	}

	if active != app.Config.Cache.Version {
		if _, err := app.Router.Install(ctx); err != nil {
			return err
		}
	}

	_, err = app.Router.Activate(ctx)
	return err
}

// Run serves the agent until ctx is done: the cache is prepared, then the
// connectivity monitor, the reconciler and the HTTP server run side by side
func (app *App) Run(ctx context.Context) error {
	if err := app.PrepareCache(ctx); err != nil {
		return fmt.Errorf("preparing cache: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg gosync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.Monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := app.Reconciler.Run(ctx, app.Monitor); err != nil {
			errs <- fmt.Errorf("reconciler: %w", err)
			cancel()
		}
	}()

	if err := app.Server.ListenAndServe(ctx); err != nil {
		errs <- fmt.Errorf("server: %w", err)
	}
	cancel()
	wg.Wait()
	app.Router.Wait()

	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	app.Logger.Info("Shutting down application")

	app.Hub.Close()

	if err := app.DB.Close(); err != nil {
		app.Logger.Error("Error closing database connection", "error", err)
	}

	return app.Logger.Close()
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}

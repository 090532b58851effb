// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/backoff"
	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/bus/amqp"
	busmemory "github.com/JakeFAU/harvest-controller/internal/bus/memory"
	"github.com/JakeFAU/harvest-controller/internal/channels"
	"github.com/JakeFAU/harvest-controller/internal/config"
	"github.com/JakeFAU/harvest-controller/internal/id/uuid"
	"github.com/JakeFAU/harvest-controller/internal/notify"
	"github.com/JakeFAU/harvest-controller/internal/scheduler"
	"github.com/JakeFAU/harvest-controller/internal/storage"
	"github.com/JakeFAU/harvest-controller/internal/storage/gcs"
	"github.com/JakeFAU/harvest-controller/internal/storage/local"
	storagememory "github.com/JakeFAU/harvest-controller/internal/storage/memory"
	"github.com/JakeFAU/harvest-controller/internal/storage/repository"
	s3store "github.com/JakeFAU/harvest-controller/internal/storage/s3"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed when the command finishes.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	hostname   string
	instanceID string
	namer      *channels.Namer
	bus        *bus.Manager
	notifier   notify.Notifier
	closers    []func() error
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Hostname is the name this process reports in channel names and alerts.
func (a *App) Hostname() string { return a.hostname }

// InstanceID identifies this process to the scheduler.
func (a *App) InstanceID() string { return a.instanceID }

// Namer builds the channel names of this deployment.
func (a *App) Namer() *channels.Namer { return a.namer }

// Bus returns the connected message bus.
func (a *App) Bus() *bus.Manager { return a.bus }

// Notifier returns the operator alert sink.
func (a *App) Notifier() notify.Notifier { return a.notifier }

// New creates the logger-independent services: channel namer, alert sink and a
// connected message bus. It fails fast if any of them cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	a.hostname = cfg.Channels.Host
	if a.hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		a.hostname = host
	}
	a.instanceID = cfg.Controller.ApplicationInstanceID
	if a.instanceID == "" {
		id, err := uuid.New().InstanceID(a.hostname)
		if err != nil {
			return nil, fmt.Errorf("generate instance id: %w", err)
		}
		a.instanceID = id
	}

	port := cfg.Channels.Port
	if port == 0 {
		port = cfg.Server.Port
	}
	namer, err := channels.NewNamer(cfg.Environment, cfg.Channels.Replica, a.hostname, port)
	if err != nil {
		return nil, fmt.Errorf("build channel namer: %w", err)
	}
	a.namer = namer

	if err := a.initNotifier(ctx); err != nil {
		a.Close()
		return nil, err
	}

	driver, err := a.newDriver()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.bus = bus.NewManager(driver,
		bus.WithLogger(logger),
		bus.WithNotifier(a.notifier),
		bus.WithPolicy(backoff.Policy{MaxTries: cfg.Broker.MaxTries, Unit: cfg.Broker.RetryUnit}),
	)
	if err := a.bus.Initialize(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize message bus: %w", err)
	}

	logger.Info("Application services initialized",
		zap.String("environment", cfg.Environment),
		zap.String("broker", cfg.Broker.Driver),
		zap.String("instance_id", a.instanceID),
	)
	return a, nil
}

func (a *App) initNotifier(ctx context.Context) error {
	logNotifier := notify.NewLogNotifier(a.logger)
	ps := a.cfg.Notify.PubSub
	if ps.ProjectID == "" {
		a.notifier = logNotifier
		return nil
	}
	pubsubNotifier, client, err := notify.NewPubSubNotifier(ctx, ps.ProjectID, ps.Topic, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize alert topic: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	throttled := notify.NewThrottle(pubsubNotifier, a.cfg.Notify.ThrottleInterval, a.cfg.Notify.ThrottleBurst)
	a.notifier = notify.Multi{logNotifier, throttled}
	a.logger.Info("Publishing alerts to Pub/Sub", zap.String("topic", ps.Topic))
	return nil
}

func (a *App) newDriver() (bus.Driver, error) {
	switch a.cfg.Broker.Driver {
	case "amqp":
		return amqp.New(amqp.Config{URL: a.cfg.Broker.URL, Heartbeat: a.cfg.Broker.Heartbeat}, a.logger), nil
	case "memory":
		a.logger.Warn("Using the in-process message bus. Only components in this process can talk to each other.")
		return busmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown broker driver: %s", a.cfg.Broker.Driver)
	}
}

// Ready reports whether the bus has a live session.
func (a *App) Ready(context.Context) error {
	if a.bus == nil || !a.bus.Connected() {
		return bus.ErrNotConnected
	}
	return nil
}

// NewStorage builds the archive upload provider for the configured driver.
// With the repository handshake enabled, every upload is also registered.
func (a *App) NewStorage(ctx context.Context) (storage.Provider, error) {
	cfg := a.cfg.Storage
	var store storage.BlobStore
	switch cfg.Driver {
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local storage: %w", err)
		}
		store = s
	case "memory":
		a.logger.Warn("Using in-memory storage. Archive files are discarded on exit.")
		store = storagememory.NewBlobStore()
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.GCS.Bucket, ChunkSize: cfg.GCS.ChunkSize})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gcs storage: %w", err)
		}
		if err := s.CheckBucket(ctx); err != nil {
			return nil, err
		}
		store = s
	case "s3":
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}

	var registrar storage.Registrar
	if cfg.Repository.Enabled {
		client := repository.New(a.bus, a.namer, cfg.Repository.Timeout, a.logger)
		if err := client.Listen(ctx, a.bus); err != nil {
			return nil, err
		}
		registrar = client
	}
	a.logger.Info("Archive storage ready",
		zap.String("driver", cfg.Driver),
		zap.String("prefix", cfg.Prefix),
		zap.Bool("repository", registrar != nil),
	)
	return storage.NewBlobProvider(store, cfg.Prefix, registrar, a.logger), nil
}

// NewSchedulerStores returns the channel and status stores. Without a DSN the
// configured channel list is served from memory.
func (a *App) NewSchedulerStores(ctx context.Context) (scheduler.ChannelStore, scheduler.StatusStore, error) {
	cfg := a.cfg.Scheduler
	if cfg.DB.DSN == "" {
		a.logger.Info("Using in-memory scheduler stores", zap.Int("channels", len(cfg.Channels)))
		return scheduler.NewMemoryChannelStore(cfg.Channels...), scheduler.NewMemoryStatusStore(), nil
	}
	pool, err := scheduler.NewPool(ctx, scheduler.PostgresConfig{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return scheduler.NewPostgresChannelStore(pool), scheduler.NewPostgresStatusStore(pool), nil
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	if a.bus != nil {
		a.bus.Cleanup()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error closing application services", zap.Error(err))
	}
}

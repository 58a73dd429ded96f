// Package app initializes and holds long-lived application services, acting as a dependency
// injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/clock/system"
	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/config"
	"github.com/JakeFAU/source-collector/internal/detector"
	"github.com/JakeFAU/source-collector/internal/dispatcher"
	"github.com/JakeFAU/source-collector/internal/fetcher/conditional"
	"github.com/JakeFAU/source-collector/internal/hash/sha256"
	"github.com/JakeFAU/source-collector/internal/id/uuid"
	"github.com/JakeFAU/source-collector/internal/metadata"
	"github.com/JakeFAU/source-collector/internal/metadata/postgres"
	"github.com/JakeFAU/source-collector/internal/metadata/sqlite"
	"github.com/JakeFAU/source-collector/internal/pipeline"
	"github.com/JakeFAU/source-collector/internal/postprocess"
	pubmemory "github.com/JakeFAU/source-collector/internal/publisher/memory"
	"github.com/JakeFAU/source-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/source-collector/internal/publisher/redis"
	"github.com/JakeFAU/source-collector/internal/ratelimit"
	"github.com/JakeFAU/source-collector/internal/source"
	"github.com/JakeFAU/source-collector/internal/storage/gcs"
	"github.com/JakeFAU/source-collector/internal/storage/local"
	storememory "github.com/JakeFAU/source-collector/internal/storage/memory"
	"github.com/JakeFAU/source-collector/internal/storage/s3"
)

// ErrNoSubscriber is returned when the configured bus cannot be consumed from this process.
var ErrNoSubscriber = errors.New("configured bus has no subscriber")

// App holds all the shared, long-lived services for the application. It is built once per
// command and closed when the command finishes.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	records    *metadata.Store
	docs       collector.DocumentStore
	bus        collector.MessageBus
	subscriber collector.Subscriber
	dispatcher *dispatcher.Dispatcher
	closers    []func() error
}

// New builds every service named by cfg. It fails fast if any of them cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services",
		zap.String("metadata", cfg.Metadata.Backend),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("bus", cfg.Bus.Provider),
	)

	if err := a.openRecords(ctx); err != nil {
		return nil, err
	}
	if err := a.openDocuments(ctx); err != nil {
		return nil, err
	}
	if err := a.openBus(ctx); err != nil {
		return nil, err
	}

	ids := uuid.New()
	fetcher := conditional.New(conditional.Config{
		UserAgent:    cfg.Collector.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, logger.Named("fetcher"))

	file := source.NewFile(ids, logger)
	registry := source.NewRegistry()
	registry.Register(collector.KindWeb, source.NewWeb(source.WebDeps{
		Fetcher:  fetcher,
		Detector: detector.New(a.records, ids, logger.Named("detector")),
		Records:  a.records,
		Hasher:   sha256.New(),
		Limiter:  ratelimit.New(ratelimit.Config{RPS: cfg.Collector.RateLimitRPS, Burst: cfg.Collector.RateLimitBurst}),
		Logger:   logger,
	}))
	registry.Register(collector.KindFile, file)
	registry.Register(collector.KindDirectory, source.NewDirectory(file, logger))

	pipe := pipeline.New(
		registry,
		postprocess.New(cfg.Collector.MaxOutputBytes),
		a.docs,
		a.bus,
		pipeline.Config{
			MessageMode: collector.MessageMode(cfg.Collector.MessageMode),
			ForceAll:    cfg.Collector.Force,
		},
		logger.Named("pipeline"),
	)
	a.dispatcher = dispatcher.New(pipe, cfg.Collector.Concurrency, system.New(), logger.Named("dispatcher"))

	logger.Info("application services initialized", zap.Int("concurrency", a.dispatcher.Concurrency()))
	return a, nil
}

func (a *App) openRecords(ctx context.Context) error {
	store, err := OpenRecords(ctx, a.cfg.Metadata, a.logger)
	if err != nil {
		return err
	}
	a.records = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// OpenRecords opens the configured source record store on its own, without the rest of the
// services. The caller closes it.
func OpenRecords(ctx context.Context, mc config.MetadataConfig, logger *zap.Logger) (*metadata.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var backend metadata.Backend
	switch mc.Backend {
	case "memory":
		backend = metadata.NewMemoryBackend()
	case "sqlite":
		b, err := sqlite.Open(mc.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite metadata: %w", err)
		}
		backend = b
	case "postgres":
		b, err := postgres.New(ctx, postgres.Config{
			DSN:             mc.Postgres.DSN,
			Table:           mc.Postgres.Table,
			MaxConns:        mc.Postgres.MaxConns,
			MinConns:        mc.Postgres.MinConns,
			MaxConnLifetime: mc.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres metadata: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown metadata backend: %s", mc.Backend)
	}

	store, err := metadata.Open(ctx, backend, logger.Named("metadata"))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to load source records: %w", err)
	}
	return store, nil
}

func (a *App) openDocuments(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Provider {
	case "memory":
		a.docs = storememory.NewDocumentStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: sc.Local.BaseDir, Prefix: sc.Prefix})
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		a.docs = store
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: sc.GCS.Bucket, Prefix: sc.Prefix}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("failed to initialize gcs storage: %w", err)
		}
		a.docs = store
		a.closers = append(a.closers, store.Close)
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Bucket:          sc.S3.Bucket,
			Prefix:          sc.Prefix,
			Region:          sc.S3.Region,
			Endpoint:        sc.S3.Endpoint,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			UsePathStyle:    sc.S3.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		a.docs = store
	default:
		return fmt.Errorf("unknown storage provider: %s", sc.Provider)
	}
	return nil
}

func (a *App) openBus(ctx context.Context) error {
	bc := a.cfg.Bus
	switch bc.Provider {
	case "memory":
		if a.cfg.Receiver.InProcess {
			bus := pubmemory.NewBus(64)
			a.bus = pubmemory.NewWithBus(bus)
			a.subscriber = bus
			a.closers = append(a.closers, func() error { bus.Close(); return nil })
			return nil
		}
		a.bus = pubmemory.New()
	case "pubsub":
		client, err := pubsub.Open(ctx, pubsub.Config{
			ProjectID:    bc.PubSub.ProjectID,
			Topic:        bc.PubSub.Topic,
			Subscription: bc.PubSub.Subscription,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("failed to initialize pubsub: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		pub, err := client.Publisher()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pub.Stop(); return nil })
		a.bus = pub
		if bc.PubSub.Subscription != "" {
			sub, err := client.Subscriber()
			if err != nil {
				return err
			}
			a.subscriber = sub
		}
	case "redis":
		bus, err := redis.Open(ctx, redis.Config{
			Address:  bc.Redis.Address,
			Password: bc.Redis.Password,
			Database: bc.Redis.Database,
			Stream:   bc.Redis.Stream,
			Group:    bc.Redis.Group,
			Consumer: bc.Redis.Consumer,
			MaxLen:   bc.Redis.MaxLen,
		}, a.logger.Named("redis"))
		if err != nil {
			return fmt.Errorf("failed to initialize redis bus: %w", err)
		}
		a.closers = append(a.closers, bus.Close)
		a.bus = bus
		a.subscriber = bus
	default:
		return fmt.Errorf("unknown bus provider: %s", bc.Provider)
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Records returns the source record store.
func (a *App) Records() *metadata.Store { return a.records }

// Documents returns the document store.
func (a *App) Documents() collector.DocumentStore { return a.docs }

// Bus returns the message bus.
func (a *App) Bus() collector.MessageBus { return a.bus }

// Subscriber returns the receive side of the bus.
func (a *App) Subscriber() (collector.Subscriber, error) {
	if a.subscriber == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSubscriber, a.cfg.Bus.Provider)
	}
	return a.subscriber, nil
}

// Run collects sources once through the worker pool.
func (a *App) Run(ctx context.Context, sources []collector.SourceConfig) (dispatcher.Summary, error) {
	return a.dispatcher.Run(ctx, sources)
}

// Close shuts down services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

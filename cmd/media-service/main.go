package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/media-service/internal/api/handlers/image"
	"github.com/aliskhannn/media-service/internal/api/router"
	"github.com/aliskhannn/media-service/internal/api/server"
	"github.com/aliskhannn/media-service/internal/auth"
	"github.com/aliskhannn/media-service/internal/config"
	"github.com/aliskhannn/media-service/internal/events"
	"github.com/aliskhannn/media-service/internal/infra/kafka/consumer"
	"github.com/aliskhannn/media-service/internal/infra/kafka/producer"
	natsinfra "github.com/aliskhannn/media-service/internal/infra/nats"
	eventmsg "github.com/aliskhannn/media-service/internal/kafka/handlers/event"
	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/processor"
	"github.com/aliskhannn/media-service/internal/queue"
	auditrepo "github.com/aliskhannn/media-service/internal/repository/audit"
	imagerepo "github.com/aliskhannn/media-service/internal/repository/image"
	"github.com/aliskhannn/media-service/internal/repository/memory"
	"github.com/aliskhannn/media-service/internal/repository/migrations"
	imagesvc "github.com/aliskhannn/media-service/internal/service/image"
	"github.com/aliskhannn/media-service/internal/storage/file"
	miniostorage "github.com/aliskhannn/media-service/internal/storage/minio"
	"github.com/aliskhannn/media-service/internal/validator"
)

const defaultConfigPath = "./config/config.yml"

// auditLog stores and reads audit records.
type auditLog interface {
	Record(ctx context.Context, rec model.AuditRecord) error
	ListByImage(ctx context.Context, imageID int64, limit int) ([]model.AuditRecord, error)
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		zlog.Logger.Warn().Err(err).Msg("failed to load .env")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg := config.MustLoad(configPath)

	// Retry strategy for Kafka, MinIO and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Metadata store and audit log.
	repo, audit, db := openMetadata(cfg)

	// Blob store for originals and variants.
	blobs := openBlobStore(ctx, cfg, strategy)

	// Event bus. With a broker, audit records reach the audit log through it.
	var wg sync.WaitGroup
	bus, kafkaConsumer := openEvents(ctx, cfg, strategy, audit, &wg)

	// Processing queue, processor and service layer.
	if !processor.WebPSupported {
		zlog.Logger.Warn().Msg("built without cgo, webp variants will fail")
	}

	q := queue.New(cfg.Queue.Workers)
	q.Subscribe(bus.OnJob)

	gen := processor.NewGenerator(processor.Options{
		JPEGQuality:   cfg.Media.JPEGQuality,
		WebPQuality:   cfg.Media.WebPQuality,
		WatermarkText: cfg.Media.WatermarkText,
	})

	service := imagesvc.NewService(
		repo,
		blobs,
		processor.New(blobs, gen),
		q,
		validator.New(cfg.Media.MaxFileSize, parseFormats(cfg.Media.AllowedFormats)),
		auth.New(roleTable(cfg.Auth.Roles)),
		bus,
		imagesvc.Options{
			MaxAttempts: cfg.Processing.MaxAttempts,
			StaleAfter:  cfg.Processing.StaleAfter,
			ETACap:      cfg.Processing.ETACap,
			MaxPixels:   cfg.Media.MaxPixels,
		},
	).WithAuditLog(audit)

	q.Start()

	// Re-schedule images left pending or processing by a previous run.
	if cfg.Processing.ReconcileInterval > 0 {
		go service.RunReconciler(ctx, cfg.Processing.ReconcileInterval)
	} else if _, err := service.Reconcile(ctx); err != nil {
		zlog.Logger.Error().Err(err).Msg("startup reconciliation failed")
	}

	// Start HTTP server in a separate goroutine.
	r := router.Setup(image.NewHandler(service, cfg.Media.MaxFileSize), cfg.Server.AllowedOrigins)
	s := server.New(cfg.Server, r)
	go func() {
		zlog.Logger.Info().Str("addr", s.Addr).Msg("starting server")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	// Queued jobs resolve as failed and stay pending for the next run.
	if err := q.Stop(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to drain processing queue")
	}
	if err := service.Wait(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("job continuations did not finish")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	if err := bus.Close(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close event bus")
	}

	// Wait for Kafka consumer goroutine to finish.
	wg.Wait()
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
		}
	}

	// Close master and slave databases.
	if db != nil {
		if err := db.Master.Close(); err != nil {
			zlog.Logger.Printf("failed to close master DB: %v", err)
		}
		for i, s := range db.Slaves {
			if err := s.Close(); err != nil {
				zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
			}
		}
	}
}

// openMetadata connects the configured metadata store. db is nil for the memory driver.
func openMetadata(cfg *config.Config) (imagesvc.Repository, auditLog, *dbpg.DB) {
	switch cfg.Database.Driver {
	case "", "memory":
		zlog.Logger.Warn().Msg("using in-memory metadata store, data is lost on restart")
		return memory.NewRepository(), memory.NewAuditLog(), nil
	case "postgres":
	default:
		zlog.Logger.Fatal().Str("driver", cfg.Database.Driver).Msg("unknown database driver")
	}

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	// Collect slave DSNs for replica connections.
	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if cfg.Database.Migrate {
		if err := migrations.Up(db.Master); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	return imagerepo.NewRepository(db), auditrepo.NewRepository(db), db
}

func openBlobStore(ctx context.Context, cfg *config.Config, strategy retry.Strategy) imagesvc.FileStorage {
	switch cfg.Storage.Backend {
	case "minio":
		st, err := miniostorage.NewStorage(
			ctx,
			cfg.Storage.Endpoint,
			cfg.Storage.AccessKey,
			cfg.Storage.SecretKey,
			cfg.Storage.BucketName,
			cfg.Storage.UseSSL,
			strategy,
		)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
		}
		return st
	case "", "local":
		st, err := file.NewStorage(cfg.Storage.LocalPath)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to open local storage")
		}
		return st
	default:
		zlog.Logger.Fatal().Str("backend", cfg.Storage.Backend).Msg("unknown storage backend")
		return nil
	}
}

// openEvents builds the event bus. For kafka the returned consumer persists
// audit events and runs until ctx is canceled.
func openEvents(
	ctx context.Context,
	cfg *config.Config,
	strategy retry.Strategy,
	audit auditLog,
	wg *sync.WaitGroup,
) (*events.Bus, *consumer.Consumer) {
	handler := eventmsg.NewHandler(audit)

	switch cfg.Events.Driver {
	case "kafka":
		p := producer.New(&cfg.Kafka, strategy)
		c := consumer.New(&cfg.Kafka, strategy, handler)

		wg.Add(1)
		go c.Consume(ctx, wg)

		return events.NewBus(p, nil, cfg.Events.PublishTimeout), c
	case "nats":
		client, err := natsinfra.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		if _, err := client.Subscribe(model.EventAudit, handler.HandleEvent); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to subscribe to audit events")
		}

		return events.NewBus(client, nil, cfg.Events.PublishTimeout), nil
	case "", "none":
		return events.NewBus(events.Nop{}, audit, cfg.Events.PublishTimeout), nil
	default:
		zlog.Logger.Fatal().Str("driver", cfg.Events.Driver).Msg("unknown events driver")
		return nil, nil
	}
}

func parseFormats(names []string) []model.Format {
	formats := make([]model.Format, 0, len(names))
	for _, n := range names {
		f := model.Format(strings.ToLower(strings.TrimSpace(n)))
		if f.MimeType() == "" {
			zlog.Logger.Warn().Str("format", n).Msg("ignoring unknown format")
			continue
		}
		formats = append(formats, f)
	}

	return formats
}

func roleTable(roles map[string][]string) auth.Table {
	if len(roles) == 0 {
		return nil
	}

	t := make(auth.Table, len(roles))
	for role, caps := range roles {
		for _, c := range caps {
			t[role] = append(t[role], auth.Capability(c))
		}
	}

	return t
}

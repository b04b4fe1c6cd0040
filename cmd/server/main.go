package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hilthontt/monopoly/internal/application/game"
	"github.com/hilthontt/monopoly/internal/application/ingest"
	"github.com/hilthontt/monopoly/internal/application/rooms"
	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/configs"
	"github.com/hilthontt/monopoly/internal/infrastructure/events"
	"github.com/hilthontt/monopoly/internal/infrastructure/ledger"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/messaging"
	"github.com/hilthontt/monopoly/internal/infrastructure/metrics"
	"github.com/hilthontt/monopoly/internal/infrastructure/ratelimiter"
	memory "github.com/hilthontt/monopoly/internal/infrastructure/repository"
	"github.com/hilthontt/monopoly/internal/infrastructure/tracing"
	"github.com/hilthontt/monopoly/internal/infrastructure/ws"
	"github.com/hilthontt/monopoly/internal/persistence/db"
	"github.com/hilthontt/monopoly/internal/persistence/repository"
	"github.com/hilthontt/monopoly/internal/presentation/api"
	"github.com/hilthontt/monopoly/internal/presentation/handler/gateway"
	"github.com/hilthontt/monopoly/internal/presentation/handler/health"
	ingestHandler "github.com/hilthontt/monopoly/internal/presentation/handler/ingest"
	roomHandler "github.com/hilthontt/monopoly/internal/presentation/handler/rooms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const serviceName = "monopoly-relay"

type storage struct {
	history domain.HistoryRepository
	rooms   domain.RoomRepository
	checks  map[string]health.Check
	close   func() error
}

func openStorage(cfg configs.StorageConfig) (*storage, error) {
	if cfg.Driver == "memory" {
		return &storage{
			history: memory.NewHistoryRepository(),
			rooms:   memory.NewRoomRepository(),
			checks:  map[string]health.Check{},
			close:   func() error { return nil },
		}, nil
	}

	sqlDB, err := db.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &storage{
		history: repository.NewHistoryRepository(sqlDB),
		rooms:   repository.NewRoomRepository(sqlDB),
		checks:  map[string]health.Check{"storage": pingCheck(sqlDB)},
		close:   sqlDB.Close,
	}, nil
}

func pingCheck(sqlDB *sql.DB) health.Check {
	return func(ctx context.Context) error {
		return sqlDB.PingContext(ctx)
	}
}

func newPublisher(cfg configs.MessagingConfig, logger logging.Logger) (events.Publisher, func()) {
	if cfg.URI == "" {
		return events.NewNopPublisher(), func() {}
	}
	rabbitmq, err := messaging.NewRabbitMQ(cfg.URI, cfg.Exchange)
	if err != nil {
		logger.Fatal(logging.RabbitMQ, logging.Startup, "failed to connect to rabbitmq", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
	logger.Info(logging.RabbitMQ, logging.Startup, "publishing history to rabbitmq", map[logging.ExtraKey]any{
		logging.Path: cfg.Exchange,
	})
	return events.NewBrokerPublisher(rabbitmq), rabbitmq.Close
}

func main() {
	configPath := configs.DetermineConfigPath()
	cfg, err := configs.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logCfg := logging.NewConfig(cfg.Logger)
	logger := logging.NewLogger(logCfg)
	sugar := logging.NewSugared(logCfg, logCfg.ZapLevel())
	defer sugar.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(tracing.NewConfig(serviceName, cfg.Tracing))
	if err != nil {
		logger.Fatal(logging.General, logging.Startup, "failed to initialize the tracer", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
	defer shutdownTracer(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		logger.Fatal(logging.Sqlite, logging.Startup, "failed to open storage", map[logging.ExtraKey]any{
			logging.Path:         cfg.Storage.Path,
			logging.ErrorMessage: err.Error(),
		})
	}
	defer store.close()

	publisher, closePublisher := newPublisher(cfg.Messaging, logger)
	defer closePublisher()

	client := ledger.NewClient(cfg.Ledger, logger, m)

	core := ws.NewCore(logger, m)
	go core.Run(ctx)

	roomService := rooms.NewService(store.rooms, publisher, logger)
	projector := game.NewProjector(store.history, client, cfg.Game.BoardSize, logger)
	engine := game.NewEngine(game.EngineConfig{
		Signer:     cfg.Ledger.AdminSigner,
		BoardSize:  cfg.Game.BoardSize,
		RoundLimit: cfg.Game.RoundLimit,
	}, store.history, client, projector, roomService, core, publisher, logger)

	pipeline := ingest.NewPipeline(cfg.Ingest, client.EventType, store.history, client, engine, publisher, logger, m)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Start(ctx)
	}()

	rl := ratelimiter.NewFixedWindow(cfg.RateLimiter.RequestsPerTimeFrame, cfg.RateLimiter.TimeFrame)
	defer rl.Close()

	app := api.NewApplication(
		*cfg,
		roomHandler.NewHandler(roomService, projector, store.history, logger),
		health.NewHandler(store.checks),
		gateway.NewHandler(core, roomService, engine, projector, cfg.HTTP.AllowedOrigins, logger),
		ingestHandler.NewHandler(pipeline, logger),
		m.Handler(),
		logger,
		sugar,
		rl,
	)

	if err := app.Run(ctx, app.Mount()); err != nil {
		logger.Error(logging.General, logging.Shutdown, "server stopped with error", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		stop()
	}

	wg.Wait()
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hilthontt/monopoly/internal/infrastructure/configs"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/ratelimiter"
	gatewayHandler "github.com/hilthontt/monopoly/internal/presentation/handler/gateway"
	healthHandler "github.com/hilthontt/monopoly/internal/presentation/handler/health"
	ingestHandler "github.com/hilthontt/monopoly/internal/presentation/handler/ingest"
	roomHandler "github.com/hilthontt/monopoly/internal/presentation/handler/rooms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type Application struct {
	config         configs.Config
	roomHandler    *roomHandler.Handler
	healthHandler  *healthHandler.Handler
	gatewayHandler *gatewayHandler.Handler
	ingestHandler  *ingestHandler.Handler
	metrics        http.Handler
	logger         logging.Logger
	sugar          *zap.SugaredLogger
	ratelimiter    ratelimiter.Limiter
}

func NewApplication(
	config configs.Config,
	roomHandler *roomHandler.Handler,
	healthHandler *healthHandler.Handler,
	gatewayHandler *gatewayHandler.Handler,
	ingestHandler *ingestHandler.Handler,
	metrics http.Handler,
	logger logging.Logger,
	sugar *zap.SugaredLogger,
	ratelimiter ratelimiter.Limiter,
) *Application {
	return &Application{
		config:         config,
		roomHandler:    roomHandler,
		healthHandler:  healthHandler,
		gatewayHandler: gatewayHandler,
		ingestHandler:  ingestHandler,
		metrics:        metrics,
		logger:         logger,
		sugar:          sugar,
		ratelimiter:    ratelimiter,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(app.loggerMiddleware)
	r.Use(app.enableCors)

	// the websocket outlives any request timeout
	r.Get("/ws", app.gatewayHandler.ServeWS)
	r.Handle("/metrics", app.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(app.rateLimiterMiddleware)

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", app.roomHandler.ListRoomsHandler)
			r.Get("/{roomId}", app.roomHandler.GetRoomHandler)
			r.Get("/{roomId}/state", app.roomHandler.GetStateHandler)
			r.Get("/{roomId}/history", app.roomHandler.GetHistoryHandler)
		})

		r.Post("/ingest/{action}", app.ingestHandler.RunHandler)

		r.Get("/health", app.healthHandler.GetHealth)
		r.Get("/healthz", app.healthHandler.GetHealth)
	})

	return otelhttp.NewHandler(r, "monopoly.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Run serves mux until ctx is cancelled, then shuts the server down
// gracefully.
func (app *Application) Run(ctx context.Context, mux http.Handler) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.HTTP.Host, app.config.HTTP.Port),
		Handler:      mux,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		app.sugar.Infow("shutting down server", "addr", srv.Addr)
		shutdown <- srv.Shutdown(shutdownCtx)
	}()

	app.sugar.Infow("server has started", "addr", srv.Addr)

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdown; err != nil {
		return err
	}

	app.sugar.Infow("server has stopped", "addr", srv.Addr)
	return nil
}

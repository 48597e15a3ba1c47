package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"SupportChat/server/internal/appMiddleware"
	"SupportChat/server/internal/config"
	"SupportChat/server/internal/db"
	"SupportChat/server/internal/handlers"
	"SupportChat/server/internal/notify"
	"SupportChat/server/internal/pool"
	"SupportChat/server/internal/services"
	"SupportChat/server/internal/store"
	"SupportChat/server/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server has been successfully stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsDev() {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func run(cfg *config.Config, logger *slog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chatStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, chatStore.Close()) }()

	hub := pool.NewHub(pool.LoaderFunc(chatStore.Get), logger)
	bus := services.Broadcasters{hub}

	if cfg.AMQPURL != "" {
		publisher, dialErr := notify.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if dialErr != nil {
			return dialErr
		}
		defer func() { err = multierr.Append(err, publisher.Close()) }()
		bus = append(bus, publisher)
		logger.Info("publishing chat events", slog.String("exchange", cfg.AMQPExchange))
	}

	clock := clockwork.NewRealClock()
	chats := services.NewChatService(chatStore, bus, clock, logger)
	signer := utils.NewTokenSigner(cfg.JWTSecret, cfg.VisitorTTL)

	r := chi.NewRouter()

	r.Use(appMiddleware.CorsMiddleware(cfg.CORSOrigins))

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	handlers.RegisterRoutes(r, handlers.NewHandler(chats, hub, signer, clock, logger))

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		// push connections end with the server
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		logger.Info("server started", slog.String("addr", srv.Addr), slog.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping the server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreBolt:
		return store.NewBoltStore(cfg.BoltPath)
	case config.StorePostgres:
		if err := db.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		pgPool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pgPool, logger), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

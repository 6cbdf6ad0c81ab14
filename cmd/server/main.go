package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/mirror-engine/internal/api"
	"github.com/atmx/mirror-engine/internal/config"
	"github.com/atmx/mirror-engine/internal/copytrade"
	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/engine"
	"github.com/atmx/mirror-engine/internal/events"
	"github.com/atmx/mirror-engine/internal/kafka"
	"github.com/atmx/mirror-engine/internal/metrics"
	"github.com/atmx/mirror-engine/internal/secret"
	"github.com/atmx/mirror-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("mirror-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("mirror-engine stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	keyring, err := secret.NewKeyring(cfg.EncryptionKeys)
	if err != nil {
		return fmt.Errorf("load encryption keys: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, keyring)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		lite, err := store.OpenSQLite(ctx, cfg.SQLitePath, keyring)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL, keyring)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	// --- Deriv connections ---
	dcfg := deriv.Config{
		URL:       cfg.DerivURL,
		AppID:     cfg.DerivAppID,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}
	master, err := deriv.Dial(ctx, dcfg)
	if err != nil {
		return fmt.Errorf("dial master connection: %w", err)
	}
	cleanup = append(cleanup, func() { master.Close() })

	// Linked-account tokens are authorized on their own connection so the
	// master session is never switched.
	validator, err := deriv.Dial(ctx, dcfg)
	if err != nil {
		return fmt.Errorf("dial validation connection: %w", err)
	}
	cleanup = append(cleanup, func() { validator.Close() })

	bus := events.NewBus()
	eng, err := engine.New(master, st, bus, engine.Config{
		Mode:         cfg.Mode,
		MaxParallel:  cfg.MaxParallel,
		RecentTrades: cfg.RecentTrades,
		MasterToken:  cfg.MasterToken,
		Validator:    validator,
		CopyDialer: func(ctx context.Context) (copytrade.Conn, error) {
			c, err := deriv.Dial(ctx, dcfg)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return err
	}
	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	svc := api.NewService(eng)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if master.Err() != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":%q,"service":"mirror-engine","mode":%q}`, status, eng.Mode())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(api.AuthMiddleware(cfg.JWTSecret))
		} else {
			slog.Warn("JWT_SECRET not set, operator API is unauthenticated")
		}

		// Domain event stream. Long-lived, so outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		wsHub.Follow(gctx, bus)
		return nil
	})
	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewTradePublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() {
			if err := publisher.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		g.Go(func() error {
			publisher.Run(gctx, bus)
			return nil
		})
		slog.Info("kafka event sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	g.Go(func() error {
		slog.Info("mirror-engine listening", "port", cfg.Port, "mode", eng.Mode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down mirror-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

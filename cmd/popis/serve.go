package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/erazemk/popis/internal/api"
	"github.com/erazemk/popis/internal/config"
	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/reconcile"
	"github.com/erazemk/popis/internal/scope"
	"github.com/erazemk/popis/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if path, _ := cmd.Flags().GetString("db"); path != "" {
			cfg.Database.SQLite.Path = path
		}

		database, err := openDatabase(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		engine, closeScopes := newEngine(database, cfg)
		defer closeScopes()

		secret, err := jwtSecret(cmd.Context(), database)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/api/", api.NewRouter(database, engine, secret))

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			slog.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("server forced to shutdown", "error", err)
			}
		}()

		slog.Info("server started", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		slog.Info("server stopped, closing database")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "listen address (overrides server.addr)")
	serveCmd.Flags().StringP("db", "d", "", "SQLite database path (overrides database.sqlite.path)")
	rootCmd.AddCommand(serveCmd)
}

// newEngine builds the reconciliation engine, caching auditor scopes in Redis
// when an address is configured.
func newEngine(database *db.DB, cfg *config.Config) (*reconcile.Engine, func()) {
	var resolver scope.Resolver = scope.NewDBResolver(database)
	closeFn := func() {}
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		resolver = scope.NewCachedResolver(resolver, client, cfg.Redis.ScopeTTL)
		closeFn = func() { client.Close() }
		slog.Info("caching auditor scopes", "redis", cfg.Redis.Address, "ttl", cfg.Redis.ScopeTTL)
	}
	return reconcile.NewEngine(database, resolver, cfg.Server.PullPageSize), closeFn
}

// jwtSecret returns the configured signing secret, or the one persisted in
// the database.
func jwtSecret(ctx context.Context, database *db.DB) (string, error) {
	if cfg.Server.JWTSecret != "" {
		return cfg.Server.JWTSecret, nil
	}
	return store.GetJWTSecret(ctx, database)
}

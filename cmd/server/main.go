package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
	gfshutdown "github.com/gelmium/graceful-shutdown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.Log)
	logger := logging.L()

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open room store")
	}

	srv, err := server.New(context.Background(), *cfg, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat server")
	}

	httpServer := server.CreateServer(cfg.Server.Port, srv.SetupRoutes())

	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("backend", cfg.Store.Backend).
			Msg("chat server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-server": func(ctx context.Context) error {
				logger.Info().Msg("graceful shutdown initiated")
				if err := httpServer.Shutdown(ctx); err != nil {
					return err
				}
				if err := srv.Shutdown(shutdownTimeout); err != nil {
					return err
				}
				return st.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("chat server exited")
	os.Exit(exitCode)
}

func openStore(cfg *config.Config) (store.Store, error) {
	limit := cfg.Chat.HistoryLimit

	switch cfg.Store.Backend {
	case config.BackendRedis:
		return store.NewRedisStore(store.RedisConfig{
			Address:  cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		}, limit)
	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.Store.SQLite.Path, cfg.Store.SQLite.Debug)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(db, limit)
	default:
		return store.NewMemoryStore(limit), nil
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"boardpilot/api/internal/app"
	"boardpilot/api/internal/config"
	"boardpilot/api/internal/realtime"
	"boardpilot/api/internal/reconcile"
	"boardpilot/api/internal/session"
	"boardpilot/api/internal/store"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "api",
		Short:        "Boardpilot API - boards, board contexts and assistant suggestions",
		Version:      Version,
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			configureLogging(cfg)
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				return errors.New("DATABASE_URL is required to migrate")
			}
			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			log.WithField("applied", applied).Info("migrations complete")
			return nil
		},
	}
}

func configureLogging(cfg config.Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	configureLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		dataStore app.Store
		tx        reconcile.TxFunc
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.WithField("applied", applied).Info("migrations applied")
		}
		pg := store.NewPostgresStore(db)
		dataStore, tx = pg, reconcile.PostgresTx(pg)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		mem := store.NewMemoryStore()
		dataStore, tx = mem, reconcile.MemoryTx(mem)
	}

	hub := realtime.NewHub(cfg.CORSOrigin)
	defer hub.Close()

	var (
		chat     session.Store
		notifier realtime.Notifier
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("Using Redis for chat history and realtime fan-out")
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.ChatHistoryTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		publisher := realtime.NewRedisPublisher(redisStore.Client(), cfg.NotifyChannelPrefix, cfg.NotifyTimeout)
		defer publisher.Wait()
		go func() {
			if err := hub.Run(ctx, redisStore.Client(), publisher.Pattern()); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("realtime subscriber stopped")
			}
		}()
		chat, notifier = redisStore, publisher
	} else {
		chat, notifier = session.NewMemoryStore(), hub
	}

	service := app.NewService(cfg, dataStore, tx, notifier, chat)
	server := app.NewHTTPServer(service, hub, cfg.JWTSecret, cfg.CORSOrigin)

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": cfg.Addr, "version": Version}).Info("Boardpilot API listening")
		errCh <- server.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	return nil
}

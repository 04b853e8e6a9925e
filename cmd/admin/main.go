// Command admin is the tenancy-management process: bot and spec CRUD,
// reload/validate, broadcast scheduling, and tenant data purge. It
// shares the Postgres store with cmd/runtime and nothing else.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/adminapi"
	"github.com/gagarinyury/botfactory-runtime/internal/config"
	"github.com/gagarinyury/botfactory-runtime/internal/i18n"
	"github.com/gagarinyury/botfactory-runtime/internal/logging"
	"github.com/gagarinyury/botfactory-runtime/internal/spec"
	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
)

func main() {
	cfg, err := config.LoadAdmin()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("postgres open failed", zap.Error(err))
	}
	defer func() { _ = postgres.Close(db) }()

	if err := postgres.AutoMigrate(db); err != nil {
		log.Fatal("automigrate failed", zap.Error(err))
	}

	specCache := spec.NewCache(specLoader(db))
	handler := adminapi.New(log, db, specCache, i18n.New(db))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("admin listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve failed", zap.Error(err))
	}
	log.Info("admin stopped")
}

func specLoader(db *gorm.DB) spec.Loader {
	return func(ctx context.Context, botID string) (int, []byte, error) {
		var row postgres.BotSpec
		err := db.WithContext(ctx).
			Where("bot_id = ?", botID).
			Order("version DESC").
			First(&row).Error
		if err != nil {
			return 0, nil, err
		}
		return row.Version, []byte(row.SpecJSON), nil
	}
}

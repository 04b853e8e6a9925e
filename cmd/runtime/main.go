// Command runtime is the bot-facing process: webhook ingest, preview,
// health and metrics endpoints, the broadcast worker loop, and the
// daily housekeeping jobs. Tenancy management lives in cmd/admin.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/actions"
	"github.com/gagarinyury/botfactory-runtime/internal/broadcast"
	"github.com/gagarinyury/botfactory-runtime/internal/calendar"
	"github.com/gagarinyury/botfactory-runtime/internal/config"
	"github.com/gagarinyury/botfactory-runtime/internal/events"
	"github.com/gagarinyury/botfactory-runtime/internal/i18n"
	"github.com/gagarinyury/botfactory-runtime/internal/interp"
	"github.com/gagarinyury/botfactory-runtime/internal/llmbreaker"
	"github.com/gagarinyury/botfactory-runtime/internal/logging"
	"github.com/gagarinyury/botfactory-runtime/internal/spec"
	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
	"github.com/gagarinyury/botfactory-runtime/internal/store/redisdb"
	"github.com/gagarinyury/botfactory-runtime/internal/webhookapi"
	"github.com/gagarinyury/botfactory-runtime/internal/wizard"
)

func main() {
	cfg, err := config.LoadRuntime()
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

	redisClient, err := redisdb.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal("redis open failed", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	specCache := spec.NewCache(specLoader(db))
	wizards := wizard.New(redisClient.Client)
	resolver := i18n.New(db)
	sink := events.New(db)
	cal := calendar.New(nil)

	var improver actions.LLMImprover
	var breaker *llmbreaker.Breaker
	if cfg.LLMEnabled {
		breaker = llmbreaker.New(redisClient, db, llmbreaker.Config{
			BaseURL:    cfg.LLMBaseURL,
			Model:      cfg.LLMModel,
			Timeout:    cfg.LLMTimeout,
			CacheTTL:   cfg.LLMCacheTTL,
			RateLimit:  cfg.LLMRateLimit,
			MaxRetries: cfg.LLMMaxRetries,
		})
		improver = breaker
	}

	executor := actions.New(sink, resolver, improver, cal, cfg.MaskSensitiveData)
	ip := interp.New(db, specCache, wizards, executor, cal, resolver.ResolveLocale)

	handler := webhookapi.New(log, db, redisClient, ip, cfg.MetricsEnabled)
	bcast := broadcast.New(db, handler, resolver)

	go broadcastSweeper(ctx, log, db, bcast)

	c := cron.New(cron.WithLocation(time.UTC))
	if breaker != nil {
		// UTC-midnight token budget rollover across every known bot.
		_, _ = c.AddFunc("0 0 * * *", func() {
			var ids []string
			if err := db.Model(&postgres.Bot{}).Pluck("id", &ids).Error; err != nil {
				log.Warn("budget reset: list bots failed", zap.Error(err))
				return
			}
			for _, id := range ids {
				if err := breaker.ResetDaily(context.Background(), id); err != nil {
					log.Warn("budget reset failed", zap.String("bot_id", id), zap.Error(err))
				}
			}
		})
	}
	_, _ = c.AddFunc("30 2 * * *", func() {
		if err := sink.Purge(context.Background(), cfg.EventsDBRetentionDays); err != nil {
			log.Warn("event retention purge failed", zap.Error(err))
		}
	})
	c.Start()
	defer c.Stop()

	mux := handler.Mux()
	mux.HandleFunc("POST /bots/{id}/reload", func(w http.ResponseWriter, r *http.Request) {
		cs, err := specCache.Reload(r.Context(), r.PathValue("id"))
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": "validation_failed", "message": err.Error(), "trace_id": ""}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"bot_id": r.PathValue("id"), "version": cs.Version})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("runtime listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve failed", zap.Error(err))
	}
	log.Info("runtime stopped")
}

// specLoader fetches the highest published spec version for a bot.
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

// broadcastSweeper picks up pending or interrupted broadcasts and drives
// them. Running ones are resumed too: a row stuck in running means a
// previous process died mid-fan-out, and Run continues from the last
// recorded delivery event.
func broadcastSweeper(ctx context.Context, log *zap.Logger, db *gorm.DB, engine *broadcast.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var pending []postgres.Broadcast
		err := db.WithContext(ctx).
			Where("status IN ?", []postgres.BroadcastStatus{postgres.BroadcastPending, postgres.BroadcastRunning}).
			Order("id ASC").
			Find(&pending).Error
		if err != nil {
			log.Warn("broadcast sweep failed", zap.Error(err))
			continue
		}

		for _, b := range pending {
			if err := engine.Run(ctx, b.ID); err != nil {
				log.Warn("broadcast run failed",
					zap.Uint("broadcast_id", b.ID),
					zap.String("bot_id", b.BotID),
					zap.Error(err))
			}
		}
	}
}

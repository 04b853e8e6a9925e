// Package webhookapi is the HTTP framing layer for inbound Telegram
// updates: a multi-tenant per-{bot_id} mux that does decoding, health,
// and /metrics exposition only. Routing and DSL execution live in
// internal/interp.
package webhookapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/broadcast"
	"github.com/gagarinyury/botfactory-runtime/internal/interp"
	"github.com/gagarinyury/botfactory-runtime/internal/logging"
	"github.com/gagarinyury/botfactory-runtime/internal/metrics"
	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
	"github.com/gagarinyury/botfactory-runtime/internal/store/redisdb"
)

// Handler wires the interpreter to the public HTTP surface.
type Handler struct {
	log            *zap.Logger
	db             *gorm.DB
	redis          *redisdb.Client
	ip             *interp.Interpreter
	metricsEnabled bool

	mu      sync.Mutex
	clients map[string]*tgbotapi.BotAPI // keyed by bot_id; lazily populated
}

// New builds a Handler. metricsEnabled controls whether /metrics is
// exposed at all.
func New(log *zap.Logger, db *gorm.DB, redis *redisdb.Client, ip *interp.Interpreter, metricsEnabled bool) *Handler {
	return &Handler{
		log:            log,
		db:             db,
		redis:          redis,
		ip:             ip,
		metricsEnabled: metricsEnabled,
		clients:        make(map[string]*tgbotapi.BotAPI),
	}
}

// Mux builds the *http.ServeMux this handler serves.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tg/{bot_id}", h.handleWebhook)
	mux.HandleFunc("POST /preview/send", h.handlePreviewSend)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/pg", h.handleHealthPG)
	mux.HandleFunc("GET /health/db", h.handleHealthPG)
	mux.HandleFunc("GET /health/redis", h.handleHealthRedis)
	mux.HandleFunc("GET /health/llm", h.handleHealthLLM)
	if h.metricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.WebhookLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
	}()

	botID := r.PathValue("bot_id")
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = fmt.Sprintf("%s-%d", botID, time.Now().UnixNano())
	}
	log := logging.WithTrace(h.log, traceID)

	var bot postgres.Bot
	if err := h.db.WithContext(r.Context()).Where("id = ?", botID).First(&bot).Error; err != nil {
		http.Error(w, "unknown bot", http.StatusNotFound)
		return
	}
	if r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != bot.WebhookSecret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	u, ok := toUpdate(botID, traceID, update)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	log = logging.WithBotUser(log, botID, u.UserID)

	outcome, err := h.ip.Handle(ctx, u)
	if err != nil {
		log.Error("handle update failed", zap.Error(err))
		metrics.BotErrorsTotal.WithLabelValues(botID, "webhook", "handle_error").Inc()
		w.WriteHeader(http.StatusOK) // Telegram retries on non-2xx; a local failure should not trigger redelivery storms
		return
	}

	for _, reply := range outcome.Replies {
		if err := h.deliver(ctx, &bot, u.ChatID, reply.Text, reply.Keyboard); err != nil {
			log.Warn("deliver reply failed", zap.Error(err))
		}
	}

	w.WriteHeader(http.StatusOK)
}

func toUpdate(botID, traceID string, tu tgbotapi.Update) (interp.Update, bool) {
	switch {
	case tu.Message != nil:
		return interp.Update{
			BotID:   botID,
			UserID:  tu.Message.From.ID,
			ChatID:  tu.Message.Chat.ID,
			Text:    tu.Message.Text,
			TraceID: traceID,
		}, true
	case tu.CallbackQuery != nil:
		return interp.Update{
			BotID:        botID,
			UserID:       tu.CallbackQuery.From.ID,
			ChatID:       tu.CallbackQuery.Message.Chat.ID,
			CallbackData: tu.CallbackQuery.Data,
			TraceID:      traceID,
		}, true
	default:
		return interp.Update{}, false
	}
}

// Send implements broadcast.Sender against the real Telegram Bot API
// client for a bot.
func (h *Handler) Send(ctx context.Context, botID string, userID int64, text string, keyboard json.RawMessage) error {
	var bot postgres.Bot
	if err := h.db.WithContext(ctx).Where("id = ?", botID).First(&bot).Error; err != nil {
		return err
	}
	return h.deliver(ctx, &bot, userID, text, keyboard)
}

func (h *Handler) deliver(ctx context.Context, bot *postgres.Bot, chatID int64, text string, keyboard json.RawMessage) error {
	client, err := h.clientFor(bot)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if len(keyboard) > 0 {
		var markup tgbotapi.InlineKeyboardMarkup
		if err := json.Unmarshal(keyboard, &markup); err == nil {
			msg.ReplyMarkup = markup
		}
	}

	_, err = client.Send(msg)
	if isBlockedErr(err) {
		return broadcast.ErrUserBlocked
	}
	return err
}

func isBlockedErr(err error) bool {
	apiErr, ok := err.(*tgbotapi.Error)
	return ok && apiErr.Code == http.StatusForbidden
}

// clientFor lazily builds and caches one tgbotapi client per tenant
// from its stored token.
func (h *Handler) clientFor(bot *postgres.Bot) (*tgbotapi.BotAPI, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[bot.ID]; ok {
		return c, nil
	}
	if bot.Token == "" {
		return nil, fmt.Errorf("webhookapi: bot %s has no Telegram token configured", bot.ID)
	}
	client, err := tgbotapi.NewBotAPI(bot.Token)
	if err != nil {
		return nil, fmt.Errorf("webhookapi: new bot API client for %s: %w", bot.ID, err)
	}
	h.clients[bot.ID] = client
	return client, nil
}

// handlePreviewSend is the synchronous single-update tester: it runs
// one text update through the interpreter and returns the resulting
// reply without touching the real Telegram API.
func (h *Handler) handlePreviewSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID  string `json:"bot_id"`
		UserID int64  `json:"user_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "internal", "malformed request body", "")
		return
	}
	if req.UserID == 0 {
		req.UserID = 1
	}

	traceID := fmt.Sprintf("preview-%d", time.Now().UnixNano())
	outcome, err := h.ip.Handle(r.Context(), interp.Update{
		BotID: req.BotID, UserID: req.UserID, ChatID: req.UserID, Text: req.Text, TraceID: traceID,
	})
	if err != nil {
		if !h.pgReachable(r.Context()) {
			metrics.BotErrorsTotal.WithLabelValues(req.BotID, "db", "db_unavailable").Inc()
			writeErrorEnvelope(w, http.StatusServiceUnavailable, "db_unavailable", "database unavailable", traceID)
			return
		}
		writeErrorEnvelope(w, http.StatusInternalServerError, "internal", err.Error(), traceID)
		return
	}

	resp := struct {
		BotReply string          `json:"bot_reply"`
		Keyboard json.RawMessage `json:"keyboard,omitempty"`
	}{}
	if len(outcome.Replies) > 0 {
		last := outcome.Replies[len(outcome.Replies)-1]
		resp.BotReply = last.Text
		resp.Keyboard = last.Keyboard
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message, traceID string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message, "trace_id": traceID},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) pgReachable(ctx context.Context) bool {
	sqlDB, err := h.db.DB()
	return err == nil && sqlDB.PingContext(ctx) == nil
}

func (h *Handler) handleHealthPG(w http.ResponseWriter, r *http.Request) {
	if !h.pgReachable(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"pg_ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"pg_ok": true})
}

func (h *Handler) handleHealthRedis(w http.ResponseWriter, r *http.Request) {
	if !h.redis.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"redis_ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"redis_ok": true})
}

func (h *Handler) handleHealthLLM(w http.ResponseWriter, r *http.Request) {
	// LLM health is best-effort: the breaker being open for a bot is a
	// degraded mode, not a down dependency, so this endpoint always
	// reports ok with the caller left to check circuit_breaker_state_*.
	writeJSON(w, http.StatusOK, map[string]bool{"llm_ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

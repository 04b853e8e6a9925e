// Package adminapi is the tenancy-management HTTP surface: bot CRUD,
// spec publish/reload/validate, broadcast scheduling, locale and
// translation-key management, and tenant data purge.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/events"
	"github.com/gagarinyury/botfactory-runtime/internal/i18n"
	"github.com/gagarinyury/botfactory-runtime/internal/spec"
	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
)

// Handler serves the management API.
type Handler struct {
	log      *zap.Logger
	db       *gorm.DB
	specs    *spec.Cache
	resolver *i18n.Resolver
}

// New builds a Handler.
func New(log *zap.Logger, db *gorm.DB, specs *spec.Cache, resolver *i18n.Resolver) *Handler {
	return &Handler{log: log, db: db, specs: specs, resolver: resolver}
}

// Mux builds the *http.ServeMux this handler serves.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bots", h.createBot)
	mux.HandleFunc("GET /bots", h.listBots)
	mux.HandleFunc("GET /bots/{id}", h.getBot)
	mux.HandleFunc("PUT /bots/{id}", h.updateBot)
	mux.HandleFunc("DELETE /bots/{id}", h.deleteBot)
	mux.HandleFunc("GET /bots/{id}/spec", h.getSpec)
	mux.HandleFunc("PUT /bots/{id}/spec", h.putSpec)
	mux.HandleFunc("POST /bots/{id}/reload", h.reloadBot)
	mux.HandleFunc("POST /bots/{id}/validate", h.validateSpec)
	mux.HandleFunc("DELETE /bots/{id}/data", h.purgeBotData)
	mux.HandleFunc("POST /bots/{id}/broadcasts", h.createBroadcast)
	mux.HandleFunc("GET /bots/{id}/broadcasts", h.listBroadcasts)
	mux.HandleFunc("GET /bots/{id}/broadcasts/{bid}", h.getBroadcast)
	mux.HandleFunc("PUT /bots/{id}/locales", h.putLocale)
	mux.HandleFunc("PUT /bots/{id}/i18n", h.putI18nKeys)
	mux.HandleFunc("GET /bots/{id}/i18n/{locale}", h.listI18nKeys)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message, "trace_id": ""},
	})
}

// createBot registers a new tenant.
func (h *Handler) createBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		WebhookSecret string `json:"webhook_secret"`
		LLMEnabled    bool   `json:"llm_enabled"`
		LLMPreset     string `json:"llm_preset"`
		DefaultLocale string `json:"default_locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed request body")
		return
	}

	bot := postgres.Bot{
		ID:            uuid.NewString(),
		Name:          req.Name,
		WebhookSecret: req.WebhookSecret,
		Status:        postgres.BotStatusActive,
		LLMEnabled:    req.LLMEnabled,
		LLMPreset:     postgres.LLMPreset(defaultString(req.LLMPreset, "neutral")),
		DefaultLocale: defaultString(req.DefaultLocale, "ru"),
	}

	if err := h.db.WithContext(r.Context()).Create(&bot).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (h *Handler) listBots(w http.ResponseWriter, r *http.Request) {
	var bots []postgres.Bot
	if err := h.db.WithContext(r.Context()).Find(&bots).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

func (h *Handler) getBot(w http.ResponseWriter, r *http.Request) {
	var bot postgres.Bot
	if err := h.db.WithContext(r.Context()).Where("id = ?", r.PathValue("id")).First(&bot).Error; err != nil {
		writeError(w, http.StatusNotFound, "internal", "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *Handler) updateBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name             *string `json:"name"`
		Status           *string `json:"status"`
		LLMEnabled       *bool   `json:"llm_enabled"`
		LLMPreset        *string `json:"llm_preset"`
		DailyBudgetLimit *int64  `json:"daily_budget_limit"`
		DefaultLocale    *string `json:"default_locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed request body")
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Status != nil {
		updates["status"] = *req.Status
	}
	if req.LLMEnabled != nil {
		updates["llm_enabled"] = *req.LLMEnabled
	}
	if req.LLMPreset != nil {
		updates["llm_preset"] = *req.LLMPreset
	}
	if req.DailyBudgetLimit != nil {
		updates["daily_budget_limit"] = *req.DailyBudgetLimit
	}
	if req.DefaultLocale != nil {
		updates["default_locale"] = *req.DefaultLocale
	}

	if err := h.db.WithContext(r.Context()).Model(&postgres.Bot{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	h.getBot(w, r)
}

// deleteBot disables a bot rather than destroying the row; tenant data
// is only removed by the explicit purge endpoint.
func (h *Handler) deleteBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.db.WithContext(r.Context()).Model(&postgres.Bot{}).Where("id = ?", id).
		Update("status", postgres.BotStatusDisabled).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getSpec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var botSpec postgres.BotSpec
	err := h.db.WithContext(r.Context()).
		Where("bot_id = ?", id).
		Order("version DESC").
		First(&botSpec).Error
	if err != nil {
		writeError(w, http.StatusNotFound, "internal", "no spec published for this bot")
		return
	}
	writeJSON(w, http.StatusOK, botSpec)
}

// putSpec publishes a new immutable spec version.
func (h *Handler) putSpec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed spec JSON")
		return
	}

	if _, err := spec.Compile(id, 0, raw); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	var nextVersion int
	h.db.WithContext(r.Context()).Model(&postgres.BotSpec{}).
		Where("bot_id = ?", id).Select("COALESCE(MAX(version), 0)").Scan(&nextVersion)
	nextVersion++

	record := postgres.BotSpec{
		BotID:       id,
		Version:     nextVersion,
		SpecJSON:    datatypes.JSON(raw),
		PublishedAt: time.Now().UTC(),
	}
	if err := h.db.WithContext(r.Context()).Create(&record).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// reloadBot forces this process's in-memory spec cache to recompile and
// atomically swap its reference. The runtime process keeps its own
// cache, reloaded through its own POST /bots/{id}/reload.
func (h *Handler) reloadBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cs, err := h.specs.Reload(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": id, "version": cs.Version})
}

// validateSpec compiles a candidate spec without publishing it.
func (h *Handler) validateSpec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed spec JSON")
		return
	}
	if _, err := spec.Compile(id, 0, raw); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// createBroadcast schedules a fan-out job. The row is written as
// pending; the runtime process's sweeper picks it up and drives
// delivery, so the two processes share nothing but the table.
func (h *Handler) createBroadcast(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("id")
	var req struct {
		Audience        string `json:"audience"`
		MessageTemplate string `json:"message_template"`
		Throttle        struct {
			PerSec int `json:"per_sec"`
		} `json:"throttle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed request body")
		return
	}
	if req.Throttle.PerSec <= 0 {
		req.Throttle.PerSec = 5
	}

	b := postgres.Broadcast{
		BotID:           botID,
		Audience:        defaultString(req.Audience, "all"),
		MessageTemplate: req.MessageTemplate,
		ThrottlePerSec:  req.Throttle.PerSec,
		Status:          postgres.BroadcastPending,
	}
	if err := h.db.WithContext(r.Context()).Create(&b).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	var bcasts []postgres.Broadcast
	err := h.db.WithContext(r.Context()).
		Where("bot_id = ?", r.PathValue("id")).
		Order("id DESC").Find(&bcasts).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bcasts)
}

func (h *Handler) getBroadcast(w http.ResponseWriter, r *http.Request) {
	bid, err := strconv.Atoi(r.PathValue("bid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed broadcast id")
		return
	}

	var b postgres.Broadcast
	err = h.db.WithContext(r.Context()).
		Where("bot_id = ? AND id = ?", r.PathValue("id"), bid).
		First(&b).Error
	if err != nil {
		writeError(w, http.StatusNotFound, "internal", "broadcast not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// putLocale upserts a per-user or per-chat locale preference for the
// bot. Exactly one of user_id/chat_id must be set.
func (h *Handler) putLocale(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("id")
	var req struct {
		UserID *int64 `json:"user_id"`
		ChatID *int64 `json:"chat_id"`
		Locale string `json:"locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed request body")
		return
	}
	if req.Locale == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "locale is required")
		return
	}
	if (req.UserID == nil) == (req.ChatID == nil) {
		writeError(w, http.StatusBadRequest, "validation_failed", "exactly one of user_id or chat_id must be set")
		return
	}

	if err := h.resolver.SetLocale(r.Context(), botID, req.UserID, req.ChatID, req.Locale); err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"locale": req.Locale})
}

// putI18nKeys bulk-inserts or updates translation keys for one locale
// and invalidates the resolver's cache for it.
func (h *Handler) putI18nKeys(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("id")
	var req struct {
		Locale string            `json:"locale"`
		Keys   map[string]string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal", "malformed request body")
		return
	}
	if req.Locale == "" || len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "locale and a non-empty keys map are required")
		return
	}

	if err := h.resolver.BulkSetKeys(r.Context(), botID, req.Locale, req.Keys); err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locale": req.Locale, "count": len(req.Keys)})
}

func (h *Handler) listI18nKeys(w http.ResponseWriter, r *http.Request) {
	var rows []postgres.I18nKey
	err := h.db.WithContext(r.Context()).
		Where("bot_id = ? AND locale = ?", r.PathValue("id"), r.PathValue("locale")).
		Order("key ASC").Find(&rows).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	keys := make(map[string]string, len(rows))
	for _, row := range rows {
		keys[row.Key] = row.Value
	}
	writeJSON(w, http.StatusOK, map[string]any{"locale": r.PathValue("locale"), "keys": keys})
}

// purgeBotData erases every row belonging to the tenant.
func (h *Handler) purgeBotData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := events.PurgeBot(r.Context(), h.db, id); err != nil {
		writeError(w, http.StatusInternalServerError, "db_unavailable", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

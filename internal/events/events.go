// Package events implements the append-only event sink: every core
// operation emits exactly one primary event carrying a trace_id,
// written append-only and never edited, with sensitive values masked
// before they are stored.
package events

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
)

// Type tags one event record.
type Type string

const (
	TypeUpdate         Type = "update"
	TypeFlowStep       Type = "flow_step"
	TypeActionSQL      Type = "action_sql"
	TypeActionReply    Type = "action_reply"
	TypeError          Type = "error"
	TypeWidgetRender   Type = "widget_calendar_render"
	TypeWidgetPick     Type = "widget_calendar_pick"
	TypeLLMRequest     Type = "llm_request"
	TypeBroadcastEvent Type = "broadcast_event"
)

// Masked replaces a sensitive value in event Data; raw SQL and user
// tokens never reach the log.
const Masked = "***masked***"

// Sink writes events to the append-only bot_events table.
type Sink struct {
	db *gorm.DB
}

// New builds a Sink around the shared Postgres pool.
func New(db *gorm.DB) *Sink {
	return &Sink{db: db}
}

// Emit writes one event. data must already have sensitive fields masked
// by the caller (sql text, user tokens) — the sink never inspects field
// names to decide what to mask, since each component knows its own
// sensitive fields (SQL hash vs raw SQL, etc).
func (s *Sink) Emit(ctx context.Context, botID string, userID int64, traceID string, typ Type, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	data["trace_id"] = traceID

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	ev := postgres.BotEvent{
		BotID:     botID,
		UserID:    userID,
		TraceID:   traceID,
		Type:      string(typ),
		Data:      datatypes.JSON(payload),
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&ev).Error
}

// EmitError is a convenience wrapper recording the where/code shape
// every error event carries.
func (s *Sink) EmitError(ctx context.Context, botID string, userID int64, traceID, where, code, detail string) error {
	return s.Emit(ctx, botID, userID, traceID, TypeError, map[string]any{
		"where": where,
		"code":  code,
		"detail": detail,
	})
}

// Purge deletes every event older than retentionDays, across all bots,
// the housekeeping counterpart of EVENTS_DB_RETENTION_DAYS.
func (s *Sink) Purge(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&postgres.BotEvent{}).Error
}

// PurgeBot deletes every row belonging to botID across every tenant
// table this runtime owns. This is the only way tenant data is ever
// destroyed.
func PurgeBot(ctx context.Context, db *gorm.DB, botID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range []func() error{
			func() error { return tx.Where("bot_id = ?", botID).Delete(&postgres.BotEvent{}).Error },
			func() error { return tx.Where("bot_id = ?", botID).Delete(&postgres.Locale{}).Error },
			func() error { return tx.Where("bot_id = ?", botID).Delete(&postgres.I18nKey{}).Error },
			func() error { return tx.Where("bot_id = ?", botID).Delete(&postgres.BotUser{}).Error },
			func() error { return tx.Where("bot_id = ?", botID).Delete(&postgres.Booking{}).Error },
			func() error { return tx.Where("bot_id = ?", botID).Delete(&postgres.BotSpec{}).Error },
			func() error {
				var ids []uint
				if err := tx.Model(&postgres.Broadcast{}).Where("bot_id = ?", botID).Pluck("id", &ids).Error; err != nil {
					return err
				}
				if len(ids) > 0 {
					if err := tx.Where("broadcast_id IN ?", ids).Delete(&postgres.BroadcastEvent{}).Error; err != nil {
						return err
					}
				}
				return tx.Where("bot_id = ?", botID).Delete(&postgres.Broadcast{}).Error
			},
		} {
			if err := stmt(); err != nil {
				return err
			}
		}
		return nil
	})
}

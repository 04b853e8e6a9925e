// Package broadcast implements broadcast fan-out: chunked audience
// enumeration, a leaky-bucket throttle, and retried-then-recorded
// per-recipient delivery, resumable from the last recorded
// BroadcastEvent on restart.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/events"
	"github.com/gagarinyury/botfactory-runtime/internal/i18n"
	"github.com/gagarinyury/botfactory-runtime/internal/metrics"
	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
	"github.com/gagarinyury/botfactory-runtime/internal/template"
)

// chunkSize bounds one audience page.
const chunkSize = 1000

// Transient delivery failures are retried up to 3 times, backing off
// 1s/4s/16s.
const maxRetries = 3

var retrySchedule = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

// ErrUserBlocked is the non-retriable outcome a Sender returns when the
// upstream reports the recipient has blocked the bot.
var ErrUserBlocked = errors.New("broadcast: user blocked bot")

// Sender delivers one rendered message to one recipient. It is
// implemented by the (external) webhook layer's Telegram client.
type Sender interface {
	Send(ctx context.Context, botID string, userID int64, text string, keyboard json.RawMessage) error
}

// Engine drives broadcasts against the shared Postgres pool.
type Engine struct {
	db       *gorm.DB
	sender   Sender
	resolver *i18n.Resolver
}

// New builds an Engine.
func New(db *gorm.DB, sender Sender, resolver *i18n.Resolver) *Engine {
	return &Engine{db: db, sender: sender, resolver: resolver}
}

// Create inserts a pending broadcast row.
func (e *Engine) Create(ctx context.Context, botID, audience, messageTemplate string, perSec int) (*postgres.Broadcast, error) {
	if perSec <= 0 {
		perSec = 5
	}
	b := &postgres.Broadcast{
		BotID:           botID,
		Audience:        audience,
		MessageTemplate: messageTemplate,
		ThrottlePerSec:  perSec,
		Status:          postgres.BroadcastPending,
	}
	if err := e.db.WithContext(ctx).Create(b).Error; err != nil {
		return nil, err
	}
	return b, nil
}

// Run drives one broadcast to completion, resuming from the highest
// user_id already recorded if the process restarted mid-run.
func (e *Engine) Run(ctx context.Context, broadcastID uint) error {
	var b postgres.Broadcast
	if err := e.db.WithContext(ctx).First(&b, broadcastID).Error; err != nil {
		return fmt.Errorf("broadcast: load %d: %w", broadcastID, err)
	}
	if b.Status == postgres.BroadcastCompleted || b.Status == postgres.BroadcastFailed {
		return nil
	}

	total, err := e.countAudience(ctx, b.BotID, b.Audience)
	if err != nil {
		return err
	}
	updates := map[string]any{"status": postgres.BroadcastRunning, "total_users": total}
	if err := e.db.WithContext(ctx).Model(&b).Updates(updates).Error; err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(b.ThrottlePerSec), b.ThrottlePerSec)
	lastUserID, err := e.resumePoint(ctx, broadcastID)
	if err != nil {
		return err
	}

	sink := events.New(e.db)

	for {
		users, err := e.nextChunk(ctx, b.BotID, b.Audience, lastUserID)
		if err != nil {
			_ = e.db.WithContext(ctx).Model(&b).Update("status", postgres.BroadcastFailed).Error
			return err
		}
		if len(users) == 0 {
			break
		}

		for _, user := range users {
			if err := limiter.Wait(ctx); err != nil {
				_ = e.db.WithContext(ctx).Model(&b).Update("status", postgres.BroadcastFailed).Error
				return err
			}

			text, renderErr := e.render(ctx, b.BotID, user, b.MessageTemplate)
			if renderErr != nil {
				text = b.MessageTemplate
			}

			status, errCode := e.deliver(ctx, b.BotID, user.UserID, text)
			e.recordDelivery(ctx, sink, &b, user.UserID, status, errCode)

			lastUserID = user.UserID
		}
	}

	now := time.Now().UTC()
	return e.db.WithContext(ctx).Model(&b).Updates(map[string]any{
		"status":       postgres.BroadcastCompleted,
		"completed_at": &now,
	}).Error
}

func (e *Engine) resumePoint(ctx context.Context, broadcastID uint) (int64, error) {
	var maxUserID int64
	err := e.db.WithContext(ctx).Model(&postgres.BroadcastEvent{}).
		Where("broadcast_id = ?", broadcastID).
		Select("COALESCE(MAX(user_id), 0)").Scan(&maxUserID).Error
	return maxUserID, err
}

// audienceQuery applies the audience selector's predicate on top of the
// tenant scope.
func (e *Engine) audienceQuery(ctx context.Context, botID, audience string) (*gorm.DB, error) {
	q := e.db.WithContext(ctx).Model(&postgres.BotUser{}).Where("bot_id = ?", botID)

	switch {
	case audience == "all":
		// no further predicate
	case audience == "active_7d":
		q = q.Where("last_active >= ?", time.Now().UTC().AddDate(0, 0, -7))
	case len(audience) > len("segment:") && audience[:len("segment:")] == "segment:":
		tag := audience[len("segment:"):]
		q = q.Where("segment_tags @> ?", fmt.Sprintf(`["%s"]`, tag))
	default:
		return nil, fmt.Errorf("broadcast: unknown audience selector %q", audience)
	}
	return q, nil
}

func (e *Engine) countAudience(ctx context.Context, botID, audience string) (int64, error) {
	q, err := e.audienceQuery(ctx, botID, audience)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// nextChunk enumerates the next page of the audience selector, ordered
// by user_id for stable resumption.
func (e *Engine) nextChunk(ctx context.Context, botID, audience string, afterUserID int64) ([]postgres.BotUser, error) {
	q, err := e.audienceQuery(ctx, botID, audience)
	if err != nil {
		return nil, err
	}

	var users []postgres.BotUser
	err = q.Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(chunkSize).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (e *Engine) render(ctx context.Context, botID string, user postgres.BotUser, tpl string) (string, error) {
	locale, err := e.resolver.ResolveLocale(ctx, botID, &user.UserID, nil)
	if err != nil {
		locale = i18n.DefaultLocale
	}
	scope := template.Scope{"bot_id": botID, "user_id": user.UserID}

	if key, placeholders, ok := i18n.ParseMarker(tpl); ok {
		resolved := make(map[string]string, len(placeholders))
		for name, value := range placeholders {
			resolved[name] = value
		}
		return e.resolver.Translate(ctx, botID, locale, key, resolved)
	}
	return template.Render(tpl, scope, "")
}

// deliver sends one message with the fixed 1s/4s/16s retry schedule,
// classifying the outcome as sent/failed/blocked.
func (e *Engine) deliver(ctx context.Context, botID string, userID int64, text string) (postgres.BroadcastDeliveryStatus, string) {
	schedule := &fixedSchedule{delays: retrySchedule}

	operation := func() error {
		err := e.sender.Send(ctx, botID, userID, text, nil)
		if errors.Is(err, ErrUserBlocked) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, schedule)
	switch {
	case err == nil:
		metrics.BroadcastSentTotal.WithLabelValues(botID).Inc()
		return postgres.DeliverySent, ""
	case errors.Is(err, ErrUserBlocked):
		return postgres.DeliveryBlocked, "user_blocked"
	default:
		metrics.BroadcastFailedTotal.WithLabelValues(botID).Inc()
		return postgres.DeliveryFailed, "transient_error"
	}
}

func (e *Engine) recordDelivery(ctx context.Context, sink *events.Sink, b *postgres.Broadcast, userID int64, status postgres.BroadcastDeliveryStatus, errCode string) {
	ev := postgres.BroadcastEvent{
		BroadcastID: b.ID,
		UserID:      userID,
		Status:      status,
		ErrorCode:   errCode,
		SentAt:      time.Now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&ev).Error; err != nil {
		_ = sink.EmitError(ctx, b.BotID, userID, "", "broadcast", "broadcast_event_write_failed", err.Error())
		return
	}

	counterField := "sent"
	switch status {
	case postgres.DeliveryFailed:
		counterField = "failed"
	case postgres.DeliveryBlocked:
		counterField = "blocked"
	}
	_ = e.db.WithContext(ctx).Model(b).UpdateColumn(counterField, gorm.Expr(counterField+" + 1")).Error

	_ = sink.Emit(ctx, b.BotID, userID, "", events.TypeBroadcastEvent, map[string]any{
		"broadcast_id": b.ID, "status": string(status), "error_code": errCode,
	})
}

// fixedSchedule implements backoff.BackOff with the literal 1s/4s/16s
// schedule, capped at maxRetries attempts after the first.
type fixedSchedule struct {
	delays []time.Duration
	idx    int
}

func (f *fixedSchedule) NextBackOff() time.Duration {
	if f.idx >= len(f.delays) || f.idx >= maxRetries {
		return backoff.Stop
	}
	d := f.delays[f.idx]
	f.idx++
	return d
}

func (f *fixedSchedule) Reset() { f.idx = 0 }

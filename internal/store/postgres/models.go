package postgres

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BotStatus is either active or disabled; a Bot row is never
// implicitly destroyed.
type BotStatus string

const (
	BotStatusActive   BotStatus = "active"
	BotStatusDisabled BotStatus = "disabled"
)

// LLMPreset selects the system-prompt wrapper used by reply_template's
// llm_improve.
type LLMPreset string

const (
	LLMPresetShort    LLMPreset = "short"
	LLMPresetNeutral  LLMPreset = "neutral"
	LLMPresetDetailed LLMPreset = "detailed"
)

// Bot is the tenant record.
type Bot struct {
	ID   string `gorm:"primaryKey;size:36"`
	Name string `gorm:"size:255"`

	// credentials never leave the process in API responses
	Token         string `gorm:"uniqueIndex;size:64" json:"-"`
	WebhookSecret string `gorm:"size:128" json:"-"`

	Status           BotStatus      `gorm:"size:20;default:'active'"`
	LLMEnabled       bool           `gorm:"default:false"`
	LLMPreset        LLMPreset      `gorm:"size:20;default:'neutral'"`
	DailyBudgetLimit int64          `gorm:"default:0"`
	DefaultLocale    string         `gorm:"size:10;default:'ru'"`
	Meta             datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (b *Bot) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	return nil
}

func (b *Bot) BeforeUpdate(tx *gorm.DB) error {
	b.UpdatedAt = time.Now()
	return nil
}

// BotSpec is an immutable, versioned DSL document attached to a bot.
// A new row supersedes older ones; the runtime always runs
// max(Version) for a given BotID.
type BotSpec struct {
	ID          uint   `gorm:"primaryKey"`
	BotID       string `gorm:"size:36;index:idx_botspec_bot_version,priority:1"`
	Version     int    `gorm:"index:idx_botspec_bot_version,priority:2"`
	SpecJSON    datatypes.JSON `gorm:"type:jsonb"`
	PublishedAt time.Time
}

// BotEvent is the append-only event log. Never
// edited; indexed on (bot_id, created_at desc) for the retention sweep
// and for operator queries.
type BotEvent struct {
	ID        uint           `gorm:"primaryKey"`
	BotID     string         `gorm:"size:36;index:idx_events_bot_ts,priority:1"`
	UserID    int64          `gorm:"index"`
	TraceID   string         `gorm:"size:64"`
	Type      string         `gorm:"size:40"`
	Data      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"index:idx_events_bot_ts,priority:2,sort:desc"`
}

// Locale is a per-(bot, user|chat) locale preference.
// Exactly one of UserID/ChatID is set; bot-level default lives on Bot.
type Locale struct {
	ID      uint   `gorm:"primaryKey"`
	BotID   string `gorm:"size:36;uniqueIndex:idx_locale_scope,priority:1"`
	UserID  *int64 `gorm:"uniqueIndex:idx_locale_scope,priority:2"`
	ChatID  *int64 `gorm:"uniqueIndex:idx_locale_scope,priority:3"`
	Locale  string `gorm:"size:10"`
	Updated time.Time
}

// I18nKey is one resolved translation value for (bot, locale, key).
type I18nKey struct {
	ID      uint   `gorm:"primaryKey"`
	BotID   string `gorm:"size:36;uniqueIndex:idx_i18n_scope,priority:1"`
	Locale  string `gorm:"size:10;uniqueIndex:idx_i18n_scope,priority:2"`
	Key     string `gorm:"size:255;uniqueIndex:idx_i18n_scope,priority:3"`
	Value   string `gorm:"type:text"`
	Updated time.Time
}

// BotUser tracks per-tenant user activity and segmentation for broadcast
// audience selection.
type BotUser struct {
	ID          uint      `gorm:"primaryKey"`
	BotID       string    `gorm:"size:36;uniqueIndex:idx_botuser_scope,priority:1"`
	UserID      int64     `gorm:"uniqueIndex:idx_botuser_scope,priority:2"`
	LastActive  time.Time `gorm:"index"`
	SegmentTags datatypes.JSON `gorm:"type:jsonb"`
	IsActive    bool      `gorm:"default:true"`
	CreatedAt   time.Time
}

// BroadcastStatus is one of pending/running/completed/failed.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastRunning   BroadcastStatus = "running"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastFailed    BroadcastStatus = "failed"
)

// Broadcast is one fan-out job with live counters.
type Broadcast struct {
	ID              uint            `gorm:"primaryKey"`
	BotID           string          `gorm:"size:36;index"`
	Audience        string          `gorm:"size:64"`
	MessageTemplate string          `gorm:"type:text"`
	ThrottlePerSec  int             `gorm:"default:5"`
	Status          BroadcastStatus `gorm:"size:20;default:'pending'"`
	TotalUsers      int
	Sent            int
	Failed          int
	Blocked         int
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// BroadcastDeliveryStatus is the per-recipient outcome.
type BroadcastDeliveryStatus string

const (
	DeliverySent    BroadcastDeliveryStatus = "sent"
	DeliveryFailed  BroadcastDeliveryStatus = "failed"
	DeliveryBlocked BroadcastDeliveryStatus = "blocked"
)

// BroadcastEvent records one delivery attempt outcome, the resumption
// marker for a restarted broadcast.
type BroadcastEvent struct {
	ID          uint                    `gorm:"primaryKey"`
	BroadcastID uint                    `gorm:"uniqueIndex:idx_bcastevt_scope,priority:1"`
	UserID      int64                   `gorm:"uniqueIndex:idx_bcastevt_scope,priority:2"`
	Status      BroadcastDeliveryStatus `gorm:"size:20"`
	ErrorCode   string                  `gorm:"size:64"`
	SentAt      time.Time
}

// Booking is an example-spec-only row; the runtime has no special
// knowledge of bookings beyond what action.sql_exec.v1/sql_query.v1
// statements do to it.
type Booking struct {
	ID      uint      `gorm:"primaryKey"`
	BotID   string    `gorm:"size:36;index"`
	UserID  int64     `gorm:"index"`
	Service string    `gorm:"size:120"`
	Slot    string    `gorm:"size:40"`
	Created time.Time
}

// Package i18n resolves translation markers of the form
// `t:<key> {k=v, ...}` against a per-(bot,locale,key) table, with
// locale preference falling through user -> chat -> bot default ->
// "ru".
package i18n

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
	"github.com/gagarinyury/botfactory-runtime/internal/template"
)

// DefaultLocale is the final fallback in the resolution order.
const DefaultLocale = "ru"

var marker = regexp.MustCompile(`^t:([A-Za-z0-9_.]+)(?:\s*\{(.*)\})?\s*$`)
var placeholder = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^,}]+)`)

// IsMarker reports whether s is an i18n marker rather than literal text.
func IsMarker(s string) bool {
	return marker.MatchString(strings.TrimSpace(s))
}

// ParseMarker splits a `t:key {a=x, b=y}` marker into its key and
// placeholder map. Returns ok=false if s is not a marker.
func ParseMarker(s string) (key string, placeholders map[string]string, ok bool) {
	m := marker.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", nil, false
	}
	key = m[1]
	placeholders = map[string]string{}
	for _, p := range placeholder.FindAllStringSubmatch(m[2], -1) {
		placeholders[strings.TrimSpace(p[1])] = strings.TrimSpace(p[2])
	}
	return key, placeholders, true
}

// keysCacheEntry is a TTL-cached (bot,locale) -> key/value table.
type keysCacheEntry struct {
	values    map[string]string
	expiresAt time.Time
}

// Resolver resolves i18n markers against Postgres-backed translation
// tables, caching per (bot,locale) for 5 minutes.
type Resolver struct {
	db  *gorm.DB
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]keysCacheEntry
}

// New builds a Resolver around the shared Postgres pool.
func New(db *gorm.DB) *Resolver {
	return &Resolver{
		db:    db,
		ttl:   5 * time.Minute,
		cache: make(map[string]keysCacheEntry),
	}
}

// ResolveLocale falls through per-user preference -> per-chat
// preference -> bot default -> "ru".
func (r *Resolver) ResolveLocale(ctx context.Context, botID string, userID, chatID *int64) (string, error) {
	if userID != nil {
		var loc postgres.Locale
		err := r.db.WithContext(ctx).
			Where("bot_id = ? AND user_id = ?", botID, *userID).
			First(&loc).Error
		if err == nil {
			return loc.Locale, nil
		} else if err != gorm.ErrRecordNotFound {
			return "", err
		}
	}
	if chatID != nil {
		var loc postgres.Locale
		err := r.db.WithContext(ctx).
			Where("bot_id = ? AND chat_id = ?", botID, *chatID).
			First(&loc).Error
		if err == nil {
			return loc.Locale, nil
		} else if err != gorm.ErrRecordNotFound {
			return "", err
		}
	}

	var bot postgres.Bot
	err := r.db.WithContext(ctx).Where("id = ?", botID).First(&bot).Error
	if err == nil && bot.DefaultLocale != "" {
		return bot.DefaultLocale, nil
	}
	return DefaultLocale, nil
}

// SetLocale upserts a per-user or per-chat locale preference. Exactly
// one of userID/chatID must be set.
func (r *Resolver) SetLocale(ctx context.Context, botID string, userID, chatID *int64, locale string) error {
	q := r.db.WithContext(ctx).Where("bot_id = ?", botID)
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	} else {
		q = q.Where("user_id IS NULL AND chat_id = ?", *chatID)
	}

	loc := postgres.Locale{BotID: botID, UserID: userID, ChatID: chatID, Locale: locale, Updated: time.Now().UTC()}
	return q.
		Assign(postgres.Locale{Locale: locale, Updated: time.Now().UTC()}).
		FirstOrCreate(&loc).Error
}

func (r *Resolver) loadKeys(ctx context.Context, botID, locale string) (map[string]string, error) {
	cacheKey := botID + ":" + locale

	r.mu.Lock()
	if e, ok := r.cache[cacheKey]; ok && time.Now().Before(e.expiresAt) {
		r.mu.Unlock()
		return e.values, nil
	}
	r.mu.Unlock()

	var rows []postgres.I18nKey
	if err := r.db.WithContext(ctx).Where("bot_id = ? AND locale = ?", botID, locale).Find(&rows).Error; err != nil {
		return nil, err
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}

	r.mu.Lock()
	r.cache[cacheKey] = keysCacheEntry{values: values, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return values, nil
}

// Translate resolves key in locale, falling back to DefaultLocale, and
// finally to the literal marker so missing translations are detectable
// in tests. Placeholders are substituted with the
// template package's scalar rules.
func (r *Resolver) Translate(ctx context.Context, botID, locale, key string, placeholders map[string]string) (string, error) {
	keys, err := r.loadKeys(ctx, botID, locale)
	if err != nil {
		return "", err
	}
	value, ok := keys[key]
	if !ok && locale != DefaultLocale {
		fallbackKeys, err := r.loadKeys(ctx, botID, DefaultLocale)
		if err != nil {
			return "", err
		}
		value, ok = fallbackKeys[key]
	}
	if !ok {
		return "t:" + key, nil
	}

	scope := make(template.Scope, len(placeholders))
	for k, v := range placeholders {
		scope[k] = v
	}
	rendered, _ := template.Render(value, scope, "")
	return rendered, nil
}

// Invalidate drops the cached key table for (bot,locale), or every
// locale for bot if locale is empty.
func (r *Resolver) Invalidate(botID, locale string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if locale != "" {
		delete(r.cache, botID+":"+locale)
		return
	}
	for k := range r.cache {
		if strings.HasPrefix(k, botID+":") {
			delete(r.cache, k)
		}
	}
}

// BulkSetKeys inserts or updates a batch of translations and
// invalidates the cache for (bot,locale).
func (r *Resolver) BulkSetKeys(ctx context.Context, botID, locale string, kv map[string]string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for k, v := range kv {
			row := postgres.I18nKey{BotID: botID, Locale: locale, Key: k, Value: v, Updated: time.Now().UTC()}
			if err := tx.Where("bot_id = ? AND locale = ? AND key = ?", botID, locale, k).
				Assign(postgres.I18nKey{Value: v, Updated: time.Now().UTC()}).
				FirstOrCreate(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.Invalidate(botID, locale)
	return nil
}

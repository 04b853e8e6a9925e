// Package llmbreaker guards LLM calls with a per-bot
// closed/open/half-open state machine, backed by a Redis prompt cache,
// rate limiter, and daily token budget.
package llmbreaker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/metrics"
	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
	"github.com/gagarinyury/botfactory-runtime/internal/store/redisdb"
)

// state is the breaker's internal position.
type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	failureThreshold = 5
	successThreshold = 2
	cooldown         = 30 * time.Second
	requestType      = "improve"
	rateLimitWindow  = time.Minute
)

// Errors returned by Improve's internal gates, useful to tests and
// logging; callers of the public interface ignore these and just see
// the original text unchanged.
var (
	ErrCircuitOpen     = errors.New("llmbreaker: circuit_breaker_open")
	ErrRateLimited     = errors.New("llmbreaker: rate_limit_exceeded")
	ErrBudgetExhausted = errors.New("llmbreaker: budget_exhausted")
)

type breakerState struct {
	mu                   sync.Mutex
	st                   state
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probing              bool
}

// Breaker wires a per-process breaker state machine to a Redis-backed
// cache/rate-limit/budget layer and a sashabaranov/go-openai client.
type Breaker struct {
	redis  *redisdb.Client
	db     *gorm.DB
	client *openai.Client
	model  string

	timeout    time.Duration
	cacheTTL   time.Duration
	rateLimit  int
	maxRetries int

	mu     sync.Mutex
	states map[string]*breakerState
}

// Config mirrors the config.Runtime LLM_* fields this package consumes.
type Config struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	CacheTTL   time.Duration
	RateLimit  int
	MaxRetries int
}

// New builds a Breaker. db is used only to read a bot's daily_budget_limit.
func New(redisClient *redisdb.Client, db *gorm.DB, cfg Config) *Breaker {
	oaiCfg := openai.DefaultConfig("")
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	return &Breaker{
		redis:      redisClient,
		db:         db,
		client:     openai.NewClientWithConfig(oaiCfg),
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		cacheTTL:   cfg.CacheTTL,
		rateLimit:  cfg.RateLimit,
		maxRetries: cfg.MaxRetries,
		states:     make(map[string]*breakerState),
	}
}

func (b *Breaker) slot(botID string) *breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[botID]
	if !ok {
		s = &breakerState{st: stateClosed}
		b.states[botID] = s
	}
	return s
}

// Improve implements actions.LLMImprover: it gates a prompt through the
// rate limiter, the per-bot daily budget, the circuit breaker, and the
// prompt cache before calling the LLM, always falling back to the
// original, unimproved text on any rejection or failure.
func (b *Breaker) Improve(ctx context.Context, botID string, userID int64, preset, text string) (string, error) {
	if ok, err := b.checkRateLimit(ctx, botID, userID); err != nil {
		return text, err
	} else if !ok {
		metrics.LLMRequestsTotal.WithLabelValues(requestType, "rate_limited").Inc()
		return text, ErrRateLimited
	}

	limit, err := b.dailyBudgetLimit(ctx, botID)
	if err != nil {
		return text, err
	}
	if limit > 0 {
		used, err := b.budgetUsed(ctx, botID)
		if err != nil {
			return text, err
		}
		if used >= limit {
			metrics.LLMRequestsTotal.WithLabelValues(requestType, "budget_exhausted").Inc()
			return text, ErrBudgetExhausted
		}
	}

	bs := b.slot(botID)
	admitted, isProbe := b.admit(bs)
	if !admitted {
		metrics.LLMCircuitBreakerRejectionsTotal.WithLabelValues(botID).Inc()
		metrics.LLMRequestsTotal.WithLabelValues(requestType, "circuit_open").Inc()
		return text, ErrCircuitOpen
	}

	prompt := presetPrompt(preset) + text
	cacheKey := promptCacheKey(prompt, b.model, preset)

	if cached, ok, err := b.cacheGet(ctx, cacheKey); err == nil && ok {
		metrics.LLMCacheHitsTotal.WithLabelValues(b.model).Inc()
		metrics.LLMRequestsTotal.WithLabelValues(requestType, "cached").Inc()
		if isProbe {
			b.recordSuccess(bs, botID)
		}
		return cached, nil
	}

	resp, latency, err := b.complete(ctx, botID, preset, text)
	if err != nil {
		// the whole attempt run counts as one failure, so retries never
		// inflate the breaker's consecutive-failure count
		b.recordFailure(bs, botID)
		metrics.LLMRequestsTotal.WithLabelValues(requestType, "error").Inc()
		return text, err
	}

	// a real upstream success always counts: it resets the
	// consecutive-failure tally and advances half-open recovery
	b.recordSuccess(bs, botID)

	metrics.LLMLatencyMS.WithLabelValues(requestType, "false").Observe(float64(latency.Milliseconds()))
	metrics.LLMRequestsTotal.WithLabelValues(requestType, "success").Inc()
	metrics.LLMTokensTotal.WithLabelValues(b.model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokensTotal.WithLabelValues(b.model, "completion").Add(float64(resp.Usage.CompletionTokens))

	improved := text
	if len(resp.Choices) > 0 {
		improved = resp.Choices[0].Message.Content
	}

	_ = b.cacheSet(ctx, cacheKey, improved)
	_ = b.budgetAdd(ctx, botID, int64(resp.Usage.TotalTokens))

	return improved, nil
}

// complete calls the upstream, retrying transport/timeout failures up
// to maxRetries extra attempts, each with its own timeout inside the
// caller's deadline.
func (b *Breaker) complete(ctx context.Context, botID, preset, text string) (*openai.ChatCompletionResponse, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)

		start := time.Now()
		resp, err := b.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: b.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: presetPrompt(preset)},
				{Role: openai.ChatMessageRoleUser, Content: text},
			},
		})
		latency := time.Since(start)

		if err == nil {
			cancel()
			return &resp, latency, nil
		}

		metrics.LLMErrorsTotal.WithLabelValues(b.model, classifyError(callCtx, err)).Inc()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			metrics.LLMTimeoutTotal.WithLabelValues(botID).Inc()
		}
		cancel()
		lastErr = err

		if ctx.Err() != nil {
			break // the caller's deadline is gone; retrying can't help
		}
	}
	return nil, 0, lastErr
}

// admit reports whether a call may proceed, and whether it is the
// single half-open probe.
func (b *Breaker) admit(bs *breakerState) (admitted, isProbe bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	switch bs.st {
	case stateClosed:
		return true, false
	case stateOpen:
		if time.Since(bs.openedAt) < cooldown {
			return false, false
		}
		bs.st = stateHalfOpen
		bs.probing = true
		bs.consecutiveSuccesses = 0
		return true, true
	case stateHalfOpen:
		if bs.probing {
			return false, false
		}
		bs.probing = true
		return true, true
	default:
		return false, false
	}
}

func (b *Breaker) recordSuccess(bs *breakerState, botID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.probing = false
	bs.consecutiveFailures = 0

	switch bs.st {
	case stateHalfOpen:
		bs.consecutiveSuccesses++
		if bs.consecutiveSuccesses >= successThreshold {
			bs.st = stateClosed
			metrics.CircuitBreakerStateChangesTotal.WithLabelValues(botID, stateClosed.String()).Inc()
		}
	case stateClosed:
	case stateOpen:
		// stale probe outcome arriving after another goroutine already
		// reopened the breaker; leave state untouched.
	}
}

func (b *Breaker) recordFailure(bs *breakerState, botID string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.probing = false
	bs.consecutiveSuccesses = 0

	switch bs.st {
	case stateClosed:
		bs.consecutiveFailures++
		if bs.consecutiveFailures >= failureThreshold {
			bs.st = stateOpen
			bs.openedAt = time.Now()
			metrics.CircuitBreakerStateChangesTotal.WithLabelValues(botID, stateOpen.String()).Inc()
		}
	case stateHalfOpen:
		bs.st = stateOpen
		bs.openedAt = time.Now()
		metrics.CircuitBreakerStateChangesTotal.WithLabelValues(botID, stateOpen.String()).Inc()
	case stateOpen:
	}
}

func classifyError(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport"
}

// checkRateLimit enforces the per-(bot_id,user_id) request budget as a
// fixed-window INCR+EXPIRE counter.
func (b *Breaker) checkRateLimit(ctx context.Context, botID string, userID int64) (bool, error) {
	key := fmt.Sprintf("llm:rate:%s:%d", botID, userID)
	count, err := b.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		b.redis.Expire(ctx, key, rateLimitWindow)
	}
	return count <= int64(b.rateLimit), nil
}

func (b *Breaker) dailyBudgetLimit(ctx context.Context, botID string) (int64, error) {
	var bot postgres.Bot
	if err := b.db.WithContext(ctx).Select("daily_budget_limit").Where("id = ?", botID).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return bot.DailyBudgetLimit, nil
}

func budgetKey(botID string) string {
	return fmt.Sprintf("llm:budget:%s:%s", botID, time.Now().UTC().Format("2006-01-02"))
}

func (b *Breaker) budgetUsed(ctx context.Context, botID string) (int64, error) {
	v, err := b.redis.Get(ctx, budgetKey(botID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, nil // treat a corrupt counter as zero usage, never block on it
	}
	return v, nil
}

func (b *Breaker) budgetAdd(ctx context.Context, botID string, tokens int64) error {
	key := budgetKey(botID)
	n, err := b.redis.IncrBy(ctx, key, tokens).Result()
	if err != nil {
		return err
	}
	if n == tokens {
		// first write of the UTC day: budgetKey already changes at
		// midnight, so this 25-hour TTL only cleans up old counters; it
		// does not decide when the count restarts.
		b.redis.Expire(ctx, key, 25*time.Hour)
	}
	return nil
}

func promptCacheKey(prompt, model, preset string) string {
	sum := sha256.Sum256([]byte(model + "|" + preset + "|" + prompt))
	return "llm:cache:" + hex.EncodeToString(sum[:])
}

func (b *Breaker) cacheGet(ctx context.Context, key string) (string, bool, error) {
	v, err := b.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (b *Breaker) cacheSet(ctx context.Context, key, value string) error {
	return b.redis.Set(ctx, key, value, b.cacheTTL).Err()
}

// presetPrompt selects the system-prompt wrapper for a bot's llm_preset.
func presetPrompt(preset string) string {
	switch preset {
	case "short":
		return "Rewrite the following reply to be as brief as possible, preserving all facts:\n"
	case "detailed":
		return "Rewrite the following reply with more context and a warmer tone, preserving all facts:\n"
	default:
		return "Lightly polish the following reply for clarity, preserving all facts:\n"
	}
}

// ResetDaily deletes the bot's token counter for the current UTC day.
// It is invoked by the robfig/cron "0 0 * * *" job (run in UTC). The
// daily rollover does not depend on it: budgetKey embeds the UTC date,
// so the first request of a new day already reads a fresh counter.
func (b *Breaker) ResetDaily(ctx context.Context, botID string) error {
	return b.redis.Del(ctx, budgetKey(botID)).Err()
}

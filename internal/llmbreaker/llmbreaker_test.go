package llmbreaker

import (
	"testing"
	"time"
)

func newTestBreaker() *Breaker {
	return &Breaker{states: make(map[string]*breakerState)}
}

func TestBreakerOpensAfterFiveConsecutiveFailures(t *testing.T) {
	b := newTestBreaker()
	bs := b.slot("bot-1")

	for i := 0; i < failureThreshold-1; i++ {
		admitted, _ := b.admit(bs)
		if !admitted {
			t.Fatalf("call %d rejected while closed", i)
		}
		b.recordFailure(bs, "bot-1")
	}
	if bs.st != stateClosed {
		t.Fatalf("state = %v after %d failures, want closed", bs.st, failureThreshold-1)
	}

	b.recordFailure(bs, "bot-1")
	if bs.st != stateOpen {
		t.Fatalf("state = %v after %d failures, want open", bs.st, failureThreshold)
	}

	// the very next call is rejected without touching the upstream
	if admitted, _ := b.admit(bs); admitted {
		t.Error("open breaker must reject")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker()
	bs := b.slot("bot-1")

	for i := 0; i < failureThreshold-1; i++ {
		b.recordFailure(bs, "bot-1")
	}
	b.recordSuccess(bs, "bot-1")
	for i := 0; i < failureThreshold-1; i++ {
		b.recordFailure(bs, "bot-1")
	}
	if bs.st != stateClosed {
		t.Error("an intervening success must reset the consecutive-failure count")
	}
}

func TestBreakerHalfOpenProbeAndRecovery(t *testing.T) {
	b := newTestBreaker()
	bs := b.slot("bot-1")

	for i := 0; i < failureThreshold; i++ {
		b.recordFailure(bs, "bot-1")
	}

	// still cooling down: reject
	if admitted, _ := b.admit(bs); admitted {
		t.Fatal("must reject during cooldown")
	}

	// cooldown elapsed: one probe admitted, a second concurrent call is not
	bs.openedAt = time.Now().Add(-cooldown - time.Second)
	admitted, isProbe := b.admit(bs)
	if !admitted || !isProbe {
		t.Fatal("first post-cooldown call must be the probe")
	}
	if admitted, _ := b.admit(bs); admitted {
		t.Error("second call must wait while the probe is in flight")
	}

	// one success is not enough to close
	b.recordSuccess(bs, "bot-1")
	if bs.st != stateHalfOpen {
		t.Fatalf("state = %v after one success, want half_open", bs.st)
	}

	admitted, isProbe = b.admit(bs)
	if !admitted || !isProbe {
		t.Fatal("second probe must be admitted")
	}
	b.recordSuccess(bs, "bot-1")
	if bs.st != stateClosed {
		t.Fatalf("state = %v after %d successes, want closed", bs.st, successThreshold)
	}

	if admitted, isProbe := b.admit(bs); !admitted || isProbe {
		t.Error("closed breaker must admit normally")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker()
	bs := b.slot("bot-1")

	for i := 0; i < failureThreshold; i++ {
		b.recordFailure(bs, "bot-1")
	}
	bs.openedAt = time.Now().Add(-cooldown - time.Second)

	if admitted, _ := b.admit(bs); !admitted {
		t.Fatal("probe not admitted")
	}
	b.recordFailure(bs, "bot-1")

	if bs.st != stateOpen {
		t.Fatalf("state = %v, want open", bs.st)
	}
	// cooldown restarted: immediate retry rejected
	if admitted, _ := b.admit(bs); admitted {
		t.Error("failed probe must restart the cooldown")
	}
}

func TestBreakerStatesAreIndependentPerBot(t *testing.T) {
	b := newTestBreaker()
	a := b.slot("bot-a")
	for i := 0; i < failureThreshold; i++ {
		b.recordFailure(a, "bot-a")
	}

	other := b.slot("bot-b")
	if admitted, _ := b.admit(other); !admitted {
		t.Error("bot-b must be unaffected by bot-a's open breaker")
	}
}

func TestPresetPrompt(t *testing.T) {
	for _, preset := range []string{"short", "neutral", "detailed", ""} {
		if presetPrompt(preset) == "" {
			t.Errorf("preset %q has no prompt", preset)
		}
	}
	if presetPrompt("short") == presetPrompt("detailed") {
		t.Error("presets must differ")
	}
}

func TestPromptCacheKeyDisambiguates(t *testing.T) {
	a := promptCacheKey("text", "model-a", "short")
	b := promptCacheKey("text", "model-b", "short")
	c := promptCacheKey("text", "model-a", "detailed")
	if a == b || a == c {
		t.Error("cache key must include model and preset")
	}
	if a != promptCacheKey("text", "model-a", "short") {
		t.Error("cache key must be deterministic")
	}
}

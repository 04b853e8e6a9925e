package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
)

func TestFixedSchedule(t *testing.T) {
	s := &fixedSchedule{delays: retrySchedule}

	want := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := s.NextBackOff(); got != w {
			t.Errorf("attempt %d: backoff = %v, want %v", i, got, w)
		}
	}
	if got := s.NextBackOff(); got != backoff.Stop {
		t.Errorf("fourth attempt: backoff = %v, want Stop", got)
	}

	s.Reset()
	if got := s.NextBackOff(); got != time.Second {
		t.Errorf("after Reset: backoff = %v, want 1s", got)
	}
}

type fakeSender struct {
	calls int
	errs  []error
}

func (f *fakeSender) Send(ctx context.Context, botID string, userID int64, text string, keyboard json.RawMessage) error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func TestDeliverSent(t *testing.T) {
	sender := &fakeSender{}
	e := &Engine{sender: sender}

	status, code := e.deliver(context.Background(), "b", 1, "hi")
	if status != postgres.DeliverySent || code != "" {
		t.Errorf("status = %v code = %q", status, code)
	}
	if sender.calls != 1 {
		t.Errorf("calls = %d", sender.calls)
	}
}

func TestDeliverBlockedIsNotRetried(t *testing.T) {
	sender := &fakeSender{errs: []error{ErrUserBlocked}}
	e := &Engine{sender: sender}

	status, code := e.deliver(context.Background(), "b", 1, "hi")
	if status != postgres.DeliveryBlocked {
		t.Errorf("status = %v, want blocked", status)
	}
	if code != "user_blocked" {
		t.Errorf("code = %q", code)
	}
	if sender.calls != 1 {
		t.Errorf("blocked must not be retried, calls = %d", sender.calls)
	}
}

func TestDeliverTransientThenSent(t *testing.T) {
	sender := &fakeSender{errs: []error{errors.New("flaky")}}
	e := &Engine{sender: sender}

	status, _ := e.deliver(context.Background(), "b", 1, "hi")
	if status != postgres.DeliverySent {
		t.Errorf("status = %v, want sent after one retry", status)
	}
	if sender.calls != 2 {
		t.Errorf("calls = %d, want 2", sender.calls)
	}
}

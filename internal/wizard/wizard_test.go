package wizard

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeCorruptRecords(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{{`,
		"negative step":   `{"entry_cmd": "/book", "step": -1, "vars": {}}`,
		"nil vars":        `{"entry_cmd": "/book", "step": 0}`,
		"empty entry_cmd": `{"step": 0, "vars": {}}`,
	}
	for name, raw := range cases {
		if _, ok := decode([]byte(raw)); ok {
			t.Errorf("%s: decode accepted a corrupt record", name)
		}
	}

	st, ok := decode([]byte(`{"entry_cmd": "/book", "step": 1, "vars": {"service": "spa"}, "ttl_sec": 3600}`))
	if !ok {
		t.Fatal("valid record rejected")
	}
	if st.Step != 1 || st.Vars["service"] != "spa" {
		t.Errorf("decoded %+v", st)
	}
}

func TestTTLOrDefault(t *testing.T) {
	cases := []struct {
		ttlSec int
		want   time.Duration
	}{
		{0, DefaultTTL},
		{-5, DefaultTTL},
		{30, MinTTL},    // below the floor
		{60, MinTTL},
		{3600, time.Hour},
	}
	for _, tc := range cases {
		if got := ttlOrDefault(tc.ttlSec); got != tc.want {
			t.Errorf("ttlOrDefault(%d) = %v, want %v", tc.ttlSec, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	short := "hello"
	if Truncate(short) != short {
		t.Error("short input must pass through")
	}

	long := strings.Repeat("a", MaxInputLen+500)
	got := Truncate(long)
	if len(got) != MaxInputLen {
		t.Errorf("len = %d, want %d", len(got), MaxInputLen)
	}
}

func TestKeyIsTenantScoped(t *testing.T) {
	a := key("bot-a", 42)
	b := key("bot-b", 42)
	if a == b {
		t.Error("keys for distinct bots must differ")
	}
	if a != "state:bot-a:42" {
		t.Errorf("key = %q", a)
	}
}

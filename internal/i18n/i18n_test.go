package i18n

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseMarker(t *testing.T) {
	cases := map[string]struct {
		in           string
		key          string
		placeholders map[string]string
		ok           bool
	}{
		"bare key":       {in: "t:welcome", key: "welcome", placeholders: map[string]string{}, ok: true},
		"dotted key":     {in: "t:menu.title", key: "menu.title", placeholders: map[string]string{}, ok: true},
		"with args":      {in: "t:greet {name=Anna, day=Monday}", key: "greet", placeholders: map[string]string{"name": "Anna", "day": "Monday"}, ok: true},
		"spaces":         {in: "  t:greet {name = Anna}  ", key: "greet", placeholders: map[string]string{"name": "Anna"}, ok: true},
		"not a marker":   {in: "hello t:world", ok: false},
		"plain text":     {in: "Забронировано", ok: false},
		"empty":          {in: "", ok: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			key, placeholders, ok := ParseMarker(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if key != tc.key {
				t.Errorf("key = %q, want %q", key, tc.key)
			}
			if diff := cmp.Diff(tc.placeholders, placeholders); diff != "" {
				t.Errorf("placeholders mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsMarker(t *testing.T) {
	if !IsMarker("t:key") {
		t.Error("t:key is a marker")
	}
	if IsMarker("template text {{x}}") {
		t.Error("template text is not a marker")
	}
}

package actions

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gagarinyury/botfactory-runtime/internal/events"
	"github.com/gagarinyury/botfactory-runtime/internal/spec"
	"github.com/gagarinyury/botfactory-runtime/internal/template"
)

func TestReduceRowsDefault(t *testing.T) {
	rows := []map[string]any{
		{"service": "massage", "price": 100},
		{"service": "spa", "price": 200},
	}
	got := reduceRows(rows, []string{"service", "price"}, spec.SQLQueryAction{ResultVar: "r"})

	asRows, ok := got.([]template.Row)
	if !ok {
		t.Fatalf("got %T, want []template.Row", got)
	}
	if len(asRows) != 2 || asRows[0]["service"] != "massage" {
		t.Errorf("rows = %+v", asRows)
	}
}

func TestReduceRowsScalar(t *testing.T) {
	rows := []map[string]any{{"count": int64(5)}}
	got := reduceRows(rows, []string{"count"}, spec.SQLQueryAction{Scalar: true})
	if got != int64(5) {
		t.Errorf("got %v", got)
	}

	// empty result yields null, not a panic
	got = reduceRows(nil, []string{"count"}, spec.SQLQueryAction{Scalar: true})
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestReduceRowsFlatten(t *testing.T) {
	rows := []map[string]any{{"service": "massage"}, {"service": "spa"}}
	got := reduceRows(rows, []string{"service"}, spec.SQLQueryAction{Flatten: true})

	if diff := cmp.Diff([]any{"massage", "spa"}, got); diff != "" {
		t.Errorf("flatten mismatch (-want +got):\n%s", diff)
	}

	// flatten is ignored with more than one column
	rows = []map[string]any{{"a": 1, "b": 2}}
	if _, ok := reduceRows(rows, []string{"a", "b"}, spec.SQLQueryAction{Flatten: true}).([]template.Row); !ok {
		t.Error("multi-column flatten must fall back to row-objects")
	}
}

func TestBuildArgs(t *testing.T) {
	p := Params{BotID: "bot-1", UserID: 42}
	scope := template.Scope{"service": "spa"}

	args, err := buildArgs([]string{"bot_id", "service", "user_id"}, p, scope)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"bot-1", "spa", int64(42)}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	if _, err := buildArgs([]string{"missing"}, p, scope); err == nil {
		t.Error("unknown bind name must fail")
	}
}

func TestMaskDetail(t *testing.T) {
	err := errors.New(`pq: syntax error near "SELECT secret FROM tokens"`)

	masked := &Executor{mask: true}
	if got := masked.maskDetail(err); got != events.Masked {
		t.Errorf("masked detail = %q, want %q", got, events.Masked)
	}

	open := &Executor{mask: false}
	if got := open.maskDetail(err); got != err.Error() {
		t.Errorf("unmasked detail = %q", got)
	}
}

func TestAllowedVarsAlwaysIncludeTenantScope(t *testing.T) {
	allowed := allowedVars(Params{}, template.Scope{"x": 1})
	for _, name := range []string{"bot_id", "user_id", "x"} {
		if !allowed[name] {
			t.Errorf("%s missing from allowed set", name)
		}
	}
}

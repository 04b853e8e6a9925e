package spec

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const legacyWizard = `{
  "use": ["wizard", "sql"],
  "intents": [{"cmd": "/start", "reply": "Hi!"}],
  "wizard_flows": [{
    "entry_cmd": "/book",
    "steps": [
      {"var": "service", "ask": "Какая услуга?", "validate": {"regex": "^(massage|spa|consultation)$", "msg": "Выберите: massage, spa, consultation"}},
      {"var": "slot", "ask": "Когда удобно?", "validate": {"regex": "^\\d{4}-\\d{2}-\\d{2} \\d{2}:\\d{2}$", "msg": "Формат: YYYY-MM-DD HH:MM"}}
    ],
    "on_complete": [
      {"action.sql_exec.v1": {"sql": "INSERT INTO bookings (bot_id, user_id, service, slot) VALUES (:bot_id, :user_id, :service, :slot)"}},
      {"action.reply_template.v1": {"text": "✅ Забронировано: {{service}} на {{slot}}"}}
    ],
    "ttl_sec": 3600
  }]
}`

const v1Wizard = `{
  "flows": [{
    "type": "flow.wizard.v1",
    "entry_cmd": "/book",
    "params": {
      "steps": [
        {"var": "service", "ask": "Какая услуга?", "validate": {"regex": "^(massage|spa|consultation)$", "msg": "Выберите: massage, spa, consultation"}},
        {"var": "slot", "ask": "Когда удобно?", "validate": {"regex": "^\\d{4}-\\d{2}-\\d{2} \\d{2}:\\d{2}$", "msg": "Формат: YYYY-MM-DD HH:MM"}}
      ],
      "on_complete": [
        {"action.sql_exec.v1": {"sql": "INSERT INTO bookings (bot_id, user_id, service, slot) VALUES (:bot_id, :user_id, :service, :slot)"}},
        {"action.reply_template.v1": {"text": "✅ Забронировано: {{service}} на {{slot}}"}}
      ],
      "ttl_sec": 3600
    }
  }],
  "intents": [{"cmd": "/start", "reply": "Hi!"}],
  "use": ["wizard", "sql"]
}`

func TestCompileIntents(t *testing.T) {
	cs, err := Compile("b1", 1, []byte(legacyWizard))
	if err != nil {
		t.Fatal(err)
	}

	it, ok := cs.IntentByCmd["/start"]
	if !ok {
		t.Fatal("intent /start missing")
	}
	if it.Reply != "Hi!" {
		t.Errorf("reply = %q", it.Reply)
	}
	if !cs.Use["wizard"] || !cs.Use["sql"] {
		t.Error("use tags not indexed")
	}
}

func TestCompileBothWizardEncodings(t *testing.T) {
	legacy, err := Compile("b1", 1, []byte(legacyWizard))
	if err != nil {
		t.Fatal(err)
	}
	v1, err := Compile("b1", 1, []byte(v1Wizard))
	if err != nil {
		t.Fatal(err)
	}

	lf, ok := legacy.WizardByCmd["/book"]
	if !ok {
		t.Fatal("legacy /book missing")
	}
	vf, ok := v1.WizardByCmd["/book"]
	if !ok {
		t.Fatal("v1 /book missing")
	}

	if len(lf.Steps) != 2 || len(vf.Steps) != 2 {
		t.Fatalf("step counts: legacy=%d v1=%d", len(lf.Steps), len(vf.Steps))
	}
	for i := range lf.Steps {
		if lf.Steps[i].Var != vf.Steps[i].Var || lf.Steps[i].Ask != vf.Steps[i].Ask {
			t.Errorf("step %d differs between encodings", i)
		}
		if lf.Steps[i].ValidateRegex.String() != vf.Steps[i].ValidateRegex.String() {
			t.Errorf("step %d regex differs", i)
		}
	}
	if lf.TTLSec != 3600 || vf.TTLSec != 3600 {
		t.Error("ttl_sec not carried through both encodings")
	}
	if len(lf.OnComplete) != 2 || len(vf.OnComplete) != 2 {
		t.Error("on_complete not carried through both encodings")
	}
}

func TestCompileStepValidation(t *testing.T) {
	cs, err := Compile("b1", 1, []byte(legacyWizard))
	if err != nil {
		t.Fatal(err)
	}
	step := cs.WizardByCmd["/book"].Steps[0]
	if !step.ValidateRegex.MatchString("massage") {
		t.Error("massage must validate")
	}
	if step.ValidateRegex.MatchString("pizza") {
		t.Error("pizza must not validate")
	}
	if step.ValidateMsg == "" {
		t.Error("validate msg lost")
	}
}

func TestCompileMenuWinsOverWizard(t *testing.T) {
	doc := `{
	  "menu_flows": [{"entry_cmd": "/menu", "actions": [{"action.reply_template.v1": {"text": "menu"}}]}],
	  "wizard_flows": [{"entry_cmd": "/menu", "steps": [{"var": "x", "ask": "?"}]}]
	}`
	cs, err := Compile("b1", 1, []byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	flow, _, ok := cs.LookupEntry("/menu")
	if !ok || flow == nil {
		t.Fatal("entry /menu missing")
	}
	if flow.Type != FlowMenu {
		t.Errorf("type = %v, want menu", flow.Type)
	}
	if _, shadowed := cs.WizardByCmd["/menu"]; shadowed {
		t.Error("colliding wizard entry must not be indexed")
	}
}

func TestCompileTooManySteps(t *testing.T) {
	steps := ""
	for i := 0; i <= MaxWizardSteps; i++ {
		if i > 0 {
			steps += ","
		}
		steps += fmt.Sprintf(`{"var": "v%d", "ask": "?"}`, i)
	}
	doc := `{"wizard_flows": [{"entry_cmd": "/w", "steps": [` + steps + `]}]}`

	_, err := Compile("b1", 1, []byte(doc))
	var tooMany *ErrTooManySteps
	if !errors.As(err, &tooMany) {
		t.Fatalf("want ErrTooManySteps, got %v", err)
	}
}

func TestCompileInvalidRegex(t *testing.T) {
	doc := `{"wizard_flows": [{"entry_cmd": "/w", "steps": [{"var": "x", "ask": "?", "validate": {"regex": "(", "msg": "m"}}]}]}`
	_, err := Compile("b1", 1, []byte(doc))
	var bad *ErrInvalidRegex
	if !errors.As(err, &bad) {
		t.Fatalf("want ErrInvalidRegex, got %v", err)
	}
}

func TestCompileUnknownAction(t *testing.T) {
	doc := `{"menu_flows": [{"entry_cmd": "/m", "actions": [{"action.exec_shell.v1": {"cmd": "rm -rf /"}}]}]}`
	if _, err := Compile("b1", 1, []byte(doc)); err == nil {
		t.Fatal("unknown action must fail compilation")
	}
}

func TestLookupEntryPrecedence(t *testing.T) {
	doc := `{
	  "intents": [{"cmd": "/both", "reply": "intent"}],
	  "wizard_flows": [{"entry_cmd": "/both", "steps": [{"var": "x", "ask": "?"}]}]
	}`
	cs, err := Compile("b1", 1, []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	flow, intent, ok := cs.LookupEntry("/both")
	if !ok {
		t.Fatal("lookup failed")
	}
	if flow == nil || intent != nil {
		t.Error("wizard flow must win over intent")
	}
}

func TestCacheReloadIdempotent(t *testing.T) {
	loads := 0
	loader := func(ctx context.Context, botID string) (int, []byte, error) {
		loads++
		return 3, []byte(legacyWizard), nil
	}
	cache := NewCache(loader)
	ctx := context.Background()

	first, err := cache.Get(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Version != 3 {
		t.Errorf("version = %d", first.Version)
	}

	// second Get must serve from cache
	_, err = cache.Get(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if loads != 1 {
		t.Errorf("loader called %d times, want 1", loads)
	}

	r1, err := cache.Reload(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := cache.Reload(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}

	opts := cmp.Comparer(func(a, b *Flow) bool {
		return a.EntryCmd == b.EntryCmd && len(a.Steps) == len(b.Steps) && a.TTLSec == b.TTLSec
	})
	if diff := cmp.Diff(keysOf(r1.WizardByCmd), keysOf(r2.WizardByCmd)); diff != "" {
		t.Errorf("reloads differ: %s", diff)
	}
	if !cmp.Equal(r1.WizardByCmd["/book"], r2.WizardByCmd["/book"], opts) {
		t.Error("two reloads at the same version must produce the same compiled form")
	}
}

func TestCacheLoaderError(t *testing.T) {
	wantErr := errors.New("boom")
	cache := NewCache(func(ctx context.Context, botID string) (int, []byte, error) {
		return 0, nil, wantErr
	})
	if _, err := cache.Get(context.Background(), "b1"); !errors.Is(err, wantErr) {
		t.Errorf("got %v, want wrapped loader error", err)
	}
	if cache.Peek("b1") != nil {
		t.Error("failed load must not install a spec")
	}
}

func keysOf(m map[string]*Flow) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

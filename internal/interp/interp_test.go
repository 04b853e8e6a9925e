package interp

import (
	"testing"

	"github.com/gagarinyury/botfactory-runtime/internal/actions"
	"github.com/gagarinyury/botfactory-runtime/internal/spec"
)

func TestScopeFromVars(t *testing.T) {
	p := actions.Params{BotID: "bot-1", UserID: 42}
	scope := scopeFromVars(map[string]string{"service": "spa"}, p)

	if scope["bot_id"] != "bot-1" {
		t.Errorf("bot_id = %v", scope["bot_id"])
	}
	if scope["user_id"] != int64(42) {
		t.Errorf("user_id = %v", scope["user_id"])
	}
	if scope["service"] != "spa" {
		t.Errorf("service = %v", scope["service"])
	}
}

func TestFindCalendarAction(t *testing.T) {
	flow := &spec.Flow{
		OnEnter: []spec.Action{
			spec.ReplyTemplateAction{Text: "pick"},
			spec.WidgetCalendarAction{Mode: "datetime", Var: "slot"},
		},
	}

	w, ok := findCalendarAction(flow)
	if !ok {
		t.Fatal("widget action not found")
	}
	if w.Var != "slot" || w.Mode != "datetime" {
		t.Errorf("widget = %+v", w)
	}

	if _, ok := findCalendarAction(&spec.Flow{}); ok {
		t.Error("flow without a widget must report none")
	}
}

package webhookapi

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestToUpdateMessage(t *testing.T) {
	tu := tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: "/start",
			From: &tgbotapi.User{ID: 42},
			Chat: &tgbotapi.Chat{ID: 100},
		},
	}

	u, ok := toUpdate("bot-1", "trace-1", tu)
	if !ok {
		t.Fatal("message update not accepted")
	}
	if u.BotID != "bot-1" || u.UserID != 42 || u.ChatID != 100 || u.Text != "/start" || u.CallbackData != "" {
		t.Errorf("update = %+v", u)
	}
}

func TestToUpdateCallback(t *testing.T) {
	tu := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			Data: "cal:bot-1:42:pickd:2025-01-15",
			From: &tgbotapi.User{ID: 42},
			Message: &tgbotapi.Message{
				Chat: &tgbotapi.Chat{ID: 100},
			},
		},
	}

	u, ok := toUpdate("bot-1", "trace-1", tu)
	if !ok {
		t.Fatal("callback update not accepted")
	}
	if u.CallbackData != "cal:bot-1:42:pickd:2025-01-15" || u.Text != "" {
		t.Errorf("update = %+v", u)
	}
}

func TestToUpdateIgnoresOtherKinds(t *testing.T) {
	if _, ok := toUpdate("bot-1", "trace-1", tgbotapi.Update{}); ok {
		t.Error("empty update must be ignored")
	}
}

// Package calendar implements the calendar widget: a stateless
// month-grid/time-grid presenter over tgbotapi.InlineKeyboardMarkup,
// with its own callback_data dialect decoded back into a pick or a
// navigation step.
package calendar

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Mode selects whether a terminal pick yields a date or a date+time.
type Mode string

const (
	ModeDate     Mode = "date"
	ModeDateTime Mode = "datetime"
)

// Action is the verb encoded in a calendar callback_data string.
type Action string

const (
	ActionPrevMonth Action = "prev"
	ActionNextMonth Action = "next"
	ActionPickDate  Action = "pickd"
	ActionPickTime  Action = "pickt"
	ActionBack      Action = "back"
)

// Callback is a decoded `cal:<bot>:<user>:<action>:<payload>` string.
type Callback struct {
	BotID   string
	UserID  int64
	Action  Action
	Payload string
}

// ErrNotACallback is returned by Decode when data does not carry the
// calendar prefix.
var ErrNotACallback = errors.New("calendar: not a calendar callback")

// Prefix is the CallbackPrefix the interpreter's ownership check matches
// against.
const Prefix = "cal:"

// Encode builds callback_data for one calendar button.
func Encode(botID string, userID int64, action Action, payload string) string {
	return fmt.Sprintf("%s%s:%d:%s:%s", Prefix, botID, userID, action, payload)
}

// Decode parses callback_data produced by Encode.
func Decode(data string) (*Callback, error) {
	if !strings.HasPrefix(data, Prefix) {
		return nil, ErrNotACallback
	}
	rest := strings.TrimPrefix(data, Prefix)
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("calendar: malformed callback %q", data)
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("calendar: bad user id in callback %q: %w", data, err)
	}
	return &Callback{BotID: parts[0], UserID: userID, Action: Action(parts[2]), Payload: parts[3]}, nil
}

// Renderer implements actions.CalendarRenderer and decodes calendar
// callbacks for the interpreter.
type Renderer struct {
	now func() time.Time
}

// New builds a Renderer. nowFn defaults to time.Now when nil — tests
// supply a fixed clock.
func New(nowFn func() time.Time) *Renderer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Renderer{now: nowFn}
}

// Render produces the initial month grid for a fresh widget action.
// A bare month view always starts on the current month in tz, or UTC
// if tz is unparsable.
func (r *Renderer) Render(botID string, userID int64, mode, title, min, max, tz string) (string, json.RawMessage, error) {
	loc := location(tz)
	return r.renderMonth(botID, userID, Mode(mode), title, min, max, tz, r.now().In(loc))
}

// HandleCallback advances the widget state machine for one decoded
// callback: month navigation re-renders the grid, a date pick is
// terminal in ModeDate and reveals the time grid in ModeDateTime, a
// time pick is terminal in ModeDateTime, "back" returns to the date
// grid from the time grid.
//
// terminalValue is non-empty only when the pick is terminal, at which
// point the caller stores it into the owning wizard's designated
// variable and advances the wizard.
func (r *Renderer) HandleCallback(cb *Callback, mode Mode, title, min, max, tz string) (text string, keyboard json.RawMessage, terminalValue string, err error) {
	loc := location(tz)

	switch cb.Action {
	case ActionPrevMonth, ActionNextMonth:
		anchor, err := parseMonthAnchor(cb.Payload, loc)
		if err != nil {
			return "", nil, "", err
		}
		delta := 1
		if cb.Action == ActionPrevMonth {
			delta = -1
		}
		anchor = anchor.AddDate(0, delta, 0)
		text, keyboard, err = r.renderMonth(cb.BotID, cb.UserID, mode, title, min, max, tz, anchor)
		return text, keyboard, "", err

	case ActionPickDate:
		if !withinRange(cb.Payload, min, max) {
			return "", nil, "", fmt.Errorf("calendar: date %q is outside the allowed range", cb.Payload)
		}
		if mode == ModeDateTime {
			text, keyboard, err = r.renderTimeGrid(cb.BotID, cb.UserID, cb.Payload, title)
			return text, keyboard, "", err
		}
		return "", nil, cb.Payload, nil

	case ActionPickTime:
		return "", nil, cb.Payload, nil

	case ActionBack:
		date, _, _ := strings.Cut(cb.Payload, " ")
		anchor, err := parseMonthAnchor(date[:7], loc)
		if err != nil {
			return "", nil, "", err
		}
		text, keyboard, err = r.renderMonth(cb.BotID, cb.UserID, mode, title, min, max, tz, anchor)
		return text, keyboard, "", err

	default:
		return "", nil, "", fmt.Errorf("calendar: unknown callback action %q", cb.Action)
	}
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseMonthAnchor(ym string, loc *time.Location) (time.Time, error) {
	if len(ym) < 7 {
		return time.Time{}, fmt.Errorf("calendar: bad month anchor %q", ym)
	}
	t, err := time.ParseInLocation("2006-01", ym[:7], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar: bad month anchor %q: %w", ym, err)
	}
	return t, nil
}

func withinRange(date, min, max string) bool {
	if min != "" && date < min {
		return false
	}
	if max != "" && date > max {
		return false
	}
	return true
}

// renderMonth builds the inline-keyboard month grid: a header row with
// prev/next navigation and the month name, then one row per week with
// out-of-range days rendered as disabled placeholder buttons. There is
// no weekday-name row.
func (r *Renderer) renderMonth(botID string, userID int64, mode Mode, title, min, max, tz string, anchor time.Time) (string, json.RawMessage, error) {
	anchor = time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location())
	monthKey := anchor.Format("2006-01")

	header := tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("«", Encode(botID, userID, ActionPrevMonth, monthKey)),
		tgbotapi.NewInlineKeyboardButtonData(anchor.Format("January 2006"), "cal:noop"),
		tgbotapi.NewInlineKeyboardButtonData("»", Encode(botID, userID, ActionNextMonth, monthKey)),
	)
	rows := [][]tgbotapi.InlineKeyboardButton{header}

	firstWeekday := int(anchor.Weekday())
	daysInMonth := anchor.AddDate(0, 1, -1).Day()

	var row []tgbotapi.InlineKeyboardButton
	for i := 0; i < firstWeekday; i++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(" ", "cal:noop"))
	}
	for day := 1; day <= daysInMonth; day++ {
		date := fmt.Sprintf("%s-%02d", monthKey, day)
		label := strconv.Itoa(day)
		if !withinRange(date, min, max) {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData("·", "cal:noop"))
		} else {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, Encode(botID, userID, ActionPickDate, date)))
		}
		if len(row) == 7 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
	payload, err := json.Marshal(keyboard)
	if err != nil {
		return "", nil, err
	}

	text := title
	if text == "" {
		text = "Select a date"
	}
	return text, payload, nil
}

// renderTimeGrid builds the half-hour time grid shown after a date pick
// in ModeDateTime (where the date pick is not terminal), with a "back"
// button returning to the month view.
func (r *Renderer) renderTimeGrid(botID string, userID int64, date, title string) (string, json.RawMessage, error) {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for hour := 9; hour < 21; hour++ {
		for _, minute := range []int{0, 30} {
			label := fmt.Sprintf("%02d:%02d", hour, minute)
			value := fmt.Sprintf("%s %s", date, label)
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, Encode(botID, userID, ActionPickTime, value)))
			if len(row) == 4 {
				rows = append(rows, row)
				row = nil
			}
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("« Back", Encode(botID, userID, ActionBack, date)),
	))

	keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
	payload, err := json.Marshal(keyboard)
	if err != nil {
		return "", nil, err
	}

	text := title
	if text == "" {
		text = "Select a time"
	}
	return text, payload, nil
}

// Package interp is the DSL interpreter and router: it resolves one
// inbound update to a handler under a fixed precedence and drives the
// action executor and wizard state store against the result.
package interp

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/actions"
	"github.com/gagarinyury/botfactory-runtime/internal/calendar"
	"github.com/gagarinyury/botfactory-runtime/internal/events"
	"github.com/gagarinyury/botfactory-runtime/internal/metrics"
	"github.com/gagarinyury/botfactory-runtime/internal/spec"
	"github.com/gagarinyury/botfactory-runtime/internal/store/postgres"
	"github.com/gagarinyury/botfactory-runtime/internal/template"
	"github.com/gagarinyury/botfactory-runtime/internal/wizard"
)

// Update is one inbound message or callback, framed by the (external)
// webhook layer into the shape the interpreter understands.
type Update struct {
	BotID        string
	UserID       int64
	ChatID       int64
	Text         string // "" for a pure callback
	CallbackData string // "" for a pure text message
	TraceID      string
}

// Outcome is what the interpreter produced for the caller to deliver.
type Outcome struct {
	Matched bool
	Replies []actions.ReplyArtifact
}

// SpecCache is the subset of *spec.Cache the interpreter needs,
// expressed as an interface so tests can substitute a fixed spec.
type SpecCache interface {
	Get(ctx context.Context, botID string) (*spec.CompiledSpec, error)
}

// Interpreter resolves Update -> Outcome under the fixed routing
// precedence and drives Actions/Wizard state to do it.
type Interpreter struct {
	db       *gorm.DB
	specs    SpecCache
	wizards  *wizard.Store
	executor *actions.Executor
	calendar *calendar.Renderer

	defaultLocale func(ctx context.Context, botID string, userID, chatID *int64) (string, error)
}

// New builds an Interpreter.
func New(db *gorm.DB, specs SpecCache, wizards *wizard.Store, executor *actions.Executor, cal *calendar.Renderer, localeFn func(ctx context.Context, botID string, userID, chatID *int64) (string, error)) *Interpreter {
	return &Interpreter{db: db, specs: specs, wizards: wizards, executor: executor, calendar: cal, defaultLocale: localeFn}
}

// Handle routes u under the fixed precedence and executes whatever it
// resolves to, inside one *gorm.DB transaction per update.
func (ip *Interpreter) Handle(ctx context.Context, u Update) (*Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.DSLHandleLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
	}()
	metrics.BotUpdatesTotal.WithLabelValues(u.BotID).Inc()

	var bot postgres.Bot
	if err := ip.db.WithContext(ctx).Where("id = ?", u.BotID).First(&bot).Error; err != nil {
		return nil, fmt.Errorf("interp: load bot %s: %w", u.BotID, err)
	}
	if bot.Status == postgres.BotStatusDisabled {
		return &Outcome{Matched: false}, nil
	}

	cs, err := ip.specs.Get(ctx, u.BotID)
	if err != nil {
		return nil, fmt.Errorf("interp: load spec: %w", err)
	}

	locale, err := ip.defaultLocale(ctx, u.BotID, &u.UserID, &u.ChatID)
	if err != nil {
		locale = "ru"
	}
	params := actions.Params{
		BotID:      u.BotID,
		UserID:     u.UserID,
		TraceID:    u.TraceID,
		Locale:     locale,
		LLMEnabled: bot.LLMEnabled,
		LLMPreset:  string(bot.LLMPreset),
	}

	var out *Outcome
	var handlerErr error

	txErr := ip.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, handlerErr = ip.route(ctx, tx, cs, params, u)
		return nil // actions already compensate locally; never abort the transaction wholesale
	})
	if txErr != nil {
		return nil, txErr
	}
	if handlerErr != nil {
		return nil, handlerErr
	}

	eventSink := events.New(ip.db)
	_ = eventSink.Emit(ctx, u.BotID, u.UserID, u.TraceID, events.TypeUpdate, map[string]any{"matched": out.Matched})

	return out, nil
}

// route implements the precedence order itself: a calendar widget
// callback first (it resolves against the active wizard's pending
// pick), then active wizard, menu entry, wizard entry, intent, no match.
func (ip *Interpreter) route(ctx context.Context, tx *gorm.DB, cs *spec.CompiledSpec, params actions.Params, u Update) (*Outcome, error) {
	st, err := ip.wizards.Load(ctx, u.BotID, u.UserID)
	if err != nil {
		return nil, err
	}

	if u.CallbackData != "" {
		if cb, decodeErr := calendar.Decode(u.CallbackData); decodeErr == nil {
			return ip.handleCalendarCallback(ctx, tx, cs, params, u, st, cb)
		}
	}

	if st != nil {
		if flow, ok := cs.WizardByCmd[st.EntryCmd]; ok {
			return ip.handleWizardStep(ctx, tx, params, u, st, flow)
		}
		// the spec that started this wizard no longer defines it (reload
		// dropped the flow): discard and fall through to a fresh match.
		_ = ip.wizards.Delete(ctx, u.BotID, u.UserID)
	}

	cmd := u.Text
	if flow, intent, ok := cs.LookupEntry(cmd); ok {
		if flow != nil {
			return ip.handleFlowEntry(ctx, tx, cs, params, u, flow)
		}
		return &Outcome{Matched: true, Replies: []actions.ReplyArtifact{{Text: intent.Reply}}}, nil
	}

	return &Outcome{Matched: false}, nil
}

func (ip *Interpreter) handleFlowEntry(ctx context.Context, tx *gorm.DB, cs *spec.CompiledSpec, params actions.Params, u Update, flow *spec.Flow) (*Outcome, error) {
	if flow.Type == spec.FlowMenu {
		scope := template.Scope{"bot_id": params.BotID, "user_id": params.UserID}
		result, err := ip.executor.RunSequence(ctx, tx, params, scope, flow.OnEnter)
		if err != nil {
			return nil, err
		}
		return &Outcome{Matched: true, Replies: result.Replies}, nil
	}

	// flow.wizard.v1: entry_cmd received (again) resets state at step 0
	// and asks the first question.
	st, err := ip.wizards.Start(ctx, u.BotID, u.UserID, flow.EntryCmd, flow.TTLSec)
	if err != nil {
		return nil, err
	}

	scope := scopeFromVars(st.Vars, params)
	result, err := ip.executor.RunSequence(ctx, tx, params, scope, flow.OnEnter)
	if err != nil {
		return nil, err
	}

	replies := result.Replies
	if len(flow.Steps) > 0 {
		replies = append(replies, actions.ReplyArtifact{Text: flow.Steps[0].Ask})
	}
	if result.PendingWidgetVar != "" {
		st.PendingWidget = result.PendingWidgetVar
		if err := ip.saveWidgetPending(ctx, u.BotID, u.UserID, st); err != nil {
			return nil, err
		}
	}

	_ = events.New(ip.db).Emit(ctx, u.BotID, u.UserID, u.TraceID, events.TypeFlowStep, map[string]any{"entry_cmd": flow.EntryCmd, "step": 0})

	return &Outcome{Matched: true, Replies: replies}, nil
}

// handleWizardStep validates input against the step the wizard is
// waiting on and advances atomically.
func (ip *Interpreter) handleWizardStep(ctx context.Context, tx *gorm.DB, params actions.Params, u Update, st *wizard.State, flow *spec.Flow) (*Outcome, error) {
	if st.PendingWidget != "" {
		// a calendar pick is outstanding; plain text input is out of turn.
		return &Outcome{Matched: true}, nil
	}
	if st.Step >= len(flow.Steps) {
		_ = ip.wizards.Delete(ctx, u.BotID, u.UserID)
		return &Outcome{Matched: false}, nil
	}

	step := flow.Steps[st.Step]
	input := wizard.Truncate(u.Text)

	if step.ValidateRegex != nil && !step.ValidateRegex.MatchString(input) {
		msg := step.ValidateMsg
		if msg == "" {
			msg = "That doesn't look right, please try again."
		}
		return &Outcome{Matched: true, Replies: []actions.ReplyArtifact{{Text: msg}}}, nil
	}

	isLastStep := st.Step == len(flow.Steps)-1

	advanced, err := ip.wizards.Advance(ctx, u.BotID, u.UserID, st.Step, func(s *wizard.State) {
		s.Vars[step.Var] = input
		s.Step++
	})
	if err != nil {
		if err == wizard.ErrOutOfTurn {
			return &Outcome{Matched: true}, nil
		}
		return nil, err
	}

	scope := scopeFromVars(advanced.Vars, params)
	result, err := ip.executor.RunSequence(ctx, tx, params, scope, flow.OnStep)
	if err != nil {
		return nil, err
	}
	replies := result.Replies

	_ = events.New(ip.db).Emit(ctx, u.BotID, u.UserID, u.TraceID, events.TypeFlowStep, map[string]any{"entry_cmd": flow.EntryCmd, "step": advanced.Step})

	if isLastStep {
		completeResult, err := ip.executor.RunSequence(ctx, tx, params, scope, flow.OnComplete)
		if err != nil {
			return nil, err
		}
		replies = append(replies, completeResult.Replies...)
		if err := ip.wizards.Complete(ctx, u.BotID, u.UserID); err != nil {
			return nil, err
		}
		return &Outcome{Matched: true, Replies: replies}, nil
	}

	if advanced.Step < len(flow.Steps) {
		replies = append(replies, actions.ReplyArtifact{Text: flow.Steps[advanced.Step].Ask})
	}
	return &Outcome{Matched: true, Replies: replies}, nil
}

// handleCalendarCallback decodes a `cal:` callback, rejects ownership
// mismatches, and either re-renders the grid or resolves a terminal
// pick into the owning wizard's variable.
func (ip *Interpreter) handleCalendarCallback(ctx context.Context, tx *gorm.DB, cs *spec.CompiledSpec, params actions.Params, u Update, st *wizard.State, cb *calendar.Callback) (*Outcome, error) {
	if cb.BotID != u.BotID || cb.UserID != u.UserID {
		_ = events.New(ip.db).EmitError(ctx, u.BotID, u.UserID, u.TraceID, "widget_calendar", "callback_owner_mismatch", u.CallbackData)
		return &Outcome{Matched: false}, nil
	}
	if st == nil || st.PendingWidget == "" {
		return &Outcome{Matched: false}, nil
	}
	flow, ok := cs.WizardByCmd[st.EntryCmd]
	if !ok || st.Step >= len(flow.Steps) {
		return &Outcome{Matched: false}, nil
	}

	widgetAction, ok := findCalendarAction(flow)
	if !ok {
		return &Outcome{Matched: false}, nil
	}

	text, keyboard, terminal, err := ip.calendar.HandleCallback(cb, calendar.Mode(widgetAction.Mode), widgetAction.Title, widgetAction.Min, widgetAction.Max, widgetAction.TZ)
	if err != nil {
		_ = events.New(ip.db).EmitError(ctx, u.BotID, u.UserID, u.TraceID, "widget_calendar", "widget_calendar_error", err.Error())
		return &Outcome{Matched: true}, nil
	}

	if terminal == "" {
		return &Outcome{Matched: true, Replies: []actions.ReplyArtifact{{Text: text, Keyboard: keyboard}}}, nil
	}

	metrics.WidgetCalendarPicksTotal.WithLabelValues(u.BotID, widgetAction.Mode).Inc()
	_ = events.New(ip.db).Emit(ctx, u.BotID, u.UserID, u.TraceID, events.TypeWidgetPick, map[string]any{"mode": widgetAction.Mode, "var": widgetAction.Var})

	step := flow.Steps[st.Step]
	isLastStep := st.Step == len(flow.Steps)-1

	advanced, err := ip.wizards.Advance(ctx, u.BotID, u.UserID, st.Step, func(s *wizard.State) {
		s.Vars[step.Var] = terminal
		s.Step++
		s.PendingWidget = ""
	})
	if err != nil {
		if err == wizard.ErrOutOfTurn {
			return &Outcome{Matched: true}, nil
		}
		return nil, err
	}

	scope := scopeFromVars(advanced.Vars, params)
	result, err := ip.executor.RunSequence(ctx, tx, params, scope, flow.OnStep)
	if err != nil {
		return nil, err
	}
	replies := result.Replies

	if isLastStep {
		completeResult, err := ip.executor.RunSequence(ctx, tx, params, scope, flow.OnComplete)
		if err != nil {
			return nil, err
		}
		replies = append(replies, completeResult.Replies...)
		if err := ip.wizards.Complete(ctx, u.BotID, u.UserID); err != nil {
			return nil, err
		}
		return &Outcome{Matched: true, Replies: replies}, nil
	}

	if advanced.Step < len(flow.Steps) {
		replies = append(replies, actions.ReplyArtifact{Text: flow.Steps[advanced.Step].Ask})
	}
	return &Outcome{Matched: true, Replies: replies}, nil
}

func findCalendarAction(flow *spec.Flow) (spec.WidgetCalendarAction, bool) {
	for _, a := range flow.OnStep {
		if w, ok := a.(spec.WidgetCalendarAction); ok {
			return w, true
		}
	}
	for _, a := range flow.OnEnter {
		if w, ok := a.(spec.WidgetCalendarAction); ok {
			return w, true
		}
	}
	return spec.WidgetCalendarAction{}, false
}

func (ip *Interpreter) saveWidgetPending(ctx context.Context, botID string, userID int64, st *wizard.State) error {
	_, err := ip.wizards.Advance(ctx, botID, userID, st.Step, func(s *wizard.State) {
		s.PendingWidget = st.PendingWidget
	})
	return err
}

func scopeFromVars(vars map[string]string, params actions.Params) template.Scope {
	scope := make(template.Scope, len(vars)+2)
	scope["bot_id"] = params.BotID
	scope["user_id"] = params.UserID
	for k, v := range vars {
		scope[k] = v
	}
	return scope
}

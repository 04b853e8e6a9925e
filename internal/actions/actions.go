// Package actions executes compiled spec.Actions: each runs to
// completion or fails locally, in the listed order, action N observing
// every effect action N-1 committed.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/gagarinyury/botfactory-runtime/internal/events"
	"github.com/gagarinyury/botfactory-runtime/internal/i18n"
	"github.com/gagarinyury/botfactory-runtime/internal/metrics"
	"github.com/gagarinyury/botfactory-runtime/internal/spec"
	"github.com/gagarinyury/botfactory-runtime/internal/sqlgate"
	"github.com/gagarinyury/botfactory-runtime/internal/template"
)

// LLMImprover is the narrow surface the Action Executor needs from the
// LLM circuit breaker — an interface here so this package never imports
// internal/llmbreaker.
type LLMImprover interface {
	Improve(ctx context.Context, botID string, userID int64, preset, text string) (string, error)
}

// CalendarRenderer is the narrow surface the Action Executor needs from
// the calendar widget.
type CalendarRenderer interface {
	Render(botID string, userID int64, mode, title, min, max, tz string) (text string, keyboard json.RawMessage, err error)
}

// ReplyArtifact is the single user-visible output a reply or widget
// action produces.
type ReplyArtifact struct {
	Text     string
	Keyboard json.RawMessage
}

// Params carries the per-update context every action in a sequence
// shares.
type Params struct {
	BotID      string
	UserID     int64
	TraceID    string
	Locale     string
	LLMEnabled bool
	LLMPreset  string
}

// Result is what a sequence of actions produced, passed back to the
// interpreter so it can send the reply and, for widgets, arm the
// wizard's pending-pick variable.
type Result struct {
	Replies          []ReplyArtifact
	PendingWidgetVar string
}

// Executor runs compiled actions against a transaction-scoped database
// handle, the SQL gatekeeper, the template renderer, and i18n. The
// db.Transaction boundary is owned by the caller.
type Executor struct {
	sink     *events.Sink
	i18n     *i18n.Resolver
	llm      LLMImprover
	calendar CalendarRenderer
	mask     bool
}

// New builds an Executor. llm and calendar may be nil when the
// corresponding component tag is disabled for a bot. mask controls
// whether error detail is redacted before it reaches the event log:
// a driver error can echo statement text or bound values.
func New(sink *events.Sink, resolver *i18n.Resolver, llm LLMImprover, calendar CalendarRenderer, mask bool) *Executor {
	return &Executor{sink: sink, i18n: resolver, llm: llm, calendar: calendar, mask: mask}
}

// maskDetail redacts an error message when masking is on. The error
// still reaches the caller intact; only the persisted event is
// scrubbed.
func (e *Executor) maskDetail(err error) string {
	if e.mask {
		return events.Masked
	}
	return err.Error()
}

// RunSequence executes actions in order against tx, mutating scope in
// place as sql_query actions populate result vars. A failing action
// emits an error event and execution continues, except a failing reply
// action which produces a fallback error text instead of stopping.
func (e *Executor) RunSequence(ctx context.Context, tx *gorm.DB, p Params, scope template.Scope, acts []spec.Action) (*Result, error) {
	result := &Result{}

	for _, act := range acts {
		start := time.Now()
		var err error

		switch a := act.(type) {
		case spec.SQLExecAction:
			err = e.runSQLExec(ctx, tx, p, scope, a)
		case spec.SQLQueryAction:
			err = e.runSQLQuery(ctx, tx, p, scope, a)
		case spec.ReplyTemplateAction:
			var reply *ReplyArtifact
			reply, err = e.runReplyTemplate(ctx, p, scope, a)
			if reply != nil {
				result.Replies = append(result.Replies, *reply)
			}
		case spec.WidgetCalendarAction:
			var reply *ReplyArtifact
			reply, err = e.runWidgetCalendar(ctx, p, a)
			if reply != nil {
				result.Replies = append(result.Replies, *reply)
				result.PendingWidgetVar = a.Var
			}
		default:
			err = fmt.Errorf("actions: unknown action kind %q", act.Kind())
		}

		metrics.DSLActionLatencyMS.WithLabelValues(act.Kind()).Observe(float64(time.Since(start).Milliseconds()))

		if err != nil {
			metrics.BotErrorsTotal.WithLabelValues(p.BotID, "action", act.Kind()).Inc()
			_ = e.sink.EmitError(ctx, p.BotID, p.UserID, p.TraceID, act.Kind(), "action_error", e.maskDetail(err))
		}
	}

	return result, nil
}

func allowedVars(p Params, scope template.Scope) map[string]bool {
	allowed := map[string]bool{"bot_id": true, "user_id": true}
	for k := range scope {
		allowed[k] = true
	}
	return allowed
}

func buildArgs(binds []string, p Params, scope template.Scope) ([]any, error) {
	args := make([]any, len(binds))
	for i, name := range binds {
		switch name {
		case "bot_id":
			args[i] = p.BotID
		case "user_id":
			args[i] = p.UserID
		default:
			v, ok := scope[name]
			if !ok {
				return nil, fmt.Errorf("actions: bind :%s has no scope value", name)
			}
			args[i] = v
		}
	}
	return args, nil
}

func (e *Executor) runSQLExec(ctx context.Context, tx *gorm.DB, p Params, scope template.Scope, a spec.SQLExecAction) error {
	prepared, err := sqlgate.Validate(a.SQL, sqlgate.ModeExec, allowedVars(p, scope))
	if err != nil {
		return err
	}
	args, err := buildArgs(prepared.Binds, p, scope)
	if err != nil {
		return err
	}

	metrics.BotSQLExecTotal.WithLabelValues(p.BotID).Inc()

	res := tx.WithContext(ctx).Exec(prepared.SQL, args...)
	if res.Error != nil {
		_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeActionSQL, map[string]any{
			"mode": "exec", "sql_hash": prepared.SQLHash, "success": false,
		})
		return res.Error
	}

	_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeActionSQL, map[string]any{
		"mode": "exec", "sql_hash": prepared.SQLHash, "success": true, "rows_affected": res.RowsAffected,
	})
	return nil
}

func (e *Executor) runSQLQuery(ctx context.Context, tx *gorm.DB, p Params, scope template.Scope, a spec.SQLQueryAction) error {
	prepared, err := sqlgate.Validate(a.SQL, sqlgate.ModeQuery, allowedVars(p, scope))
	if err != nil {
		return err
	}
	args, err := buildArgs(prepared.Binds, p, scope)
	if err != nil {
		return err
	}

	metrics.BotSQLQueryTotal.WithLabelValues(p.BotID).Inc()

	rows, err := tx.WithContext(ctx).Raw(prepared.SQL, args...).Rows()
	if err != nil {
		_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeActionSQL, map[string]any{
			"mode": "query", "sql_hash": prepared.SQLHash, "success": false,
		})
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	scope[a.ResultVar] = reduceRows(out, cols, a)

	_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeActionSQL, map[string]any{
		"mode": "query", "sql_hash": prepared.SQLHash, "success": true, "row_count": len(out),
	})
	return nil
}

// reduceRows produces one of the three sql_query output shapes:
// default row-objects, scalar first-column-first-row, or flattened
// single-column array.
func reduceRows(rows []map[string]any, cols []string, a spec.SQLQueryAction) any {
	if a.Scalar {
		if len(rows) == 0 || len(cols) == 0 {
			return nil
		}
		return rows[0][cols[0]]
	}
	if a.Flatten && len(cols) == 1 {
		out := make([]any, len(rows))
		for i, r := range rows {
			out[i] = r[cols[0]]
		}
		return out
	}
	asTemplateRows := make([]template.Row, len(rows))
	for i, r := range rows {
		asTemplateRows[i] = template.Row(r)
	}
	return asTemplateRows
}

func (e *Executor) runReplyTemplate(ctx context.Context, p Params, scope template.Scope, a spec.ReplyTemplateAction) (*ReplyArtifact, error) {
	text, renderErr := e.resolveAndRender(ctx, p, scope, a.Text, a.EmptyText)

	if renderErr != nil {
		_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeActionReply, map[string]any{
			"success": false, "error": e.maskDetail(renderErr),
		})
		// a template error still yields Render's fallback text; a failure
		// that produced no text gets the generic error reply
		if text == "" {
			text = "Something went wrong. Please try again."
		}
		return &ReplyArtifact{Text: text}, renderErr
	}

	if a.LLMImprove && p.LLMEnabled && e.llm != nil {
		improved, err := e.llm.Improve(ctx, p.BotID, p.UserID, p.LLMPreset, text)
		if err == nil {
			text = improved
		}
		// a failed improvement keeps the rendered text — llm call failures
		// are recorded by the breaker itself (llm_requests_total{status}).
	}

	_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeActionReply, map[string]any{
		"success": true, "length": len(text),
	})

	return &ReplyArtifact{Text: text, Keyboard: a.Keyboard}, nil
}

func (e *Executor) resolveAndRender(ctx context.Context, p Params, scope template.Scope, text, emptyText string) (string, error) {
	if key, placeholders, ok := i18n.ParseMarker(text); ok {
		resolved := make(map[string]string, len(placeholders))
		for name, value := range placeholders {
			if v, inScope := scope[value]; inScope {
				resolved[name] = fmt.Sprint(v)
			} else {
				resolved[name] = value
			}
		}
		return e.i18n.Translate(ctx, p.BotID, p.Locale, key, resolved)
	}
	return template.Render(text, scope, emptyText)
}

func (e *Executor) runWidgetCalendar(ctx context.Context, p Params, a spec.WidgetCalendarAction) (*ReplyArtifact, error) {
	if e.calendar == nil {
		return nil, fmt.Errorf("actions: widget_calendar used but calendar component is not wired")
	}

	text, keyboard, err := e.calendar.Render(p.BotID, p.UserID, a.Mode, a.Title, a.Min, a.Max, a.TZ)
	if err != nil {
		_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeWidgetRender, map[string]any{"success": false})
		return nil, err
	}

	metrics.WidgetCalendarRendersTotal.WithLabelValues(p.BotID).Inc()
	_ = e.sink.Emit(ctx, p.BotID, p.UserID, p.TraceID, events.TypeWidgetRender, map[string]any{
		"success": true, "mode": a.Mode, "var": a.Var,
	})

	return &ReplyArtifact{Text: text, Keyboard: keyboard}, nil
}

package spec

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// rawSpec is the wire shape of a bot's DSL document.
// intents/flows may be given either in the unified `flows` array or in
// the segregated menu_flows/wizard_flows arrays; Compile accepts either.
type rawSpec struct {
	Use         []string    `json:"use,omitempty"`
	Intents     []rawIntent `json:"intents,omitempty"`
	Flows       []rawFlow   `json:"flows,omitempty"`
	MenuFlows   []rawFlow   `json:"menu_flows,omitempty"`
	WizardFlows []rawFlow   `json:"wizard_flows,omitempty"`
}

type rawIntent struct {
	Cmd   string `json:"cmd"`
	Reply string `json:"reply"`
}

// rawFlow covers both wizard encodings in the wild: the "legacy" shape
// with top-level steps/on_complete, and the "v1" shape nesting all of
// that under params.
type rawFlow struct {
	Type     string `json:"type,omitempty"`
	EntryCmd string `json:"entry_cmd"`

	// legacy shape
	OnEnter    []rawAction `json:"on_enter,omitempty"`
	Steps      []rawStep   `json:"steps,omitempty"`
	OnStep     []rawAction `json:"on_step,omitempty"`
	OnComplete []rawAction `json:"on_complete,omitempty"`
	TTLSec     int         `json:"ttl_sec,omitempty"`
	Actions    []rawAction `json:"actions,omitempty"` // menu flow body

	// v1 nested shape
	Params *rawWizardParamsV1 `json:"params,omitempty"`
}

type rawWizardParamsV1 struct {
	OnEnter    []rawAction `json:"on_enter,omitempty"`
	Steps      []rawStep   `json:"steps,omitempty"`
	OnStep     []rawAction `json:"on_step,omitempty"`
	OnComplete []rawAction `json:"on_complete,omitempty"`
	TTLSec     int         `json:"ttl_sec,omitempty"`
}

type rawStep struct {
	Var      string       `json:"var"`
	Ask      string       `json:"ask"`
	Validate *rawValidate `json:"validate,omitempty"`
}

type rawValidate struct {
	Regex string `json:"regex"`
	Msg   string `json:"msg"`
}

// rawAction is a single-key object, e.g. {"action.reply_template.v1": {...}},
// matching the source dialect's string-tagged action dictionaries.
type rawAction map[string]json.RawMessage

const (
	actionSQLQuery  = "action.sql_query.v1"
	actionSQLExec   = "action.sql_exec.v1"
	actionReply     = "action.reply_template.v1"
	actionWidgetCal = "action.widget.calendar.v1"
)

func compileAction(ra rawAction) (Action, error) {
	if len(ra) != 1 {
		return nil, fmt.Errorf("spec: action object must have exactly one key, got %d", len(ra))
	}
	for tag, payload := range ra {
		switch tag {
		case actionSQLQuery:
			var p struct {
				SQL       string `json:"sql"`
				ResultVar string `json:"result_var"`
				Scalar    bool   `json:"scalar"`
				Flatten   bool   `json:"flatten"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("spec: %s: %w", tag, err)
			}
			return SQLQueryAction{SQL: p.SQL, ResultVar: p.ResultVar, Scalar: p.Scalar, Flatten: p.Flatten}, nil

		case actionSQLExec:
			var p struct {
				SQL string `json:"sql"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("spec: %s: %w", tag, err)
			}
			return SQLExecAction{SQL: p.SQL}, nil

		case actionReply:
			var p struct {
				Text       string          `json:"text"`
				EmptyText  string          `json:"empty_text,omitempty"`
				Keyboard   json.RawMessage `json:"keyboard,omitempty"`
				LLMImprove bool            `json:"llm_improve,omitempty"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("spec: %s: %w", tag, err)
			}
			return ReplyTemplateAction{Text: p.Text, EmptyText: p.EmptyText, Keyboard: p.Keyboard, LLMImprove: p.LLMImprove}, nil

		case actionWidgetCal:
			var p struct {
				Mode  string `json:"mode"`
				Var   string `json:"var"`
				Title string `json:"title,omitempty"`
				Min   string `json:"min,omitempty"`
				Max   string `json:"max,omitempty"`
				TZ    string `json:"tz,omitempty"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("spec: %s: %w", tag, err)
			}
			if p.Mode == "" {
				p.Mode = "date"
			}
			return WidgetCalendarAction{Mode: p.Mode, Var: p.Var, Title: p.Title, Min: p.Min, Max: p.Max, TZ: p.TZ}, nil

		default:
			return nil, fmt.Errorf("spec: unknown action type %q", tag)
		}
	}
	panic("unreachable")
}

func compileActions(ras []rawAction) ([]Action, error) {
	out := make([]Action, 0, len(ras))
	for _, ra := range ras {
		a, err := compileAction(ra)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func compileStep(entryCmd string, rs rawStep) (Step, error) {
	s := Step{Var: rs.Var, Ask: rs.Ask}
	if rs.Validate != nil {
		re, err := regexp.Compile(rs.Validate.Regex)
		if err != nil {
			return Step{}, &ErrInvalidRegex{EntryCmd: entryCmd, Var: rs.Var, Err: err}
		}
		s.ValidateRegex = re
		s.ValidateMsg = rs.Validate.Msg
	}
	return s, nil
}

// compileFlow normalizes either wizard encoding (legacy top-level or v1
// nested params) into a single Flow.
func compileFlow(rf rawFlow, defaultType FlowType) (*Flow, error) {
	ft := defaultType
	switch rf.Type {
	case "flow.menu.v1":
		ft = FlowMenu
	case "flow.wizard.v1":
		ft = FlowWizard
	}

	onEnter, steps, onStep, onComplete, ttl := rf.OnEnter, rf.Steps, rf.OnStep, rf.OnComplete, rf.TTLSec
	if rf.Params != nil {
		onEnter, steps, onStep, onComplete, ttl =
			rf.Params.OnEnter, rf.Params.Steps, rf.Params.OnStep, rf.Params.OnComplete, rf.Params.TTLSec
	}
	if ft == FlowMenu && len(rf.Actions) > 0 {
		onEnter = append(onEnter, rf.Actions...)
	}

	if len(steps) > MaxWizardSteps {
		return nil, &ErrTooManySteps{EntryCmd: rf.EntryCmd, Count: len(steps)}
	}

	compiledOnEnter, err := compileActions(onEnter)
	if err != nil {
		return nil, fmt.Errorf("spec: flow %q on_enter: %w", rf.EntryCmd, err)
	}
	compiledOnStep, err := compileActions(onStep)
	if err != nil {
		return nil, fmt.Errorf("spec: flow %q on_step: %w", rf.EntryCmd, err)
	}
	compiledOnComplete, err := compileActions(onComplete)
	if err != nil {
		return nil, fmt.Errorf("spec: flow %q on_complete: %w", rf.EntryCmd, err)
	}

	compiledSteps := make([]Step, 0, len(steps))
	for _, rs := range steps {
		s, err := compileStep(rf.EntryCmd, rs)
		if err != nil {
			return nil, err
		}
		compiledSteps = append(compiledSteps, s)
	}

	return &Flow{
		Type:       ft,
		EntryCmd:   rf.EntryCmd,
		OnEnter:    compiledOnEnter,
		Steps:      compiledSteps,
		OnStep:     compiledOnStep,
		OnComplete: compiledOnComplete,
		TTLSec:     ttl,
	}, nil
}

// Compile parses a raw JSON spec document and builds its indexed form.
// It is pure: identical input always yields an identical compiled form,
// which is what makes Reload idempotent.
func Compile(botID string, version int, raw []byte) (*CompiledSpec, error) {
	var rs rawSpec
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("spec: decode: %w", err)
	}

	cs := &CompiledSpec{
		BotID:       botID,
		Version:     version,
		MenuByCmd:   make(map[string]*Flow),
		WizardByCmd: make(map[string]*Flow),
		IntentByCmd: make(map[string]*Intent),
		Use:         make(map[string]bool, len(rs.Use)),
	}
	for _, u := range rs.Use {
		cs.Use[u] = true
	}

	allFlows := make([]rawFlow, 0, len(rs.Flows)+len(rs.MenuFlows)+len(rs.WizardFlows))
	for _, f := range rs.MenuFlows {
		if f.Type == "" {
			f.Type = "flow.menu.v1"
		}
		allFlows = append(allFlows, f)
	}
	for _, f := range rs.WizardFlows {
		if f.Type == "" {
			f.Type = "flow.wizard.v1"
		}
		allFlows = append(allFlows, f)
	}
	allFlows = append(allFlows, rs.Flows...)

	// Menu flows are compiled and indexed first so a colliding wizard
	// entry_cmd loses to a menu one.
	var wizardFlows []rawFlow
	for _, rf := range allFlows {
		if rf.Type == "flow.wizard.v1" {
			wizardFlows = append(wizardFlows, rf)
			continue
		}
		flow, err := compileFlow(rf, FlowMenu)
		if err != nil {
			return nil, err
		}
		if _, exists := cs.MenuByCmd[flow.EntryCmd]; !exists {
			cs.MenuByCmd[flow.EntryCmd] = flow
		}
	}
	for _, rf := range wizardFlows {
		flow, err := compileFlow(rf, FlowWizard)
		if err != nil {
			return nil, err
		}
		if _, collides := cs.MenuByCmd[flow.EntryCmd]; collides {
			continue // menu wins
		}
		cs.WizardByCmd[flow.EntryCmd] = flow
	}

	for _, ri := range rs.Intents {
		cs.IntentByCmd[ri.Cmd] = &Intent{Cmd: ri.Cmd, Reply: ri.Reply}
	}

	return cs, nil
}

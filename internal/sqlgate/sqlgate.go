// Package sqlgate validates inline DSL SQL with a conservative lexical
// check, not a full SQL parser: enough to keep a statement from doing
// anything but what it declares, with bind names rewritten to the
// target driver's placeholder form.
package sqlgate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Mode selects which verbs are permitted.
type Mode string

const (
	ModeExec  Mode = "exec"
	ModeQuery Mode = "query"
)

// Error is returned for every gatekeeper rejection, carrying a stable
// Code that names the reason (sql_forbidden_verb, sql_bind_missing, ...).
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("sqlgate: %s: %s", e.Code, e.Msg) }

func reject(code, msg string) *Error { return &Error{Code: code, Msg: msg} }

var (
	bannedVerb = regexp.MustCompile(`(?i)\b(DROP|CREATE|ALTER|TRUNCATE|GRANT|REVOKE|COPY|VACUUM)\b`)
	bindName   = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
	hasLimit   = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\s*$`)
	leadingWS  = regexp.MustCompile(`^\s+`)
	collapseWS = regexp.MustCompile(`\s+`)
)

// Prepared is a gatekeeper-validated statement ready for execution
// against a driver that takes positional $N parameters.
type Prepared struct {
	SQL     string   // rewritten, with $1, $2, ... in place of :name
	Binds   []string // bind names in positional order
	SQLHash uint64   // stable hash of the normalized original SQL
}

// Validate checks one statement against the mode's verb whitelist and
// rewrites its binds. allowedVars is the union of {bot_id, user_id} and
// the current wizard/action scope's variable names.
func Validate(sql string, mode Mode, allowedVars map[string]bool) (*Prepared, error) {
	if err := checkNoMultiStatement(sql); err != nil {
		return nil, err
	}
	if m := bannedVerb.FindString(sql); m != "" {
		return nil, reject("sql_forbidden_verb", "statement uses a forbidden verb: "+strings.ToUpper(m))
	}

	verb := firstVerb(sql)
	switch mode {
	case ModeExec:
		if verb != "INSERT" && verb != "UPDATE" && verb != "DELETE" {
			return nil, reject("sql_forbidden_verb", "exec mode only permits INSERT|UPDATE|DELETE, got "+verb)
		}
	case ModeQuery:
		if verb != "SELECT" && verb != "WITH" {
			return nil, reject("sql_forbidden_verb", "query mode only permits SELECT|WITH, got "+verb)
		}
	default:
		return nil, reject("sql_bad_mode", "unknown mode "+string(mode))
	}

	rewritten, binds, err := rewriteBinds(sql, allowedVars)
	if err != nil {
		return nil, err
	}

	if mode == ModeQuery && !hasLimit.MatchString(strings.TrimRight(rewritten, "; \t\n")) {
		rewritten = strings.TrimRight(rewritten, "; \t\n") + " LIMIT 100"
	}

	return &Prepared{
		SQL:     rewritten,
		Binds:   binds,
		SQLHash: Hash(sql),
	}, nil
}

// checkNoMultiStatement rejects a `;` that separates two statements.
// A single trailing `;` (optionally followed by whitespace) is allowed.
func checkNoMultiStatement(sql string) error {
	trimmed := strings.TrimRight(sql, " \t\n;")
	if strings.Contains(trimmed, ";") {
		return reject("sql_multi_statement", "statement terminator separates two statements")
	}
	return nil
}

func firstVerb(sql string) string {
	s := leadingWS.ReplaceAllString(sql, "")
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// rewriteBinds rewrites :name placeholders into $1, $2, ... in order of
// first appearance, rejecting any name outside allowedVars.
func rewriteBinds(sql string, allowedVars map[string]bool) (string, []string, error) {
	var binds []string
	index := make(map[string]int)

	out := bindName.ReplaceAllStringFunc(sql, func(m string) string {
		name := m[1:]
		if idx, seen := index[name]; seen {
			return fmt.Sprintf("$%d", idx)
		}
		binds = append(binds, name)
		idx := len(binds)
		index[name] = idx
		return fmt.Sprintf("$%d", idx)
	})

	for name := range index {
		if !allowedVars[name] {
			return "", nil, reject("sql_bind_missing", "unknown bind :"+name)
		}
	}
	return out, binds, nil
}

// Hash computes the stable 64-bit hash of the normalized (whitespace-
// collapsed, case-preserved) SQL string that appears in events in place
// of raw SQL.
func Hash(sql string) uint64 {
	normalized := collapseWS.ReplaceAllString(strings.TrimSpace(sql), " ")
	return xxhash.Sum64String(normalized)
}

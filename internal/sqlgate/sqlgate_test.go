package sqlgate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var vars = map[string]bool{"bot_id": true, "user_id": true, "service": true}

func TestValidateExecVerbs(t *testing.T) {
	for _, sql := range []string{
		"INSERT INTO bookings (bot_id, user_id, service) VALUES (:bot_id, :user_id, :service)",
		"UPDATE bookings SET service = :service WHERE bot_id = :bot_id",
		"DELETE FROM bookings WHERE bot_id = :bot_id AND user_id = :user_id",
	} {
		if _, err := Validate(sql, ModeExec, vars); err != nil {
			t.Errorf("Validate(%q, exec) = %v, want nil", sql, err)
		}
	}

	_, err := Validate("SELECT * FROM bookings WHERE bot_id = :bot_id", ModeExec, vars)
	assertCode(t, err, "sql_forbidden_verb")
}

func TestValidateQueryVerbs(t *testing.T) {
	for _, sql := range []string{
		"SELECT service FROM bookings WHERE bot_id = :bot_id",
		"WITH b AS (SELECT service FROM bookings WHERE bot_id = :bot_id) SELECT service FROM b",
	} {
		if _, err := Validate(sql, ModeQuery, vars); err != nil {
			t.Errorf("Validate(%q, query) = %v, want nil", sql, err)
		}
	}

	_, err := Validate("DELETE FROM bookings WHERE bot_id = :bot_id", ModeQuery, vars)
	assertCode(t, err, "sql_forbidden_verb")
}

func TestValidateBannedVerbs(t *testing.T) {
	for _, sql := range []string{
		"DROP TABLE bookings",
		"SELECT 1; DROP TABLE bookings",
		"select * from bookings where note = 'x'; truncate bookings",
		"CREATE TABLE t (id int)",
		"GRANT ALL ON bookings TO public",
		"VACUUM bookings",
	} {
		if _, err := Validate(sql, ModeQuery, vars); err == nil {
			t.Errorf("Validate(%q) = nil, want rejection", sql)
		}
	}
}

func TestValidateMultiStatement(t *testing.T) {
	_, err := Validate("SELECT 1; SELECT 2", ModeQuery, vars)
	assertCode(t, err, "sql_multi_statement")

	// a single trailing terminator is fine
	if _, err := Validate("SELECT service FROM bookings WHERE bot_id = :bot_id LIMIT 5;", ModeQuery, vars); err != nil {
		t.Errorf("trailing semicolon rejected: %v", err)
	}
}

func TestValidateBindRewrite(t *testing.T) {
	p, err := Validate(
		"SELECT service FROM bookings WHERE bot_id = :bot_id AND user_id = :user_id AND service = :service AND owner = :bot_id",
		ModeQuery, vars)
	if err != nil {
		t.Fatal(err)
	}

	wantSQL := "SELECT service FROM bookings WHERE bot_id = $1 AND user_id = $2 AND service = $3 AND owner = $1 LIMIT 100"
	if p.SQL != wantSQL {
		t.Errorf("rewritten SQL:\n got %q\nwant %q", p.SQL, wantSQL)
	}
	if diff := cmp.Diff([]string{"bot_id", "user_id", "service"}, p.Binds); diff != "" {
		t.Errorf("binds mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateUnknownBind(t *testing.T) {
	_, err := Validate("SELECT 1 FROM bookings WHERE bot_id = :bot_id AND x = :nope", ModeQuery, vars)
	assertCode(t, err, "sql_bind_missing")
}

func TestValidateLimitInjection(t *testing.T) {
	p, err := Validate("SELECT service FROM bookings WHERE bot_id = :bot_id", ModeQuery, vars)
	if err != nil {
		t.Fatal(err)
	}
	if want := "SELECT service FROM bookings WHERE bot_id = $1 LIMIT 100"; p.SQL != want {
		t.Errorf("got %q, want %q", p.SQL, want)
	}

	p, err = Validate("SELECT service FROM bookings WHERE bot_id = :bot_id LIMIT 5", ModeQuery, vars)
	if err != nil {
		t.Fatal(err)
	}
	if want := "SELECT service FROM bookings WHERE bot_id = $1 LIMIT 5"; p.SQL != want {
		t.Errorf("existing LIMIT must be preserved, got %q", p.SQL)
	}

	// exec mode never appends a limit
	p, err = Validate("DELETE FROM bookings WHERE bot_id = :bot_id", ModeExec, vars)
	if err != nil {
		t.Fatal(err)
	}
	if want := "DELETE FROM bookings WHERE bot_id = $1"; p.SQL != want {
		t.Errorf("got %q, want %q", p.SQL, want)
	}
}

func TestHashIsStable(t *testing.T) {
	a := Hash("SELECT  1\n FROM   t")
	b := Hash("SELECT 1 FROM t")
	if a != b {
		t.Error("hash must collapse whitespace")
	}
	if Hash("select 1 from t") == b {
		t.Error("hash must preserve case")
	}

	p1, err := Validate("SELECT service FROM bookings WHERE bot_id = :bot_id", ModeQuery, vars)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := Validate("SELECT service FROM bookings WHERE bot_id = :bot_id", ModeQuery, vars)
	if err != nil {
		t.Fatal(err)
	}
	if p1.SQLHash != p2.SQLHash || p1.SQL != p2.SQL {
		t.Error("Validate must be pure: identical input, identical output")
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatalf("want *sqlgate.Error, got %v", err)
	}
	if gerr.Code != code {
		t.Errorf("code = %q, want %q", gerr.Code, code)
	}
}

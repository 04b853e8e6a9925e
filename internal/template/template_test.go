package template

import (
	"errors"
	"strings"
	"testing"
)

func TestRenderScalars(t *testing.T) {
	scope := Scope{
		"name":    "Anna",
		"active":  true,
		"blocked": false,
		"count":   int64(7),
		"price":   12.5,
	}

	got, err := Render("Hi {{name}}, active={{active}} blocked={{blocked}} count={{count}} price={{price}}", scope, "")
	if err != nil {
		t.Fatal(err)
	}
	want := "Hi Anna, active=True blocked=False count=7 price=12.5"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderMissingNameIsEmpty(t *testing.T) {
	got, err := Render("a={{missing}}b", Scope{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "a=b" {
		t.Errorf("got %q, want %q", got, "a=b")
	}
}

func TestRenderEach(t *testing.T) {
	scope := Scope{
		"greeting": "Services",
		"rows": []Row{
			{"service": "massage", "price": 100},
			{"service": "spa", "price": 200},
		},
	}

	got, err := Render("{{greeting}}:\n{{#each rows}}- {{service}} ({{price}})\n{{/each}}", scope, "")
	if err != nil {
		t.Fatal(err)
	}
	want := "Services:\n- massage (100)\n- spa (200)\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderEachInnerKeyShadowsOuter(t *testing.T) {
	scope := Scope{
		"name": "outer",
		"rows": []Row{{"name": "inner"}, {}},
	}
	got, err := Render("{{#each rows}}[{{name}}]{{/each}}", scope, "")
	if err != nil {
		t.Fatal(err)
	}
	// first element overrides name, second falls back to the outer scope
	if got != "[inner][outer]" {
		t.Errorf("got %q", got)
	}
}

func TestRenderEmptyText(t *testing.T) {
	scope := Scope{"rows": []Row{}}

	got, err := Render("{{#each rows}}x{{/each}}", scope, "Nothing booked yet")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Nothing booked yet" {
		t.Errorf("got %q, want empty_text verbatim", got)
	}

	// with at least one element, empty_text must not trigger
	scope["rows"] = []Row{{"a": 1}}
	got, err = Render("{{#each rows}}x{{/each}}", scope, "Nothing booked yet")
	if err != nil {
		t.Fatal(err)
	}
	if got != "x" {
		t.Errorf("got %q, want %q", got, "x")
	}
}

func TestRenderAbsentListWithEmptyText(t *testing.T) {
	got, err := Render("{{#each rows}}x{{/each}}", Scope{}, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if got != "empty" {
		t.Errorf("got %q, want %q", got, "empty")
	}
}

func TestRenderUnknownDirective(t *testing.T) {
	got, err := Render("before {{#if cond}}x{{/if}} {{name}}", Scope{"name": "n"}, "")
	var dirErr *ErrUnknownDirective
	if !errors.As(err, &dirErr) {
		t.Fatalf("want ErrUnknownDirective, got %v", err)
	}
	// the fallback keeps the literal text minus the directive markers and
	// still substitutes scalars
	if got == "" {
		t.Error("fallback text must not be empty")
	}
	for _, banned := range []string{"{{#if", "{{/if}}"} {
		if strings.Contains(got, banned) {
			t.Errorf("fallback %q still contains %q", got, banned)
		}
	}
}

func TestRenderNoNestedLoops(t *testing.T) {
	// loops are one level deep: the block body is rendered once per
	// element with scalar substitution only
	scope := Scope{"rows": []Row{{"v": 1}}}
	got, err := Render("{{#each rows}}{{v}}{{/each}}", scope, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "1" {
		t.Errorf("got %q", got)
	}
}

package embed

import (
	"errors"
	"testing"
)

func validSpecValue() map[string]any {
	return map[string]any{
		"uri": "ui://dashboard",
		"content": map[string]any{
			"type":       "rawHtml",
			"htmlString": "<html><body>dashboard</body></html>",
		},
		"needs": []any{
			map[string]any{"tool": "listCustomers", "params": map[string]any{"limit": 10}},
		},
		"allowTools": []any{"listCustomers", "createOrder"},
	}
}

func TestParseUISpec_Valid(t *testing.T) {
	spec, err := ParseUISpec(validSpecValue())
	if err != nil {
		t.Fatal(err)
	}
	if spec.URI != "ui://dashboard" {
		t.Fatalf("expected ui://dashboard, got %s", spec.URI)
	}
	if spec.Content.HTMLString == "" {
		t.Fatal("expected html content")
	}
	if len(spec.Needs) != 1 || spec.Needs[0].Tool != "listCustomers" {
		t.Fatalf("unexpected needs %v", spec.Needs)
	}
	if len(spec.AllowTools) != 2 {
		t.Fatalf("unexpected allowTools %v", spec.AllowTools)
	}
}

func TestParseUISpec_MissingHTMLString(t *testing.T) {
	value := validSpecValue()
	value["content"] = map[string]any{"type": "rawHtml"}

	_, err := ParseUISpec(value)
	if !errors.Is(err, ErrInvalidUISpec) {
		t.Fatalf("expected ErrInvalidUISpec, got %v", err)
	}
}

func TestParseUISpec_EmptyHTMLString(t *testing.T) {
	value := validSpecValue()
	value["content"] = map[string]any{"type": "rawHtml", "htmlString": ""}

	if _, err := ParseUISpec(value); !errors.Is(err, ErrInvalidUISpec) {
		t.Fatalf("expected ErrInvalidUISpec, got %v", err)
	}
}

func TestParseUISpec_WrongContentType(t *testing.T) {
	value := validSpecValue()
	value["content"] = map[string]any{"type": "markdown", "htmlString": "<p>x</p>"}

	if _, err := ParseUISpec(value); !errors.Is(err, ErrInvalidUISpec) {
		t.Fatalf("expected ErrInvalidUISpec, got %v", err)
	}
}

func TestParseUISpec_MissingContent(t *testing.T) {
	if _, err := ParseUISpec(map[string]any{"uri": "x"}); !errors.Is(err, ErrInvalidUISpec) {
		t.Fatalf("expected ErrInvalidUISpec, got %v", err)
	}
}

func TestParseUISpec_NotAnObject(t *testing.T) {
	if _, err := ParseUISpec("just a string"); !errors.Is(err, ErrInvalidUISpec) {
		t.Fatalf("expected ErrInvalidUISpec, got %v", err)
	}
}

func TestParseUISpec_NoNeedsOrAllowTools(t *testing.T) {
	spec, err := ParseUISpec(map[string]any{
		"content": map[string]any{"type": "rawHtml", "htmlString": "<p>x</p>"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Needs) != 0 || len(spec.AllowTools) != 0 {
		t.Fatalf("expected empty needs and allowTools, got %+v", spec)
	}
}

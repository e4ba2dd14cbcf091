package search

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildMatchSimple(t *testing.T) {
	got, err := BuildMatch(`backup "github sync" -draft down*`)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.Contains(got, `"backup" AND "github sync" AND "down"*`) {
		t.Fatalf("unexpected expression: %q", got)
	}
	if !strings.HasSuffix(got, `NOT "draft"`) {
		t.Fatalf("negative term missing: %q", got)
	}
}

func TestBuildMatchRequiresPositive(t *testing.T) {
	if _, err := BuildMatch(`-secret -token`); err == nil {
		t.Fatal("expected error for query with only negative terms")
	}
}

func TestBuildMatchEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", `""`, "()"} {
		if _, err := BuildMatch(raw); !errors.Is(err, ErrEmptyQuery) {
			t.Fatalf("query %q: expected ErrEmptyQuery, got %v", raw, err)
		}
	}
}

func TestBuildMatchEscapesQuotes(t *testing.T) {
	got, err := BuildMatch(`file.pdf`)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != `"file.pdf"` {
		t.Fatalf("unexpected expression: %q", got)
	}
}

func TestBuildMatchUnterminatedQuote(t *testing.T) {
	got, err := BuildMatch(`"meeting notes`)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != `"meeting notes"` {
		t.Fatalf("unexpected expression: %q", got)
	}
}

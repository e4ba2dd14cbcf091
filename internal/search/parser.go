// Package search turns user queries into FTS5 MATCH expressions for the
// exact search mode. Approximate mode bypasses this entirely and goes
// through the similarity matcher.
package search

import (
	"errors"
	"strings"
	"unicode"
)

var ErrEmptyQuery = errors.New("empty query")

type term struct {
	negated bool
	prefix  bool
	quoted  bool
	text    string
}

// BuildMatch converts raw user input into an FTS5 expression. Bare words
// are ANDed, "quoted phrases" stay phrases, a trailing * requests prefix
// matching and a leading - excludes the term. At least one positive term
// is required.
func BuildMatch(raw string) (string, error) {
	terms := splitTerms(raw)
	if len(terms) == 0 {
		return "", ErrEmptyQuery
	}

	var expr strings.Builder
	positives := 0
	var negatives []string
	for _, t := range terms {
		rendered := renderTerm(t)
		if rendered == "" {
			continue
		}
		if t.negated {
			negatives = append(negatives, rendered)
			continue
		}
		if positives > 0 {
			expr.WriteString(" AND ")
		}
		expr.WriteString(rendered)
		positives++
	}
	if positives == 0 {
		return "", errors.New("query requires at least one positive term")
	}
	for _, neg := range negatives {
		expr.WriteString(" NOT ")
		expr.WriteString(neg)
	}
	return expr.String(), nil
}

func splitTerms(raw string) []term {
	var (
		out      []term
		current  strings.Builder
		inQuotes bool
		negated  bool
	)

	flush := func(quoted bool) {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			negated = false
			return
		}
		t := term{negated: negated, quoted: quoted}
		if !quoted && strings.HasSuffix(text, "*") {
			t.prefix = true
			text = strings.TrimSuffix(text, "*")
		}
		t.text = stripUnsafe(text)
		if t.text != "" {
			out = append(out, t)
		}
		negated = false
	}

	for _, r := range raw {
		switch {
		case r == '"':
			if inQuotes {
				inQuotes = false
				flush(true)
			} else {
				inQuotes = true
			}
		case unicode.IsSpace(r) && !inQuotes:
			flush(false)
		case r == '-' && !inQuotes && current.Len() == 0:
			negated = true
		default:
			current.WriteRune(r)
		}
	}
	flush(inQuotes)
	return out
}

func renderTerm(t term) string {
	if t.text == "" {
		return ""
	}
	quoted := `"` + strings.ReplaceAll(t.text, `"`, `""`) + `"`
	if t.prefix {
		return quoted + "*"
	}
	return quoted
}

// stripUnsafe drops characters FTS5 treats as syntax so user input can never
// break the MATCH expression.
func stripUnsafe(input string) string {
	var b strings.Builder
	for _, r := range input {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" _-./@:#", r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Package similarity implements the approximate message search used by the
// "Approximate Message" mode: rank messages by textual closeness to a query
// and keep everything at or above a percentage threshold.
package similarity

import (
	"context"
	"sort"
	"strings"

	"tgpanel/internal/domain"
)

const (
	gramSize = 3

	// Comparison text is truncated to this many runes before scoring so a
	// single oversized message cannot dominate a 50k-candidate scan.
	maxTextRunes = 2048

	// Candidates scanned between context checks.
	batchSize = 1024
)

type Field string

const (
	FieldText     Field = "text"
	FieldFileName Field = "file_name"
)

type Match struct {
	ChatID     int64
	MsgID      int64
	Similarity int
	Field      Field
}

// FindSimilar scores every message against query and returns the ones at or
// above thresholdPercent, best first. Ties keep the input order. When
// wholeMessage is true the message text body is compared; otherwise only the
// media filename is, and messages without one are skipped.
//
// The scan checks ctx between batches; a cancelled context is the only error.
func FindSimilar(ctx context.Context, query string, messages []domain.Message, thresholdPercent int, wholeMessage bool) ([]Match, error) {
	normQuery := Normalize(query)
	if normQuery == "" {
		return nil, nil
	}
	threshold := clampPercent(thresholdPercent)
	queryGrams := trigramSet(truncateRunes(normQuery, maxTextRunes))

	matches := make([]Match, 0, 32)
	for start := 0; start < len(messages); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + batchSize
		if end > len(messages) {
			end = len(messages)
		}
		for _, msg := range messages[start:end] {
			text, field := comparisonText(msg, wholeMessage)
			normText := Normalize(text)
			if normText == "" {
				continue
			}
			score := scoreAgainst(normQuery, queryGrams, normText)
			if score < threshold {
				continue
			}
			matches = append(matches, Match{
				ChatID:     msg.ChatID,
				MsgID:      msg.MsgID,
				Similarity: score,
				Field:      field,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches, nil
}

// Score reports the similarity of two raw strings on the same 0..100 scale
// the matcher uses.
func Score(a, b string) int {
	normA := Normalize(a)
	normB := Normalize(b)
	if normA == "" || normB == "" {
		return 0
	}
	return scoreAgainst(normA, trigramSet(truncateRunes(normA, maxTextRunes)), normB)
}

// Normalize case-folds and collapses runs of whitespace to single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func comparisonText(msg domain.Message, wholeMessage bool) (string, Field) {
	if wholeMessage {
		return msg.Text, FieldText
	}
	return msg.FileName, FieldFileName
}

// scoreAgainst computes trigram Jaccard similarity between the normalized
// query and a normalized candidate. Equal strings short-circuit to 100;
// integer truncation keeps every non-identical pair strictly below it.
func scoreAgainst(normQuery string, queryGrams map[string]struct{}, normText string) int {
	normText = truncateRunes(normText, maxTextRunes)
	if normQuery == normText {
		return 100
	}
	if len(queryGrams) == 0 {
		return 0
	}
	textGrams := trigramSet(normText)
	if len(textGrams) == 0 {
		return 0
	}

	shared := 0
	small, large := queryGrams, textGrams
	if len(large) < len(small) {
		small, large = large, small
	}
	for gram := range small {
		if _, ok := large[gram]; ok {
			shared++
		}
	}
	union := len(queryGrams) + len(textGrams) - shared
	if union == 0 {
		return 0
	}
	return 100 * shared / union
}

// trigramSet returns the set of rune trigrams of s. Strings shorter than one
// trigram contribute themselves, so very short queries still compare.
func trigramSet(s string) map[string]struct{} {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= gramSize {
		return map[string]struct{}{s: {}}
	}
	grams := make(map[string]struct{}, len(runes)-gramSize+1)
	for i := 0; i+gramSize <= len(runes); i++ {
		grams[string(runes[i:i+gramSize])] = struct{}{}
	}
	return grams
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	count := 0
	for idx := range s {
		if count == max {
			return s[:idx]
		}
		count++
	}
	return s
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

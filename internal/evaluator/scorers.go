package evaluator

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"omnillm/internal/models"
	"omnillm/internal/validator"
)

// NonEmpty scores 1 for non-blank text, otherwise 0.
func NonEmpty(resp *models.ChatResponse) float64 {
	if strings.TrimSpace(resp.TextOrEmpty()) == "" {
		return 0
	}
	return 1
}

// LengthWithin scores 1 when the text length in runes is within [min, max].
// A max of 0 means unbounded.
func LengthWithin(min, max int) ScoringFn {
	return func(resp *models.ChatResponse) float64 {
		text := resp.TextOrEmpty()
		if text == "" {
			return 0
		}
		n := utf8.RuneCountInString(text)
		if n < min || (max > 0 && n > max) {
			return 0
		}
		return 1
	}
}

// Contains scores 1 when the text contains substr, ignoring case.
func Contains(substr string) ScoringFn {
	needle := strings.ToLower(substr)
	return func(resp *models.ChatResponse) float64 {
		if strings.Contains(strings.ToLower(resp.TextOrEmpty()), needle) {
			return 1
		}
		return 0
	}
}

// Keywords scores the fraction of keywords present in the text.
func Keywords(words ...string) ScoringFn {
	return func(resp *models.ChatResponse) float64 {
		if len(words) == 0 {
			return 0
		}
		text := strings.ToLower(resp.TextOrEmpty())
		hits := 0
		for _, w := range words {
			if strings.Contains(text, strings.ToLower(w)) {
				hits++
			}
		}
		return float64(hits) / float64(len(words))
	}
}

// ValidJSON scores 1 when the text parses as JSON.
func ValidJSON(resp *models.ChatResponse) float64 {
	if json.Valid([]byte(validator.StripCodeFence(resp.TextOrEmpty()))) {
		return 1
	}
	return 0
}

// HasToolCalls scores 1 when the model requested at least one tool call.
func HasToolCalls(resp *models.ChatResponse) float64 {
	if resp != nil && len(resp.ToolCalls) > 0 {
		return 1
	}
	return 0
}

// Scale multiplies another scorer's output.
func Scale(factor float64, fn ScoringFn) ScoringFn {
	return func(resp *models.ChatResponse) float64 {
		return factor * fn(resp)
	}
}

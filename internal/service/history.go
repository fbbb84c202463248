package service

import (
	"regexp"
	"strings"

	"github.com/raphaelgruber/coderag/internal/models"
)

var fencedCodeRE = regexp.MustCompile("(?s)```.*?```")

// Compact rewrites a conversation message for history replay: fenced
// code blocks become a placeholder, runs of whitespace collapse to a
// single space, and the result is truncated to maxChars. A nil
// maxChars disables truncation.
func Compact(text string, maxChars *int) string {
	text = fencedCodeRE.ReplaceAllString(text, "[code omitted]")
	text = strings.Join(strings.Fields(text), " ")
	if maxChars != nil && *maxChars > 0 {
		if runes := []rune(text); len(runes) > *maxChars {
			text = string(runes[:*maxChars-1]) + "…"
		}
	}
	return text
}

// HistoryBudgeter decides how much prior conversation fits into the
// prompt and trims what does not.
type HistoryBudgeter struct {
	// ModelContextTokens is the model's context window size.
	ModelContextTokens int
	// TokensPerChar converts character counts to token estimates.
	TokensPerChar float64
	// BudgetFraction is the share of the context window history may use.
	BudgetFraction float64
	// SafetyMarginTokens is subtracted from the fractional budget to
	// leave room for the system prompt and retrieval context.
	SafetyMarginTokens int
	// MaxHistoryTokens, when set, is a hard cap on the budget and the
	// switch that turns budgeting on. Nil means unlimited history.
	MaxHistoryTokens *int
}

// EstimateTokens approximates the token cost of text.
func (b HistoryBudgeter) EstimateTokens(text string) int {
	return int(float64(len(text)) * b.TokensPerChar)
}

// Budget returns the history token budget, or nil when history is not
// budgeted at all.
func (b HistoryBudgeter) Budget() *int {
	if b.MaxHistoryTokens == nil {
		return nil
	}
	derived := int(float64(b.ModelContextTokens)*b.BudgetFraction) - b.SafetyMarginTokens
	budget := min(*b.MaxHistoryTokens, max(0, derived))
	return &budget
}

// Pack selects the prefix of turns (oldest first) that fits the
// budget. Each turn is costed at its compacted length under the given
// per-message caps, since that is what actually enters the prompt; a
// turn whose bulk is fenced code costs only its placeholder. Packing
// stops at the first turn that would overflow, except that the first
// turn is always kept so the model sees at least the most relevant
// prior exchange even under a zero budget.
func (b HistoryBudgeter) Pack(turns []models.ConversationTurn, queryCap, answerCap *int) []models.ConversationTurn {
	budget := b.Budget()
	if budget == nil {
		return turns
	}

	var packed []models.ConversationTurn
	used := 0
	for _, turn := range turns {
		cost := b.EstimateTokens(Compact(turn.QueryText, queryCap)) +
			b.EstimateTokens(Compact(turn.ResponseText, answerCap))
		if used+cost > *budget && len(packed) > 0 {
			break
		}
		packed = append(packed, turn)
		used += cost
	}
	return packed
}

package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/coderag/internal/models"
)

func intPtr(n int) *int { return &n }

func TestCompactStripsCodeBlocks(t *testing.T) {
	in := "Use this:\n```go\nfunc main() {}\n```\nand   you're done."
	assert.Equal(t, "Use this: [code omitted] and you're done.", Compact(in, nil))
}

func TestCompactStripsMultipleBlocks(t *testing.T) {
	in := "first ```a``` middle ```b``` last"
	assert.Equal(t, "first [code omitted] middle [code omitted] last", Compact(in, nil))
}

func TestCompactTruncates(t *testing.T) {
	out := Compact(strings.Repeat("word ", 100), intPtr(20))
	assert.Equal(t, 20, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "…"))
}

func TestCompactNilCapNoTruncation(t *testing.T) {
	long := strings.Repeat("x", 5000)
	assert.Equal(t, long, Compact(long, nil))
}

func TestCompactShortTextUntouched(t *testing.T) {
	assert.Equal(t, "short", Compact("short", intPtr(100)))
}

func TestBudgetNilWithoutHardCap(t *testing.T) {
	b := HistoryBudgeter{ModelContextTokens: 32000, TokensPerChar: 0.25, BudgetFraction: 0.35, SafetyMarginTokens: 1500}
	assert.Nil(t, b.Budget())
}

func TestBudgetDerivedFromContextWindow(t *testing.T) {
	b := HistoryBudgeter{
		ModelContextTokens: 32000,
		TokensPerChar:      0.25,
		BudgetFraction:     0.35,
		SafetyMarginTokens: 1500,
		MaxHistoryTokens:   intPtr(100000),
	}
	// 32000 * 0.35 - 1500 = 9700, under the hard cap.
	budget := b.Budget()
	require.NotNil(t, budget)
	assert.Equal(t, 9700, *budget)
}

func TestBudgetHardCapWins(t *testing.T) {
	b := HistoryBudgeter{
		ModelContextTokens: 32000,
		TokensPerChar:      0.25,
		BudgetFraction:     0.35,
		SafetyMarginTokens: 1500,
		MaxHistoryTokens:   intPtr(500),
	}
	budget := b.Budget()
	require.NotNil(t, budget)
	assert.Equal(t, 500, *budget)
}

func TestBudgetNeverNegative(t *testing.T) {
	b := HistoryBudgeter{
		ModelContextTokens: 1000,
		TokensPerChar:      0.25,
		BudgetFraction:     0.35,
		SafetyMarginTokens: 1500,
		MaxHistoryTokens:   intPtr(800),
	}
	budget := b.Budget()
	require.NotNil(t, budget)
	assert.Equal(t, 0, *budget)
}

func turn(q, a string) models.ConversationTurn {
	return models.ConversationTurn{QueryText: q, ResponseText: a}
}

func TestPackUnlimitedWithoutBudget(t *testing.T) {
	b := HistoryBudgeter{TokensPerChar: 0.25}
	turns := []models.ConversationTurn{turn("a", "b"), turn("c", "d"), turn("e", "f")}
	assert.Equal(t, turns, b.Pack(turns, nil, nil))
}

func TestPackStopsAtFirstOverflow(t *testing.T) {
	b := HistoryBudgeter{
		ModelContextTokens: 32000,
		TokensPerChar:      1,
		BudgetFraction:     0.35,
		SafetyMarginTokens: 1500,
		MaxHistoryTokens:   intPtr(25),
	}
	turns := []models.ConversationTurn{
		turn(strings.Repeat("a", 10), strings.Repeat("b", 10)), // 20
		turn(strings.Repeat("c", 5), strings.Repeat("d", 5)),   // 10, overflows at 30
		turn("e", "f"), // would fit alone, but packing stopped
	}
	packed := b.Pack(turns, nil, nil)
	require.Len(t, packed, 1)
	assert.Equal(t, turns[0], packed[0])
}

func TestPackFirstTurnAlwaysIncluded(t *testing.T) {
	b := HistoryBudgeter{
		ModelContextTokens: 32000,
		TokensPerChar:      1,
		BudgetFraction:     0.35,
		SafetyMarginTokens: 1500,
		MaxHistoryTokens:   intPtr(0),
	}
	turns := []models.ConversationTurn{
		turn(strings.Repeat("a", 100), strings.Repeat("b", 100)),
		turn("c", "d"),
	}
	packed := b.Pack(turns, nil, nil)
	require.Len(t, packed, 1)
	assert.Equal(t, turns[0], packed[0])
}

func TestPackCostsCompactedText(t *testing.T) {
	b := HistoryBudgeter{
		ModelContextTokens: 32000,
		TokensPerChar:      1,
		BudgetFraction:     0.35,
		SafetyMarginTokens: 1500,
		MaxHistoryTokens:   intPtr(60),
	}
	// The first turn is thousands of raw characters of fenced code but
	// compacts to a short placeholder, so both turns must fit.
	turns := []models.ConversationTurn{
		turn("```go\n"+strings.Repeat("x\n", 2000)+"```", "ok"),
		turn(strings.Repeat("c", 10), strings.Repeat("d", 10)),
	}
	packed := b.Pack(turns, intPtr(1000), intPtr(1400))
	assert.Len(t, packed, 2)
}

func TestPackAppliesPerTurnCaps(t *testing.T) {
	b := HistoryBudgeter{
		ModelContextTokens: 32000,
		TokensPerChar:      1,
		BudgetFraction:     0.35,
		SafetyMarginTokens: 1500,
		MaxHistoryTokens:   intPtr(25),
	}
	// Raw length far exceeds the budget; the per-message caps bring the
	// measured cost down to 20, which fits.
	turns := []models.ConversationTurn{
		turn(strings.Repeat("a", 500), strings.Repeat("b", 500)),
		turn(strings.Repeat("c", 500), strings.Repeat("d", 500)),
	}
	packed := b.Pack(turns, intPtr(10), intPtr(10))
	assert.Len(t, packed, 1)
}

func TestPackEmpty(t *testing.T) {
	b := HistoryBudgeter{MaxHistoryTokens: intPtr(100)}
	assert.Empty(t, b.Pack(nil, nil, nil))
}

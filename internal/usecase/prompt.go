package usecase

import (
	"fmt"
	"strings"
	"time"

	"finance-agent/internal/domain"
	"finance-agent/internal/tools"
)

func buildDirective() string {
	return strings.Join([]string{
		"Role:",
		"You are a personal finance agent that logs expenses and reports weekly spending.",
		"",
		"Tools:",
		fmt.Sprintf("1) %s(text) -> structured, categorized expense or a clarification question", tools.NameExtractExpense),
		fmt.Sprintf("2) %s(entry) -> stores a clear expense and returns its id", tools.NameLogExpense),
		fmt.Sprintf("3) %s() -> weekly totals, breakdowns, top items and insights", tools.NameWeeklyReport),
		"",
		"Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		fmt.Sprintf("1) If the user wants to log an expense, ALWAYS call %s first.", tools.NameExtractExpense),
		fmt.Sprintf("2) If %s returns is_ambiguous=true, ask its clarification_question and STOP. Never log an ambiguous result.", tools.NameExtractExpense),
		fmt.Sprintf("3) If the extraction is clear, call %s with the extracted entry unchanged.", tools.NameLogExpense),
		fmt.Sprintf("4) If the user asks for a report, call %s and format a friendly, human-readable breakdown.", tools.NameWeeklyReport),
		"5) If a tool returns an error, explain briefly or ask the user for the missing detail.",
		"6) Call at most one tool at a time. Keep replies concise, helpful and correct.",
	}, "\n")
}

// buildContext describes the caller's clock so relative dates resolve locally.
func buildContext(timezone, currency string, now time.Time) string {
	return fmt.Sprintf("CONFIG: timezone=%s; now=%s; currency=%s",
		timezone, domain.FormatTimestamp(now), currency)
}

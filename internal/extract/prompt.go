package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"finance-agent/internal/domain"
)

const schemaName = "expense_candidate"

// modelExpense is the wire shape the model is asked to produce.
type modelExpense struct {
	Amount                *float64 `json:"amount"`
	Currency              *string  `json:"currency"`
	Timestamp             *string  `json:"ts"`
	Merchant              *string  `json:"merchant"`
	Description           *string  `json:"description"`
	Notes                 *string  `json:"notes"`
	Category              *string  `json:"category"`
	CategoryConfidence    *float64 `json:"category_confidence"`
	IsAmbiguous           bool     `json:"is_ambiguous"`
	ClarificationQuestion *string  `json:"clarification_question"`
}

func categoryNames() []string {
	names := make([]string, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		names = append(names, string(c))
	}
	return names
}

// expenseSchema is strict: every property is required and nullable where the
// model may legitimately not know the value.
func expenseSchema() json.RawMessage {
	nullable := func(t string) map[string]any {
		return map[string]any{"type": []string{t, "null"}}
	}
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"amount":                 nullable("number"),
			"currency":               nullable("string"),
			"ts":                     nullable("string"),
			"merchant":               nullable("string"),
			"description":            nullable("string"),
			"notes":                  nullable("string"),
			"category":               map[string]any{"type": "string", "enum": categoryNames()},
			"category_confidence":    map[string]any{"type": "number"},
			"is_ambiguous":           map[string]any{"type": "boolean"},
			"clarification_question": nullable("string"),
		},
		"required": []string{
			"amount", "currency", "ts", "merchant", "description", "notes",
			"category", "category_confidence", "is_ambiguous", "clarification_question",
		},
	}
	b, _ := json.Marshal(schema)
	return b
}

func buildPrompt(text, timezone, currency string, now time.Time) string {
	return strings.Join([]string{
		"You extract and categorize expense info from text in ONE STEP.",
		"",
		"Extraction rules:",
		fmt.Sprintf("- Resolve relative dates like \"yesterday\", \"today\", \"last Friday\" using NOW=%s and timezone %s.", domain.FormatTimestamp(now), timezone),
		"- If the time of day is missing, use 12:00 local time.",
		"- ts must be ISO-8601 with a full UTC offset, e.g. 2026-02-24T12:00:00+05:30.",
		fmt.Sprintf("- Amounts are in %s; set currency to %s unless the text clearly uses another currency.", currency, currency),
		"- Merchant ONLY if clearly mentioned (e.g. HP, Amazon); otherwise null.",
		"- If the amount is missing or the description is unclear, set is_ambiguous=true and ask ONE clarification question.",
		"",
		"Categorization rules:",
		fmt.Sprintf("- Classify into ONE category from the taxonomy: %s.", strings.Join(categoryNames(), ", ")),
		"- category_confidence is a number between 0.0 and 1.0 describing how clearly the expense fits the category.",
		"",
		"Return ONLY a JSON object (no markdown) with keys: amount, currency, ts, merchant, description, notes, category, category_confidence, is_ambiguous, clarification_question.",
		"",
		"Text: " + text,
	}, "\n")
}

// cleanModelJSON strips markdown fences and any chatter around the JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

package tools

import (
	"encoding/json"

	"finance-agent/internal/domain"
)

func mustSchema(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func extractParameters() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The user's message describing the expense, verbatim.",
			},
		},
		"required": []string{"text"},
	})
}

func logParameters() json.RawMessage {
	categories := make([]string, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		categories = append(categories, string(c))
	}
	entry := map[string]any{
		"type":        "object",
		"description": "The expense exactly as returned by extract_expense.",
		"properties": map[string]any{
			"amount":              map[string]any{"type": "number", "description": "Positive amount."},
			"currency":            map[string]any{"type": "string"},
			"ts":                  map[string]any{"type": "string", "description": "ISO-8601 timestamp with UTC offset."},
			"merchant":            map[string]any{"type": "string"},
			"description":         map[string]any{"type": "string"},
			"notes":               map[string]any{"type": "string"},
			"raw_text":            map[string]any{"type": "string"},
			"category":            map[string]any{"type": "string", "enum": categories},
			"category_confidence": map[string]any{"type": "number"},
		},
		"required": []string{"amount", "ts", "description", "category"},
	}
	return mustSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"entry": entry},
		"required":   []string{"entry"},
	})
}

func reportParameters() json.RawMessage {
	return mustSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})
}

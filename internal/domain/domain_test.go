package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func validCandidate() ExpenseCandidate {
	return ExpenseCandidate{
		Amount:             decimal.NewFromInt(500),
		Currency:           "INR",
		OccurredAt:         time.Date(2026, 2, 24, 12, 0, 0, 0, time.FixedZone("IST", 5*3600+1800)),
		Description:        "groceries",
		Category:           CategoryGroceries,
		CategoryConfidence: 0.9,
	}
}

func TestExpenseCandidate_Validate(t *testing.T) {
	require.NoError(t, validCandidate().Validate())

	cases := []struct {
		name   string
		mutate func(*ExpenseCandidate)
		want   error
	}{
		{"ambiguous", func(c *ExpenseCandidate) { c.Ambiguous = true }, ErrAmbiguousCandidate},
		{"zero amount", func(c *ExpenseCandidate) { c.Amount = decimal.Zero }, ErrInvalidAmount},
		{"negative amount", func(c *ExpenseCandidate) { c.Amount = decimal.NewFromInt(-3) }, ErrInvalidAmount},
		{"unknown category", func(c *ExpenseCandidate) { c.Category = "Gadgets" }, ErrInvalidCategory},
		{"blank description", func(c *ExpenseCandidate) { c.Description = "  " }, ErrEmptyDescription},
		{"no timestamp", func(c *ExpenseCandidate) { c.OccurredAt = time.Time{} }, ErrMissingTimestamp},
		{"confidence above one", func(c *ExpenseCandidate) { c.CategoryConfidence = 1.5 }, ErrInvalidConfidence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validCandidate()
			tc.mutate(&c)
			require.ErrorIs(t, c.Validate(), tc.want)
		})
	}
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory(" food & dining ")
	require.True(t, ok)
	require.Equal(t, CategoryFood, c)

	_, ok = ParseCategory("Gadgets")
	require.False(t, ok)
}

func TestFormatTimestamp_NeverZ(t *testing.T) {
	ts := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-02-24T12:00:00+00:00", FormatTimestamp(ts))
}

func TestMessageCodec_RoundTripAndVersion(t *testing.T) {
	msg := Message{
		Role:     RoleAgent,
		ToolCall: &ToolCall{ID: "call-1", Name: "extract_expense", Arguments: json.RawMessage(`{"text":"x"}`)},
	}
	raw, err := EncodeMessage(msg)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"v":1`)

	got, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, msg.Role, got.Role)
	require.Equal(t, "extract_expense", got.ToolCall.Name)
	require.JSONEq(t, `{"text":"x"}`, string(got.ToolCall.Arguments))

	_, err = DecodeMessage([]byte(`{"v":2,"role":"user","content":"hi"}`))
	require.ErrorIs(t, err, ErrUnsupportedSchema)
}

func TestModelReply_TextJoinsSegmentsInOrder(t *testing.T) {
	r := FinalText("Logged ", "", "500 for groceries.")
	require.Equal(t, ReplyFinalText, r.Kind)
	require.Equal(t, "Logged 500 for groceries.", r.Text())
}

func TestWeeklyReport_MarshalJSONKeepsOrder(t *testing.T) {
	start := time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC)
	r := WeeklyReport{
		WeekStart: start,
		WeekEnd:   start.AddDate(0, 0, 7),
		Total:     decimal.NewFromInt(350),
		ByCategory: []CategoryTotal{
			{Category: CategoryTransport, Total: decimal.NewFromInt(200)},
			{Category: CategoryGroceries, Total: decimal.NewFromInt(150)},
		},
		ByDay: []DayTotal{{Day: "2026-02-24", Total: decimal.NewFromInt(350)}},
		TopItems: []ReportItem{
			{ID: 2, Amount: decimal.NewFromInt(200), Category: CategoryTransport, Description: "cab", Day: "2026-02-24"},
		},
		Insights: []string{"a", "b"},
	}

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	s := string(raw)
	require.Contains(t, s, `"by_category":{"Transport":200,"Groceries":150}`)
	require.Contains(t, s, `"week_start":"2026-02-23"`)
	require.Contains(t, s, `"week_end":"2026-03-01"`)
	require.Contains(t, s, `"total":350`)
	require.Contains(t, s, `"amount":200`)
}

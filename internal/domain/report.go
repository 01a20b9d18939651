package domain

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CategoryTotal is one bucket of the category breakdown.
type CategoryTotal struct {
	Category Category
	Total    decimal.Decimal
}

// DayTotal is one bucket of the daily breakdown.
type DayTotal struct {
	Day   string
	Total decimal.Decimal
}

// ReportItem is a single expense listed among the week's top items.
type ReportItem struct {
	ID          int64           `json:"id"`
	Amount      decimal.Decimal `json:"-"`
	Category    Category        `json:"category"`
	Description string          `json:"description"`
	Merchant    string          `json:"merchant,omitempty"`
	Day         string          `json:"day"`
}

// WeeklyReport is derived on demand from the expense store and never persisted.
type WeeklyReport struct {
	WeekStart  time.Time
	WeekEnd    time.Time // exclusive
	Total      decimal.Decimal
	ByCategory []CategoryTotal // descending by total
	ByDay      []DayTotal      // ascending by day
	TopItems   []ReportItem    // descending by amount
	Insights   []string
}

// MarshalJSON renders the report with breakdowns as ordered JSON objects and
// amounts as JSON numbers. week_end is the inclusive last day of the window.
func (r WeeklyReport) MarshalJSON() ([]byte, error) {
	items := make([]reportItemJSON, 0, len(r.TopItems))
	for _, it := range r.TopItems {
		items = append(items, reportItemJSON{ReportItem: it, Amount: number(it.Amount)})
	}
	insights := r.Insights
	if insights == nil {
		insights = []string{}
	}
	byCategory := make([]orderedEntry, 0, len(r.ByCategory))
	for _, c := range r.ByCategory {
		byCategory = append(byCategory, orderedEntry{key: string(c.Category), value: c.Total})
	}
	byDay := make([]orderedEntry, 0, len(r.ByDay))
	for _, d := range r.ByDay {
		byDay = append(byDay, orderedEntry{key: d.Day, value: d.Total})
	}
	return marshalRaw(struct {
		WeekStart  string           `json:"week_start"`
		WeekEnd    string           `json:"week_end"`
		Total      json.Number      `json:"total"`
		ByCategory orderedObject    `json:"by_category"`
		ByDay      orderedObject    `json:"by_day"`
		TopItems   []reportItemJSON `json:"top_items"`
		Insights   []string         `json:"insights"`
	}{
		WeekStart:  r.WeekStart.Format(DateLayout),
		WeekEnd:    r.WeekEnd.AddDate(0, 0, -1).Format(DateLayout),
		Total:      number(r.Total),
		ByCategory: byCategory,
		ByDay:      byDay,
		TopItems:   items,
		Insights:   insights,
	})
}

type reportItemJSON struct {
	ReportItem
	Amount json.Number `json:"amount"`
}

type orderedEntry struct {
	key   string
	value decimal.Decimal
}

type orderedObject []orderedEntry

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := marshalRaw(e.key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.WriteString(e.value.String())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalRaw encodes v without HTML escaping, so category names such as
// "Food & Dining" keep their ampersand.
func marshalRaw(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

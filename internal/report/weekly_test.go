package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"finance-agent/internal/domain"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

type fakeReader struct {
	records  []domain.ExpenseRecord
	err      error
	user     string
	from, to time.Time
}

func (f *fakeReader) ExpensesBetween(_ context.Context, userID string, from, to time.Time) ([]domain.ExpenseRecord, error) {
	f.user, f.from, f.to = userID, from, to
	return f.records, f.err
}

func wednesday() time.Time {
	return time.Date(2026, 2, 25, 18, 0, 0, 0, ist)
}

func record(id int64, amount string, cat domain.Category, day int) domain.ExpenseRecord {
	return domain.ExpenseRecord{
		ID:          id,
		UserID:      "u1",
		OccurredAt:  time.Date(2026, 2, day, 12, 0, 0, 0, ist),
		Amount:      decimal.RequireFromString(amount),
		Currency:    "INR",
		Category:    cat,
		Description: "item",
	}
}

func newTestAggregator(t *testing.T, r ExpenseReader) *Aggregator {
	t.Helper()
	a, err := New(r, "INR", WithClock(wednesday))
	require.NoError(t, err)
	return a
}

func TestWeekBounds(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
	}{
		{"monday midnight", time.Date(2026, 2, 23, 0, 0, 0, 0, ist)},
		{"wednesday", wednesday()},
		{"sunday night", time.Date(2026, 3, 1, 23, 59, 59, 0, ist)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := WeekBounds(tc.now, ist)
			require.Equal(t, "2026-02-23T00:00:00+05:30", domain.FormatTimestamp(start))
			require.Equal(t, "2026-03-02T00:00:00+05:30", domain.FormatTimestamp(end))
		})
	}
}

func TestWeekBounds_UsesCallerTimezone(t *testing.T) {
	// Monday 01:00 in Kolkata is still Sunday in UTC.
	now := time.Date(2026, 2, 23, 1, 0, 0, 0, ist)

	start, _ := WeekBounds(now, ist)
	require.Equal(t, "2026-02-23", start.Format(domain.DateLayout))

	start, _ = WeekBounds(now, time.UTC)
	require.Equal(t, "2026-02-16", start.Format(domain.DateLayout))
}

func TestWeekBounds_AcrossDSTStaysOnMidnight(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	start, end := WeekBounds(time.Date(2026, 3, 10, 9, 0, 0, 0, ny), ny)
	require.Equal(t, "2026-03-09T00:00:00-04:00", domain.FormatTimestamp(start))
	require.Equal(t, "2026-03-16T00:00:00-04:00", domain.FormatTimestamp(end))

	start, end = WeekBounds(time.Date(2026, 3, 5, 9, 0, 0, 0, ny), ny)
	require.Equal(t, "2026-03-02T00:00:00-05:00", domain.FormatTimestamp(start))
	require.Equal(t, "2026-03-09T00:00:00-04:00", domain.FormatTimestamp(end))
	require.Equal(t, 7*24*time.Hour-time.Hour, end.Sub(start))
}

func TestWeekly_Scenario(t *testing.T) {
	reader := &fakeReader{records: []domain.ExpenseRecord{
		record(1, "100", domain.CategoryGroceries, 23),
		record(2, "200", domain.CategoryFood, 24),
		record(3, "50", domain.CategoryGroceries, 24),
	}}
	a := newTestAggregator(t, reader)

	r, err := a.Weekly(context.Background(), "u1", "Asia/Kolkata")
	require.NoError(t, err)

	require.Equal(t, "u1", reader.user)
	require.Equal(t, "2026-02-23T00:00:00+05:30", domain.FormatTimestamp(reader.from))
	require.Equal(t, "2026-03-02T00:00:00+05:30", domain.FormatTimestamp(reader.to))

	require.Equal(t, "350", r.Total.String())
	require.Len(t, r.ByCategory, 2)
	require.Equal(t, domain.CategoryFood, r.ByCategory[0].Category)
	require.Equal(t, "200", r.ByCategory[0].Total.String())
	require.Equal(t, domain.CategoryGroceries, r.ByCategory[1].Category)
	require.Equal(t, "150", r.ByCategory[1].Total.String())
	require.Len(t, r.ByDay, 2)
	require.Equal(t, "2026-02-23", r.ByDay[0].Day)
	require.Equal(t, "100", r.ByDay[0].Total.String())
	require.Equal(t, "2026-02-24", r.ByDay[1].Day)
	require.Equal(t, "250", r.ByDay[1].Total.String())

	var amounts []string
	for _, it := range r.TopItems {
		amounts = append(amounts, it.Amount.String())
	}
	require.Equal(t, []string{"200", "100", "50"}, amounts)
	require.Equal(t, []string{
		"Highest spend category: Food & Dining (INR 200)",
		"Avg per active day: INR 175",
	}, r.Insights)
}

func TestWeekly_EmptyWeek(t *testing.T) {
	a := newTestAggregator(t, &fakeReader{})

	r, err := a.Weekly(context.Background(), "u1", "Asia/Kolkata")
	require.NoError(t, err)
	require.True(t, r.Total.IsZero())
	require.Empty(t, r.ByCategory)
	require.Empty(t, r.ByDay)
	require.Empty(t, r.TopItems)
	require.Equal(t, []string{"No expenses logged this week yet."}, r.Insights)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"week_start": "2026-02-23",
		"week_end": "2026-03-01",
		"total": 0,
		"by_category": {},
		"by_day": {},
		"top_items": [],
		"insights": ["No expenses logged this week yet."]
	}`, string(b))
}

func TestBuild_CategorySumsEqualTotal(t *testing.T) {
	records := []domain.ExpenseRecord{
		record(1, "10.10", domain.CategoryFuel, 23),
		record(2, "0.20", domain.CategoryBills, 23),
		record(3, "33.33", domain.CategoryFuel, 25),
		record(4, "0.01", domain.CategoryOther, 26),
		record(5, "99.99", domain.CategoryRent, 27),
		record(6, "7", domain.CategoryBills, 28),
	}
	start, end := WeekBounds(wednesday(), ist)
	r := Build(start, end, records, "INR")

	sum := decimal.Zero
	for _, c := range r.ByCategory {
		sum = sum.Add(c.Total)
	}
	require.True(t, sum.Equal(r.Total), "sum %s total %s", sum, r.Total)

	daySum := decimal.Zero
	for _, d := range r.ByDay {
		daySum = daySum.Add(d.Total)
	}
	require.True(t, daySum.Equal(r.Total))
	require.Equal(t, "150.63", r.Total.String())
}

func TestBuild_TopItemsLimitAndOrder(t *testing.T) {
	var records []domain.ExpenseRecord
	for i, amt := range []string{"5", "70", "20", "70", "1", "90", "45"} {
		records = append(records, record(int64(i+1), amt, domain.CategoryShopping, 24))
	}
	start, end := WeekBounds(wednesday(), ist)
	r := Build(start, end, records, "INR")

	require.Len(t, r.TopItems, 5)
	var ids []int64
	for i, it := range r.TopItems {
		ids = append(ids, it.ID)
		if i > 0 {
			require.False(t, it.Amount.GreaterThan(r.TopItems[i-1].Amount))
		}
	}
	// equal amounts keep insertion order
	require.Equal(t, []int64{6, 2, 4, 7, 3}, ids)

	r = Build(start, end, records[:2], "INR")
	require.Len(t, r.TopItems, 2)
}

func TestBuild_CategoryTiesKeepFirstSeenOrder(t *testing.T) {
	records := []domain.ExpenseRecord{
		record(1, "40", domain.CategoryHealth, 24),
		record(2, "40", domain.CategoryTravel, 24),
	}
	start, end := WeekBounds(wednesday(), ist)
	r := Build(start, end, records, "")
	require.Equal(t, domain.CategoryHealth, r.ByCategory[0].Category)
	require.Equal(t, domain.CategoryTravel, r.ByCategory[1].Category)
	require.Equal(t, "Highest spend category: Health (40)", r.Insights[0])
	require.Equal(t, "Avg per active day: 80", r.Insights[1])
}

func TestWeekly_Errors(t *testing.T) {
	a := newTestAggregator(t, &fakeReader{err: errors.New("db down")})

	_, err := a.Weekly(context.Background(), "u1", "Asia/Kolkata")
	require.ErrorContains(t, err, "db down")

	_, err = a.Weekly(context.Background(), "", "Asia/Kolkata")
	require.ErrorIs(t, err, domain.ErrMissingUser)

	_, err = a.Weekly(context.Background(), "u1", "Nowhere/City")
	require.ErrorIs(t, err, ErrInvalidTimezone)

	_, err = New(nil, "INR")
	require.Error(t, err)
}

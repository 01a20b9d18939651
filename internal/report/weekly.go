// Package report derives weekly spending summaries from stored expenses.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finance-agent/internal/domain"
)

const (
	topItemsLimit = 5
	noActivity    = "No expenses logged this week yet."
)

var ErrInvalidTimezone = errors.New("report: invalid timezone")

// ExpenseReader is the read side of the expense store.
type ExpenseReader interface {
	// ExpensesBetween returns the user's records with from <= occurred_at < to,
	// in insertion order.
	ExpensesBetween(ctx context.Context, userID string, from, to time.Time) ([]domain.ExpenseRecord, error)
}

type Aggregator struct {
	store    ExpenseReader
	currency string
	now      func() time.Time
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func New(store ExpenseReader, currency string, opts ...Option) (*Aggregator, error) {
	if store == nil {
		return nil, errors.New("report: expense reader must not be nil")
	}
	a := &Aggregator{
		store:    store,
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// WeekBounds returns [Monday 00:00, next Monday 00:00) around now in loc.
func WeekBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 7)
}

// Weekly builds the report for the current week in timezone.
func (a *Aggregator) Weekly(ctx context.Context, userID, timezone string) (domain.WeeklyReport, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.WeeklyReport{}, domain.ErrMissingUser
	}
	loc, err := time.LoadLocation(strings.TrimSpace(timezone))
	if err != nil || strings.TrimSpace(timezone) == "" {
		return domain.WeeklyReport{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}
	start, end := WeekBounds(a.now(), loc)

	records, err := a.store.ExpensesBetween(ctx, userID, start, end)
	if err != nil {
		return domain.WeeklyReport{}, fmt.Errorf("report: load expenses: %w", err)
	}
	return Build(start, end, records, a.currency), nil
}

// Build aggregates records that already fall inside [start, end). Days are
// calendar dates in start's location, so every bucket lies inside the window.
func Build(start, end time.Time, records []domain.ExpenseRecord, currency string) domain.WeeklyReport {
	r := domain.WeeklyReport{
		WeekStart:  start,
		WeekEnd:    end,
		Total:      decimal.Zero,
		ByCategory: []domain.CategoryTotal{},
		ByDay:      []domain.DayTotal{},
		TopItems:   []domain.ReportItem{},
	}
	if len(records) == 0 {
		r.Insights = []string{noActivity}
		return r
	}

	loc := start.Location()
	catIndex := map[domain.Category]int{}
	dayIndex := map[string]int{}
	for _, rec := range records {
		r.Total = r.Total.Add(rec.Amount)

		if i, ok := catIndex[rec.Category]; ok {
			r.ByCategory[i].Total = r.ByCategory[i].Total.Add(rec.Amount)
		} else {
			catIndex[rec.Category] = len(r.ByCategory)
			r.ByCategory = append(r.ByCategory, domain.CategoryTotal{Category: rec.Category, Total: rec.Amount})
		}

		day := rec.OccurredAt.In(loc).Format(domain.DateLayout)
		if i, ok := dayIndex[day]; ok {
			r.ByDay[i].Total = r.ByDay[i].Total.Add(rec.Amount)
		} else {
			dayIndex[day] = len(r.ByDay)
			r.ByDay = append(r.ByDay, domain.DayTotal{Day: day, Total: rec.Amount})
		}
	}

	// ties keep first-seen order
	sort.SliceStable(r.ByCategory, func(i, j int) bool {
		return r.ByCategory[i].Total.GreaterThan(r.ByCategory[j].Total)
	})
	sort.Slice(r.ByDay, func(i, j int) bool {
		return r.ByDay[i].Day < r.ByDay[j].Day
	})

	ranked := make([]domain.ExpenseRecord, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Amount.GreaterThan(ranked[j].Amount)
	})
	if len(ranked) > topItemsLimit {
		ranked = ranked[:topItemsLimit]
	}
	for _, rec := range ranked {
		r.TopItems = append(r.TopItems, domain.ReportItem{
			ID:          rec.ID,
			Amount:      rec.Amount,
			Category:    rec.Category,
			Description: rec.Description,
			Merchant:    rec.Merchant,
			Day:         rec.OccurredAt.In(loc).Format(domain.DateLayout),
		})
	}

	r.Insights = insights(r, currency)
	return r
}

func insights(r domain.WeeklyReport, currency string) []string {
	top := r.ByCategory[0]
	avg := r.Total.Div(decimal.NewFromInt(int64(len(r.ByDay)))).Round(0)
	return []string{
		fmt.Sprintf("Highest spend category: %s (%s)", top.Category, money(top.Total, currency)),
		fmt.Sprintf("Avg per active day: %s", money(avg, currency)),
	}
}

func money(d decimal.Decimal, currency string) string {
	if currency == "" {
		return d.String()
	}
	return currency + " " + d.String()
}

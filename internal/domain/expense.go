package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout always renders a complete numeric UTC offset (+05:30, +00:00).
const TimestampLayout = "2006-01-02T15:04:05-07:00"

// DateLayout is the calendar-day format used in reports.
const DateLayout = "2006-01-02"

// Category is one entry of the closed expense taxonomy.
type Category string

const (
	CategoryFuel      Category = "Fuel"
	CategoryGroceries Category = "Groceries"
	CategoryFood      Category = "Food & Dining"
	CategoryTransport Category = "Transport"
	CategoryShopping  Category = "Shopping"
	CategoryBills     Category = "Bills"
	CategoryRent      Category = "Rent"
	CategoryHealth    Category = "Health"
	CategoryTravel    Category = "Travel"
	CategoryOther     Category = "Other"
)

// Categories lists the taxonomy in presentation order.
var Categories = []Category{
	CategoryFuel, CategoryGroceries, CategoryFood, CategoryTransport, CategoryShopping,
	CategoryBills, CategoryRent, CategoryHealth, CategoryTravel, CategoryOther,
}

// ParseCategory matches s against the taxonomy, ignoring case and surrounding space.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(string(c), s) {
			return c, true
		}
	}
	return "", false
}

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidCategory    = errors.New("category is not in the taxonomy")
	ErrEmptyDescription   = errors.New("description is required")
	ErrMissingTimestamp   = errors.New("occurred_at is required")
	ErrInvalidConfidence  = errors.New("category_confidence must be within [0,1]")
	ErrAmbiguousCandidate = errors.New("ambiguous expense cannot be logged")
	ErrMissingUser        = errors.New("user id is required")
)

// ExpenseCandidate is the structured result of extracting an expense from text.
// When Ambiguous is set, Amount and Category are not final and the candidate
// must not be stored.
type ExpenseCandidate struct {
	Amount                decimal.Decimal
	Currency              string
	OccurredAt            time.Time
	Merchant              string
	Description           string
	Notes                 string
	RawText               string
	Category              Category
	CategoryConfidence    float64
	Ambiguous             bool
	ClarificationQuestion string
}

// Validate checks the fields required to persist the candidate.
func (c ExpenseCandidate) Validate() error {
	if c.Ambiguous {
		return ErrAmbiguousCandidate
	}
	if !c.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if _, ok := ParseCategory(string(c.Category)); !ok {
		return ErrInvalidCategory
	}
	if strings.TrimSpace(c.Description) == "" {
		return ErrEmptyDescription
	}
	if c.OccurredAt.IsZero() {
		return ErrMissingTimestamp
	}
	if c.CategoryConfidence < 0 || c.CategoryConfidence > 1 {
		return ErrInvalidConfidence
	}
	return nil
}

// ExpenseRecord is an accepted candidate as persisted by the store.
type ExpenseRecord struct {
	ID          int64
	UserID      string
	OccurredAt  time.Time
	Amount      decimal.Decimal
	Currency    string
	Category    Category
	Description string
	Merchant    string
	Notes       string
	RawText     string
	StoredAt    time.Time
}

// FormatTimestamp renders t with its own offset, never as "Z".
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

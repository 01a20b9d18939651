// Package extract turns free-text expense messages into structured candidates.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finance-agent/internal/domain"
)

var (
	// ErrModelUnavailable marks failures of the underlying model step. They are
	// extraction failures, never ambiguous results.
	ErrModelUnavailable = errors.New("extract: model unavailable")
	ErrEmptyText        = errors.New("extract: text must not be empty")
	ErrInvalidTimezone  = errors.New("extract: invalid timezone")
)

const (
	questionGeneric     = "Could you tell me how much you spent and what it was for?"
	questionAmount      = "How much did you spend?"
	questionWhen        = "When did you make this purchase?"
	questionDescription = "What was this expense for?"
	questionCategory    = "Which category fits this expense best?"
)

// Generator produces a JSON document for a structured request.
type Generator interface {
	GenerateJSON(ctx context.Context, req domain.StructuredRequest) (string, error)
}

// Invoker runs a model call under the process-wide invocation bounds.
type Invoker interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

type Extractor struct {
	gen      Generator
	invoker  Invoker
	currency string
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Extractor)

// WithClock overrides the source of "now" used to resolve relative dates.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

func New(gen Generator, invoker Invoker, currency string, logger *slog.Logger, opts ...Option) (*Extractor, error) {
	if gen == nil {
		return nil, errors.New("extract: generator must not be nil")
	}
	if invoker == nil {
		return nil, errors.New("extract: invoker must not be nil")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, errors.New("extract: currency must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		gen:      gen,
		invoker:  invoker,
		currency: currency,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract asks the model for a candidate and post-validates it. Any deviation
// from the candidate contract yields Ambiguous=true with one clarification
// question; only a failing model step returns an error.
func (e *Extractor) Extract(ctx context.Context, text, timezone string) (domain.ExpenseCandidate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ExpenseCandidate{}, ErrEmptyText
	}
	loc, err := time.LoadLocation(strings.TrimSpace(timezone))
	if err != nil || strings.TrimSpace(timezone) == "" {
		return domain.ExpenseCandidate{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}
	now := e.now().In(loc)

	req := domain.StructuredRequest{
		Name:   schemaName,
		Prompt: buildPrompt(text, timezone, e.currency, now),
		Schema: expenseSchema(),
	}

	var raw string
	err = e.invoker.Do(ctx, func(ctx context.Context) error {
		out, genErr := e.gen.GenerateJSON(ctx, req)
		if genErr != nil {
			return genErr
		}
		raw = out
		return nil
	})
	if err != nil {
		return domain.ExpenseCandidate{}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	var out modelExpense
	if decErr := json.Unmarshal([]byte(cleanModelJSON(raw)), &out); decErr != nil {
		e.logger.WarnContext(ctx, "extraction output is not valid JSON", "err", decErr)
		return domain.ExpenseCandidate{
			Currency:              e.currency,
			RawText:               text,
			Category:              domain.CategoryOther,
			Ambiguous:             true,
			ClarificationQuestion: questionGeneric,
		}, nil
	}
	return e.toCandidate(out, text, loc), nil
}

func (e *Extractor) toCandidate(out modelExpense, text string, loc *time.Location) domain.ExpenseCandidate {
	c := domain.ExpenseCandidate{
		Currency:    e.currency,
		RawText:     text,
		Merchant:    deref(out.Merchant),
		Description: deref(out.Description),
		Notes:       deref(out.Notes),
		Category:    domain.CategoryOther,
	}
	if out.CategoryConfidence != nil {
		c.CategoryConfidence = clamp01(*out.CategoryConfidence)
	}

	var question string
	ask := func(q string) {
		if question == "" {
			question = q
		}
	}

	if out.IsAmbiguous {
		ask(deref(out.ClarificationQuestion))
		ask(questionGeneric)
	}

	if out.Amount != nil && *out.Amount > 0 {
		c.Amount = decimal.NewFromFloat(*out.Amount)
	} else {
		ask(questionAmount)
	}

	if cur := strings.ToUpper(deref(out.Currency)); cur != "" && cur != e.currency {
		ask(fmt.Sprintf("I track expenses in %s. How much was that in %s?", e.currency, e.currency))
	}

	if ts, err := NormalizeTimestamp(deref(out.Timestamp), loc); err == nil {
		c.OccurredAt = ts
	} else {
		ask(questionWhen)
	}

	if strings.TrimSpace(c.Description) == "" {
		ask(questionDescription)
	}

	if cat, ok := domain.ParseCategory(deref(out.Category)); ok {
		c.Category = cat
	} else {
		ask(questionCategory)
	}

	if question != "" {
		c.Ambiguous = true
		c.ClarificationQuestion = question
	}
	return c
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

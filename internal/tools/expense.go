package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finance-agent/internal/domain"
	"finance-agent/internal/extract"
	"finance-agent/internal/report"
)

// candidateJSON is the wire form of an ExpenseCandidate shared by
// extract_expense output and log_expense input.
type candidateJSON struct {
	Amount                *json.Number `json:"amount"`
	Currency              string       `json:"currency,omitempty"`
	Timestamp             string       `json:"ts,omitempty"`
	Merchant              *string      `json:"merchant"`
	Description           string       `json:"description"`
	Notes                 *string      `json:"notes,omitempty"`
	RawText               string       `json:"raw_text,omitempty"`
	Category              string       `json:"category"`
	CategoryConfidence    float64      `json:"category_confidence"`
	IsAmbiguous           bool         `json:"is_ambiguous"`
	ClarificationQuestion *string      `json:"clarification_question"`
}

func candidateToJSON(c domain.ExpenseCandidate) candidateJSON {
	out := candidateJSON{
		Currency:           c.Currency,
		Merchant:           optional(c.Merchant),
		Description:        c.Description,
		Notes:              optional(c.Notes),
		RawText:            c.RawText,
		Category:           string(c.Category),
		CategoryConfidence: c.CategoryConfidence,
		IsAmbiguous:        c.Ambiguous,
	}
	if c.Amount.IsPositive() {
		n := json.Number(c.Amount.String())
		out.Amount = &n
	}
	if !c.OccurredAt.IsZero() {
		out.Timestamp = domain.FormatTimestamp(c.OccurredAt)
	}
	if c.Ambiguous {
		out.ClarificationQuestion = optional(c.ClarificationQuestion)
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *Registry) extractExpense(ctx context.Context, scope Scope, args json.RawMessage) (Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(in.Text) == "" {
		return Result{}, fmt.Errorf("%w: text is required", ErrInvalidArguments)
	}

	c, err := r.extractor.Extract(ctx, in.Text, scope.Timezone)
	if err != nil {
		if errors.Is(err, extract.ErrEmptyText) || errors.Is(err, extract.ErrInvalidTimezone) {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		}
		return Result{}, &ExecutionError{Tool: NameExtractExpense, Err: err}
	}

	b, err := json.Marshal(candidateToJSON(c))
	if err != nil {
		return Result{}, &ExecutionError{Tool: NameExtractExpense, Err: err}
	}
	res := Result{Content: string(b)}
	if c.Ambiguous {
		res.Clarification = c.ClarificationQuestion
	}
	return res, nil
}

func (r *Registry) logExpense(ctx context.Context, scope Scope, args json.RawMessage) (Result, error) {
	var wrapped struct {
		Entry *candidateJSON `json:"entry"`
	}
	if err := decodeArgs(args, &wrapped); err != nil {
		return Result{}, err
	}
	entry := wrapped.Entry
	if entry == nil {
		// tolerate a flattened entry
		entry = &candidateJSON{}
		if err := decodeArgs(args, entry); err != nil {
			return Result{}, err
		}
	}

	c, err := r.candidateFromJSON(*entry, scope.Timezone)
	if err != nil {
		return Result{}, err
	}
	if err := c.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}

	id, err := r.store.LogExpense(ctx, scope.UserID, c)
	if err != nil {
		if isValidation(err) {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		}
		return Result{}, &ExecutionError{Tool: NameLogExpense, Err: err}
	}
	r.notify(ctx, scope.UserID, id, c)

	b, _ := json.Marshal(map[string]int64{"expense_id": id})
	return Result{Content: string(b)}, nil
}

func (r *Registry) candidateFromJSON(in candidateJSON, timezone string) (domain.ExpenseCandidate, error) {
	c := domain.ExpenseCandidate{
		Currency:           r.currency,
		Description:        strings.TrimSpace(in.Description),
		RawText:            strings.TrimSpace(in.RawText),
		CategoryConfidence: in.CategoryConfidence,
		Ambiguous:          in.IsAmbiguous,
	}
	if in.Merchant != nil {
		c.Merchant = strings.TrimSpace(*in.Merchant)
	}
	if in.Notes != nil {
		c.Notes = strings.TrimSpace(*in.Notes)
	}
	if cur := strings.ToUpper(strings.TrimSpace(in.Currency)); cur != "" && cur != r.currency {
		return c, fmt.Errorf("%w: currency %q is not supported, expenses are tracked in %s", ErrInvalidArguments, cur, r.currency)
	}
	if in.Amount == nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidArguments, domain.ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(in.Amount.String())
	if err != nil {
		return c, fmt.Errorf("%w: amount: %v", ErrInvalidArguments, err)
	}
	c.Amount = amount

	cat, ok := domain.ParseCategory(in.Category)
	if !ok {
		return c, fmt.Errorf("%w: %w: %q", ErrInvalidArguments, domain.ErrInvalidCategory, in.Category)
	}
	c.Category = cat

	if strings.TrimSpace(in.Timestamp) == "" {
		return c, fmt.Errorf("%w: %w", ErrInvalidArguments, domain.ErrMissingTimestamp)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return c, fmt.Errorf("%w: timezone %q: %v", ErrInvalidArguments, timezone, err)
	}
	ts, err := extract.NormalizeTimestamp(in.Timestamp, loc)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	c.OccurredAt = ts
	return c, nil
}

func (r *Registry) notify(ctx context.Context, userID string, id int64, c domain.ExpenseCandidate) {
	if r.notifier == nil {
		return
	}
	rec := domain.ExpenseRecord{
		ID:          id,
		UserID:      userID,
		OccurredAt:  c.OccurredAt,
		Amount:      c.Amount,
		Currency:    c.Currency,
		Category:    c.Category,
		Description: c.Description,
		Merchant:    c.Merchant,
		Notes:       c.Notes,
		RawText:     c.RawText,
		StoredAt:    r.now().UTC(),
	}
	if err := r.notifier.ExpenseLogged(ctx, rec); err != nil {
		r.logger.WarnContext(ctx, "expense logged but notification failed", "expense_id", id, "err", err)
	}
}

func (r *Registry) weeklyReport(ctx context.Context, scope Scope, args json.RawMessage) (Result, error) {
	var in struct{}
	if err := decodeArgs(args, &in); err != nil {
		return Result{}, err
	}
	rep, err := r.reporter.Weekly(ctx, scope.UserID, scope.Timezone)
	if err != nil {
		if errors.Is(err, domain.ErrMissingUser) || errors.Is(err, report.ErrInvalidTimezone) {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		}
		return Result{}, &ExecutionError{Tool: NameWeeklyReport, Err: err}
	}
	b, err := json.Marshal(rep)
	if err != nil {
		return Result{}, &ExecutionError{Tool: NameWeeklyReport, Err: err}
	}
	return Result{Content: string(b)}, nil
}

func isValidation(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidAmount,
		domain.ErrInvalidCategory,
		domain.ErrEmptyDescription,
		domain.ErrMissingTimestamp,
		domain.ErrInvalidConfidence,
		domain.ErrAmbiguousCandidate,
		domain.ErrMissingUser,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

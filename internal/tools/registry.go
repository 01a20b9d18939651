// Package tools defines the fixed set of capabilities the agent can call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"finance-agent/internal/domain"
)

const (
	NameExtractExpense = "extract_expense"
	NameLogExpense     = "log_expense"
	NameWeeklyReport   = "weekly_report"
)

var (
	ErrUnknownTool      = errors.New("tools: unknown tool")
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// ExecutionError reports that a tool's underlying dependency failed.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tools: %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Extractor interface {
	Extract(ctx context.Context, text, timezone string) (domain.ExpenseCandidate, error)
}

type ExpenseLogger interface {
	LogExpense(ctx context.Context, userID string, c domain.ExpenseCandidate) (int64, error)
}

type Reporter interface {
	Weekly(ctx context.Context, userID, timezone string) (domain.WeeklyReport, error)
}

// Notifier is told about every expense that was durably logged.
type Notifier interface {
	ExpenseLogged(ctx context.Context, rec domain.ExpenseRecord) error
}

// Scope carries the caller identity for one turn. Tools never take the user
// from model-supplied arguments.
type Scope struct {
	UserID   string
	Timezone string
}

// Result is the raw tool output appended to the conversation.
type Result struct {
	Content string
	// Clarification is set when extract_expense produced an ambiguous
	// candidate; the turn must stop and ask it.
	Clarification string
}

type handler func(ctx context.Context, scope Scope, args json.RawMessage) (Result, error)

type tool struct {
	spec domain.ToolSpec
	run  handler
}

type Registry struct {
	extractor Extractor
	store     ExpenseLogger
	reporter  Reporter
	notifier  Notifier
	currency  string
	now       func() time.Time
	logger    *slog.Logger

	order []string
	tools map[string]tool
}

type Option func(*Registry)

func WithNotifier(n Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(ext Extractor, store ExpenseLogger, rep Reporter, currency string, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if ext == nil {
		return nil, errors.New("tools: extractor must not be nil")
	}
	if store == nil {
		return nil, errors.New("tools: expense store must not be nil")
	}
	if rep == nil {
		return nil, errors.New("tools: reporter must not be nil")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return nil, errors.New("tools: currency must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		extractor: ext,
		store:     store,
		reporter:  rep,
		currency:  currency,
		now:       time.Now,
		logger:    logger,
		tools:     make(map[string]tool),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.register(domain.ToolSpec{
		Name:        NameExtractExpense,
		Description: "Extract and categorize an expense from the user's free text. Always call this before log_expense.",
		Parameters:  extractParameters(),
	}, r.extractExpense)
	r.register(domain.ToolSpec{
		Name:        NameLogExpense,
		Description: "Store a clear (non-ambiguous) expense returned by extract_expense.",
		Parameters:  logParameters(),
	}, r.logExpense)
	r.register(domain.ToolSpec{
		Name:        NameWeeklyReport,
		Description: "Compute this week's spending totals, category and daily breakdowns, top items and insights.",
		Parameters:  reportParameters(),
	}, r.weeklyReport)
	return r, nil
}

func (r *Registry) register(spec domain.ToolSpec, run handler) {
	r.order = append(r.order, spec.Name)
	r.tools[spec.Name] = tool{spec: spec, run: run}
}

// Specs lists the tools in registration order.
func (r *Registry) Specs() []domain.ToolSpec {
	out := make([]domain.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].spec)
	}
	return out
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Execute runs the named tool synchronously.
//
// Errors wrap ErrUnknownTool, ErrInvalidArguments, or are an *ExecutionError
// when a dependency failed.
func (r *Registry) Execute(ctx context.Context, scope Scope, call domain.ToolCall) (Result, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	if strings.TrimSpace(scope.UserID) == "" {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidArguments, domain.ErrMissingUser)
	}
	return t.run(ctx, scope, normalizeArgs(call.Arguments))
}

func normalizeArgs(raw json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// ErrorPayload renders a recoverable tool failure as the tool-result content
// the model sees.
func ErrorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

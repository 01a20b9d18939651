package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"finance-agent/internal/domain"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

func newExpenseStore(t *testing.T, path string) *ExpenseStore {
	t.Helper()
	s, err := NewExpenseStore(path, WithClock(func() time.Time {
		return time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func candidate(amount string, cat domain.Category, at time.Time) domain.ExpenseCandidate {
	return domain.ExpenseCandidate{
		Amount:             decimal.RequireFromString(amount),
		Currency:           "INR",
		OccurredAt:         at,
		Description:        "item",
		Category:           cat,
		CategoryConfidence: 0.8,
	}
}

func TestExpenseStore_LogAndRead(t *testing.T) {
	s := newExpenseStore(t, filepath.Join(t.TempDir(), "data", "expenses.db"))
	ctx := context.Background()

	c := candidate("499.99", domain.CategoryFuel, time.Date(2026, 2, 24, 12, 0, 0, 0, ist))
	c.Merchant = "HP"
	c.RawText = "spent 499.99 on petrol at HP"
	id1, err := s.LogExpense(ctx, "u1", c)
	require.NoError(t, err)
	id2, err := s.LogExpense(ctx, "u1", candidate("20", domain.CategoryOther, time.Date(2026, 2, 25, 9, 0, 0, 0, ist)))
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	_, err = s.LogExpense(ctx, "u2", candidate("70", domain.CategoryOther, time.Date(2026, 2, 25, 9, 0, 0, 0, ist)))
	require.NoError(t, err)

	from := time.Date(2026, 2, 23, 0, 0, 0, 0, ist)
	recs, err := s.ExpensesBetween(ctx, "u1", from, from.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	got := recs[0]
	require.Equal(t, id1, got.ID)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "499.99", got.Amount.String())
	require.Equal(t, domain.CategoryFuel, got.Category)
	require.Equal(t, "HP", got.Merchant)
	require.Equal(t, "spent 499.99 on petrol at HP", got.RawText)
	require.Empty(t, got.Notes)
	require.Equal(t, "2026-02-24T12:00:00+05:30", domain.FormatTimestamp(got.OccurredAt))
	require.True(t, got.StoredAt.Equal(time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)))
	require.Equal(t, id2, recs[1].ID)
}

func TestExpenseStore_WindowIsHalfOpen(t *testing.T) {
	s := newExpenseStore(t, filepath.Join(t.TempDir(), "expenses.db"))
	ctx := context.Background()
	from := time.Date(2026, 2, 23, 0, 0, 0, 0, ist)
	to := from.AddDate(0, 0, 7)

	for _, at := range []time.Time{from.Add(-time.Second), from, to.Add(-time.Second), to} {
		_, err := s.LogExpense(ctx, "u1", candidate("1", domain.CategoryOther, at))
		require.NoError(t, err)
	}
	// same instant written with another offset
	_, err := s.LogExpense(ctx, "u1", candidate("1", domain.CategoryOther, from.In(time.UTC)))
	require.NoError(t, err)

	recs, err := s.ExpensesBetween(ctx, "u1", from, to)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "2026-02-22T18:30:00+00:00", domain.FormatTimestamp(recs[2].OccurredAt))
}

func TestExpenseStore_RejectsInvalidCandidates(t *testing.T) {
	s := newExpenseStore(t, filepath.Join(t.TempDir(), "expenses.db"))
	ctx := context.Background()
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, ist)

	_, err := s.LogExpense(ctx, "", candidate("5", domain.CategoryOther, at))
	require.ErrorIs(t, err, domain.ErrMissingUser)

	_, err = s.LogExpense(ctx, "u1", candidate("0", domain.CategoryOther, at))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	require.NotErrorIs(t, err, ErrUnavailable)

	noDesc := candidate("5", domain.CategoryOther, at)
	noDesc.Description = ""
	_, err = s.LogExpense(ctx, "u1", noDesc)
	require.ErrorIs(t, err, domain.ErrEmptyDescription)

	_, err = s.LogExpense(ctx, "u1", candidate("5", domain.CategoryOther, time.Time{}))
	require.ErrorIs(t, err, domain.ErrMissingTimestamp)

	_, err = s.LogExpense(ctx, "u1", candidate("5", "Gadgets", at))
	require.ErrorIs(t, err, domain.ErrInvalidCategory)
}

func TestExpenseStore_ClosedIsUnavailable(t *testing.T) {
	s, err := NewExpenseStore(filepath.Join(t.TempDir(), "expenses.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.LogExpense(context.Background(), "u1", candidate("5", domain.CategoryOther, time.Now()))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestExpenseStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expenses.db")
	s := newExpenseStore(t, path)
	_, err := s.LogExpense(context.Background(), "u1", candidate("5", domain.CategoryOther, time.Date(2026, 2, 24, 12, 0, 0, 0, ist)))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newExpenseStore(t, path)
	from := time.Date(2026, 2, 23, 0, 0, 0, 0, ist)
	recs, err := s.ExpensesBetween(context.Background(), "u1", from, from.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestExpenseStore_ConcurrentWriters(t *testing.T) {
	s := newExpenseStore(t, filepath.Join(t.TempDir(), "expenses.db"))
	at := time.Date(2026, 2, 24, 12, 0, 0, 0, ist)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.LogExpense(context.Background(), "u1", candidate("10", domain.CategoryOther, at))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	from := time.Date(2026, 2, 23, 0, 0, 0, 0, ist)
	recs, err := s.ExpensesBetween(context.Background(), "u1", from, from.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, recs, 8)
}

func TestThreadStore_AppendAndLoad(t *testing.T) {
	s, err := NewThreadStore(filepath.Join(t.TempDir(), "graph_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	key := domain.ThreadKey{UserID: "u1", ThreadID: "t1"}

	empty, err := s.LoadThread(ctx, key)
	require.NoError(t, err)
	require.Empty(t, empty.Messages)

	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "spent 500 on groceries"},
		{Role: domain.RoleAgent, ToolCall: &domain.ToolCall{ID: "c1", Name: "extract_expense", Arguments: []byte(`{"text":"spent 500 on groceries"}`)}},
		{Role: domain.RoleTool, ToolCallID: "c1", ToolName: "extract_expense", Content: `{"amount":500}`},
		{Role: domain.RoleAgent, Content: "Logged."},
	}
	for i, m := range msgs {
		require.NoError(t, s.AppendMessage(ctx, key, i, m))
	}

	got, err := s.LoadThread(ctx, key)
	require.NoError(t, err)
	require.Equal(t, key, got.Key)
	require.Len(t, got.Messages, 4)
	require.Equal(t, msgs[0], got.Messages[0])
	require.Equal(t, "extract_expense", got.Messages[1].ToolCall.Name)
	require.JSONEq(t, `{"text":"spent 500 on groceries"}`, string(got.Messages[1].ToolCall.Arguments))
	require.Equal(t, msgs[2], got.Messages[2])
	require.Equal(t, msgs[3], got.Messages[3])

	other, err := s.LoadThread(ctx, domain.ThreadKey{UserID: "u1", ThreadID: "t2"})
	require.NoError(t, err)
	require.Empty(t, other.Messages)
}

func TestThreadStore_SequenceIsWrittenOnce(t *testing.T) {
	s, err := NewThreadStore(filepath.Join(t.TempDir(), "graph_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	key := domain.ThreadKey{UserID: "u1", ThreadID: "t1"}

	require.NoError(t, s.AppendMessage(context.Background(), key, 0, domain.Message{Role: domain.RoleUser, Content: "a"}))
	err = s.AppendMessage(context.Background(), key, 0, domain.Message{Role: domain.RoleUser, Content: "b"})
	require.ErrorIs(t, err, ErrSequenceTaken)
}

func TestThreadStore_SharesFileWithExpenses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	es := newExpenseStore(t, path)
	ts, err := NewThreadStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	_, err = es.LogExpense(context.Background(), "u1", candidate("5", domain.CategoryOther, time.Now()))
	require.NoError(t, err)
	require.NoError(t, ts.AppendMessage(context.Background(), domain.ThreadKey{UserID: "u1", ThreadID: "t"}, 0,
		domain.Message{Role: domain.RoleUser, Content: "hi"}))
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"finance-agent/internal/domain"
)

// ErrSequenceTaken is returned when a message with the same sequence number
// was already checkpointed for the thread.
var ErrSequenceTaken = errors.New("storage: message sequence already written")

// ThreadStore checkpoints conversation messages, one row per message.
type ThreadStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewThreadStore(dbPath string, opts ...Option) (*ThreadStore, error) {
	if err := runMigrations(dbPath, threadsMigrations, "schema_migrations_threads"); err != nil {
		return nil, err
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &ThreadStore{db: db, now: o.now}, nil
}

func (s *ThreadStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LoadThread returns the thread's messages in sequence order. An unknown
// thread yields an empty state.
func (s *ThreadStore) LoadThread(ctx context.Context, key domain.ThreadKey) (domain.ConversationState, error) {
	state := domain.ConversationState{Key: key}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload FROM thread_messages
		WHERE user_id = ? AND thread_id = ?
		ORDER BY seq`,
		key.UserID, key.ThreadID,
	)
	if err != nil {
		return state, fmt.Errorf("%w: query thread: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return state, fmt.Errorf("%w: scan thread message: %w", ErrUnavailable, err)
		}
		if seq != len(state.Messages) {
			return state, fmt.Errorf("storage: thread %s has a gap at sequence %d", key, len(state.Messages))
		}
		msg, err := domain.DecodeMessage([]byte(payload))
		if err != nil {
			return state, fmt.Errorf("storage: thread %s message %d: %w", key, seq, err)
		}
		state.Messages = append(state.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("%w: iterate thread: %w", ErrUnavailable, err)
	}
	return state, nil
}

// AppendMessage durably writes msg at position seq of the thread.
func (s *ThreadStore) AppendMessage(ctx context.Context, key domain.ThreadKey, seq int, msg domain.Message) error {
	payload, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_messages (user_id, thread_id, seq, role, payload, schema_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.UserID, key.ThreadID, seq, string(msg.Role), string(payload),
		domain.MessageSchemaVersion, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("%w: %s seq %d", ErrSequenceTaken, key, seq)
		}
		return fmt.Errorf("%w: insert thread message: %w", ErrUnavailable, err)
	}
	return nil
}

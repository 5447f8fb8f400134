// ABOUTME: Conversation persistence for the SQLite store
// ABOUTME: Atomic read-modify-write updates and compare-and-set topic binding

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConversation is returned when a mutation would break the mode/timestamp invariant
var ErrInvalidConversation = errors.New("invalid conversation state")

const conversationColumns = `user_id, display_name, mode, topic_id, last_human_activity_at, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// Validate checks the mode/timestamp invariant: human mode carries an
// activity timestamp, bot mode never does.
func (c *Conversation) Validate() error {
	switch c.Mode {
	case ModeHuman:
		if c.LastHumanActivityAt == nil {
			return fmt.Errorf("%w: human mode without activity timestamp", ErrInvalidConversation)
		}
	case ModeBot:
		if c.LastHumanActivityAt != nil {
			return fmt.Errorf("%w: bot mode with activity timestamp", ErrInvalidConversation)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConversation, c.Mode)
	}
	return nil
}

// GetOrCreateConversation returns the conversation for userID, creating it in
// bot mode if it doesn't exist. The bool reports whether it was created.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, userID, displayName string) (*Conversation, bool, error) {
	now := formatTime(time.Now())

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, display_name, mode, created_at, updated_at)
		VALUES (?, ?, 'bot', ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, displayName, now, now)
	if err != nil {
		return nil, false, storageErr("create conversation", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, storageErr("create conversation", err)
	}

	conv, err := s.GetConversation(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	created := rowsAffected > 0
	if created {
		s.logger.Debug("created conversation", "user_id", userID)
	}
	return conv, created, nil
}

// GetConversation retrieves a conversation by user ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ?`, userID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, storageErr("get conversation", err)
	}
	return conv, nil
}

// GetConversationByTopic retrieves the conversation bound to topicID.
// Returns ErrNotFound if no conversation is bound to it.
func (s *SQLiteStore) GetConversationByTopic(ctx context.Context, topicID int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE topic_id = ?`, topicID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, storageErr("get conversation by topic", err)
	}
	return conv, nil
}

// UpdateConversation applies mutate to the stored conversation inside a
// single transaction and writes the whole row back. Either every field
// changes or none does.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, userID string, mutate Mutator) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ?`, userID)
	before, err := scanConversation(row)
	if err != nil {
		return nil, storageErr("load conversation", err)
	}

	after := before.Clone()
	if err := mutate(after); err != nil {
		return nil, err
	}
	if err := checkMutation(before, after); err != nil {
		return nil, err
	}
	after.UpdatedAt = time.Now().UTC()

	var topic any
	if after.TopicID != 0 {
		topic = after.TopicID
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET display_name = ?, mode = ?, topic_id = ?, last_human_activity_at = ?, updated_at = ?
		WHERE user_id = ?
	`,
		after.DisplayName,
		string(after.Mode),
		topic,
		formatTimePtr(after.LastHumanActivityAt),
		formatTime(after.UpdatedAt),
		userID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateTopic
		}
		return nil, storageErr("update conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit update", err)
	}

	s.logger.Debug("updated conversation", "user_id", userID, "mode", after.Mode)
	return after, nil
}

// BindTopic sets the topic for a conversation that has none yet.
// Returns ErrTopicAlreadyBound if the conversation already has a topic and
// ErrDuplicateTopic if another conversation owns topicID.
func (s *SQLiteStore) BindTopic(ctx context.Context, userID string, topicID int64) (*Conversation, error) {
	if topicID == 0 {
		return nil, fmt.Errorf("%w: topic id must be non-zero", ErrInvalidConversation)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET topic_id = ?, updated_at = ?
		WHERE user_id = ? AND topic_id IS NULL
	`, topicID, formatTime(time.Now()), userID)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateTopic
		}
		return nil, storageErr("bind topic", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, storageErr("bind topic", err)
	}

	conv, err := s.GetConversation(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return conv, ErrTopicAlreadyBound
	}

	s.logger.Debug("bound topic", "user_id", userID, "topic_id", topicID)
	return conv, nil
}

// ListConversations returns conversations matching the filter in the order
// the filter asks for.
func (s *SQLiteStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var modeFilter *string
	if f.Mode != nil {
		m := string(*f.Mode)
		modeFilter = &m
	}

	order := "updated_at DESC"
	if f.StalestFirst {
		// NULLs sort first in SQLite
		order = "last_human_activity_at ASC, updated_at ASC"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE (? IS NULL OR mode = ?)
		ORDER BY `+order+`
		LIMIT ?
	`, modeFilter, modeFilter, limit)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storageErr("list conversations", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating conversation rows", err)
	}

	return convs, nil
}

// checkMutation enforces what a mutator may not change.
func checkMutation(before, after *Conversation) error {
	if after.UserID != before.UserID {
		return fmt.Errorf("%w: user id is immutable", ErrInvalidConversation)
	}
	if before.TopicID != 0 && after.TopicID != before.TopicID {
		return ErrTopicAlreadyBound
	}
	return after.Validate()
}

// scanConversation scans a single conversation row.
func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var mode string
	var topicID sql.NullInt64
	var lastActivity sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&c.UserID,
		&c.DisplayName,
		&mode,
		&topicID,
		&lastActivity,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.Mode = Mode(mode)
	if topicID.Valid {
		c.TopicID = topicID.Int64
	}
	if lastActivity.Valid {
		ts, err := parseTime(lastActivity.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_human_activity_at: %w", err)
		}
		c.LastHumanActivityAt = &ts
	}

	c.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &c, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

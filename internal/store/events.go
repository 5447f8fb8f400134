// ABOUTME: Ledger event store for conversation transcripts and analytics
// ABOUTME: Records every inbound, outbound, mirrored and mode-change event per user

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventDirection indicates which side of the relay an event moved toward
type EventDirection string

const (
	EventDirectionFromUser     EventDirection = "from_user"
	EventDirectionToUser       EventDirection = "to_user"
	EventDirectionFromOperator EventDirection = "from_operator"
	EventDirectionToThread     EventDirection = "to_thread"
	EventDirectionSystem       EventDirection = "system"
)

// EventType categorizes the kind of event
type EventType string

const (
	EventTypeMessage    EventType = "message"
	EventTypeReply      EventType = "reply"
	EventTypeMirror     EventType = "mirror"
	EventTypeModeChange EventType = "mode_change"
	EventTypeSystem     EventType = "system"
	EventTypeError      EventType = "error"
)

// LedgerEvent is one entry in a conversation's transcript.
type LedgerEvent struct {
	ID        string
	UserID    string
	TopicID   int64 // 0 if no thread was involved
	Direction EventDirection
	Author    string // phone number, operator name, "bot" or "system"
	Timestamp time.Time
	Type      EventType
	Text      *string
}

// SaveEvent persists a ledger event to the database
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *LedgerEvent) error {
	var topic any
	if event.TopicID != 0 {
		topic = event.TopicID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (event_id, user_id, topic_id, direction, author, timestamp, type, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.UserID,
		topic,
		string(event.Direction),
		event.Author,
		formatTime(event.Timestamp),
		string(event.Type),
		event.Text,
	)
	if err != nil {
		return storageErr("save event", fmt.Errorf("inserting event: %w", err))
	}

	s.logger.Debug("saved ledger event",
		"event_id", event.ID,
		"user_id", event.UserID,
		"type", event.Type,
	)
	return nil
}

// ListEvents returns the most recent events for a user in chronological order.
func (s *SQLiteStore) ListEvents(ctx context.Context, userID string, limit int) ([]*LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, topic_id, direction, author, timestamp, type, text
		FROM (
			SELECT rowid AS seq, event_id, user_id, topic_id, direction, author, timestamp, type, text
			FROM ledger_events
			WHERE user_id = ?
			ORDER BY timestamp DESC, seq DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, seq ASC
	`, userID, limit)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*LedgerEvent
	for rows.Next() {
		var e LedgerEvent
		var topicID sql.NullInt64
		var direction, eventType, ts string

		if err := rows.Scan(&e.ID, &e.UserID, &topicID, &direction, &e.Author, &ts, &eventType, &e.Text); err != nil {
			return nil, storageErr("list events", fmt.Errorf("scanning event: %w", err))
		}
		e.Direction = EventDirection(direction)
		e.Type = EventType(eventType)
		if topicID.Valid {
			e.TopicID = topicID.Int64
		}
		e.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, storageErr("list events", fmt.Errorf("parsing timestamp: %w", err))
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating event rows", err)
	}

	return events, nil
}

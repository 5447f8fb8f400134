// Package store provides persistent storage for the relay using SQLite.
//
// # Data Models
//
//   - Conversation: per-user routing state (mode, bound operator topic,
//     last operator activity). One per end user, never deleted.
//   - LedgerEvent: append-only transcript of everything that moved through
//     the relay, used for the admin API and analytics.
//
// # Atomicity
//
// UpdateConversation runs a read-modify-write inside one transaction; a
// Mutator either changes every field it touches or nothing is written.
// BindTopic is a compare-and-set on topic_id IS NULL, and a partial unique
// index guarantees a topic is never bound to two users.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// The pool is limited to one connection, so code inside a transaction must
// only use the *sql.Tx it was given.
//
// # Error Handling
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrTopicAlreadyBound: conversation already owns a topic
//   - ErrDuplicateTopic: topic belongs to a different conversation
//   - *StorageError: the database itself failed
//
// # Caching
//
// NewCachedStore puts an LRU in front of any Store for the hot lookups
// made on every inbound message.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") or a
// t.TempDir() path for integration tests.
package store

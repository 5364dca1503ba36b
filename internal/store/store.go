// Package store is the durable layer: topics, connections, subscriptions
// and message history in SQLite. It is the only authority on which
// subscriptions exist; the in-memory registry merely routes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to callers; everything else is wrapped with
// the failing operation's name.
var (
	ErrTopicExists          = errors.New("topic already exists")
	ErrTopicNotFound        = errors.New("topic not found")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// timeFormat is fixed-width UTC so lexicographic order over the stored
// TEXT column matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	last_published TEXT,
	message_count INTEGER NOT NULL DEFAULT 0,
	subscriber_count INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	client_ip TEXT,
	user_agent TEXT NOT NULL DEFAULT '',
	connected_at TEXT NOT NULL,
	last_activity TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	topic_id INTEGER NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
	subscribed_at TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	UNIQUE(connection_id, topic_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	topic_id INTEGER NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
	publisher_connection_id TEXT REFERENCES connections(id) ON DELETE SET NULL,
	data TEXT NOT NULL,
	published_at TEXT NOT NULL,
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	max_delivery_attempts INTEGER NOT NULL DEFAULT 3,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_messages_topic_published
	ON messages(topic_id, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_publisher_published
	ON messages(publisher_connection_id, published_at DESC);
`

// Topic mirrors a row in the topics table.
type Topic struct {
	ID              int64
	Name            string
	CreatedAt       time.Time
	LastPublished   *time.Time
	MessageCount    int64
	SubscriberCount int64
	IsActive        bool
	Metadata        map[string]any
}

// Connection mirrors a row in the connections table.
type Connection struct {
	ID           string
	ClientIP     string
	UserAgent    string
	ConnectedAt  time.Time
	LastActivity time.Time
	IsActive     bool
	Metadata     map[string]any
}

// Subscription mirrors a row in the subscriptions table.
type Subscription struct {
	ID           int64
	ConnectionID string
	TopicID      int64
	SubscribedAt time.Time
	IsActive     bool
}

// Message mirrors a row in the messages table. PublisherID is nil when
// the publishing connection has since disappeared.
type Message struct {
	ID                  string
	TopicID             int64
	PublisherID         *string
	Data                string
	PublishedAt         time.Time
	DeliveryAttempts    int
	MaxDeliveryAttempts int
	Metadata            map[string]any
}

// SubscriberInfo is the control plane's view of one subscription.
type SubscriberInfo struct {
	ConnectionID string
	SubscribedAt time.Time
	ClientIP     string
	UserAgent    string
	IsActive     bool
}

// TopicStats is the per-topic counters exposed by /stats/.
type TopicStats struct {
	Messages    int64
	Subscribers int64
}

// Store wraps the SQLite handle.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if necessary) the broker database at path and
// applies the schema. WAL keeps readers unblocked during writes; foreign
// keys drive the delete cascades.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc SQLite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- connections ---

// CreateConnection persists a freshly accepted connection.
func (s *Store) CreateConnection(ctx context.Context, id, clientIP, userAgent string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, client_ip, user_agent, connected_at, last_activity, is_active, metadata)
		 VALUES (?, ?, ?, ?, ?, 1, '{}')`,
		id, clientIP, userAgent, now, now)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

// TouchConnection updates the connection's last-activity timestamp.
func (s *Store) TouchConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_activity = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// DeleteConnection removes a connection and cascades its subscriptions,
// then recounts subscriber totals on every topic the connection was
// subscribed to. Deleting an unknown connection is a no-op.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT topic_id FROM subscriptions WHERE connection_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	var topicIDs []int64
	for rows.Next() {
		var tid int64
		if err := rows.Scan(&tid); err != nil {
			rows.Close()
			return fmt.Errorf("delete connection: %w", err)
		}
		topicIDs = append(topicIDs, tid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("delete connection: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}

	for _, tid := range topicIDs {
		if err := refreshSubscriberCount(ctx, tx, tid); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// --- topics ---

func scanTopic(row interface{ Scan(...any) error }) (*Topic, error) {
	var t Topic
	var createdAt string
	var lastPublished sql.NullString
	var isActive int64
	var metadata string
	if err := row.Scan(&t.ID, &t.Name, &createdAt, &lastPublished,
		&t.MessageCount, &t.SubscriberCount, &isActive, &metadata); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lastPublished.Valid {
		lp, err := parseTime(lastPublished.String)
		if err != nil {
			return nil, err
		}
		t.LastPublished = &lp
	}
	t.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		t.Metadata = map[string]any{}
	}
	return &t, nil
}

const topicColumns = `id, name, created_at, last_published, message_count, subscriber_count, is_active, metadata`

// GetTopic fetches a topic by name.
func (s *Store) GetTopic(ctx context.Context, name string) (*Topic, error) {
	t, err := scanTopic(s.db.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return t, nil
}

// CreateTopic creates a topic, failing with ErrTopicExists on collision.
func (s *Store) CreateTopic(ctx context.Context, name string, metadata map[string]any) (*Topic, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO topics (name, created_at, metadata) VALUES (?, ?, ?)`,
		name, formatTime(time.Now()), string(metaJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTopicExists
		}
		return nil, fmt.Errorf("create topic: %w", err)
	}
	return s.GetTopic(ctx, name)
}

// GetOrCreateTopic fetches a topic, creating it if absent. Losing a
// creation race to another connection falls back to the winner's row.
func (s *Store) GetOrCreateTopic(ctx context.Context, name string) (*Topic, error) {
	t, err := s.GetTopic(ctx, name)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTopicNotFound) {
		return nil, err
	}
	t, err = s.CreateTopic(ctx, name, nil)
	if errors.Is(err, ErrTopicExists) {
		return s.GetTopic(ctx, name)
	}
	return t, err
}

// DeleteTopic transactionally removes a topic together with all of its
// subscriptions and messages.
func (s *Store) DeleteTopic(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM topics WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTopicNotFound
	}
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE topic_id = ?`, id); err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE topic_id = ?`, id); err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	return nil
}

// ListTopics returns all topics, newest first.
func (s *Store) ListTopics(ctx context.Context) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+topicColumns+` FROM topics ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("list topics: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return out, nil
}

// CountTopics returns the total number of topics.
func (s *Store) CountTopics(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count topics: %w", err)
	}
	return n, nil
}

// --- subscriptions ---

// refreshSubscriberCount writes back an authoritative recount of active
// subscriptions; deltas are never trusted.
func refreshSubscriberCount(ctx context.Context, tx *sql.Tx, topicID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE topics SET subscriber_count =
			(SELECT COUNT(*) FROM subscriptions WHERE topic_id = ? AND is_active = 1)
		 WHERE id = ?`, topicID, topicID)
	return err
}

// UpsertSubscription activates a subscription for (connection, topic),
// creating the row if absent. At most one row exists per pair;
// re-subscribing flips is_active back on the existing row. The topic's
// subscriber_count is recounted in the same transaction.
func (s *Store) UpsertSubscription(ctx context.Context, connectionID string, topicID int64) (bool, *Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("upsert subscription: %w", err)
	}
	defer tx.Rollback()

	var sub Subscription
	var subscribedAt string
	var isActive int64
	created := false
	err = tx.QueryRowContext(ctx,
		`SELECT id, connection_id, topic_id, subscribed_at, is_active
		 FROM subscriptions WHERE connection_id = ? AND topic_id = ?`,
		connectionID, topicID).Scan(&sub.ID, &sub.ConnectionID, &sub.TopicID, &subscribedAt, &isActive)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		subscribedAt = formatTime(time.Now())
		res, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (connection_id, topic_id, subscribed_at, is_active)
			 VALUES (?, ?, ?, 1)`, connectionID, topicID, subscribedAt)
		if err != nil {
			return false, nil, fmt.Errorf("upsert subscription: %w", err)
		}
		sub.ID, _ = res.LastInsertId()
		sub.ConnectionID = connectionID
		sub.TopicID = topicID
	case err != nil:
		return false, nil, fmt.Errorf("upsert subscription: %w", err)
	default:
		if isActive == 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE subscriptions SET is_active = 1 WHERE id = ?`, sub.ID); err != nil {
				return false, nil, fmt.Errorf("upsert subscription: %w", err)
			}
		}
	}
	sub.IsActive = true
	if sub.SubscribedAt, err = parseTime(subscribedAt); err != nil {
		return false, nil, fmt.Errorf("upsert subscription: %w", err)
	}

	if err := refreshSubscriberCount(ctx, tx, topicID); err != nil {
		return false, nil, fmt.Errorf("upsert subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return created, &sub, nil
}

// DeactivateSubscription marks the (connection, topic) subscription
// inactive and recounts. ErrSubscriptionNotFound when no active row
// exists, so a repeated unsubscribe fails rather than silently passing.
func (s *Store) DeactivateSubscription(ctx context.Context, connectionID string, topicID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = 0
		 WHERE connection_id = ? AND topic_id = ? AND is_active = 1`,
		connectionID, topicID)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}

	if err := refreshSubscriberCount(ctx, tx, topicID); err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}

// CountActiveSubscriptions counts active subscriptions for one topic.
func (s *Store) CountActiveSubscriptions(ctx context.Context, topicID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE topic_id = ? AND is_active = 1`, topicID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// CountSubscriptions counts all subscription rows (the health endpoint's
// subscribers figure).
func (s *Store) CountSubscriptions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// TopicSubscribers returns every subscription row for a topic joined with
// its connection's client details.
func (s *Store) TopicSubscribers(ctx context.Context, topicID int64) ([]SubscriberInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.connection_id, s.subscribed_at, s.is_active,
		        COALESCE(c.client_ip, ''), COALESCE(c.user_agent, '')
		 FROM subscriptions s
		 JOIN connections c ON c.id = s.connection_id
		 WHERE s.topic_id = ?
		 ORDER BY s.subscribed_at DESC`, topicID)
	if err != nil {
		return nil, fmt.Errorf("topic subscribers: %w", err)
	}
	defer rows.Close()

	var out []SubscriberInfo
	for rows.Next() {
		var info SubscriberInfo
		var subscribedAt string
		var isActive int64
		if err := rows.Scan(&info.ConnectionID, &subscribedAt, &isActive, &info.ClientIP, &info.UserAgent); err != nil {
			return nil, fmt.Errorf("topic subscribers: %w", err)
		}
		if info.SubscribedAt, err = parseTime(subscribedAt); err != nil {
			return nil, fmt.Errorf("topic subscribers: %w", err)
		}
		info.IsActive = isActive != 0
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("topic subscribers: %w", err)
	}
	return out, nil
}

// --- messages ---

// AppendMessage persists a published message and atomically bumps the
// topic's message_count and last_published. Returns the assigned message
// id and publish timestamp.
func (s *Store) AppendMessage(ctx context.Context, topicID int64, publisherID *string, data string, metadata map[string]any) (string, time.Time, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("append message: %w", err)
	}

	id := uuid.NewString()
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, topic_id, publisher_connection_id, data, published_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, topicID, publisherID, data, formatTime(now), string(metaJSON)); err != nil {
		return "", time.Time{}, fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE topics SET message_count = message_count + 1, last_published = ? WHERE id = ?`,
		formatTime(now), topicID); err != nil {
		return "", time.Time{}, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", time.Time{}, fmt.Errorf("append message: %w", err)
	}
	return id, now, nil
}

const messageColumns = `id, topic_id, publisher_connection_id, data, published_at, delivery_attempts, max_delivery_attempts, metadata`

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var publisher sql.NullString
	var publishedAt string
	var metadata string
	if err := rows.Scan(&m.ID, &m.TopicID, &publisher, &m.Data, &publishedAt,
		&m.DeliveryAttempts, &m.MaxDeliveryAttempts, &metadata); err != nil {
		return nil, err
	}
	if publisher.Valid {
		m.PublisherID = &publisher.String
	}
	var err error
	if m.PublishedAt, err = parseTime(publishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		m.Metadata = map[string]any{}
	}
	return &m, nil
}

// RecentMessages returns up to limit messages for a topic, newest first,
// skipping offset rows. Rowid breaks ties between equal timestamps.
func (s *Store) RecentMessages(ctx context.Context, topicID int64, limit, offset int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE topic_id = ?
		 ORDER BY published_at DESC, rowid DESC
		 LIMIT ? OFFSET ?`, topicID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return out, nil
}

// --- aggregates ---

// StatsPerTopic returns message and subscription totals for every topic.
func (s *Store) StatsPerTopic(ctx context.Context) (map[string]TopicStats, error) {
	out := make(map[string]TopicStats)

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.name,
		        (SELECT COUNT(*) FROM messages m WHERE m.topic_id = t.id),
		        (SELECT COUNT(*) FROM subscriptions sb WHERE sb.topic_id = t.id)
		 FROM topics t`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var st TopicStats
		if err := rows.Scan(&name, &st.Messages, &st.Subscribers); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		out[name] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return out, nil
}

// isUniqueViolation matches SQLite's unique constraint failures without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

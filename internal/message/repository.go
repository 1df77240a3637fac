package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for message persistence. The durable
// store owns terminal-state messages; the router owns a message only
// while it is live.
type Repository interface {
	// Append persists a newly ingested message.
	Append(ctx context.Context, msg *Message) error

	// GetByID retrieves a message by its identifier.
	// Returns ErrNotFound if the message does not exist.
	GetByID(ctx context.Context, id string) (*Message, error)

	// Transition performs a guarded status update: the row changes only
	// if its current status is an allowed predecessor of to. Returns
	// ErrInvalidTransition when the guard loses (another worker or
	// sweep moved the message first) and ErrNotFound for unknown ids.
	// deliveredAt is stamped only on the transition to delivered.
	Transition(ctx context.Context, id string, to Status, deliveredAt *time.Time) error

	// ListByStatus retrieves all messages in the given status, ordered
	// by priority descending then creation time ascending. Used by
	// startup recovery.
	ListByStatus(ctx context.Context, status Status) ([]Message, error)

	// ExpireOlderThan moves every non-terminal message created before
	// cutoff to expired, returning the ids it expired.
	ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	// CountByStatus returns the number of messages per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed message repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const messageColumns = `id, source, destination, payload, qos, priority,
		status, created_at, delivered_at`

// Append persists a newly ingested message.
func (r *SQLiteRepository) Append(ctx context.Context, msg *Message) error {
	payload := msg.Payload
	if payload == nil {
		payload = Payload{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, source, destination, payload, qos, priority,
			status, created_at, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		msg.ID,
		msg.Source,
		msg.Destination,
		string(payloadJSON),
		int(msg.QoS),
		msg.Priority,
		string(msg.Status),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(msg.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// GetByID retrieves a message by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying message by id: %w", err)
	}
	return msg, nil
}

// Transition performs a guarded status update.
func (r *SQLiteRepository) Transition(ctx context.Context, id string, to Status, deliveredAt *time.Time) error {
	priors := validTransitions[to]
	if len(priors) == 0 {
		return fmt.Errorf("%w: no path to %q", ErrInvalidTransition, to)
	}

	placeholders := make([]string, len(priors))
	args := []any{string(to), nullableTime(deliveredAt), id}
	for i, p := range priors {
		placeholders[i] = "?"
		args = append(args, string(p))
	}

	query := fmt.Sprintf(`
		UPDATE messages
		SET status = ?, delivered_at = COALESCE(?, delivered_at)
		WHERE id = ? AND status IN (%s)`,
		strings.Join(placeholders, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a lost guard from an unknown id.
		var current string
		err := r.db.QueryRowContext(ctx,
			"SELECT status FROM messages WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	return nil
}

// ListByStatus retrieves all messages in the given status in dispatch
// order.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status Status) ([]Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying messages by status: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, *msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// ExpireOlderThan moves every non-terminal message created before cutoff
// to expired.
func (r *SQLiteRepository) ExpireOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)

	// RETURNING keeps the reported ids tied to the rows this statement
	// actually moved: a message delivered concurrently fails the status
	// guard and is not reported as expired.
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages SET status = 'expired'
		WHERE status IN ('queued', 'routing') AND created_at < ?
		RETURNING id`, cutoffStr)
	if err != nil {
		return nil, fmt.Errorf("expiring messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired ids: %w", err)
	}

	return ids, nil
}

// CountByStatus returns the number of messages per status.
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM messages GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[Status(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return counts, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessageRow scans a row or rows result into a Message.
func scanMessageRow(scanner rowScanner) (*Message, error) {
	var m Message
	var payloadJSON string
	var qos int
	var status string
	var createdAt string
	var deliveredAt sql.NullString

	err := scanner.Scan(
		&m.ID,
		&m.Source,
		&m.Destination,
		&payloadJSON,
		&qos,
		&m.Priority,
		&status,
		&createdAt,
		&deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	m.QoS = QoS(qos)
	m.Status = Status(status)

	var parseErr error
	m.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}

	if deliveredAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deliveredAt.String)
		if err == nil {
			m.DeliveredAt = &t
		}
	}

	if err := json.Unmarshal([]byte(payloadJSON), &m.Payload); err != nil {
		return nil, fmt.Errorf("unmarshalling payload: %w", err)
	}

	return &m, nil
}

// nullableTime returns a sql.NullString for optional time pointers.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

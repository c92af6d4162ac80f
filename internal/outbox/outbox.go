// Package outbox implements the durable mutation queue: every write
// issued in remote mode is recorded here before it is dispatched, so a
// failed dispatch can be classified, inspected and retried.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/store"
)

// Status is an outbox item's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	StatusSent    Status = "sent"
)

// sentRetention caps how many sent items CleanupSent keeps as history.
const sentRetention = 50

// retryDelays is the exponential backoff schedule, indexed by retry count.
var retryDelays = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// Action is the mutation verb carried by an outbox op.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Op tags an outbox item with its entity and verb, e.g. "tasks.create".
func Op(entity models.EntityType, action Action) string {
	return string(entity) + "." + string(action)
}

// Item is one queued mutation.
type Item struct {
	ID            string
	Op            string
	Payload       json.RawMessage
	CreatedAt     time.Time
	RetryCount    int
	LastAttemptAt *time.Time
	LastError     string
	Status        Status
}

// updatePayload replays a partial update.
type updatePayload struct {
	ID      string         `json:"id"`
	Changes map[string]any `json:"changes"`
}

// deletePayload replays a delete.
type deletePayload struct {
	ID string `json:"id"`
}

// Queue is the durable outbox, persisted in the local store's sqlite file.
type Queue struct {
	conn *sql.DB
	now  func() time.Time
}

// NewQueue opens the outbox over the local store.
func NewQueue(st *store.Store) *Queue {
	return &Queue{conn: st.Conn(), now: time.Now}
}

func (q *Queue) millis(t time.Time) int64 { return t.UTC().UnixMilli() }

// Enqueue records a pending mutation and returns its outbox id.
func (q *Queue) Enqueue(ctx context.Context, op string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal outbox payload: %w", err)
	}
	id := uuid.NewString()
	_, err = q.conn.ExecContext(ctx, `
		INSERT INTO outbox (id, op, payload, created_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		id, op, string(data), q.millis(q.now()), string(StatusPending))
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", op, err)
	}
	return id, nil
}

// Get fetches one item by id.
func (q *Queue) Get(ctx context.Context, id string) (Item, bool, error) {
	row := q.conn.QueryRowContext(ctx, `
		SELECT id, op, payload, created_at, retry_count, last_attempt_at, last_error, status
		FROM outbox WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("get outbox item %s: %w", id, err)
	}
	return item, true, nil
}

// Items returns the whole queue in enqueue order.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	return q.itemsWhere(ctx, "")
}

// Retriable returns pending and failed items in enqueue order.
func (q *Queue) Retriable(ctx context.Context) ([]Item, error) {
	return q.itemsWhere(ctx, `WHERE status IN ('pending', 'failed')`)
}

// Pending returns pending items in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	return q.itemsWhere(ctx, `WHERE status = 'pending'`)
}

func (q *Queue) itemsWhere(ctx context.Context, where string) ([]Item, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT id, op, payload, created_at, retry_count, last_attempt_at, last_error, status
		FROM outbox `+where+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows iteration: %w", err)
	}
	return items, nil
}

// MarkSent transitions an item to sent and clears its last error.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE outbox SET status = ?, last_attempt_at = ?, last_error = NULL
		WHERE id = ?`,
		string(StatusSent), q.millis(q.now()), id)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return nil
}

// MarkRetrying keeps an item pending after a transient failure, bumping
// its retry count.
func (q *Queue) MarkRetrying(ctx context.Context, id, errMsg string) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE outbox SET status = ?, last_attempt_at = ?, last_error = ?, retry_count = retry_count + 1
		WHERE id = ?`,
		string(StatusPending), q.millis(q.now()), errMsg, id)
	if err != nil {
		return fmt.Errorf("mark retrying %s: %w", id, err)
	}
	return nil
}

// MarkFailed transitions an item to failed after a permanent rejection.
// Failed items are only retried on explicit operator action.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE outbox SET status = ?, last_attempt_at = ?, last_error = ?, retry_count = retry_count + 1
		WHERE id = ?`,
		string(StatusFailed), q.millis(q.now()), errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// Stats summarizes queue depth by status.
type Stats struct {
	Total         int
	Pending       int
	Failed        int
	Sent          int
	OldestPending *Item
	LatestFailed  *Item
}

// Stats computes queue depth and the items an operator looks at first:
// the oldest pending mutation and the most recently failed one.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.Items(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(items)}
	for i := range items {
		item := items[i]
		switch item.Status {
		case StatusPending:
			stats.Pending++
			if stats.OldestPending == nil || item.CreatedAt.Before(stats.OldestPending.CreatedAt) {
				stats.OldestPending = &items[i]
			}
		case StatusFailed:
			stats.Failed++
			if stats.LatestFailed == nil || attemptTime(item).After(attemptTime(*stats.LatestFailed)) {
				stats.LatestFailed = &items[i]
			}
		case StatusSent:
			stats.Sent++
		}
	}
	return stats, nil
}

func attemptTime(item Item) time.Time {
	if item.LastAttemptAt != nil {
		return *item.LastAttemptAt
	}
	return item.CreatedAt
}

// CleanupSent trims sent history to the newest entries; pending and
// failed items are never auto-purged.
func (q *Queue) CleanupSent(ctx context.Context) (int, error) {
	res, err := q.conn.ExecContext(ctx, `
		DELETE FROM outbox WHERE status = 'sent' AND id NOT IN (
			SELECT id FROM outbox WHERE status = 'sent'
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, sentRetention)
	if err != nil {
		return 0, fmt.Errorf("cleanup sent: %w", err)
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

// ClearAll empties the queue, including pending and failed items.
func (q *Queue) ClearAll(ctx context.Context) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}

// DueForRetry reports whether a pending item's backoff window has
// elapsed. Failed items are never due; they wait for an operator.
func DueForRetry(item Item, now time.Time) bool {
	if item.Status != StatusPending {
		return false
	}
	if item.LastAttemptAt == nil {
		return true
	}
	idx := item.RetryCount
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return now.Sub(*item.LastAttemptAt) >= retryDelays[idx]
}

func scanItem(row interface{ Scan(dest ...any) error }) (Item, error) {
	var (
		item      Item
		payload   string
		created   int64
		attempted sql.NullInt64
		lastError sql.NullString
		status    string
	)
	err := row.Scan(&item.ID, &item.Op, &payload, &created,
		&item.RetryCount, &attempted, &lastError, &status)
	if err != nil {
		return Item{}, err
	}
	item.Payload = json.RawMessage(payload)
	item.CreatedAt = time.UnixMilli(created).UTC()
	if attempted.Valid {
		t := time.UnixMilli(attempted.Int64).UTC()
		item.LastAttemptAt = &t
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	item.Status = Status(status)
	return item, nil
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool and pgx.Tx that queue operations need.
// Every operation below takes one explicitly so it can run inside a
// caller-owned transaction, or against the pool directly when db is nil.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client is a thin wrapper over the Postgres queue substrate.
type Client struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewClient(pool *pgxpool.Pool, log *slog.Logger) *Client {
	return &Client{pool: pool, log: log.With(slog.String("component", "queue_client"))}
}

func (c *Client) db(db DB) DB {
	if db != nil {
		return db
	}
	return c.pool
}

// Send inserts one message and emits a NOTIFY on the queue's channel.
func (c *Client) Send(ctx context.Context, db DB, queueName string, payload json.RawMessage, delay time.Duration) (int64, error) {
	var id int64
	err := c.db(db).QueryRow(ctx, `
		INSERT INTO queue_message (queue_name, payload, visible_at)
		VALUES ($1, $2, NOW() + $3::interval)
		RETURNING id
	`, queueName, payload, delay.String()).Scan(&id)
	if err != nil {
		return 0, &Error{Code: "SEND_FAILED", Message: "insert queue message", Err: err}
	}
	if err := c.Notify(ctx, db, queueName); err != nil {
		c.log.Warn("notify after send failed", slog.String("queue", queueName), slog.String("error", err.Error()))
	}
	return id, nil
}

// SendBatch inserts many messages in one round trip. It does not emit
// NOTIFY; callers batch one NOTIFY per chunk themselves.
func (c *Client) SendBatch(ctx context.Context, db DB, queueName string, payloads []json.RawMessage, delay time.Duration) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	rows, err := c.db(db).Query(ctx, `
		INSERT INTO queue_message (queue_name, payload, visible_at)
		SELECT $1, UNNEST($2::jsonb[]), NOW() + $3::interval
		RETURNING id
	`, queueName, payloads, delay.String())
	if err != nil {
		return nil, &Error{Code: "SEND_BATCH_FAILED", Message: "batch insert queue messages", Err: err}
	}
	defer rows.Close()

	ids := make([]int64, 0, len(payloads))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &Error{Code: "SEND_BATCH_FAILED", Message: "scan inserted id", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Notify emits a NOTIFY on the queue's channel without enqueuing anything.
func (c *Client) Notify(ctx context.Context, db DB, queueName string) error {
	_, err := c.db(db).Exec(ctx, fmt.Sprintf(`NOTIFY %s`, pgx.Identifier{NotifyChannel(queueName)}.Sanitize()))
	return err
}

// Read atomically claims up to batchSize currently-visible messages,
// bumping their visibility to now+vt and incrementing their read count.
func (c *Client) Read(ctx context.Context, db DB, queueName string, vt time.Duration, batchSize int) ([]Message, error) {
	rows, err := c.db(db).Query(ctx, `
		UPDATE queue_message
		SET visible_at = NOW() + $3::interval,
		    read_count = read_count + 1
		WHERE id IN (
			SELECT id FROM queue_message
			WHERE queue_name = $1 AND visible_at <= NOW()
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue_name, payload, enqueued_at, visible_at, read_count
	`, queueName, batchSize, vt.String())
	if err != nil {
		return nil, &Error{Code: "READ_FAILED", Message: "read queue messages", Err: err}
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.QueueName, &m.Payload, &m.EnqueuedAt, &m.VisibleAt, &m.ReadCount); err != nil {
			return nil, &Error{Code: "READ_FAILED", Message: "scan queue message", Err: err}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Delete permanently removes a message, used on successful completion and
// on business-rule failure (which bypasses the archive).
func (c *Client) Delete(ctx context.Context, db DB, queueName string, msgID int64) (bool, error) {
	tag, err := c.db(db).Exec(ctx, `DELETE FROM queue_message WHERE queue_name = $1 AND id = $2`, queueName, msgID)
	if err != nil {
		return false, &Error{Code: "DELETE_FAILED", Message: "delete queue message", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// Archive moves a message into the archive table, used on retry exhaustion
// and permanent failures so an operator can inspect and retry it.
func (c *Client) Archive(ctx context.Context, db DB, queueName string, msgID int64) (bool, error) {
	tag, err := c.db(db).Exec(ctx, `
		WITH moved AS (
			DELETE FROM queue_message
			WHERE queue_name = $1 AND id = $2
			RETURNING id, queue_name, payload, enqueued_at, read_count
		)
		INSERT INTO queue_archive (id, queue_name, payload, enqueued_at, read_count)
		SELECT id, queue_name, payload, enqueued_at, read_count FROM moved
	`, queueName, msgID)
	if err != nil {
		return false, &Error{Code: "ARCHIVE_FAILED", Message: "archive queue message", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// SetVisibility alters a message's visible_at, used both to extend a
// long-running handler's lease and to defer after a transient failure.
func (c *Client) SetVisibility(ctx context.Context, db DB, queueName string, msgID int64, d time.Duration) error {
	tag, err := c.db(db).Exec(ctx, `
		UPDATE queue_message SET visible_at = NOW() + $3::interval
		WHERE queue_name = $1 AND id = $2
	`, queueName, msgID, d.String())
	if err != nil {
		return &Error{Code: "SET_VISIBILITY_FAILED", Message: "set visibility", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFromArchive reverse-looks-up an archived message by the command_id
// field embedded in its payload, used by operator retry.
func (c *Client) GetFromArchive(ctx context.Context, db DB, queueName string, commandID string) (*ArchivedMessage, error) {
	var m ArchivedMessage
	err := c.db(db).QueryRow(ctx, `
		SELECT id, queue_name, payload, enqueued_at, read_count, archived_at
		FROM queue_archive
		WHERE queue_name = $1 AND payload->>'command_id' = $2
		ORDER BY archived_at DESC
		LIMIT 1
	`, queueName, commandID).Scan(&m.ID, &m.QueueName, &m.Payload, &m.EnqueuedAt, &m.ReadCount, &m.ArchivedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, &Error{Code: "ARCHIVE_LOOKUP_FAILED", Message: "lookup archived message", Err: err}
	}
	return &m, nil
}

// Listen acquires a dedicated connection, issues LISTEN on the queue's
// notify channel, and forwards notifications on the returned channel until
// ctx is canceled. Grounded on the teacher's Repository.ListenForNotifications:
// a buffered channel that drops notifications on a full buffer rather than
// blocking the listener goroutine, since NOTIFY only shortens idle wait and
// a missed one is recovered by the poll-interval fallback.
func (c *Client) Listen(ctx context.Context, queueName string) (<-chan struct{}, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	channel := NotifyChannel(queueName)
	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %s`, pgx.Identifier{channel}.Sanitize())); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	notifications := make(chan struct{}, 1)
	go func() {
		defer conn.Release()
		defer close(notifications)
		for {
			_, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("listen wait failed", slog.String("queue", queueName), slog.String("error", err.Error()))
				return
			}
			select {
			case notifications <- struct{}{}:
			default:
			}
		}
	}()

	return notifications, nil
}

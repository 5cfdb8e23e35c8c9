package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Enqueue appends a message inside the caller's transaction so the domain
// write and its event commit together or not at all.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Handler processes a single drained message. Returning an error leaves the
// message pending for a later attempt.
type Handler func(ctx context.Context, msg Message) error

// Worker drains pending outbox messages in batches using SKIP LOCKED so
// multiple workers can run side by side.
type Worker struct {
	pool        *pgxpool.Pool
	handler     Handler
	batchSize   int
	maxAttempts int
}

func NewWorker(pool *pgxpool.Pool, handler Handler) *Worker {
	return &Worker{
		pool:        pool,
		handler:     handler,
		batchSize:   10,
		maxAttempts: 5,
	}
}

// Drain claims up to one batch of pending messages, dispatches each through
// the handler, and marks them processed. Messages that keep failing are
// marked dead after maxAttempts. Returns the number of processed messages.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	msgs := make([]Message, 0, w.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	processed := 0
	for _, m := range msgs {
		if w.handler != nil {
			if err := w.handler(ctx, m); err != nil {
				next := "pending"
				if m.Attempts+1 >= w.maxAttempts {
					next = "dead"
				}
				if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2 WHERE id = $1`, m.ID, next); err != nil {
					return processed, fmt.Errorf("outbox: record failure: %w", err)
				}
				continue
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, m.ID); err != nil {
			return processed, fmt.Errorf("outbox: mark processed: %w", err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return processed, fmt.Errorf("outbox: commit drain: %w", err)
	}
	return processed, nil
}

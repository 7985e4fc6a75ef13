package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PGStore struct {
	pool *pgxpool.Pool
	q    queryer
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, q: pool}
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// already transactional
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&PGStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Append(ctx context.Context, e *Event) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO outbox_events(id, order_id, event_type, payload, status, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.OrderID, e.EventType, e.Payload, e.Status, e.RetryCount, e.CreatedAt)
	return err
}

// Pending claims rows with SKIP LOCKED so concurrent relays never double
// process an event. The locks only hold for the enclosing transaction, so
// callers must claim and mark inside one WithinTx. Rows dated in the future
// stay invisible until their time comes; compensation events use that as a
// grace delay.
func (s *PGStore) Pending(ctx context.Context, maxRetries, limit int) ([]Event, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, order_id, event_type, payload, status, retry_count, created_at, processed_at
		FROM outbox_events
		WHERE status='PENDING' AND retry_count < $1 AND created_at <= NOW()
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Payload, &e.Status, &e.RetryCount, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE outbox_events SET status='PROCESSED', processed_at=NOW() WHERE id=$1`, id)
	return err
}

func (s *PGStore) IncrementRetry(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE outbox_events SET retry_count=retry_count+1 WHERE id=$1`, id)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE outbox_events SET status='FAILED', processed_at=NOW() WHERE id=$1`, id)
	return err
}

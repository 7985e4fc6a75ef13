package ledger

import (
	"context"
	"errors"

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

func (s *PGStore) AccountByNumber(ctx context.Context, number string) (*Account, error) {
	var a Account
	err := s.q.QueryRow(ctx, `
		SELECT account_number, owner_name, balance
		FROM ledger_accounts WHERE account_number=$1 FOR UPDATE`, number).
		Scan(&a.Number, &a.Owner, &a.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PGStore) SaveAccount(ctx context.Context, a *Account) error {
	_, err := s.q.Exec(ctx, `UPDATE ledger_accounts SET balance=$2 WHERE account_number=$1`, a.Number, a.Balance)
	return err
}

func (s *PGStore) TransactionByRef(ctx context.Context, ref string) (*Transaction, error) {
	return s.scanTxn(ctx, `WHERE ref=$1`, ref)
}

func (s *PGStore) TransactionByID(ctx context.Context, id string) (*Transaction, error) {
	return s.scanTxn(ctx, `WHERE id=$1`, id)
}

func (s *PGStore) scanTxn(ctx context.Context, where string, arg any) (*Transaction, error) {
	var t Transaction
	err := s.q.QueryRow(ctx, `
		SELECT id, from_account, to_account, amount, type, status, ref,
		       COALESCE(error_message, ''), completed_at
		FROM ledger_transactions `+where, arg).
		Scan(&t.ID, &t.FromAccount, &t.ToAccount, &t.Amount, &t.Type, &t.Status, &t.Ref, &t.ErrorMessage, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTxnNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) InsertTransaction(ctx context.Context, t *Transaction) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO ledger_transactions(id, from_account, to_account, amount, type, status, ref, error_message, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9)`,
		t.ID, t.FromAccount, t.ToAccount, t.Amount, t.Type, t.Status, t.Ref, t.ErrorMessage, t.CompletedAt)
	return err
}

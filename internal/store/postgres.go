package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finbase/ledgercore/internal/domain"
)

// Postgres backs the ledger with a pgx connection pool. Row locks are plain
// SELECT ... FOR UPDATE; the idempotency registry rides on a unique key
// constraint.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	return &pgUnitOfWork{tx: tx}, nil
}

func (p *Postgres) CreateAccount(ctx context.Context, acct *domain.Account) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, currency, status, system, allow_overdraft, balance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		acct.ID, acct.Name, acct.Currency, string(acct.Status), acct.System, acct.AllowOverdraft, acct.Balance, acct.CreatedAt)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func (p *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(p.pool.QueryRow(ctx, accountColumns+" FROM accounts WHERE id = $1", id))
}

func (p *Postgres) SetAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	tag, err := p.pool.Exec(ctx, "UPDATE accounts SET status = $1 WHERE id = $2", string(status), id)
	if err != nil {
		return fmt.Errorf("account status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) ListEntries(ctx context.Context, accountID uuid.UUID) ([]domain.Entry, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	rows, err := p.pool.Query(ctx,
		entryColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY seq", accountID)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *Postgres) BalanceAsOf(ctx context.Context, accountID uuid.UUID, at time.Time) (decimal.Decimal, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return decimal.Zero, fmt.Errorf("account lookup failed: %w", err)
	}
	if !exists {
		return decimal.Zero, domain.ErrNotFound
	}

	var sum decimal.Decimal
	err := p.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1 AND created_at <= $2",
		accountID, at).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance summation failed: %w", err)
	}
	return sum, nil
}

func (p *Postgres) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, []domain.Entry, error) {
	var (
		txn           domain.Transaction
		status, kind  string
		sourceID      *uuid.UUID
		destinationID *uuid.UUID
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, kind, status, amount, currency, source_account_id, destination_account_id,
		        idempotency_key, COALESCE(description, ''), COALESCE(reason, ''), created_at
		 FROM transactions WHERE id = $1`, id).
		Scan(&txn.ID, &kind, &status, &txn.Amount, &txn.Currency, &sourceID, &destinationID,
			&txn.IdempotencyKey, &txn.Description, &txn.Reason, &txn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("transaction query failed: %w", err)
	}
	txn.Kind = domain.TransactionKind(kind)
	txn.Status = domain.TransactionStatus(status)
	txn.SourceID = sourceID
	txn.DestinationID = destinationID

	rows, err := p.pool.Query(ctx,
		entryColumns+" FROM ledger_entries WHERE transaction_id = $1 ORDER BY seq", id)
	if err != nil {
		return nil, nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, nil, err
	}
	return &txn, entries, nil
}

type pgUnitOfWork struct {
	tx pgx.Tx
}

func (u *pgUnitOfWork) ClaimKey(ctx context.Context, key, requestHash string) (ClaimStatus, *IdempotencyRecord, error) {
	var (
		storedHash, status string
		txID               *uuid.UUID
		outcome            []byte
	)
	err := u.tx.QueryRow(ctx,
		"SELECT request_hash, status, transaction_id, outcome FROM idempotency_keys WHERE key = $1",
		key).Scan(&storedHash, &status, &txID, &outcome)
	if err == nil {
		if status == string(domain.StatusPending) {
			return ClaimInProgress, nil, nil
		}
		rec := &IdempotencyRecord{Key: key, RequestHash: storedHash, Status: domain.TransactionStatus(status), Outcome: outcome}
		if txID != nil {
			rec.TransactionID = *txID
		}
		return ClaimResolved, rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = u.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, string(domain.StatusPending))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ClaimInProgress, nil, nil
		}
		return 0, nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return ClaimWon, nil, nil
}

func (u *pgUnitOfWork) ResolveKey(ctx context.Context, key string, txID uuid.UUID, status domain.TransactionStatus, outcome []byte) error {
	_, err := u.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = $2, transaction_id = $3, outcome = $4 WHERE key = $1",
		key, string(status), txID, outcome)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) LockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	acct, err := scanAccount(u.tx.QueryRow(ctx, accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, translateConcurrencyErr(err)
	}
	return acct, err
}

func (u *pgUnitOfWork) AddToBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	_, err := u.tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", delta, id)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", translateConcurrencyErr(err))
	}
	return nil
}

func (u *pgUnitOfWork) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := u.tx.Exec(ctx,
		`INSERT INTO transactions (id, kind, status, amount, currency, source_account_id,
		                           destination_account_id, idempotency_key, description, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, string(txn.Kind), string(txn.Status), txn.Amount, txn.Currency,
		txn.SourceID, txn.DestinationID, txn.IdempotencyKey, txn.Description, txn.Reason, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) InsertEntries(ctx context.Context, entries []domain.Entry) error {
	for _, e := range entries {
		_, err := u.tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, transaction_id, account_id, amount, currency, description, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.TransactionID, e.AccountID, e.Amount, e.Currency, e.Description, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("ledger entry insert failed: %w", err)
		}
	}
	return nil
}

func (u *pgUnitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", translateConcurrencyErr(err))
	}
	return nil
}

func (u *pgUnitOfWork) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

const accountColumns = "SELECT id, name, currency, status, system, allow_overdraft, balance, created_at"
const entryColumns = "SELECT id, transaction_id, account_id, amount, currency, COALESCE(description, ''), created_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acct   domain.Account
		status string
	)
	err := row.Scan(&acct.ID, &acct.Name, &acct.Currency, &status, &acct.System,
		&acct.AllowOverdraft, &acct.Balance, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account scan failed: %w", err)
	}
	acct.Status = domain.AccountStatus(status)
	return &acct, nil
}

func scanEntries(rows pgx.Rows) ([]domain.Entry, error) {
	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Amount, &e.Currency, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entry rows failed: %w", err)
	}
	return entries, nil
}

// translateConcurrencyErr maps serialization failures and lock timeouts onto
// the retryable conflict error so callers can distinguish them from real
// storage faults.
func translateConcurrencyErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Code)
		}
	}
	return err
}

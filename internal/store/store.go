// Package store provides the transactional persistence layer for the ledger.
// All balance and entry mutation flows through a UnitOfWork: everything
// staged inside one either commits atomically or leaves no trace.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finbase/ledgercore/internal/domain"
)

// ClaimStatus is the result of attempting to reserve an idempotency key.
type ClaimStatus int

const (
	// ClaimWon means the caller reserved the key and must resolve it.
	ClaimWon ClaimStatus = iota
	// ClaimResolved means the key already carries a terminal outcome.
	ClaimResolved
	// ClaimInProgress means another caller holds the key unresolved.
	ClaimInProgress
)

// IdempotencyRecord is the stored outcome of a previously resolved key.
type IdempotencyRecord struct {
	Key           string
	RequestHash   string
	TransactionID uuid.UUID
	Status        domain.TransactionStatus
	Outcome       []byte
}

// Store is the ledger's storage contract. Reads outside a UnitOfWork see
// committed state only.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)

	CreateAccount(ctx context.Context, acct *domain.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	SetAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error

	// ListEntries returns an account's ledger entries in append order.
	ListEntries(ctx context.Context, accountID uuid.UUID) ([]domain.Entry, error)
	// BalanceAsOf recomputes a balance by summation over entries posted up
	// to and including the given instant. Reconciliation path, not hot path.
	BalanceAsOf(ctx context.Context, accountID uuid.UUID, at time.Time) (decimal.Decimal, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, []domain.Entry, error)

	Close()
}

// UnitOfWork is one atomic unit against the store. Row locks taken via
// LockAccount are held until Commit or Rollback.
type UnitOfWork interface {
	// ClaimKey atomically reserves an idempotency key for this unit of work.
	ClaimKey(ctx context.Context, key, requestHash string) (ClaimStatus, *IdempotencyRecord, error)
	// ResolveKey stores the terminal outcome for a key claimed by this unit
	// of work. Takes effect at Commit.
	ResolveKey(ctx context.Context, key string, txID uuid.UUID, status domain.TransactionStatus, outcome []byte) error

	// LockAccount acquires an exclusive row lock and returns the current
	// account state. Returns domain.ErrNotFound for unknown accounts.
	LockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	AddToBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error

	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	InsertEntries(ctx context.Context, entries []domain.Entry) error

	Commit(ctx context.Context) error
	// Rollback releases all locks and discards staged writes. Safe to call
	// after Commit.
	Rollback(ctx context.Context) error
}

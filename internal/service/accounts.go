package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/finbase/ledgercore/internal/currency"
	"github.com/finbase/ledgercore/internal/domain"
	"github.com/finbase/ledgercore/internal/store"
)

// AccountManager is the facade for account lifecycle and read paths. All
// balance mutation goes through the Processor; this type never writes
// balances or entries.
type AccountManager struct {
	store store.Store
	log   zerolog.Logger
}

func NewAccountManager(s store.Store, log zerolog.Logger) *AccountManager {
	return &AccountManager{store: s, log: log}
}

func (m *AccountManager) CreateAccount(ctx context.Context, name, currencyCode string) (*domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: account name required", domain.ErrInvalidInput)
	}
	if _, ok := currency.Lookup(currencyCode); !ok {
		return nil, fmt.Errorf("%w: unknown currency %q", domain.ErrInvalidInput, currencyCode)
	}

	acct := &domain.Account{
		ID:        uuid.New(),
		Name:      name,
		Currency:  currencyCode,
		Status:    domain.AccountActive,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	m.log.Info().
		Str("account_id", acct.ID.String()).
		Str("currency", acct.Currency).
		Msg("account created")
	return acct, nil
}

func (m *AccountManager) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return m.store.GetAccount(ctx, id)
}

// ListEntries returns the account's ledger entries in append order.
func (m *AccountManager) ListEntries(ctx context.Context, id uuid.UUID) ([]domain.Entry, error) {
	return m.store.ListEntries(ctx, id)
}

func (m *AccountManager) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, []domain.Entry, error) {
	return m.store.GetTransaction(ctx, id)
}

// SetStatus freezes or closes an account. CLOSED is terminal and system
// clearing accounts cannot be touched; accounts are never deleted so ledger
// references stay intact.
func (m *AccountManager) SetStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	switch status {
	case domain.AccountActive, domain.AccountFrozen, domain.AccountClosed:
	default:
		return fmt.Errorf("%w: unknown account status %q", domain.ErrInvalidInput, status)
	}

	acct, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if acct.System {
		return fmt.Errorf("%w: system accounts cannot change status", domain.ErrValidation)
	}
	if acct.Status == domain.AccountClosed {
		return fmt.Errorf("%w: account is closed", domain.ErrValidation)
	}
	if err := m.store.SetAccountStatus(ctx, id, status); err != nil {
		return err
	}

	m.log.Info().
		Str("account_id", id.String()).
		Str("status", string(status)).
		Msg("account status changed")
	return nil
}

// Reconcile returns the materialized balance next to the balance recomputed
// by summing the account's ledger entries. The two must agree; the audit
// path exists to verify that, not to serve reads.
func (m *AccountManager) Reconcile(ctx context.Context, id uuid.UUID) (materialized, recomputed decimal.Decimal, err error) {
	acct, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	recomputed, err = m.store.BalanceAsOf(ctx, id, time.Now().UTC())
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return acct.Balance, recomputed, nil
}

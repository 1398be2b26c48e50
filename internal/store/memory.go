package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finbase/ledgercore/internal/domain"
)

// Memory is an in-process Store used by tests and the memory driver mode.
// Per-account mutexes stand in for row locks; staged writes are applied
// under the store mutex at commit, so readers always see a consistent
// committed snapshot.
type Memory struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*memAccount
	entries  map[uuid.UUID][]domain.Entry
	txns     map[uuid.UUID]domain.Transaction
	keys     map[string]*IdempotencyRecord
}

type memAccount struct {
	mu   sync.Mutex
	acct domain.Account
}

// NewMemory builds an empty store pre-seeded with the per-currency system
// clearing accounts.
func NewMemory() *Memory {
	m := &Memory{
		accounts: make(map[uuid.UUID]*memAccount),
		entries:  make(map[uuid.UUID][]domain.Entry),
		txns:     make(map[uuid.UUID]domain.Transaction),
		keys:     make(map[string]*IdempotencyRecord),
	}
	for code, id := range domain.ClearingAccounts() {
		m.accounts[id] = &memAccount{acct: domain.Account{
			ID:             id,
			Name:           "SYSTEM_VAULT_" + code,
			Currency:       code,
			Status:         domain.AccountActive,
			System:         true,
			AllowOverdraft: true,
			Balance:        decimal.Zero,
			CreatedAt:      time.Now().UTC(),
		}}
	}
	return m
}

func (m *Memory) Begin(ctx context.Context) (UnitOfWork, error) {
	return &memUnitOfWork{s: m, deltas: make(map[uuid.UUID]decimal.Decimal)}, nil
}

func (m *Memory) CreateAccount(ctx context.Context, acct *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	m.accounts[acct.ID] = &memAccount{acct: *acct}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ma, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	acct := ma.acct
	return &acct, nil
}

func (m *Memory) SetAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	m.mu.Lock()
	ma, ok := m.accounts[id]
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	// Row lock first, then the store mutex, same order as Commit. A status
	// change must not interleave with an in-flight unit of work holding the
	// row.
	ma.mu.Lock()
	m.mu.Lock()
	ma.acct.Status = status
	m.mu.Unlock()
	ma.mu.Unlock()
	return nil
}

func (m *Memory) ListEntries(ctx context.Context, accountID uuid.UUID) ([]domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.Entry, len(m.entries[accountID]))
	copy(out, m.entries[accountID])
	return out, nil
}

func (m *Memory) BalanceAsOf(ctx context.Context, accountID uuid.UUID, at time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	sum := decimal.Zero
	for _, e := range m.entries[accountID] {
		if !e.CreatedAt.After(at) {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, []domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	var entries []domain.Entry
	for _, list := range m.entries {
		for _, e := range list {
			if e.TransactionID == id {
				entries = append(entries, e)
			}
		}
	}
	return &txn, entries, nil
}

func (m *Memory) Close() {}

type memUnitOfWork struct {
	s       *Memory
	locked  []*memAccount
	claimed string
	resolve *IdempotencyRecord
	txns    []domain.Transaction
	entries []domain.Entry
	deltas  map[uuid.UUID]decimal.Decimal
	done    bool
}

func (u *memUnitOfWork) ClaimKey(ctx context.Context, key, requestHash string) (ClaimStatus, *IdempotencyRecord, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if rec, ok := u.s.keys[key]; ok {
		if rec.Status == domain.StatusPending {
			return ClaimInProgress, nil, nil
		}
		cp := *rec
		return ClaimResolved, &cp, nil
	}
	u.s.keys[key] = &IdempotencyRecord{Key: key, RequestHash: requestHash, Status: domain.StatusPending}
	u.claimed = key
	return ClaimWon, nil, nil
}

func (u *memUnitOfWork) ResolveKey(ctx context.Context, key string, txID uuid.UUID, status domain.TransactionStatus, outcome []byte) error {
	if key != u.claimed {
		return fmt.Errorf("key %q not claimed by this unit of work", key)
	}
	u.resolve = &IdempotencyRecord{Key: key, TransactionID: txID, Status: status, Outcome: outcome}
	return nil
}

func (u *memUnitOfWork) LockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	u.s.mu.Lock()
	ma, ok := u.s.accounts[id]
	u.s.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	ma.mu.Lock()
	u.locked = append(u.locked, ma)
	acct := ma.acct
	return &acct, nil
}

func (u *memUnitOfWork) AddToBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	u.deltas[id] = u.deltas[id].Add(delta)
	return nil
}

func (u *memUnitOfWork) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	u.txns = append(u.txns, *txn)
	return nil
}

func (u *memUnitOfWork) InsertEntries(ctx context.Context, entries []domain.Entry) error {
	u.entries = append(u.entries, entries...)
	return nil
}

func (u *memUnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return fmt.Errorf("unit of work already finished")
	}
	u.s.mu.Lock()
	for _, t := range u.txns {
		u.s.txns[t.ID] = t
	}
	for _, e := range u.entries {
		u.s.entries[e.AccountID] = append(u.s.entries[e.AccountID], e)
	}
	for id, d := range u.deltas {
		if ma, ok := u.s.accounts[id]; ok {
			ma.acct.Balance = ma.acct.Balance.Add(d)
		}
	}
	if u.resolve != nil {
		if rec, ok := u.s.keys[u.claimed]; ok {
			rec.TransactionID = u.resolve.TransactionID
			rec.Status = u.resolve.Status
			rec.Outcome = u.resolve.Outcome
		}
	}
	u.s.mu.Unlock()
	u.finish()
	return nil
}

func (u *memUnitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	if u.claimed != "" {
		u.s.mu.Lock()
		if rec, ok := u.s.keys[u.claimed]; ok && rec.Status == domain.StatusPending {
			delete(u.s.keys, u.claimed)
		}
		u.s.mu.Unlock()
	}
	u.finish()
	return nil
}

func (u *memUnitOfWork) finish() {
	for i := len(u.locked) - 1; i >= 0; i-- {
		u.locked[i].mu.Unlock()
	}
	u.locked = nil
	u.done = true
}

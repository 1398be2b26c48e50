package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/finbase/ledgercore/internal/currency"
	"github.com/finbase/ledgercore/internal/domain"
	"github.com/finbase/ledgercore/internal/store"
)

var transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_transactions_total",
	Help: "Transactions processed, labeled by kind and terminal status",
}, []string{"kind", "status"})

// errClaimBusy signals that another caller holds the idempotency slot; the
// submit loop waits and retries until the claim deadline passes.
var errClaimBusy = errors.New("idempotency slot busy")

// Request is a transaction submission. Source is absent for deposits,
// destination for withdrawals; transfers carry both.
type Request struct {
	Kind           domain.TransactionKind
	Amount         decimal.Decimal
	Currency       string
	SourceID       *uuid.UUID
	DestinationID  *uuid.UUID
	IdempotencyKey string
	Description    string
}

// Processor executes transactions as one atomic unit of work: idempotency
// claim, validation, ordered account locking, funds check, double-entry
// posting and balance update, then resolve and commit.
type Processor struct {
	store     store.Store
	log       zerolog.Logger
	claimWait time.Duration
	pollEvery time.Duration
}

func NewProcessor(s store.Store, log zerolog.Logger) *Processor {
	return &Processor{
		store:     s,
		log:       log,
		claimWait: 3 * time.Second,
		pollEvery: 20 * time.Millisecond,
	}
}

// Submit runs a transaction to a terminal outcome. Business-rule failures
// come back as a REJECTED outcome plus the matching sentinel error, and are
// recorded under the idempotency key so retries replay the same rejection.
// domain.ErrConflict is retryable and never recorded.
func (p *Processor) Submit(ctx context.Context, req Request) (*domain.Outcome, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key required", domain.ErrInvalidInput)
	}
	reqHash := hashRequest(req)

	deadline := time.Now().Add(p.claimWait)
	for {
		outcome, err := p.attempt(ctx, req, reqHash)
		if !errors.Is(err, errClaimBusy) {
			return outcome, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: idempotency key %q", domain.ErrConflict, req.IdempotencyKey)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrConflict, ctx.Err())
		case <-time.After(p.pollEvery):
		}
	}
}

func (p *Processor) attempt(ctx context.Context, req Request, reqHash string) (*domain.Outcome, error) {
	uow, err := p.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Rollback(ctx)

	// 1. Idempotency check.
	claim, rec, err := uow.ClaimKey(ctx, req.IdempotencyKey, reqHash)
	if err != nil {
		return nil, fmt.Errorf("idempotency claim: %w", err)
	}
	switch claim {
	case store.ClaimInProgress:
		return nil, errClaimBusy
	case store.ClaimResolved:
		if rec.RequestHash != reqHash {
			return nil, domain.ErrKeyReuseMismatch
		}
		var out domain.Outcome
		if err := json.Unmarshal(rec.Outcome, &out); err != nil {
			return nil, fmt.Errorf("decode recorded outcome: %w", err)
		}
		out.Replayed = true
		return &out, domain.ReasonError(out.Transaction.Reason)
	}

	txn := &domain.Transaction{
		ID:             uuid.New(),
		Kind:           req.Kind,
		Status:         domain.StatusPending,
		Amount:         req.Amount,
		Currency:       req.Currency,
		SourceID:       req.SourceID,
		DestinationID:  req.DestinationID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CreatedAt:      time.Now().UTC(),
	}

	// 2. Structural validation.
	if err := validateRequest(req); err != nil {
		return p.reject(ctx, uow, txn, domain.ReasonValidation, err)
	}

	// 3+4. Account resolution under ordered locks. Lock order is account id
	// byte order, never request order, so opposing transfers cannot deadlock.
	debitID, creditID := legs(req)
	if debitID == creditID {
		return p.reject(ctx, uow, txn, domain.ReasonValidation,
			fmt.Errorf("%w: transaction cannot target the clearing account", domain.ErrValidation))
	}
	lockOrder := []uuid.UUID{debitID, creditID}
	slices.SortFunc(lockOrder, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	accounts := make(map[uuid.UUID]*domain.Account, 2)
	for _, id := range lockOrder {
		acct, err := uow.LockAccount(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			if isSystemID(id, req.Currency) {
				return nil, fmt.Errorf("clearing account missing for %s", req.Currency)
			}
			return p.reject(ctx, uow, txn, domain.ReasonNotFound,
				fmt.Errorf("%w: %s", domain.ErrNotFound, id))
		}
		if err != nil {
			return nil, fmt.Errorf("lock account %s: %w", id, err)
		}
		accounts[id] = acct
	}

	for _, ref := range []*uuid.UUID{req.SourceID, req.DestinationID} {
		if ref == nil {
			continue
		}
		if accounts[*ref].System {
			return p.reject(ctx, uow, txn, domain.ReasonValidation,
				fmt.Errorf("%w: transactions cannot reference system accounts", domain.ErrValidation))
		}
	}

	for _, acct := range accounts {
		if acct.System {
			continue
		}
		if acct.Currency != req.Currency {
			return p.reject(ctx, uow, txn, domain.ReasonCurrencyMismatch,
				fmt.Errorf("%w: account %s holds %s, transaction in %s",
					domain.ErrCurrencyMismatch, acct.ID, acct.Currency, req.Currency))
		}
		if acct.Status != domain.AccountActive {
			return p.reject(ctx, uow, txn, domain.ReasonValidation,
				fmt.Errorf("%w: account %s is %s", domain.ErrValidation, acct.ID, acct.Status))
		}
	}

	// 5. Balance check.
	if req.Kind != domain.KindDeposit {
		src := accounts[*req.SourceID]
		if src.Balance.Sub(req.Amount).IsNegative() && !src.AllowOverdraft {
			return p.reject(ctx, uow, txn, domain.ReasonInsufficientFunds,
				fmt.Errorf("%w: account %s", domain.ErrInsufficientFunds, src.ID))
		}
	}

	// 6. Posting: two entries, additive inverses, plus materialized balances.
	entries := []domain.Entry{
		{ID: uuid.New(), TransactionID: txn.ID, AccountID: debitID, Amount: req.Amount.Neg(),
			Currency: req.Currency, Description: req.Description, CreatedAt: txn.CreatedAt},
		{ID: uuid.New(), TransactionID: txn.ID, AccountID: creditID, Amount: req.Amount,
			Currency: req.Currency, Description: req.Description, CreatedAt: txn.CreatedAt},
	}
	txn.Status = domain.StatusPosted
	if err := uow.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := uow.InsertEntries(ctx, entries); err != nil {
		return nil, err
	}
	if err := uow.AddToBalance(ctx, debitID, req.Amount.Neg()); err != nil {
		return nil, err
	}
	if err := uow.AddToBalance(ctx, creditID, req.Amount); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, 2)
	for id, acct := range accounts {
		if acct.System {
			continue
		}
		switch id {
		case debitID:
			balances[id.String()] = acct.Balance.Sub(req.Amount)
		case creditID:
			balances[id.String()] = acct.Balance.Add(req.Amount)
		}
	}

	// 7. Resolve and commit.
	outcome := &domain.Outcome{Transaction: *txn, Entries: entries, Balances: balances}
	snapshot, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	if err := uow.ResolveKey(ctx, req.IdempotencyKey, txn.ID, domain.StatusPosted, snapshot); err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	transactionsTotal.WithLabelValues(string(txn.Kind), string(txn.Status)).Inc()
	p.log.Debug().
		Str("transaction_id", txn.ID.String()).
		Str("kind", string(txn.Kind)).
		Str("amount", req.Amount.String()).
		Str("currency", req.Currency).
		Msg("transaction posted")
	return outcome, nil
}

// reject records a terminal REJECTED transaction under the idempotency key
// and commits it, so retries of the same key replay the rejection instead of
// re-running business logic.
func (p *Processor) reject(ctx context.Context, uow store.UnitOfWork, txn *domain.Transaction, reason string, cause error) (*domain.Outcome, error) {
	txn.Status = domain.StatusRejected
	txn.Reason = reason
	if err := uow.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	outcome := &domain.Outcome{Transaction: *txn}
	snapshot, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	if err := uow.ResolveKey(ctx, txn.IdempotencyKey, txn.ID, domain.StatusRejected, snapshot); err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rejection: %w", err)
	}

	transactionsTotal.WithLabelValues(string(txn.Kind), string(txn.Status)).Inc()
	p.log.Debug().
		Str("transaction_id", txn.ID.String()).
		Str("reason", reason).
		Msg("transaction rejected")
	return outcome, cause
}

func validateRequest(req Request) error {
	cur, ok := currency.Lookup(req.Currency)
	if !ok {
		return fmt.Errorf("%w: unknown currency %q", domain.ErrValidation, req.Currency)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if !cur.ValidAmount(req.Amount) {
		return fmt.Errorf("%w: amount %s is not a whole number of %s minor units",
			domain.ErrValidation, req.Amount, cur.Code)
	}

	switch req.Kind {
	case domain.KindDeposit:
		if req.DestinationID == nil || req.SourceID != nil {
			return fmt.Errorf("%w: deposit requires a destination account only", domain.ErrValidation)
		}
	case domain.KindWithdrawal:
		if req.SourceID == nil || req.DestinationID != nil {
			return fmt.Errorf("%w: withdrawal requires a source account only", domain.ErrValidation)
		}
	case domain.KindTransfer:
		if req.SourceID == nil || req.DestinationID == nil {
			return fmt.Errorf("%w: transfer requires source and destination accounts", domain.ErrValidation)
		}
		if *req.SourceID == *req.DestinationID {
			return fmt.Errorf("%w: cannot transfer to the same account", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown transaction kind %q", domain.ErrValidation, req.Kind)
	}
	return nil
}

// legs returns the debit and credit account for a request. Deposits and
// withdrawals balance against the currency's system clearing account.
func legs(req Request) (debitID, creditID uuid.UUID) {
	clearing, _ := domain.ClearingAccountID(req.Currency)
	switch req.Kind {
	case domain.KindDeposit:
		return clearing, *req.DestinationID
	case domain.KindWithdrawal:
		return *req.SourceID, clearing
	default:
		return *req.SourceID, *req.DestinationID
	}
}

func isSystemID(id uuid.UUID, currencyCode string) bool {
	clearing, ok := domain.ClearingAccountID(currencyCode)
	return ok && clearing == id
}

// hashRequest produces the payload fingerprint stored with the idempotency
// key, so key reuse with a different payload can be detected.
func hashRequest(req Request) string {
	canonical := struct {
		Kind        string  `json:"kind"`
		Amount      string  `json:"amount"`
		Currency    string  `json:"currency"`
		Source      *string `json:"source,omitempty"`
		Destination *string `json:"destination,omitempty"`
		Description string  `json:"description"`
	}{
		Kind:        string(req.Kind),
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		Description: req.Description,
	}
	if req.SourceID != nil {
		s := req.SourceID.String()
		canonical.Source = &s
	}
	if req.DestinationID != nil {
		d := req.DestinationID.String()
		canonical.Destination = &d
	}
	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

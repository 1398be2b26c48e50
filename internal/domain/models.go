package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountFrozen AccountStatus = "FROZEN"
	AccountClosed AccountStatus = "CLOSED"
)

type TransactionKind string

const (
	KindDeposit    TransactionKind = "DEPOSIT"
	KindWithdrawal TransactionKind = "WITHDRAWAL"
	KindTransfer   TransactionKind = "TRANSFER"
)

type TransactionStatus string

const (
	StatusPending  TransactionStatus = "PENDING"
	StatusPosted   TransactionStatus = "POSTED"
	StatusRejected TransactionStatus = "REJECTED"
)

// Account holds the materialized balance. The balance is mutated only by the
// transaction processor, in lock-step with ledger entry creation.
type Account struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Currency       string          `json:"currency"`
	Status         AccountStatus   `json:"status"`
	System         bool            `json:"system"`
	AllowOverdraft bool            `json:"allow_overdraft"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Transaction represents the intent to move money. Once it reaches POSTED or
// REJECTED it never transitions again.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	Kind           TransactionKind   `json:"kind"`
	Status         TransactionStatus `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	SourceID       *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationID  *uuid.UUID        `json:"destination_account_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Description    string            `json:"description,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Entry is one leg of a double-entry posting. Amounts are signed: positive
// credits the account, negative debits it. The two entries of a transaction
// always sum to zero.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Outcome is the terminal result of a submitted transaction. Replayed is set
// when the outcome was served from the idempotency registry rather than
// produced by this submission. Balances maps affected account ids to their
// post-transaction balances; system clearing accounts are omitted.
type Outcome struct {
	Transaction Transaction                `json:"transaction"`
	Entries     []Entry                    `json:"entries,omitempty"`
	Balances    map[string]decimal.Decimal `json:"balances,omitempty"`
	Replayed    bool                       `json:"-"`
}

// Balanced reports whether the entries form a valid double-entry posting:
// exactly two legs, additive inverses, same currency.
func Balanced(entries []Entry) bool {
	if len(entries) != 2 {
		return false
	}
	if entries[0].Currency != entries[1].Currency {
		return false
	}
	return entries[0].Amount.Add(entries[1].Amount).IsZero()
}

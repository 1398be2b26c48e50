package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbase/ledgercore/internal/domain"
	"github.com/finbase/ledgercore/internal/service"
)

func TestCreateAccountValidation(t *testing.T) {
	ctx := context.Background()
	_, accounts, _ := newTestLedger(t)

	_, err := accounts.CreateAccount(ctx, "", "USD")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = accounts.CreateAccount(ctx, "   ", "USD")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = accounts.CreateAccount(ctx, "alice", "DOGE")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	acct, err := accounts.CreateAccount(ctx, "  alice  ", "USD")
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.Name)
	assert.Equal(t, domain.AccountActive, acct.Status)
	assert.True(t, acct.Balance.IsZero())
}

func TestGetAccountMissing(t *testing.T) {
	_, accounts, _ := newTestLedger(t)
	_, err := accounts.GetAccount(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListEntriesAppendOrder(t *testing.T) {
	ctx := context.Background()
	_, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	for i, amount := range []string{"10.00", "20.00", "30.00"} {
		_, err := processor.Submit(ctx, service.Request{
			Kind: domain.KindDeposit, Amount: dec(amount), Currency: "USD",
			DestinationID: &a.ID, IdempotencyKey: uuid.NewString(),
		})
		require.NoError(t, err, "deposit %d", i)
	}

	entries, err := accounts.ListEntries(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Amount.Equal(dec("10.00")))
	assert.True(t, entries[1].Amount.Equal(dec("20.00")))
	assert.True(t, entries[2].Amount.Equal(dec("30.00")))

	_, err = accounts.ListEntries(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetStatusTransitions(t *testing.T) {
	ctx := context.Background()
	_, accounts, _ := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	require.NoError(t, accounts.SetStatus(ctx, a.ID, domain.AccountFrozen))
	require.NoError(t, accounts.SetStatus(ctx, a.ID, domain.AccountActive))
	require.NoError(t, accounts.SetStatus(ctx, a.ID, domain.AccountClosed))

	// CLOSED is terminal.
	err := accounts.SetStatus(ctx, a.ID, domain.AccountActive)
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = accounts.SetStatus(ctx, a.ID, "ARCHIVED")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	vault, _ := domain.ClearingAccountID("USD")
	err = accounts.SetStatus(ctx, vault, domain.AccountFrozen)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReconcileAgrees(t *testing.T) {
	ctx := context.Background()
	_, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	_, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("120.00"), Currency: "USD",
		DestinationID: &a.ID, IdempotencyKey: "rec-1",
	})
	require.NoError(t, err)
	_, err = processor.Submit(ctx, service.Request{
		Kind: domain.KindWithdrawal, Amount: dec("45.00"), Currency: "USD",
		SourceID: &a.ID, IdempotencyKey: "rec-2",
	})
	require.NoError(t, err)

	materialized, recomputed, err := accounts.Reconcile(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, materialized.Equal(dec("75.00")), "materialized %s", materialized)
	assert.True(t, materialized.Equal(recomputed), "materialized %s != recomputed %s", materialized, recomputed)
}

package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbase/ledgercore/internal/domain"
	"github.com/finbase/ledgercore/internal/service"
	"github.com/finbase/ledgercore/internal/store"
)

func newTestLedger(t *testing.T) (*store.Memory, *service.AccountManager, *service.Processor) {
	t.Helper()
	m := store.NewMemory()
	log := zerolog.Nop()
	return m, service.NewAccountManager(m, log), service.NewProcessor(m, log)
}

func mustAccount(t *testing.T, accounts *service.AccountManager, name, currency string) *domain.Account {
	t.Helper()
	acct, err := accounts.CreateAccount(context.Background(), name, currency)
	require.NoError(t, err)
	return acct
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireBalance(t *testing.T, m *store.Memory, id uuid.UUID, want string) {
	t.Helper()
	acct, err := m.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec(want)), "account %s: want balance %s, got %s", id, want, acct.Balance)
}

func TestDepositTransferWithdrawScenario(t *testing.T) {
	ctx := context.Background()
	m, accounts, processor := newTestLedger(t)

	a := mustAccount(t, accounts, "alice", "USD")
	b := mustAccount(t, accounts, "bob", "USD")

	// Deposit 500.00 to A.
	out, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("500.00"), Currency: "USD",
		DestinationID: &a.ID, IdempotencyKey: "d1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, out.Transaction.Status)
	assert.False(t, out.Replayed)
	assert.True(t, out.Balances[a.ID.String()].Equal(dec("500.00")))
	requireBalance(t, m, a.ID, "500.00")

	// Transfer 150.00 A -> B.
	out, err = processor.Submit(ctx, service.Request{
		Kind: domain.KindTransfer, Amount: dec("150.00"), Currency: "USD",
		SourceID: &a.ID, DestinationID: &b.ID, IdempotencyKey: "t1",
	})
	require.NoError(t, err)
	transferID := out.Transaction.ID
	requireBalance(t, m, a.ID, "350.00")
	requireBalance(t, m, b.ID, "150.00")

	// Resubmitting t1 replays the same transaction without side effects.
	replay, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindTransfer, Amount: dec("150.00"), Currency: "USD",
		SourceID: &a.ID, DestinationID: &b.ID, IdempotencyKey: "t1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, transferID, replay.Transaction.ID)
	requireBalance(t, m, a.ID, "350.00")
	requireBalance(t, m, b.ID, "150.00")

	// Withdrawing 1000.00 from B is rejected and leaves B untouched.
	out, err = processor.Submit(ctx, service.Request{
		Kind: domain.KindWithdrawal, Amount: dec("1000.00"), Currency: "USD",
		SourceID: &b.ID, IdempotencyKey: "w1",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, out)
	assert.Equal(t, domain.StatusRejected, out.Transaction.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, out.Transaction.Reason)
	requireBalance(t, m, b.ID, "150.00")

	// The USD clearing account carries the balancing leg of the deposit.
	vault, _ := domain.ClearingAccountID("USD")
	requireBalance(t, m, vault, "-500.00")
}

func TestDoubleEntryInvariant(t *testing.T) {
	ctx := context.Background()
	m, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")
	b := mustAccount(t, accounts, "bob", "USD")

	deposit, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("80.00"), Currency: "USD",
		DestinationID: &a.ID, IdempotencyKey: "dep",
	})
	require.NoError(t, err)
	transfer, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindTransfer, Amount: dec("30.00"), Currency: "USD",
		SourceID: &a.ID, DestinationID: &b.ID, IdempotencyKey: "tr",
	})
	require.NoError(t, err)
	withdrawal, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindWithdrawal, Amount: dec("10.00"), Currency: "USD",
		SourceID: &b.ID, IdempotencyKey: "wd",
	})
	require.NoError(t, err)

	for _, id := range []uuid.UUID{deposit.Transaction.ID, transfer.Transaction.ID, withdrawal.Transaction.ID} {
		txn, entries, err := m.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPosted, txn.Status)
		assert.True(t, domain.Balanced(entries), "transaction %s entries are not balanced", id)
	}
}

func TestRejectionRecordedUnderKey(t *testing.T) {
	ctx := context.Background()
	_, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	out, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindWithdrawal, Amount: dec("10.00"), Currency: "USD",
		SourceID: &a.ID, IdempotencyKey: "w-reject",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	rejectedID := out.Transaction.ID

	// Retrying the same key replays the recorded rejection; business logic
	// does not run again.
	replay, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindWithdrawal, Amount: dec("10.00"), Currency: "USD",
		SourceID: &a.ID, IdempotencyKey: "w-reject",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, replay.Replayed)
	assert.Equal(t, rejectedID, replay.Transaction.ID)
}

func TestValidationRejections(t *testing.T) {
	ctx := context.Background()
	m, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")
	b := mustAccount(t, accounts, "bob", "USD")
	vault, _ := domain.ClearingAccountID("USD")

	cases := []struct {
		name string
		req  service.Request
		want error
	}{
		{"zero amount", service.Request{Kind: domain.KindDeposit, Amount: dec("0"), Currency: "USD", DestinationID: &a.ID}, domain.ErrValidation},
		{"negative amount", service.Request{Kind: domain.KindDeposit, Amount: dec("-5"), Currency: "USD", DestinationID: &a.ID}, domain.ErrValidation},
		{"fractional cents", service.Request{Kind: domain.KindDeposit, Amount: dec("10.005"), Currency: "USD", DestinationID: &a.ID}, domain.ErrValidation},
		{"fractional yen", service.Request{Kind: domain.KindDeposit, Amount: dec("100.5"), Currency: "JPY", DestinationID: &a.ID}, domain.ErrValidation},
		{"unknown currency", service.Request{Kind: domain.KindDeposit, Amount: dec("10"), Currency: "XXX", DestinationID: &a.ID}, domain.ErrValidation},
		{"unknown kind", service.Request{Kind: "REFUND", Amount: dec("10"), Currency: "USD", DestinationID: &a.ID}, domain.ErrValidation},
		{"deposit with source", service.Request{Kind: domain.KindDeposit, Amount: dec("10"), Currency: "USD", SourceID: &a.ID, DestinationID: &b.ID}, domain.ErrValidation},
		{"withdrawal with destination", service.Request{Kind: domain.KindWithdrawal, Amount: dec("10"), Currency: "USD", SourceID: &a.ID, DestinationID: &b.ID}, domain.ErrValidation},
		{"transfer missing destination", service.Request{Kind: domain.KindTransfer, Amount: dec("10"), Currency: "USD", SourceID: &a.ID}, domain.ErrValidation},
		{"self transfer", service.Request{Kind: domain.KindTransfer, Amount: dec("10"), Currency: "USD", SourceID: &a.ID, DestinationID: &a.ID}, domain.ErrValidation},
		{"deposit to clearing account", service.Request{Kind: domain.KindDeposit, Amount: dec("10"), Currency: "USD", DestinationID: &vault}, domain.ErrValidation},
		{"transfer from clearing account", service.Request{Kind: domain.KindTransfer, Amount: dec("10"), Currency: "USD", SourceID: &vault, DestinationID: &a.ID}, domain.ErrValidation},
		{"unknown destination", service.Request{Kind: domain.KindDeposit, Amount: dec("10"), Currency: "USD", DestinationID: ptr(uuid.New())}, domain.ErrNotFound},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.IdempotencyKey = fmt.Sprintf("val-%d", i)
			out, err := processor.Submit(ctx, req)
			require.ErrorIs(t, err, tc.want)
			require.NotNil(t, out)
			assert.Equal(t, domain.StatusRejected, out.Transaction.Status)
		})
	}

	// None of the rejections touched a balance.
	requireBalance(t, m, a.ID, "0")
	requireBalance(t, m, b.ID, "0")
}

func ptr(id uuid.UUID) *uuid.UUID {
	return &id
}

func TestCurrencyMismatch(t *testing.T) {
	ctx := context.Background()
	_, accounts, processor := newTestLedger(t)
	eur := mustAccount(t, accounts, "claire", "EUR")
	usd := mustAccount(t, accounts, "dora", "USD")

	out, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("10.00"), Currency: "USD",
		DestinationID: &eur.ID, IdempotencyKey: "cm-1",
	})
	require.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	assert.Equal(t, domain.ReasonCurrencyMismatch, out.Transaction.Reason)

	_, err = processor.Submit(ctx, service.Request{
		Kind: domain.KindTransfer, Amount: dec("10.00"), Currency: "EUR",
		SourceID: &eur.ID, DestinationID: &usd.ID, IdempotencyKey: "cm-2",
	})
	require.ErrorIs(t, err, domain.ErrCurrencyMismatch)
}

func TestFrozenAccountRejected(t *testing.T) {
	ctx := context.Background()
	_, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")
	require.NoError(t, accounts.SetStatus(ctx, a.ID, domain.AccountFrozen))

	out, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("10.00"), Currency: "USD",
		DestinationID: &a.ID, IdempotencyKey: "frozen-1",
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.StatusRejected, out.Transaction.Status)
}

func TestOverdraftAllowedAccount(t *testing.T) {
	ctx := context.Background()
	m, _, processor := newTestLedger(t)

	acct := &domain.Account{
		ID: uuid.New(), Name: "credit-line", Currency: "USD",
		Status: domain.AccountActive, AllowOverdraft: true,
		Balance: decimal.Zero, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateAccount(ctx, acct))

	out, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindWithdrawal, Amount: dec("50.00"), Currency: "USD",
		SourceID: &acct.ID, IdempotencyKey: "od-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, out.Transaction.Status)
	requireBalance(t, m, acct.ID, "-50.00")
}

func TestKeyReuseWithMismatchedPayload(t *testing.T) {
	ctx := context.Background()
	_, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	_, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("10.00"), Currency: "USD",
		DestinationID: &a.ID, IdempotencyKey: "reuse",
	})
	require.NoError(t, err)

	_, err = processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("20.00"), Currency: "USD",
		DestinationID: &a.ID, IdempotencyKey: "reuse",
	})
	assert.ErrorIs(t, err, domain.ErrKeyReuseMismatch)
}

func TestMissingIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	_, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	_, err := processor.Submit(ctx, service.Request{
		Kind: domain.KindDeposit, Amount: dec("10.00"), Currency: "USD", DestinationID: &a.ID,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIdempotencyUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	const callers = 16
	req := service.Request{
		Kind: domain.KindDeposit, Amount: dec("25.00"), Currency: "USD",
		DestinationID: &a.ID, IdempotencyKey: "dup-1",
	}

	outcomes := make([]*domain.Outcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = processor.Submit(ctx, req)
		}(i)
	}
	wg.Wait()

	executed := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		require.NotNil(t, outcomes[i], "caller %d", i)
		assert.Equal(t, outcomes[0].Transaction.ID, outcomes[i].Transaction.ID, "caller %d got a different transaction", i)
		assert.Equal(t, domain.StatusPosted, outcomes[i].Transaction.Status)
		if !outcomes[i].Replayed {
			executed++
		}
	}
	assert.Equal(t, 1, executed, "exactly one caller should have executed the transaction")

	// Side effects happened exactly once.
	requireBalance(t, m, a.ID, "25.00")
	entries, err := m.ListEntries(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSubmissionsDuringStatusChanges(t *testing.T) {
	ctx := context.Background()
	m, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			status := domain.AccountFrozen
			if i%2 == 0 {
				status = domain.AccountActive
			}
			if err := accounts.SetStatus(ctx, a.ID, status); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Each deposit either posts or is rejected for the frozen status,
	// depending on where the flip lands; nothing else is acceptable.
	posted := 0
	for i := 0; i < 100; i++ {
		out, err := processor.Submit(ctx, service.Request{
			Kind: domain.KindDeposit, Amount: dec("1.00"), Currency: "USD",
			DestinationID: &a.ID, IdempotencyKey: fmt.Sprintf("flip-%d", i),
		})
		switch {
		case err == nil:
			posted++
		case errors.Is(err, domain.ErrValidation):
			assert.Equal(t, domain.StatusRejected, out.Transaction.Status)
		default:
			t.Fatalf("deposit %d: unexpected error %v", i, err)
		}
	}
	<-done

	acct, err := m.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.New(int64(posted), 0).Mul(dec("1.00"))),
		"balance %s does not match %d posted deposits", acct.Balance, posted)
}

func TestOpposingTransfersComplete(t *testing.T) {
	ctx := context.Background()
	m, accounts, processor := newTestLedger(t)
	a := mustAccount(t, accounts, "alice", "USD")
	b := mustAccount(t, accounts, "bob", "USD")

	for id, key := range map[uuid.UUID]string{a.ID: "fund-a", b.ID: "fund-b"} {
		target := id
		_, err := processor.Submit(ctx, service.Request{
			Kind: domain.KindDeposit, Amount: dec("1000.00"), Currency: "USD",
			DestinationID: &target, IdempotencyKey: key,
		})
		require.NoError(t, err)
	}

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	run := func(src, dst uuid.UUID, tag string) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := processor.Submit(ctx, service.Request{
				Kind: domain.KindTransfer, Amount: dec("1.00"), Currency: "USD",
				SourceID: &src, DestinationID: &dst,
				IdempotencyKey: fmt.Sprintf("%s-%d", tag, i),
			})
			assert.NoError(t, err)
		}
	}
	go run(a.ID, b.ID, "ab")
	go run(b.ID, a.ID, "ba")
	wg.Wait()

	// Equal traffic in both directions: balances end where they started, and
	// the materialized balances still agree with entry summation.
	requireBalance(t, m, a.ID, "1000.00")
	requireBalance(t, m, b.ID, "1000.00")
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		materialized, recomputed, err := accounts.Reconcile(ctx, id)
		require.NoError(t, err)
		assert.True(t, materialized.Equal(recomputed),
			"account %s: materialized %s != recomputed %s", id, materialized, recomputed)
	}
}

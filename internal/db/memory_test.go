package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, m *Memory, number, balance string) *models.Account {
	t.Helper()
	acc := &models.Account{
		ID:      uuid.New(),
		Number:  number,
		UserID:  uuid.New(),
		Type:    models.Checking,
		Balance: dec(balance),
	}
	require.NoError(t, m.CreateAccount(context.Background(), acc))
	return acc
}

func transferRecord(from, to uuid.UUID, amount, ref string) *models.Transaction {
	return &models.Transaction{
		ID:        uuid.New(),
		Reference: ref,
		Amount:    dec(amount),
		Route:     models.TransferRoute{From: from, To: to},
		Status:    models.Completed,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryCreateAndFind(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acc := seed(t, m, "1000000001", "300.00")

	byID, err := m.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000000001", byID.Number)

	byNumber, err := m.FindByNumber(ctx, "1000000001")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byNumber.ID)

	exists, err := m.NumberExists(ctx, "1000000001")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = m.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = m.FindByNumber(ctx, "9999999999")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryRejectsDuplicateNumber(t *testing.T) {
	m := NewMemory()
	seed(t, m, "1000000001", "0")

	err := m.CreateAccount(context.Background(), &models.Account{ID: uuid.New(), Number: "1000000001"})
	assert.ErrorIs(t, err, models.ErrDuplicateAccountNumber)
}

func TestMemoryRejectsNegativeOpeningBalance(t *testing.T) {
	m := NewMemory()
	err := m.CreateAccount(context.Background(), &models.Account{ID: uuid.New(), Number: "1000000001", Balance: dec("-1")})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryFindReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acc := seed(t, m, "1000000001", "10.00")

	got, err := m.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	got.Balance = dec("1000000")

	again, err := m.FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, again.Balance.Equal(dec("10.00")))
}

func TestMemoryScopeCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seed(t, m, "1000000001", "300.00")
	b := seed(t, m, "1000000002", "0")

	err := m.WithScope(ctx, []uuid.UUID{a.ID, b.ID}, func(ctx context.Context, s Scope) error {
		after, err := s.ApplyDelta(ctx, a.ID, dec("-100"))
		require.NoError(t, err)
		assert.True(t, after.Balance.Equal(dec("200")))

		// staged changes are not visible outside the scope yet
		outside, err := m.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, outside.Balance.Equal(dec("300")))

		if _, err := s.ApplyDelta(ctx, b.ID, dec("100")); err != nil {
			return err
		}
		_, err = s.Append(ctx, transferRecord(a.ID, b.ID, "100", "TX-1"))
		return err
	})
	require.NoError(t, err)

	gotA, _ := m.FindByID(ctx, a.ID)
	gotB, _ := m.FindByID(ctx, b.ID)
	assert.True(t, gotA.Balance.Equal(dec("200")))
	assert.True(t, gotB.Balance.Equal(dec("100")))

	tx, err := m.GetTransaction(ctx, "TX-1")
	require.NoError(t, err)
	assert.Equal(t, models.Transfer, tx.Type())
}

func TestMemoryScopeRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seed(t, m, "1000000001", "300.00")
	b := seed(t, m, "1000000002", "0")
	boom := errors.New("boom")

	err := m.WithScope(ctx, []uuid.UUID{a.ID, b.ID}, func(ctx context.Context, s Scope) error {
		_, err := s.ApplyDelta(ctx, a.ID, dec("-100"))
		require.NoError(t, err)
		_, err = s.ApplyDelta(ctx, b.ID, dec("100"))
		require.NoError(t, err)
		_, err = s.Append(ctx, transferRecord(a.ID, b.ID, "100", "TX-1"))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	gotA, _ := m.FindByID(ctx, a.ID)
	gotB, _ := m.FindByID(ctx, b.ID)
	assert.True(t, gotA.Balance.Equal(dec("300")))
	assert.True(t, gotB.Balance.IsZero())

	_, err = m.GetTransaction(ctx, "TX-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryApplyDeltaInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seed(t, m, "1000000001", "50.00")

	err := m.WithScope(ctx, []uuid.UUID{a.ID}, func(ctx context.Context, s Scope) error {
		_, err := s.ApplyDelta(ctx, a.ID, dec("-100"))
		return err
	})
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	var ledgerErr *models.Error
	require.ErrorAs(t, err, &ledgerErr)
	assert.True(t, ledgerErr.Available.Equal(dec("50")))

	got, _ := m.FindByID(ctx, a.ID)
	assert.True(t, got.Balance.Equal(dec("50")))
}

func TestMemoryApplyDeltaRequiresLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seed(t, m, "1000000001", "50.00")
	b := seed(t, m, "1000000002", "50.00")

	err := m.WithScope(ctx, []uuid.UUID{a.ID}, func(ctx context.Context, s Scope) error {
		_, err := s.ApplyDelta(ctx, b.ID, dec("10"))
		return err
	})
	assert.ErrorIs(t, err, models.ErrStorageFailure)
}

func TestMemoryScopeUnknownAccount(t *testing.T) {
	m := NewMemory()
	called := false
	err := m.WithScope(context.Background(), []uuid.UUID{uuid.New()}, func(ctx context.Context, s Scope) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, called)
}

func TestMemoryScopeLockTimeout(t *testing.T) {
	m := NewMemory()
	a := seed(t, m, "1000000001", "50.00")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- m.WithScope(context.Background(), []uuid.UUID{a.ID}, func(ctx context.Context, s Scope) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithScope(ctx, []uuid.UUID{a.ID}, func(ctx context.Context, s Scope) error {
		return nil
	})
	assert.ErrorIs(t, err, models.ErrOperationConflict)

	close(release)
	require.NoError(t, <-done)
}

func TestMemoryDuplicateReferenceAbortsCommit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seed(t, m, "1000000001", "300.00")
	b := seed(t, m, "1000000002", "0")

	run := func() error {
		return m.WithScope(ctx, []uuid.UUID{a.ID, b.ID}, func(ctx context.Context, s Scope) error {
			if _, err := s.ApplyDelta(ctx, a.ID, dec("-1")); err != nil {
				return err
			}
			if _, err := s.ApplyDelta(ctx, b.ID, dec("1")); err != nil {
				return err
			}
			_, err := s.Append(ctx, transferRecord(a.ID, b.ID, "1", "TX-SAME"))
			return err
		})
	}
	require.NoError(t, run())
	assert.ErrorIs(t, run(), models.ErrStorageFailure)

	got, _ := m.FindByID(ctx, a.ID)
	assert.True(t, got.Balance.Equal(dec("299")))
}

func TestMemoryHistory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seed(t, m, "1000000001", "300.00")
	b := seed(t, m, "1000000002", "0")
	c := seed(t, m, "1000000003", "0")

	refs := []string{"TX-1", "TX-2", "TX-3"}
	for _, ref := range refs {
		err := m.WithScope(ctx, []uuid.UUID{a.ID, b.ID}, func(ctx context.Context, s Scope) error {
			_, err := s.Append(ctx, transferRecord(a.ID, b.ID, "1", ref))
			return err
		})
		require.NoError(t, err)
	}
	err := m.WithScope(ctx, []uuid.UUID{c.ID}, func(ctx context.Context, s Scope) error {
		_, err := s.Append(ctx, &models.Transaction{
			ID: uuid.New(), Reference: "TX-4", Amount: dec("5"),
			Route: models.DepositRoute{To: c.ID}, Status: models.Completed,
		})
		return err
	})
	require.NoError(t, err)

	page, err := m.ListMatching(ctx, models.TransactionFilter{AccountID: &a.ID}, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "TX-3", page[0].Reference)
	assert.Equal(t, "TX-2", page[1].Reference)

	page, err = m.ListMatching(ctx, models.TransactionFilter{AccountID: &a.ID}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "TX-1", page[0].Reference)

	n, err := m.CountMatching(ctx, models.TransactionFilter{AccountID: &b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	deposit := models.Deposit
	n, err = m.CountMatching(ctx, models.TransactionFilter{Type: &deposit})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryListByUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	owner := uuid.New()

	second := &models.Account{ID: uuid.New(), Number: "1000000002", UserID: owner, Type: models.Checking, Balance: dec("5"), CreatedAt: base.Add(time.Hour)}
	first := &models.Account{ID: uuid.New(), Number: "1000000001", UserID: owner, Type: models.Checking, Balance: dec("7"), CreatedAt: base}
	require.NoError(t, m.CreateAccount(ctx, second))
	require.NoError(t, m.CreateAccount(ctx, first))
	seed(t, m, "1000000003", "9")
	require.NoError(t, m.CreateAccount(ctx, &models.Account{ID: uuid.New(), Number: "1000000004", Type: models.Checking}))

	accounts, err := m.ListByUser(ctx, owner)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, first.ID, accounts[0].ID)
	assert.Equal(t, second.ID, accounts[1].ID)

	none, err := m.ListByUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)

	// accounts without an owner are never listed
	orphans, err := m.ListByUser(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestMemoryListMatchingByUserAndType(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := seed(t, m, "1000000001", "100")
	b := seed(t, m, "1000000002", "0")
	alice, bob := uuid.New(), uuid.New()

	appendRecord := func(tx *models.Transaction, ids ...uuid.UUID) {
		err := m.WithScope(ctx, ids, func(ctx context.Context, s Scope) error {
			_, err := s.Append(ctx, tx)
			return err
		})
		require.NoError(t, err)
	}

	byAlice := transferRecord(a.ID, b.ID, "1", "TX-1")
	byAlice.UserID = alice
	appendRecord(byAlice, a.ID, b.ID)

	byBob := transferRecord(b.ID, a.ID, "1", "TX-2")
	byBob.UserID = bob
	appendRecord(byBob, a.ID, b.ID)

	appendRecord(&models.Transaction{
		ID: uuid.New(), Reference: "TX-3", Amount: dec("5"), UserID: alice,
		Route: models.DepositRoute{To: a.ID}, Status: models.Completed,
	}, a.ID)

	transfer := models.Transfer
	filter := models.TransactionFilter{UserID: &alice, Type: &transfer}
	txs, err := m.ListMatching(ctx, filter, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "TX-1", txs[0].Reference)

	txs, err = m.ListMatching(ctx, models.TransactionFilter{UserID: &alice}, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "TX-3", txs[0].Reference)

	n, err := m.CountMatching(ctx, models.TransactionFilter{UserID: &alice, AccountID: &b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

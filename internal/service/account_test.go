package service

import (
	"context"
	"testing"

	"github.com/abkawan/atomic-ledger/internal/db"
	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// racyStore never sees a taken number before insert, like a concurrent opener would.
type racyStore struct{ *db.Memory }

func (racyStore) NumberExists(ctx context.Context, number string) (bool, error) {
	return false, nil
}

func sequence(numbers ...string) func() string {
	i := 0
	return func() string {
		n := numbers[i%len(numbers)]
		i++
		return n
	}
}

func TestOpenAccount(t *testing.T) {
	store := db.NewMemory()
	svc := NewAccountService(store, zap.NewNop(), DefaultStartingBalance, 0)
	user := uuid.New()

	acc, err := svc.Open(context.Background(), user, "")
	require.NoError(t, err)

	assert.Equal(t, user, acc.UserID)
	assert.Equal(t, models.Checking, acc.Type)
	assert.True(t, models.IsAccountNumber(acc.Number))
	assert.True(t, acc.Balance.Equal(dec("300.00")))

	summary, err := svc.GetAccountSummary(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.Number, summary.Number)
	assert.True(t, summary.Balance.Equal(dec("300")))
}

func TestOpenRetriesLostNumberRace(t *testing.T) {
	mem := db.NewMemory()
	openAccount(t, mem, "1000000001", "0")

	svc := NewAccountService(racyStore{mem}, zap.NewNop(), DefaultStartingBalance, 3)
	svc.draw = sequence("1000000001", "1000000002")

	acc, err := svc.Open(context.Background(), uuid.New(), models.Checking)
	require.NoError(t, err)
	assert.Equal(t, "1000000002", acc.Number)
}

func TestOpenGivesUpAfterRetries(t *testing.T) {
	mem := db.NewMemory()
	openAccount(t, mem, "1000000001", "0")

	svc := NewAccountService(racyStore{mem}, zap.NewNop(), DefaultStartingBalance, 2)
	svc.draw = sequence("1000000001")

	_, err := svc.Open(context.Background(), uuid.New(), models.Checking)
	assert.ErrorIs(t, err, models.ErrDuplicateAccountNumber)
	assert.True(t, models.CodeOf(err).Retryable())
}

func TestOpenValidation(t *testing.T) {
	svc := NewAccountService(db.NewMemory(), zap.NewNop(), DefaultStartingBalance, 0)

	_, err := svc.Open(context.Background(), uuid.New(), "savings")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.Open(context.Background(), uuid.Nil, models.Checking)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	acc := openAccount(t, store, "1000000001", "0")
	orphan := &models.Account{ID: uuid.New(), Number: "1000000009", Type: models.Checking}
	require.NoError(t, store.CreateAccount(ctx, orphan))
	svc := NewAccountService(store, zap.NewNop(), DefaultStartingBalance, 0)

	got, err := svc.Authorize(ctx, acc.UserID, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	_, err = svc.Authorize(ctx, uuid.New(), acc.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = svc.Authorize(ctx, uuid.New(), orphan.ID)
	assert.ErrorIs(t, err, models.ErrUnassignedAccount)

	_, err = svc.Authorize(ctx, acc.UserID, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestResolveAccount(t *testing.T) {
	store := db.NewMemory()
	acc := openAccount(t, store, "1000000001", "0")
	svc := NewAccountService(store, zap.NewNop(), DefaultStartingBalance, 0)

	got, err := svc.Resolve(context.Background(), "1000000001")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
}

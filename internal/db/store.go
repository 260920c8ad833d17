package db

import (
	"bytes"
	"context"
	"sort"

	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scope is an open isolation scope. Balance changes and log appends made
// through it become visible together when the scope commits, or not at all.
type Scope interface {
	// ApplyDelta adjusts the balance of a locked account by delta and returns
	// the account as it will be after commit. A result below zero fails with
	// models.ErrInsufficientFunds and leaves the balance untouched.
	ApplyDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (*models.Account, error)

	// Append writes one immutable record and returns its reference.
	Append(ctx context.Context, tx *models.Transaction) (string, error)
}

// AccountStore is the authoritative source of account balances
type AccountStore interface {
	FindByNumber(ctx context.Context, number string) (*models.Account, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// ListByUser returns the accounts owned by userID, oldest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Account, error)
	NumberExists(ctx context.Context, number string) (bool, error)
	// CreateAccount fails with models.ErrDuplicateAccountNumber when the
	// number is already taken.
	CreateAccount(ctx context.Context, account *models.Account) error
}

// TransactionLog is the append-only history of committed movements
type TransactionLog interface {
	GetTransaction(ctx context.Context, reference string) (*models.Transaction, error)
	// ListMatching returns records selected by filter, most recent first.
	ListMatching(ctx context.Context, filter models.TransactionFilter, limit, offset int) ([]*models.Transaction, error)
	CountMatching(ctx context.Context, filter models.TransactionFilter) (int64, error)
}

// Store combines both and hands out isolation scopes
type Store interface {
	AccountStore
	TransactionLog

	// WithScope locks accountIDs in sorted order, runs fn and commits if fn
	// returns nil. Any error rolls every change back. A scope that cannot be
	// acquired or committed because of contention fails with
	// models.ErrOperationConflict.
	WithScope(ctx context.Context, accountIDs []uuid.UUID, fn func(ctx context.Context, scope Scope) error) error

	Close(ctx context.Context) error
}

// SortedIDs returns the distinct ids in byte order, the order locks are taken in.
func SortedIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Resolve finds an account by internal id or by external number.
func Resolve(ctx context.Context, store AccountStore, ref string) (*models.Account, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return store.FindByID(ctx, id)
	}
	if models.IsAccountNumber(ref) {
		return store.FindByNumber(ctx, ref)
	}
	return nil, models.Validation("malformed account reference")
}

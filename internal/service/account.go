package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/abkawan/atomic-ledger/internal/db"
	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultOpenRetries = 3

// DefaultStartingBalance is credited to every account at onboarding
var DefaultStartingBalance = decimal.RequireFromString("300.00")

// handles account operations
type AccountService struct {
	store           db.AccountStore
	log             *zap.Logger
	startingBalance decimal.Decimal
	retries         int
	draw            func() string
}

// creates a new Account Service
func NewAccountService(store db.AccountStore, log *zap.Logger, startingBalance decimal.Decimal, retries int) *AccountService {
	if retries <= 0 {
		retries = DefaultOpenRetries
	}
	return &AccountService{
		store:           store,
		log:             log,
		startingBalance: startingBalance,
		retries:         retries,
		draw:            db.DrawAccountNumber,
	}
}

// Open creates an account for userID with a fresh account number. A lost race
// on the number is retried a bounded number of times.
func (s *AccountService) Open(ctx context.Context, userID uuid.UUID, accountType models.AccountType) (*models.Account, error) {
	if accountType == "" {
		accountType = models.Checking
	}
	if accountType != models.Checking {
		return nil, models.Validation(fmt.Sprintf("unsupported account type %q", accountType))
	}
	if userID == uuid.Nil {
		return nil, models.Validation("owner is required")
	}

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		number, err := db.GenerateUniqueAccountNumber(ctx, s.store, s.draw, db.DefaultNumberDraws)
		if err != nil {
			return nil, models.StorageFailure(err)
		}

		account := &models.Account{
			ID:      uuid.New(),
			Number:  number,
			UserID:  userID,
			Type:    accountType,
			Balance: s.startingBalance,
		}
		err = s.store.CreateAccount(ctx, account)
		if err == nil {
			s.log.Info("account opened",
				zap.String("account_id", account.ID.String()),
				zap.String("user_id", userID.String()),
			)
			return account, nil
		}
		if !errors.Is(err, models.ErrDuplicateAccountNumber) {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}

		s.log.Debug("account number taken, retrying", zap.Int("attempt", attempt))
		lastErr = err
	}
	return nil, lastErr
}

// retrieves an account by ID
func (s *AccountService) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.store.FindByID(ctx, id)
}

func (s *AccountService) GetAccountSummary(ctx context.Context, id uuid.UUID) (*models.AccountSummary, error) {
	account, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := account.Summary()
	return &summary, nil
}

// Resolve finds an account by id or number.
func (s *AccountService) Resolve(ctx context.Context, ref string) (*models.Account, error) {
	return db.Resolve(ctx, s.store, ref)
}

// Authorize returns the account when userID owns it.
func (s *AccountService) Authorize(ctx context.Context, userID, accountID uuid.UUID) (*models.Account, error) {
	account, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.HasOwner() {
		return nil, models.UnassignedAccount(account.Number)
	}
	if account.UserID != userID {
		return nil, models.Forbidden("you do not own this account")
	}
	return account, nil
}

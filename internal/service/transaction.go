package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/abkawan/atomic-ledger/internal/db"
	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100

	// DashboardRecent is how many movements the dashboard shows
	DashboardRecent = 5

	// largest row offset a history query is sent to the store with
	maxOffset = math.MaxInt32

	notifyTimeout = 5 * time.Second
)

// Notifier receives balance changes after an operation has committed
type Notifier interface {
	NotifyBalanceChanged(ctx context.Context, event models.BalanceEvent) error
}

// handles transaction operations
type TransactionService struct {
	ledger   *Ledger
	store    db.Store
	notifier Notifier
	log      *zap.Logger

	pageLimit    int
	maxPageLimit int

	inflight sync.WaitGroup
}

// creates a new TransactionService. notifier may be nil.
func NewTransactionService(ledger *Ledger, store db.Store, notifier Notifier, log *zap.Logger) *TransactionService {
	return &TransactionService{
		ledger:       ledger,
		store:        store,
		notifier:     notifier,
		log:          log,
		pageLimit:    DefaultPageLimit,
		maxPageLimit: MaxPageLimit,
	}
}

// SetPageLimits overrides the default and maximum history page sizes.
func (s *TransactionService) SetPageLimits(def, maxLimit int) {
	if def > 0 {
		s.pageLimit = def
	}
	if maxLimit > 0 {
		s.maxPageLimit = maxLimit
	}
	if s.pageLimit > s.maxPageLimit {
		s.pageLimit = s.maxPageLimit
	}
}

// moves funds between two accounts owned by the system
func (s *TransactionService) Transfer(ctx context.Context, by models.Initiator, req *models.TransferRequest) (*models.Result, error) {
	return s.run(ctx, Operation{
		Type:        models.Transfer,
		SourceRef:   req.From,
		DestRef:     req.To,
		Amount:      req.Amount,
		Description: req.Description,
		InitiatedBy: by.UserID,
		OwnerOnly:   true,
		Metadata:    by.Metadata,
	})
}

// credits an account with funds from outside the system
func (s *TransactionService) Deposit(ctx context.Context, by models.Initiator, req *models.DepositRequest) (*models.Result, error) {
	return s.run(ctx, Operation{
		Type:        models.Deposit,
		DestRef:     req.To,
		Amount:      req.Amount,
		Description: req.Description,
		InitiatedBy: by.UserID,
		Metadata:    by.Metadata,
	})
}

// debits an account for funds leaving the system
func (s *TransactionService) Withdraw(ctx context.Context, by models.Initiator, req *models.WithdrawalRequest) (*models.Result, error) {
	return s.run(ctx, Operation{
		Type:        models.Withdrawal,
		SourceRef:   req.From,
		Amount:      req.Amount,
		Description: req.Description,
		InitiatedBy: by.UserID,
		OwnerOnly:   true,
		Metadata:    by.Metadata,
	})
}

func (s *TransactionService) run(ctx context.Context, op Operation) (*models.Result, error) {
	result, err := s.ledger.Execute(ctx, op)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, result)
	return result, nil
}

// notify emits one event per changed account without waiting for delivery.
func (s *TransactionService) notify(ctx context.Context, result *models.Result) {
	if s.notifier == nil {
		return
	}
	for _, change := range result.Changes {
		event := models.BalanceEvent{
			UserID:         change.UserID,
			AccountID:      change.AccountID,
			NewBalance:     change.NewBalance,
			TransactionRef: result.TransactionRef,
			At:             result.Timestamp,
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			defer cancel()

			if err := s.notifier.NotifyBalanceChanged(nctx, event); err != nil {
				s.log.Warn("balance notification failed",
					zap.String("reference", event.TransactionRef),
					zap.String("account_id", event.AccountID.String()),
					zap.Error(err),
				)
			}
		}()
	}
}

// Wait blocks until notifications already started have finished.
func (s *TransactionService) Wait() {
	s.inflight.Wait()
}

// retrieves a transaction by reference. Only the initiator or an owner of a
// touched account can see it.
func (s *TransactionService) GetTransaction(ctx context.Context, userID uuid.UUID, reference string) (*models.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.UserID == userID {
		return tx, nil
	}

	src, dst := tx.Columns()
	for _, id := range []*uuid.UUID{src, dst} {
		if id == nil {
			continue
		}
		acc, err := s.store.FindByID(ctx, *id)
		if err != nil {
			continue
		}
		if acc.UserID == userID {
			return tx, nil
		}
	}
	return nil, models.NotFound("transaction not found")
}

// HistoryQuery selects a user's own transactions. Type and AccountID are optional.
type HistoryQuery struct {
	Type      *models.TransactionType
	AccountID *uuid.UUID
	Page      int
	Limit     int
}

// ListTransactionsForAccount returns one page of the account's history, most
// recent first. page starts at 1.
func (s *TransactionService) ListTransactionsForAccount(ctx context.Context, accountID uuid.UUID, page, limit int) (*models.TransactionPage, error) {
	filter := models.TransactionFilter{AccountID: &accountID}
	return s.listPage(ctx, filter, accountSet(accountID), page, limit)
}

// ListTransactionsForUser returns one page of the transactions userID
// initiated, optionally narrowed to one type and one account.
func (s *TransactionService) ListTransactionsForUser(ctx context.Context, userID uuid.UUID, q HistoryQuery) (*models.TransactionPage, error) {
	filter := models.TransactionFilter{UserID: &userID, Type: q.Type, AccountID: q.AccountID}

	var mine map[uuid.UUID]struct{}
	if q.AccountID != nil {
		mine = accountSet(*q.AccountID)
	} else {
		accounts, err := s.store.ListByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get accounts: %w", err)
		}
		mine = accountSet(accountIDs(accounts)...)
	}
	return s.listPage(ctx, filter, mine, q.Page, q.Limit)
}

// Dashboard summarizes the accounts of userID with their latest movements.
func (s *TransactionService) Dashboard(ctx context.Context, userID uuid.UUID) (*models.Dashboard, error) {
	accounts, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	dash := &models.Dashboard{
		Accounts:           make([]models.AccountSummary, 0, len(accounts)),
		RecentTransactions: []models.TransactionSummary{},
		Stats: models.DashboardStats{
			TotalBalance:  decimal.Zero,
			AccountsCount: len(accounts),
		},
	}
	for _, acc := range accounts {
		dash.Accounts = append(dash.Accounts, acc.Summary())
		dash.Stats.TotalBalance = dash.Stats.TotalBalance.Add(acc.Balance)
	}

	// a transfer between two own accounts is listed under both
	seen := map[string]struct{}{}
	var recent []*models.Transaction
	for _, acc := range accounts {
		txs, err := s.store.ListMatching(ctx, models.TransactionFilter{AccountID: &acc.ID}, DashboardRecent, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get transactions: %w", err)
		}
		for _, tx := range txs {
			if _, ok := seen[tx.Reference]; ok {
				continue
			}
			seen[tx.Reference] = struct{}{}
			recent = append(recent, tx)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		if !recent[i].CreatedAt.Equal(recent[j].CreatedAt) {
			return recent[i].CreatedAt.After(recent[j].CreatedAt)
		}
		return recent[i].Reference > recent[j].Reference
	})
	if len(recent) > DashboardRecent {
		recent = recent[:DashboardRecent]
	}

	mine := accountSet(accountIDs(accounts)...)
	numbers := map[uuid.UUID]string{}
	for _, tx := range recent {
		dash.RecentTransactions = append(dash.RecentTransactions, s.summarize(ctx, numbers, tx, mine))
	}
	return dash, nil
}

// window clamps page and limit and returns the offset. ok is false when the
// page lies beyond any offset a store can serve.
func (s *TransactionService) window(page, limit int) (int, int, int, bool) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = s.pageLimit
	}
	if limit > s.maxPageLimit {
		limit = s.maxPageLimit
	}
	if page-1 > maxOffset/limit {
		return page, limit, 0, false
	}
	return page, limit, (page - 1) * limit, true
}

func (s *TransactionService) listPage(ctx context.Context, filter models.TransactionFilter, mine map[uuid.UUID]struct{}, page, limit int) (*models.TransactionPage, error) {
	page, limit, offset, ok := s.window(page, limit)

	total, err := s.store.CountMatching(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	result := &models.TransactionPage{
		Items: []models.TransactionSummary{},
		Total: total,
		Page:  page,
		Limit: limit,
	}
	if !ok || int64(offset) >= total {
		return result, nil
	}

	txs, err := s.store.ListMatching(ctx, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	numbers := map[uuid.UUID]string{}
	for _, tx := range txs {
		result.Items = append(result.Items, s.summarize(ctx, numbers, tx, mine))
	}
	return result, nil
}

// summarize shows tx from the side of the accounts in mine: a debit when it
// left one of them, with the last digits of the other account.
func (s *TransactionService) summarize(ctx context.Context, numbers map[uuid.UUID]string, tx *models.Transaction, mine map[uuid.UUID]struct{}) models.TransactionSummary {
	item := models.TransactionSummary{
		ID:          tx.ID,
		Reference:   tx.Reference,
		Type:        tx.Type(),
		Direction:   "credit",
		Amount:      tx.Amount,
		Status:      tx.Status,
		Description: tx.Description,
		Date:        tx.CreatedAt,
	}

	other, hasOther := tx.Route.Destination()
	src, hasSrc := tx.Route.Source()
	if _, own := mine[src]; hasSrc && own {
		item.Direction = "debit"
	} else {
		other, hasOther = src, hasSrc
	}
	if hasOther {
		item.Counterparty = s.lastDigits(ctx, numbers, other)
	}
	return item
}

func (s *TransactionService) lastDigits(ctx context.Context, cache map[uuid.UUID]string, id uuid.UUID) string {
	if digits, ok := cache[id]; ok {
		return digits
	}
	var digits string
	if acc, err := s.store.FindByID(ctx, id); err == nil {
		digits = acc.Last4()
	}
	cache[id] = digits
	return digits
}

func accountSet(ids ...uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func accountIDs(accounts []*models.Account) []uuid.UUID {
	ids := make([]uuid.UUID, len(accounts))
	for i, acc := range accounts {
		ids[i] = acc.ID
	}
	return ids
}

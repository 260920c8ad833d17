package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory keeps accounts and the transaction log in process. Every account has
// its own lock; a scope holds the locks of the accounts it touches and
// publishes its staged changes in one step on commit.
type Memory struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*models.Account
	numbers  map[string]uuid.UUID
	txs      []*models.Transaction
	refs     map[string]int

	locksMu sync.Mutex
	locks   map[uuid.UUID]chan struct{}

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[uuid.UUID]*models.Account),
		numbers:  make(map[string]uuid.UUID),
		refs:     make(map[string]int),
		locks:    make(map[uuid.UUID]chan struct{}),
		now:      time.Now,
	}
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}

func (m *Memory) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.Balance.IsNegative() {
		return models.Validation("initial balance cannot be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.numbers[account.Number]; ok {
		return models.DuplicateAccountNumber(fmt.Errorf("number %s already exists", account.Number))
	}
	if _, ok := m.accounts[account.ID]; ok {
		return models.StorageFailure(fmt.Errorf("account %s already exists", account.ID))
	}

	now := m.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	stored := *account
	m.accounts[account.ID] = &stored
	m.numbers[account.Number] = account.ID
	return nil
}

func (m *Memory) FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, models.NotFound("account not found")
	}
	out := *acc
	return &out, nil
}

func (m *Memory) FindByNumber(ctx context.Context, number string) (*models.Account, error) {
	m.mu.RLock()
	id, ok := m.numbers[number]
	m.mu.RUnlock()
	if !ok {
		return nil, models.NotFound("account not found")
	}
	return m.FindByID(ctx, id)
}

func (m *Memory) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Account
	for _, acc := range m.accounts {
		if acc.UserID != userID || !acc.HasOwner() {
			continue
		}
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *Memory) NumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.numbers[number]
	return ok, nil
}

func (m *Memory) GetTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.refs[reference]
	if !ok {
		return nil, models.NotFound("transaction not found")
	}
	out := *m.txs[i]
	return &out, nil
}

func (m *Memory) ListMatching(ctx context.Context, filter models.TransactionFilter, limit, offset int) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Transaction, 0, limit)
	skipped := 0
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.txs[i]
		if !filter.Matches(tx) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CountMatching(ctx context.Context, filter models.TransactionFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, tx := range m.txs {
		if filter.Matches(tx) {
			n++
		}
	}
	return n, nil
}

// TotalBalance sums every account balance.
func (m *Memory) TotalBalance() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, acc := range m.accounts {
		total = total.Add(acc.Balance)
	}
	return total
}

func (m *Memory) lockFor(id uuid.UUID) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	ch, ok := m.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[id] = ch
	}
	return ch
}

func (m *Memory) WithScope(ctx context.Context, accountIDs []uuid.UUID, fn func(ctx context.Context, scope Scope) error) error {
	ids := SortedIDs(accountIDs)

	held := make([]chan struct{}, 0, len(ids))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}()

	for _, id := range ids {
		if _, err := m.FindByID(ctx, id); err != nil {
			return err
		}
		ch := m.lockFor(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			return models.OperationConflict(ctx.Err())
		}
	}

	scope := &memoryScope{
		store:    m,
		locked:   make(map[uuid.UUID]struct{}, len(ids)),
		balances: make(map[uuid.UUID]decimal.Decimal, len(ids)),
	}
	for _, id := range ids {
		scope.locked[id] = struct{}{}
	}

	if err := fn(ctx, scope); err != nil {
		return err
	}
	return m.commit(scope)
}

func (m *Memory) commit(s *memoryScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range s.appended {
		if _, ok := m.refs[tx.Reference]; ok {
			return models.StorageFailure(fmt.Errorf("duplicate transaction reference %s", tx.Reference))
		}
	}

	now := m.now()
	for id, balance := range s.balances {
		acc := m.accounts[id]
		acc.Balance = balance
		acc.UpdatedAt = now
	}
	for _, tx := range s.appended {
		m.refs[tx.Reference] = len(m.txs)
		m.txs = append(m.txs, tx)
	}
	return nil
}

type memoryScope struct {
	store    *Memory
	locked   map[uuid.UUID]struct{}
	balances map[uuid.UUID]decimal.Decimal
	appended []*models.Transaction
}

func (s *memoryScope) ApplyDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (*models.Account, error) {
	if _, ok := s.locked[accountID]; !ok {
		return nil, models.StorageFailure(fmt.Errorf("account %s is not locked by this scope", accountID))
	}

	acc, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	current, ok := s.balances[accountID]
	if !ok {
		current = acc.Balance
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return nil, models.InsufficientFunds(current)
	}
	s.balances[accountID] = next

	acc.Balance = next
	return acc, nil
}

func (s *memoryScope) Append(ctx context.Context, tx *models.Transaction) (string, error) {
	if tx.Reference == "" {
		return "", models.StorageFailure(fmt.Errorf("transaction reference is required"))
	}
	cp := *tx
	s.appended = append(s.appended, &cp)
	return tx.Reference, nil
}

var _ Store = (*Memory)(nil)

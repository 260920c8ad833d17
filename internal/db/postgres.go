package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Postgres.go handles PostgreSQL database operations
type Postgres struct {
	db          *sql.DB
	log         *zap.Logger
	lockTimeout time.Duration
}

// creates a new Postgres instance. Row lock waits are bounded well inside
// scopeTimeout so a contended scope fails on the server's lock timeout.
func NewPostgres(connStr string, scopeTimeout time.Duration, log *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{db: db, log: log, lockTimeout: lockTimeoutFor(scopeTimeout)}, nil
}

// lockTimeoutFor returns the lock_timeout used inside a scope bounded by scopeTimeout.
func lockTimeoutFor(scopeTimeout time.Duration) time.Duration {
	if scopeTimeout <= 0 {
		return 0
	}
	return scopeTimeout / 2
}

// closes the database connection
func (p *Postgres) Close(ctx context.Context) error {
	return p.db.Close()
}

// initialize the database schema
func (p *Postgres) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		number VARCHAR(10) NOT NULL,
		user_id UUID,
		type VARCHAR(20) NOT NULL,
		balance DECIMAL(20, 2) NOT NULL CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT accounts_number_key UNIQUE (number)
	);
	CREATE INDEX IF NOT EXISTS accounts_user_id_idx ON accounts (user_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		reference VARCHAR(40) NOT NULL UNIQUE,
		type VARCHAR(20) NOT NULL,
		amount DECIMAL(20, 2) NOT NULL CHECK (amount > 0),
		status VARCHAR(20) NOT NULL,
		source_account_id UUID REFERENCES accounts (id),
		destination_account_id UUID REFERENCES accounts (id),
		user_id UUID NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		device TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS transactions_source_idx ON transactions (source_account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS transactions_destination_idx ON transactions (destination_account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, created_at DESC);`

	_, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const accountColumns = `id, number, user_id, type, balance, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		account models.Account
		userID  uuid.NullUUID
	)
	err := row.Scan(&account.ID, &account.Number, &userID, &account.Type,
		&account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound("account not found")
		}
		return nil, classifyPostgres(err)
	}
	if userID.Valid {
		account.UserID = userID.UUID
	}
	return &account, nil
}

// creates a new account
func (p *Postgres) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.Balance.IsNegative() {
		return models.Validation("initial balance cannot be negative")
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := `
	INSERT INTO accounts (id, number, user_id, type, balance, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	userID := uuid.NullUUID{UUID: account.UserID, Valid: account.HasOwner()}
	_, err := p.db.ExecContext(ctx, query, account.ID, account.Number, userID,
		account.Type, account.Balance, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", classifyPostgres(err))
	}
	return nil
}

// retrieves an account by ID
func (p *Postgres) FindByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *Postgres) FindByNumber(ctx context.Context, number string) (*models.Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE number = $1`, number)
	return scanAccount(row)
}

// retrieves the accounts of a user
func (p *Postgres) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Account, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at, number`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find accounts: %w", classifyPostgres(err))
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return accounts, nil
}

func (p *Postgres) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE number = $1)`, number).Scan(&exists)
	if err != nil {
		return false, classifyPostgres(err)
	}
	return exists, nil
}

// WithScope runs fn in a READ COMMITTED transaction holding row locks on every
// involved account. Locks are taken in id order by a single ordered query.
func (p *Postgres) WithScope(ctx context.Context, accountIDs []uuid.UUID, fn func(ctx context.Context, scope Scope) error) error {
	ids := SortedIDs(accountIDs)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyPostgres(fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.log.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	// 0ms would disable the timeout, the context deadline still bounds the wait
	if ms := p.lockTimeout.Milliseconds(); ms > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return classifyPostgres(err)
		}
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM accounts WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, pq.Array(keys))
	if err != nil {
		return classifyPostgres(err)
	}
	locked := make(map[uuid.UUID]struct{}, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return classifyPostgres(err)
		}
		locked[id] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return classifyPostgres(err)
	}
	rows.Close()
	if len(locked) != len(ids) {
		return models.NotFound("account not found")
	}

	if err = fn(ctx, &postgresScope{tx: tx, locked: locked}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return classifyPostgres(fmt.Errorf("failed to commit transaction: %w", err))
	}
	committed = true
	return nil
}

type postgresScope struct {
	tx     *sql.Tx
	locked map[uuid.UUID]struct{}
}

// updates the account balance
func (s *postgresScope) ApplyDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (*models.Account, error) {
	if _, ok := s.locked[accountID]; !ok {
		return nil, models.StorageFailure(fmt.Errorf("account %s is not locked by this scope", accountID))
	}

	var current decimal.Decimal
	err := s.tx.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound("account not found")
		}
		return nil, classifyPostgres(err)
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return nil, models.InsufficientFunds(current)
	}

	row := s.tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3 RETURNING `+accountColumns,
		next, time.Now().UTC(), accountID)
	return scanAccount(row)
}

func (s *postgresScope) Append(ctx context.Context, t *models.Transaction) (string, error) {
	src, dst := t.Columns()
	query := `
	INSERT INTO transactions (id, reference, type, amount, status, source_account_id,
		destination_account_id, user_id, description, ip_address, device, location, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.tx.ExecContext(ctx, query, t.ID, t.Reference, t.Type(), t.Amount, t.Status,
		nullUUID(src), nullUUID(dst), t.UserID, t.Description,
		t.Metadata.IPAddress, t.Metadata.Device, t.Metadata.Location, t.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to append transaction: %w", classifyPostgres(err))
	}
	return t.Reference, nil
}

const transactionColumns = `id, reference, type, amount, status, source_account_id,
	destination_account_id, user_id, description, ip_address, device, location, created_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t        models.Transaction
		typ      models.TransactionType
		src, dst uuid.NullUUID
	)
	err := row.Scan(&t.ID, &t.Reference, &typ, &t.Amount, &t.Status, &src, &dst, &t.UserID,
		&t.Description, &t.Metadata.IPAddress, &t.Metadata.Device, &t.Metadata.Location, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NotFound("transaction not found")
		}
		return nil, classifyPostgres(err)
	}
	t.Route, err = models.NewRoute(typ, uuidPtr(src), uuidPtr(dst))
	if err != nil {
		return nil, models.StorageFailure(fmt.Errorf("transaction %s: %w", t.Reference, err))
	}
	return &t, nil
}

func (p *Postgres) GetTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
	return scanTransaction(row)
}

// filterClause turns a filter into a WHERE clause and its arguments.
func filterClause(filter models.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.AccountID != nil {
		args = append(args, *filter.AccountID)
		n := len(args)
		conds = append(conds, fmt.Sprintf("(source_account_id = $%d OR destination_account_id = $%d)", n, n))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, " AND "), args
}

// retrieves transactions matching filter
func (p *Postgres) ListMatching(ctx context.Context, filter models.TransactionFilter, limit, offset int) ([]*models.Transaction, error) {
	where, args := filterClause(filter)
	n := len(args)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, reference DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find transactions: %w", classifyPostgres(err))
	}
	defer rows.Close()

	txs := make([]*models.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return txs, nil
}

func (p *Postgres) CountMatching(ctx context.Context, filter models.TransactionFilter) (int64, error) {
	where, args := filterClause(filter)

	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&n); err != nil {
		return 0, classifyPostgres(err)
	}
	return n, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

// classifyPostgres maps driver failures onto the ledger error taxonomy.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *models.Error
	if errors.As(err, &ledgerErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.OperationConflict(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			if pqErr.Constraint == "accounts_number_key" {
				return models.DuplicateAccountNumber(err)
			}
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return models.OperationConflict(err)
		case "57014": // query_canceled, sent by lib/pq when the context expires
			return models.OperationConflict(err)
		case "23514": // check_violation
			return &models.Error{Code: models.CodeInsufficientFunds, Message: "insufficient funds", Err: err}
		}
	}
	return models.StorageFailure(err)
}

var _ Store = (*Postgres)(nil)

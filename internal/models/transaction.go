package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	// Transfer moves funds between two accounts of the system
	Transfer TransactionType = "transfer"

	// Deposit credits an account with funds from outside the system
	Deposit TransactionType = "deposit"

	// Withdrawal debits an account with funds leaving the system
	Withdrawal TransactionType = "withdrawal"

	Payment TransactionType = "payment"
	Fee     TransactionType = "fee"
)

// ParseTransactionType accepts the name of a known transaction type.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(s); t {
	case Transfer, Deposit, Withdrawal, Payment, Fee:
		return t, nil
	default:
		return "", Validation(fmt.Sprintf("unknown transaction type %q", s))
	}
}

type TransactionStatus string

const (
	// Pending indicates the transaction is in processing state.
	Pending TransactionStatus = "pending"

	// Completed indicates the transaction successfully processed
	Completed TransactionStatus = "completed"

	// Failed indicates the transaction failed to process
	Failed TransactionStatus = "failed"

	// Reversed indicates a completed transaction was undone by a later one
	Reversed TransactionStatus = "reversed"
)

// Route is the set of accounts a transaction touched. Each implementation
// carries exactly the references its type requires.
type Route interface {
	Type() TransactionType
	Source() (uuid.UUID, bool)
	Destination() (uuid.UUID, bool)
}

type TransferRoute struct {
	From uuid.UUID
	To   uuid.UUID
}

func (r TransferRoute) Type() TransactionType          { return Transfer }
func (r TransferRoute) Source() (uuid.UUID, bool)      { return r.From, true }
func (r TransferRoute) Destination() (uuid.UUID, bool) { return r.To, true }

type DepositRoute struct {
	To uuid.UUID
}

func (r DepositRoute) Type() TransactionType          { return Deposit }
func (r DepositRoute) Source() (uuid.UUID, bool)      { return uuid.Nil, false }
func (r DepositRoute) Destination() (uuid.UUID, bool) { return r.To, true }

// DebitRoute covers the source-only types: withdrawal, payment and fee.
type DebitRoute struct {
	Kind TransactionType
	From uuid.UUID
}

func (r DebitRoute) Type() TransactionType          { return r.Kind }
func (r DebitRoute) Source() (uuid.UUID, bool)      { return r.From, true }
func (r DebitRoute) Destination() (uuid.UUID, bool) { return uuid.Nil, false }

// NewRoute rebuilds a route from flat storage columns and rejects shapes that
// do not match the transaction type.
func NewRoute(t TransactionType, source, destination *uuid.UUID) (Route, error) {
	switch t {
	case Transfer:
		if source == nil || destination == nil {
			return nil, fmt.Errorf("transfer requires source and destination")
		}
		return TransferRoute{From: *source, To: *destination}, nil
	case Deposit:
		if source != nil || destination == nil {
			return nil, fmt.Errorf("deposit requires destination only")
		}
		return DepositRoute{To: *destination}, nil
	case Withdrawal, Payment, Fee:
		if source == nil || destination != nil {
			return nil, fmt.Errorf("%s requires source only", t)
		}
		return DebitRoute{Kind: t, From: *source}, nil
	default:
		return nil, fmt.Errorf("unknown transaction type %q", t)
	}
}

// Metadata describes where a request came from
type Metadata struct {
	IPAddress string `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	Device    string `json:"device,omitempty" bson:"device,omitempty"`
	Location  string `json:"location,omitempty" bson:"location,omitempty"`
}

// Transaction is an immutable record of one completed monetary movement
type Transaction struct {
	ID          uuid.UUID
	Reference   string
	Amount      decimal.Decimal
	Route       Route
	Status      TransactionStatus
	UserID      uuid.UUID
	Description string
	Metadata    Metadata
	CreatedAt   time.Time
}

func (t *Transaction) Type() TransactionType {
	return t.Route.Type()
}

// Touches reports whether accountID is the source or destination.
func (t *Transaction) Touches(accountID uuid.UUID) bool {
	if id, ok := t.Route.Source(); ok && id == accountID {
		return true
	}
	if id, ok := t.Route.Destination(); ok && id == accountID {
		return true
	}
	return false
}

// Columns flattens the route for storage.
func (t *Transaction) Columns() (source, destination *uuid.UUID) {
	if id, ok := t.Route.Source(); ok {
		source = &id
	}
	if id, ok := t.Route.Destination(); ok {
		destination = &id
	}
	return source, destination
}

type transactionJSON struct {
	ID                   uuid.UUID         `json:"id"`
	Reference            string            `json:"reference"`
	Type                 TransactionType   `json:"type"`
	Amount               decimal.Decimal   `json:"amount"`
	Status               TransactionStatus `json:"status"`
	SourceAccountID      *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationAccountID *uuid.UUID        `json:"destination_account_id,omitempty"`
	UserID               uuid.UUID         `json:"user_id"`
	Description          string            `json:"description"`
	Metadata             *Metadata         `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	src, dst := t.Columns()
	out := transactionJSON{
		ID:                   t.ID,
		Reference:            t.Reference,
		Type:                 t.Type(),
		Amount:               t.Amount,
		Status:               t.Status,
		SourceAccountID:      src,
		DestinationAccountID: dst,
		UserID:               t.UserID,
		Description:          t.Description,
		CreatedAt:            t.CreatedAt,
	}
	if t.Metadata != (Metadata{}) {
		out.Metadata = &t.Metadata
	}
	return json.Marshal(out)
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var in transactionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	route, err := NewRoute(in.Type, in.SourceAccountID, in.DestinationAccountID)
	if err != nil {
		return err
	}
	*t = Transaction{
		ID:          in.ID,
		Reference:   in.Reference,
		Amount:      in.Amount,
		Route:       route,
		Status:      in.Status,
		UserID:      in.UserID,
		Description: in.Description,
		CreatedAt:   in.CreatedAt,
	}
	if in.Metadata != nil {
		t.Metadata = *in.Metadata
	}
	return nil
}

// TransactionFilter selects records for counting and listing
type TransactionFilter struct {
	AccountID *uuid.UUID
	UserID    *uuid.UUID
	Type      *TransactionType
}

// Matches applies the filter in memory.
func (f TransactionFilter) Matches(t *Transaction) bool {
	if f.AccountID != nil && !t.Touches(*f.AccountID) {
		return false
	}
	if f.UserID != nil && t.UserID != *f.UserID {
		return false
	}
	if f.Type != nil && t.Type() != *f.Type {
		return false
	}
	return true
}

// TransactionSummary is the paginated history item shown to users
type TransactionSummary struct {
	ID          uuid.UUID         `json:"id"`
	Reference   string            `json:"reference"`
	Type        TransactionType   `json:"type"`
	Direction   string            `json:"direction"`
	Amount      decimal.Decimal   `json:"amount"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
	Date        time.Time         `json:"date"`

	// Counterparty is the last four digits of the other account, if any
	Counterparty string `json:"counterparty,omitempty"`
}

// TransactionPage is one page of an account's history
type TransactionPage struct {
	Items []TransactionSummary `json:"items"`
	Total int64                `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

// DashboardStats totals the accounts of one user
type DashboardStats struct {
	TotalBalance  decimal.Decimal `json:"total_balance"`
	AccountsCount int             `json:"accounts_count"`
}

// Dashboard is a user's overview: their accounts and latest movements
type Dashboard struct {
	Accounts           []AccountSummary     `json:"accounts"`
	RecentTransactions []TransactionSummary `json:"recent_transactions"`
	Stats              DashboardStats       `json:"stats"`
}

// BalanceChange is the post-commit balance of one affected account
type BalanceChange struct {
	AccountID  uuid.UUID       `json:"account_id"`
	UserID     uuid.UUID       `json:"user_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// Balances reports post-commit balances in the result of an operation
type Balances struct {
	Source      *decimal.Decimal `json:"source,omitempty"`
	Destination *decimal.Decimal `json:"destination,omitempty"`
}

// Result is returned for a committed operation
type Result struct {
	Status         TransactionStatus `json:"status"`
	TransactionRef string            `json:"transaction_ref"`
	Transaction    *Transaction      `json:"-"`
	Balances       Balances          `json:"balances"`
	Timestamp      time.Time         `json:"timestamp"`
	Changes        []BalanceChange   `json:"-"`
}

// BalanceEvent is published once per affected account after commit
type BalanceEvent struct {
	UserID         uuid.UUID       `json:"user_id"`
	AccountID      uuid.UUID       `json:"account_id"`
	NewBalance     decimal.Decimal `json:"new_balance"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	At             time.Time       `json:"at"`
}

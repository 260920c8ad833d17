package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	// Checking is the only account variant opened at onboarding
	Checking AccountType = "checking"
)

// AccountNumberLength is the number of digits in an external account number
const AccountNumberLength = 10

// Account is a balance-holding entity. Balance only changes through a ledger scope.
type Account struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Number    string          `json:"number" db:"number"`
	UserID    uuid.UUID       `json:"user_id" db:"user_id"`
	Type      AccountType     `json:"type" db:"type"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// HasOwner reports whether a user is on record for the account.
func (a *Account) HasOwner() bool {
	return a.UserID != uuid.Nil
}

// Last4 returns the trailing digits shown to users in place of the full number.
func (a *Account) Last4() string {
	return LastDigits(a.Number)
}

// LastDigits returns the last four characters of an account number.
func LastDigits(number string) string {
	if len(number) <= 4 {
		return number
	}
	return number[len(number)-4:]
}

// IsAccountNumber reports whether s has the shape of an external account number.
func IsAccountNumber(s string) bool {
	if len(s) != AccountNumberLength {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type OpenAccountRequest struct {
	Type AccountType `json:"type,omitempty"`
}

// AccountSummary is the outward view of an account
type AccountSummary struct {
	ID        uuid.UUID       `json:"id"`
	Number    string          `json:"number"`
	Balance   decimal.Decimal `json:"balance"`
	Type      AccountType     `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *Account) Summary() AccountSummary {
	return AccountSummary{
		ID:        a.ID,
		Number:    a.Number,
		Balance:   a.Balance,
		Type:      a.Type,
		CreatedAt: a.CreatedAt,
	}
}

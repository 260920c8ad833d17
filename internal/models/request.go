package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// represents the request to move funds between two accounts
type TransferRequest struct {
	From        string          `json:"from_account"`
	To          string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// represents the request to credit an account with external funds
type DepositRequest struct {
	To          string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// represents the request to debit an account for funds leaving the system
type WithdrawalRequest struct {
	From        string          `json:"from_account"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// Initiator is the authenticated caller of an operation
type Initiator struct {
	UserID   uuid.UUID
	Metadata Metadata
}

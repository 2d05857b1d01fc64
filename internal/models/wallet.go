package models

import (
	"time"
)

// Direction of a ledger entry relative to the wallet balance
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Ledger entry types
const (
	EntryTypePurchase = "PURCHASE"
	EntryTypeDeposit  = "DEPOSIT"
	EntryTypeRefund   = "REFUND"
)

// Wallet holds one balance per account, in the smallest currency unit
type Wallet struct {
	AccountID string    `json:"account_id" db:"account_id"`
	Balance   int64     `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable before/after record of one balance change
type LedgerEntry struct {
	TransactionCode string    `json:"transaction_code" db:"transaction_code"`
	AccountID       string    `json:"account_id" db:"account_id"`
	Direction       Direction `json:"direction" db:"direction"`
	Amount          int64     `json:"amount" db:"amount"`
	BalanceBefore   int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter    int64     `json:"balance_after" db:"balance_after"`
	Type            string    `json:"type" db:"type"`
	Reference       string    `json:"reference,omitempty" db:"reference"` // provider transaction id
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Delta returns the signed balance change of the entry
func (e *LedgerEntry) Delta() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementType classifies a cash movement against an account.
type MovementType string

const (
	MovementDeposit    MovementType = "DEPOSIT"
	MovementWithdrawal MovementType = "WITHDRAWAL"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// Valid reports whether t is one of the known movement types.
func (t MovementType) Valid() bool {
	switch t {
	case MovementDeposit, MovementWithdrawal, MovementAdjustment:
		return true
	}
	return false
}

// LedgerEntry is a single immutable cash movement record for an account.
// Entries are write-once: nothing in the system mutates or deletes one after
// it has been committed. Amount holds the magnitude for deposits and
// withdrawals and the signed value for adjustments; Signed() gives the value
// as it applies to the balance.
type LedgerEntry struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	UserID      string          `json:"user_id"`
	Type        MovementType    `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Date        time.Time       `json:"date"`
}

// Signed returns the entry's effect on the account balance.
func (e LedgerEntry) Signed() decimal.Decimal {
	switch e.Type {
	case MovementDeposit:
		return e.Amount.Abs()
	case MovementWithdrawal:
		return e.Amount.Abs().Neg()
	default:
		return e.Amount
	}
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Movement represents an intent to move cash against an account before it is
// committed as a LedgerEntry.
type Movement struct {
	Type        MovementType
	Amount      decimal.Decimal
	Description string
	Date        time.Time
}

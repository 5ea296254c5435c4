package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// MovementRecorded is published after a cash movement has been committed to
// an account's ledger.
type MovementRecorded struct {
	EntryID    string          `json:"entry_id"`
	AccountID  string          `json:"account_id"`
	UserID     string          `json:"user_id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// WorkspaceCreated is published after a new workspace account has been
// provisioned, explicitly or by default provisioning on first login.
type WorkspaceCreated struct {
	AccountID  string          `json:"account_id"`
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	OccurredAt time.Time       `json:"occurred_at"`
}

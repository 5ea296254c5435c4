package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role of a member inside a workspace account.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleMember Role = "MEMBER"
)

// Member is one user's membership record inside an Account.
type Member struct {
	UID      string    `json:"uid"`
	Email    string    `json:"email"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Account is a tenant-scoped workspace: membership plus a cash balance.
// Balance is derived state, cached on the document; it is only ever written
// inside a store transaction together with the ledger entry that moves it.
type Account struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	OwnerID        string            `json:"owner_id"`
	Members        map[string]Member `json:"members"`
	Balance        decimal.Decimal   `json:"balance"`
	InitialBalance decimal.Decimal   `json:"initial_balance"`
	Currency       string            `json:"currency"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HasMember reports whether uid appears in the account's member map.
func (a *Account) HasMember(uid string) bool {
	_, ok := a.Members[uid]
	return ok
}

// Clone returns a deep copy so callers can mutate freely without aliasing
// store-held state.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Members = make(map[string]Member, len(a.Members))
	for k, v := range a.Members {
		cp.Members[k] = v
	}
	return &cp
}

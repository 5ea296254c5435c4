package models

// UserProfile is the per-user pointer document: which workspaces the user has
// joined and which one is currently active.
type UserProfile struct {
	UID              string   `json:"uid"`
	Email            string   `json:"email"`
	ActiveAccountID  string   `json:"active_account_id"`
	JoinedAccountIDs []string `json:"joined_account_ids"`
}

// HasJoined reports whether accountID is in the joined set.
func (p *UserProfile) HasJoined(accountID string) bool {
	for _, id := range p.JoinedAccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// Join appends accountID to the joined set, preserving order and uniqueness.
func (p *UserProfile) Join(accountID string) {
	if !p.HasJoined(accountID) {
		p.JoinedAccountIDs = append(p.JoinedAccountIDs, accountID)
	}
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	cp := *p
	cp.JoinedAccountIDs = append([]string(nil), p.JoinedAccountIDs...)
	return &cp
}

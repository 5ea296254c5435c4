package interfaces

import "github.com/tradervault/workspace-core/internal/models"

// EventKind tags a change-feed delivery.
type EventKind string

const (
	EventProfileUpdated EventKind = "profile_updated"
	EventAccountUpdated EventKind = "account_updated"
	// EventSettled is delivered once per subscription when the initial
	// state (possibly absent) has been loaded, or when the subscription
	// failed and will deliver nothing further. It is what lets consumers
	// distinguish "still loading" from "loaded, no data".
	EventSettled EventKind = "settled"
)

// Event is one change-feed delivery. Exactly one of Profile / Account is set
// for update kinds. Err is set only on a settled-with-error delivery.
type Event struct {
	Kind    EventKind
	Profile *models.UserProfile
	Account *models.Account
	Err     error
}

// ChangeFeed is the optional real-time capability of a Store. Delivery is
// at-least-once and monotonic per individual watched document; there is no
// ordering guarantee across documents or across subscriptions. The returned
// cancel func releases the subscription and closes the channel; it is safe
// to call more than once.
type ChangeFeed interface {
	WatchProfile(uid string) (<-chan Event, func())
	WatchAccounts(ids []string) (<-chan Event, func())
}

package interfaces

import (
	"context"

	"github.com/tradervault/workspace-core/internal/models"
)

// BatchLimit is the maximum number of ids a single batched account query may
// carry, mirroring the backing store's "id in set" query cap.
const BatchLimit = 30

// Tx is the view of the store inside one atomic transaction. Reads performed
// through a Tx participate in conflict detection: if any document read here
// changes before the transaction commits, the whole transaction function is
// re-executed against a fresh snapshot.
type Tx interface {
	GetAccount(id string) (*models.Account, error)
	PutAccount(a *models.Account) error
	GetProfile(uid string) (*models.UserProfile, error)
	PutProfile(p *models.UserProfile) error
	AppendEntry(e models.LedgerEntry) error
}

// Store is the document-store abstraction the workspace and ledger
// components are written against. Implementations must make RunTx atomic:
// either every write inside fn commits, or none does. RunTx retries fn on
// read-write conflicts up to an implementation-bounded attempt count and
// returns an error wrapping apperrors.ErrPersistence when exhausted.
type Store interface {
	RunTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, id string) (*models.Account, error)
	// AccountsByIDs resolves one batch of ids (len <= BatchLimit). Ids that
	// do not resolve are omitted from the result, never an error.
	AccountsByIDs(ctx context.Context, ids []string) ([]*models.Account, error)
	GetProfile(ctx context.Context, uid string) (*models.UserProfile, error)
	// EntriesByAccount returns the account's ledger ordered by date
	// descending.
	EntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error)
}

package accounts

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/models"
	"github.com/tradervault/workspace-core/internal/models/events"
)

// DefaultWorkspaceName is used when provisioning a first workspace for a
// user who has none.
const DefaultWorkspaceName = "Default Workspace"

// DefaultCurrency applies when a caller does not specify one.
const DefaultCurrency = "USD"

// Store provisions workspace accounts and maintains the user->account
// membership pointers. All multi-document writes go through a single store
// transaction: an account and its owner's profile update commit together or
// not at all.
type Store struct {
	store interfaces.Store
	pub   interfaces.EventPublisher
	log   zerolog.Logger
}

func New(store interfaces.Store, pub interfaces.EventPublisher, log zerolog.Logger) *Store {
	return &Store{
		store: store,
		pub:   pub,
		log:   log.With().Str("component", "accounts").Logger(),
	}
}

// Create provisions a new workspace owned by ownerID. The account document
// and the owner's profile update (join + set active) are committed in one
// transaction; partial provisioning is never observable.
func (s *Store) Create(ctx context.Context, ownerID, ownerEmail, name string, initialBalance decimal.Decimal, currency string) (*models.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.Validation("name", "must not be empty")
	}
	if currency == "" {
		currency = DefaultCurrency
	}

	account := newAccount(ownerID, ownerEmail, name, initialBalance, currency)

	err := s.store.RunTx(ctx, func(tx interfaces.Tx) error {
		return provisionInTx(tx, account, ownerEmail)
	})
	if err != nil {
		return nil, err
	}

	s.publishCreated(ctx, account)
	return account, nil
}

// ProvisionDefault guarantees the user has at least one workspace. The
// profile read and the conditional create run inside one transaction, so two
// racing first-logins serialize: the loser re-reads a profile that already
// carries a workspace and backs off without creating a second one.
func (s *Store) ProvisionDefault(ctx context.Context, userID, email string) (*models.Account, bool, error) {
	var (
		account *models.Account
		created bool
	)
	err := s.store.RunTx(ctx, func(tx interfaces.Tx) error {
		account, created = nil, false

		profile, err := tx.GetProfile(userID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if profile != nil && len(profile.JoinedAccountIDs) > 0 {
			existing, err := tx.GetAccount(profile.JoinedAccountIDs[0])
			if err != nil {
				return err
			}
			account = existing
			return nil
		}

		account = newAccount(userID, email, DefaultWorkspaceName, decimal.Zero, DefaultCurrency)
		created = true
		return provisionInTx(tx, account, email)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishCreated(ctx, account)
	} else {
		s.log.Debug().Str("uid", userID).Msg("default workspace already provisioned")
	}
	return account, created, nil
}

// SwitchAccount updates only the user's active-workspace pointer. Membership
// validation is deliberately left to callers; the session layer refuses a
// switch to a workspace the user has not joined.
func (s *Store) SwitchAccount(ctx context.Context, userID, accountID string) error {
	return s.store.RunTx(ctx, func(tx interfaces.Tx) error {
		profile, err := tx.GetProfile(userID)
		if err != nil {
			return err
		}
		profile.ActiveAccountID = accountID
		return tx.PutProfile(profile)
	})
}

// ListAccounts resolves a set of account ids: de-duplicated, partitioned
// into batches of at most interfaces.BatchLimit, one concurrent query per
// batch. Ids that fail to resolve are logged and omitted. The result is
// ordered by CreatedAt ascending, ties broken by id, regardless of batch
// ordering.
func (s *Store) ListAccounts(ctx context.Context, ids []string) ([]*models.Account, error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		merged   []*models.Account
		firstErr error
		wg       sync.WaitGroup
	)
	for _, batch := range partition(unique, interfaces.BatchLimit) {
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			accounts, err := s.store.AccountsByIDs(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			merged = append(merged, accounts...)
		}(batch)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	if missing := len(unique) - len(merged); missing > 0 {
		s.log.Warn().Int("missing", missing).Msg("some account ids did not resolve")
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged, nil
}

// ListAccountsForUser resolves every account the user has joined, per the
// user's profile pointers.
func (s *Store) ListAccountsForUser(ctx context.Context, uid string) ([]*models.Account, error) {
	profile, err := s.store.GetProfile(ctx, uid)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ListAccounts(ctx, profile.JoinedAccountIDs)
}

func newAccount(ownerID, ownerEmail, name string, initialBalance decimal.Decimal, currency string) *models.Account {
	now := time.Now().UTC()
	return &models.Account{
		ID:      uuid.NewString(),
		Name:    name,
		OwnerID: ownerID,
		Members: map[string]models.Member{
			ownerID: {
				UID:      ownerID,
				Email:    ownerEmail,
				Role:     models.RoleOwner,
				JoinedAt: now,
			},
		},
		Balance:        initialBalance,
		InitialBalance: initialBalance,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// provisionInTx writes the account and the owner's profile inside the
// caller's transaction.
func provisionInTx(tx interfaces.Tx, account *models.Account, ownerEmail string) error {
	if err := tx.PutAccount(account); err != nil {
		return err
	}
	profile, err := tx.GetProfile(account.OwnerID)
	if errors.Is(err, apperrors.ErrNotFound) {
		profile = &models.UserProfile{UID: account.OwnerID, Email: ownerEmail}
	} else if err != nil {
		return err
	}
	profile.Join(account.ID)
	profile.ActiveAccountID = account.ID
	return tx.PutProfile(profile)
}

func (s *Store) publishCreated(ctx context.Context, a *models.Account) {
	ev := events.WorkspaceCreated{
		AccountID:  a.ID,
		OwnerID:    a.OwnerID,
		Name:       a.Name,
		Currency:   a.Currency,
		Balance:    a.Balance,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.pub.Publish(ctx, "workspace_created", ev); err != nil {
		s.log.Warn().Err(err).Str("account_id", a.ID).Msg("publish workspace_created failed")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func partition(ids []string, size int) [][]string {
	var batches [][]string
	for len(ids) > size {
		batches = append(batches, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		batches = append(batches, ids)
	}
	return batches
}

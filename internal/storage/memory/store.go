package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/models"
)

// maxTxAttempts bounds how often RunTx re-executes a transaction function
// after a read-write conflict before giving up with ErrPersistence.
const maxTxAttempts = 64

// subscriberBuffer sizes each subscription's delivery channel. A consumer
// that lags past it does not lose state: undelivered events are coalesced
// per document, keeping the newest version queued.
const subscriberBuffer = 32

// Store is an in-memory implementation of interfaces.Store with optimistic
// concurrency control and change-feed support. Every document carries a
// revision counter; a transaction records the revision of everything it
// reads and commits only if none of those revisions moved in the meantime,
// otherwise the whole transaction function is re-run against fresh state.
// That retry loop is what serializes concurrent movements on one account.
type Store struct {
	mu sync.Mutex

	accounts map[string]*models.Account
	profiles map[string]*models.UserProfile
	entries  map[string][]models.LedgerEntry

	accountRevs map[string]uint64
	profileRevs map[string]uint64

	accountSubs map[string]map[*subscriber]struct{}
	profileSubs map[string]map[*subscriber]struct{}

	log zerolog.Logger
}

// New creates an empty in-memory store.
func New(log zerolog.Logger) *Store {
	return &Store{
		accounts:    make(map[string]*models.Account),
		profiles:    make(map[string]*models.UserProfile),
		entries:     make(map[string][]models.LedgerEntry),
		accountRevs: make(map[string]uint64),
		profileRevs: make(map[string]uint64),
		accountSubs: make(map[string]map[*subscriber]struct{}),
		profileSubs: make(map[string]map[*subscriber]struct{}),
		log:         log.With().Str("component", "memstore").Logger(),
	}
}

// tx implements interfaces.Tx. It records the revision of every document it
// reads and stages writes locally; nothing is visible to other readers until
// commit.
type tx struct {
	s *Store

	accountReads map[string]uint64
	profileReads map[string]uint64

	stagedAccounts map[string]*models.Account
	stagedProfiles map[string]*models.UserProfile
	stagedEntries  []models.LedgerEntry
}

func (t *tx) GetAccount(id string) (*models.Account, error) {
	if staged, ok := t.stagedAccounts[id]; ok {
		return staged.Clone(), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.accountReads[id] = t.s.accountRevs[id]
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, apperrors.ErrNotFound)
	}
	return a.Clone(), nil
}

func (t *tx) PutAccount(a *models.Account) error {
	t.stagedAccounts[a.ID] = a.Clone()
	return nil
}

func (t *tx) GetProfile(uid string) (*models.UserProfile, error) {
	if staged, ok := t.stagedProfiles[uid]; ok {
		return staged.Clone(), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.profileReads[uid] = t.s.profileRevs[uid]
	p, ok := t.s.profiles[uid]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", uid, apperrors.ErrNotFound)
	}
	return p.Clone(), nil
}

func (t *tx) PutProfile(p *models.UserProfile) error {
	t.stagedProfiles[p.UID] = p.Clone()
	return nil
}

func (t *tx) AppendEntry(e models.LedgerEntry) error {
	t.stagedEntries = append(t.stagedEntries, e)
	return nil
}

// errConflict signals that a commit raced a concurrent writer and the
// transaction should be re-run. Never escapes RunTx.
var errConflict = fmt.Errorf("transaction conflict")

// RunTx executes fn atomically, re-running it on conflict until it commits
// or maxTxAttempts is exhausted.
func (s *Store) RunTx(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &tx{
			s:              s,
			accountReads:   make(map[string]uint64),
			profileReads:   make(map[string]uint64),
			stagedAccounts: make(map[string]*models.Account),
			stagedProfiles: make(map[string]*models.UserProfile),
		}
		if err := fn(t); err != nil {
			return err
		}
		err := s.commit(t)
		if err == nil {
			return nil
		}
		if err != errConflict {
			return err
		}
		s.log.Debug().Int("attempt", attempt).Msg("transaction conflict, retrying")
		// linear backoff keeps heavily contended accounts converging
		time.Sleep(time.Duration(attempt) * 100 * time.Microsecond)
	}
	return fmt.Errorf("transaction conflict after %d attempts: %w", maxTxAttempts, apperrors.ErrPersistence)
}

// commit validates the read set and applies staged writes atomically,
// queueing an event on every subscription of every changed document.
func (s *Store) commit(t *tx) error {
	s.mu.Lock()

	for id, rev := range t.accountReads {
		if s.accountRevs[id] != rev {
			s.mu.Unlock()
			return errConflict
		}
	}
	for uid, rev := range t.profileReads {
		if s.profileRevs[uid] != rev {
			s.mu.Unlock()
			return errConflict
		}
	}

	// enqueue is non-blocking, so notification happens under s.mu; that
	// keeps subscriber queues in commit order per document.
	for id, a := range t.stagedAccounts {
		s.accounts[id] = a
		s.accountRevs[id]++
		ev := interfaces.Event{Kind: interfaces.EventAccountUpdated, Account: a.Clone()}
		for sub := range s.accountSubs[id] {
			sub.enqueue(ev)
		}
	}
	for uid, p := range t.stagedProfiles {
		s.profiles[uid] = p
		s.profileRevs[uid]++
		ev := interfaces.Event{Kind: interfaces.EventProfileUpdated, Profile: p.Clone()}
		for sub := range s.profileSubs[uid] {
			sub.enqueue(ev)
		}
	}
	for _, e := range t.stagedEntries {
		s.entries[e.AccountID] = append(s.entries[e.AccountID], e)
	}

	s.mu.Unlock()
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, apperrors.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Store) AccountsByIDs(ctx context.Context, ids []string) ([]*models.Account, error) {
	if len(ids) > interfaces.BatchLimit {
		return nil, apperrors.Validation("ids", fmt.Sprintf("batch of %d exceeds limit %d", len(ids), interfaces.BatchLimit))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Account, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetProfile(ctx context.Context, uid string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[uid]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", uid, apperrors.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]models.LedgerEntry(nil), s.entries[accountID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date)
	})
	return entries, nil
}

var (
	_ interfaces.Store      = (*Store)(nil)
	_ interfaces.ChangeFeed = (*Store)(nil)
)

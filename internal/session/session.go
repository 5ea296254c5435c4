package session

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradervault/workspace-core/internal/accounts"
	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/auth"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/models"
	"github.com/tradervault/workspace-core/internal/realtime"
)

// State of a workspace session.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateResolving       State = "RESOLVING"
	StateReady           State = "READY"
	StateEmpty           State = "EMPTY"
	StateClosed          State = "CLOSED"
)

// Snapshot is an observer's view of the session at one instant.
type Snapshot struct {
	State         State
	UID           string
	ActiveAccount *models.Account
	Accounts      []*models.Account
}

// registry slot for the batched account subscription; the profile slot is
// realtime.ProfileKey(uid).
const accountsSlot = "accounts"

// Session is the per-user workspace state machine. It consumes the identity
// provider's auth-state stream, resolves (or provisions) the user's
// workspaces through the account store, and keeps itself current via the
// store's change feed. All subscription lifecycles go through a
// realtime.Registry so no listener survives the context that opened it.
type Session struct {
	accounts *accounts.Store
	feed     interfaces.ChangeFeed
	reg      *realtime.Registry
	log      zerolog.Logger

	mu           sync.Mutex
	state        State
	gen          int // auth generation; stale callbacks no-op
	uid          string
	email        string
	profile      *models.UserProfile
	accountsByID map[string]*models.Account
	pendingByID  map[string]*models.Account // accumulates until the batch settles
	accountsSig  string
	activeID     string
	provisioned  bool
	onChange     func(Snapshot)
	unsubAuth    func()
}

// New builds a session and attaches it to the identity provider's stream.
func New(store *accounts.Store, feed interfaces.ChangeFeed, provider auth.Provider, log zerolog.Logger, onChange func(Snapshot)) *Session {
	s := &Session{
		accounts: store,
		feed:     feed,
		reg:      realtime.NewRegistry(),
		log:      log.With().Str("component", "session").Logger(),
		state:    StateUnauthenticated,
		onChange: onChange,
	}
	s.unsubAuth = provider.Subscribe(s.HandleAuthEvent)
	return s
}

// HandleAuthEvent advances the machine on every identity-provider event.
// Any prior user's subscriptions are torn down before the new resolve
// starts; a nil event is a logout and closes the session. One exception: a
// nil event arriving before any login, as the provider replays its current
// (absent) state on subscribe, leaves the session Unauthenticated and still
// able to accept a first login rather than closing it unused.
func (s *Session) HandleAuthEvent(st *auth.State) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.profile = nil
	s.accountsByID = nil
	s.pendingByID = nil
	s.accountsSig = ""
	s.activeID = ""
	s.provisioned = false

	if st == nil {
		if s.uid == "" {
			// never authenticated; stay quiet
			s.mu.Unlock()
			s.reg.DropAll()
			return
		}
		s.state = StateClosed
		s.uid = ""
		s.email = ""
		s.mu.Unlock()
		s.reg.DropAll()
		s.notify()
		return
	}

	s.state = StateResolving
	s.uid = st.UID
	s.email = st.Email
	uid := st.UID
	s.mu.Unlock()

	s.reg.DropAll()
	s.reg.Set(realtime.ProfileKey(uid), func() func() {
		ch, cancel := s.feed.WatchProfile(uid)
		go s.pumpProfile(gen, ch)
		return cancel
	})
	s.notify()
}

// pumpProfile consumes one profile subscription for the generation that
// opened it.
func (s *Session) pumpProfile(gen int, ch <-chan interfaces.Event) {
	for ev := range ch {
		switch ev.Kind {
		case interfaces.EventProfileUpdated:
			s.onProfile(gen, ev.Profile)
		case interfaces.EventSettled:
			if ev.Err != nil {
				s.settleStopped(gen, ev.Err)
				continue
			}
			// settled with no profile ever delivered: brand-new user
			s.mu.Lock()
			missing := s.gen == gen && s.profile == nil
			s.mu.Unlock()
			if missing {
				s.maybeProvision(gen)
			}
		}
	}
}

// onProfile reacts to a profile document change: provision when the user has
// no workspaces, otherwise (re)open the batched account subscription.
func (s *Session) onProfile(gen int, p *models.UserProfile) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.profile = p

	if len(p.JoinedAccountIDs) == 0 {
		s.mu.Unlock()
		s.maybeProvision(gen)
		return
	}

	ids := p.JoinedAccountIDs
	if len(ids) > interfaces.BatchLimit {
		ids = ids[:interfaces.BatchLimit]
	}
	sig := realtime.AccountsKey(ids)
	if sig == s.accountsSig {
		// same dependency; just recompute the active pointer
		s.recomputeActiveLocked()
		s.mu.Unlock()
		s.notify()
		return
	}
	s.accountsSig = sig
	s.pendingByID = make(map[string]*models.Account, len(ids))
	watch := append([]string(nil), ids...)
	s.mu.Unlock()

	s.reg.Set(accountsSlot, func() func() {
		s.mu.Lock()
		stale := s.gen != gen
		s.mu.Unlock()
		if stale {
			return func() {}
		}
		ch, cancel := s.feed.WatchAccounts(watch)
		go s.pumpAccounts(gen, ch)
		return cancel
	})
}

func (s *Session) pumpAccounts(gen int, ch <-chan interfaces.Event) {
	for ev := range ch {
		switch ev.Kind {
		case interfaces.EventAccountUpdated:
			s.onAccount(gen, ev.Account)
		case interfaces.EventSettled:
			if ev.Err != nil {
				s.settleStopped(gen, ev.Err)
				continue
			}
			s.onAccountsSettled(gen)
		}
	}
}

func (s *Session) onAccount(gen int, a *models.Account) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.pendingByID != nil {
		// initial batch still loading
		s.pendingByID[a.ID] = a
		s.mu.Unlock()
		return
	}
	if s.accountsByID == nil {
		s.accountsByID = make(map[string]*models.Account)
	}
	s.accountsByID[a.ID] = a
	s.recomputeActiveLocked()
	s.mu.Unlock()
	s.notify()
}

// onAccountsSettled promotes the accumulated batch and transitions to Ready
// (or Empty when nothing resolved).
func (s *Session) onAccountsSettled(gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.pendingByID != nil {
		s.accountsByID = s.pendingByID
		s.pendingByID = nil
	}
	if len(s.accountsByID) == 0 {
		s.state = StateEmpty
		s.activeID = ""
		s.mu.Unlock()
		s.notify()
		return
	}
	s.recomputeActiveLocked()
	s.state = StateReady
	s.mu.Unlock()
	s.notify()
}

// recomputeActiveLocked resolves the active workspace: the profile's pointer
// when it is among the fetched accounts, otherwise the deterministic
// fallback of earliest CreatedAt with id as tie-break.
func (s *Session) recomputeActiveLocked() {
	if s.profile != nil {
		if _, ok := s.accountsByID[s.profile.ActiveAccountID]; ok {
			s.activeID = s.profile.ActiveAccountID
			return
		}
	}
	var fallback *models.Account
	for _, a := range s.accountsByID {
		if fallback == nil ||
			a.CreatedAt.Before(fallback.CreatedAt) ||
			(a.CreatedAt.Equal(fallback.CreatedAt) && a.ID < fallback.ID) {
			fallback = a
		}
	}
	if fallback != nil {
		s.activeID = fallback.ID
	} else {
		s.activeID = ""
	}
}

// maybeProvision triggers default provisioning at most once per resolving
// cycle; the resulting profile write drives the next transition.
func (s *Session) maybeProvision(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.provisioned {
		s.mu.Unlock()
		return
	}
	s.provisioned = true
	uid, email := s.uid, s.email
	s.mu.Unlock()

	go func() {
		_, created, err := s.accounts.ProvisionDefault(context.Background(), uid, email)
		if err != nil {
			s.log.Error().Err(err).Str("uid", uid).Msg("default provisioning failed")
			s.settleStopped(gen, err)
			return
		}
		if !created {
			s.log.Warn().Str("uid", uid).Msg("provisioning raced an existing workspace")
		}
		// the profile subscription delivers the update that moves us on
	}()
}

// settleStopped collapses the session to Empty so callers render an empty
// state instead of hanging. No automatic resubscription happens; a fresh
// auth event opens fresh subscriptions.
func (s *Session) settleStopped(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.log.Warn().Err(err).Str("uid", s.uid).Msg("subscription stopped")
	s.state = StateEmpty
	s.mu.Unlock()
	s.notify()
}

// SwitchAccount makes id the active workspace. An id the user has not joined
// is ignored without error. The local pointer moves optimistically before
// the store call resolves; when that call fails the optimistic value is kept
// and the next remote profile event reconciles it.
func (s *Session) SwitchAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return apperrors.ErrSessionClosed
	}
	if s.profile == nil || !s.profile.HasJoined(id) {
		s.log.Debug().Str("account_id", id).Msg("switch to non-joined workspace ignored")
		s.mu.Unlock()
		return nil
	}
	s.activeID = id
	uid := s.uid
	gen := s.gen
	s.mu.Unlock()
	s.notify()

	if err := s.accounts.SwitchAccount(ctx, uid, id); err != nil {
		s.mu.Lock()
		stale := s.gen != gen
		s.mu.Unlock()
		if !stale {
			s.log.Warn().Err(err).Str("account_id", id).Msg("persisting workspace switch failed; awaiting remote reconcile")
		}
	}
	return nil
}

// CreateWorkspace provisions a named workspace for the current user. The
// session does not switch locally; the resulting profile subscription event
// advances the state.
func (s *Session) CreateWorkspace(ctx context.Context, name string) (*models.Account, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, apperrors.ErrSessionClosed
	}
	if s.uid == "" {
		s.mu.Unlock()
		return nil, apperrors.ErrPermission
	}
	uid, email := s.uid, s.email
	s.mu.Unlock()

	return s.accounts.Create(ctx, uid, email, name, decimal.Zero, "")
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state, UID: s.uid}
	for _, a := range s.accountsByID {
		snap.Accounts = append(snap.Accounts, a)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool {
		if !snap.Accounts[i].CreatedAt.Equal(snap.Accounts[j].CreatedAt) {
			return snap.Accounts[i].CreatedAt.Before(snap.Accounts[j].CreatedAt)
		}
		return snap.Accounts[i].ID < snap.Accounts[j].ID
	})
	if a, ok := s.accountsByID[s.activeID]; ok {
		snap.ActiveAccount = a
	}
	return snap
}

// Close tears the session down: auth stream detached, every subscription
// cancelled. Terminal.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.state = StateClosed
	unsub := s.unsubAuth
	s.unsubAuth = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.reg.DropAll()
	s.notify()
}

func (s *Session) notify() {
	if s.onChange == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.onChange(snap)
}

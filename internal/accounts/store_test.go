package accounts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/events"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/models"
	"github.com/tradervault/workspace-core/internal/storage/memory"
)

func newTestStore(t *testing.T) (*Store, *memory.Store) {
	t.Helper()
	mem := memory.New(zerolog.Nop())
	return New(mem, events.NoopPublisher{}, zerolog.Nop()), mem
}

func TestCreateReadYourWrites(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	account, err := s.Create(ctx, "u1", "u1@example.com", "Swing Trading", decimal.NewFromInt(500), "EUR")
	if err != nil {
		t.Fatal(err)
	}

	got, err := mem.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("read of just-created account failed: %v", err)
	}
	if got.Name != "Swing Trading" || got.Currency != "EUR" {
		t.Fatalf("unexpected account %+v", got)
	}
	if !got.Balance.Equal(decimal.NewFromInt(500)) || !got.InitialBalance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("balance %s / initial %s, want 500/500", got.Balance, got.InitialBalance)
	}
	if m, ok := got.Members["u1"]; !ok || m.Role != models.RoleOwner {
		t.Fatalf("owner membership missing: %+v", got.Members)
	}

	// profile committed in the same transaction
	profile, err := mem.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if profile.ActiveAccountID != account.ID || !profile.HasJoined(account.ID) {
		t.Fatalf("profile not provisioned with new account: %+v", profile)
	}
}

func TestCreateRejectsEmptyName(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"", "   "} {
		if _, err := s.Create(ctx, "u1", "u1@example.com", name, decimal.Zero, ""); !apperrors.IsValidation(err) {
			t.Fatalf("name %q: want validation error, got %v", name, err)
		}
	}
	// rejected before any I/O: no profile came into being
	if _, err := mem.GetProfile(ctx, "u1"); err == nil {
		t.Fatal("profile written despite validation failure")
	}
}

func TestProvisionDefaultIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.ProvisionDefault(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first provisioning reported created=false")
	}
	if first.Name != DefaultWorkspaceName || !first.Balance.IsZero() {
		t.Fatalf("unexpected default workspace %+v", first)
	}

	second, created, err := s.ProvisionDefault(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second provisioning created another workspace")
	}
	if second.ID != first.ID {
		t.Fatalf("second call returned %s, want %s", second.ID, first.ID)
	}
}

func TestProvisionDefaultConcurrentCreatesOne(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var createdCount int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.ProvisionDefault(ctx, "u1", "u1@example.com")
			if err != nil {
				t.Errorf("provision failed: %v", err)
				return
			}
			if created {
				atomic.AddInt32(&createdCount, 1)
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Fatalf("created %d workspaces, want exactly 1", createdCount)
	}
	profile, err := mem.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(profile.JoinedAccountIDs) != 1 {
		t.Fatalf("joined %d accounts, want 1 (no orphans)", len(profile.JoinedAccountIDs))
	}
}

func TestSwitchAccountUpdatesOnlyActivePointer(t *testing.T) {
	s, mem := newTestStore(t)
	ctx := context.Background()

	a1, err := s.Create(ctx, "u1", "u1@example.com", "First", decimal.Zero, "")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := s.Create(ctx, "u1", "u1@example.com", "Second", decimal.Zero, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SwitchAccount(ctx, "u1", a1.ID); err != nil {
		t.Fatal(err)
	}
	profile, err := mem.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if profile.ActiveAccountID != a1.ID {
		t.Fatalf("active = %s, want %s", profile.ActiveAccountID, a1.ID)
	}
	if len(profile.JoinedAccountIDs) != 2 || !profile.HasJoined(a2.ID) {
		t.Fatalf("joined set changed by switch: %+v", profile.JoinedAccountIDs)
	}
}

// countingStore counts batch queries issued through AccountsByIDs.
type countingStore struct {
	interfaces.Store
	batches int32
}

func (c *countingStore) AccountsByIDs(ctx context.Context, ids []string) ([]*models.Account, error) {
	atomic.AddInt32(&c.batches, 1)
	return c.Store.AccountsByIDs(ctx, ids)
}

func TestListAccountsBatching(t *testing.T) {
	mem := memory.New(zerolog.Nop())
	counting := &countingStore{Store: mem}
	s := New(counting, events.NoopPublisher{}, zerolog.Nop())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 65; i++ {
		a, err := s.Create(ctx, fmt.Sprintf("u%d", i), "u@example.com", fmt.Sprintf("ws-%02d", i), decimal.Zero, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}

	// duplicates must collapse before batching
	withDupes := append(append([]string(nil), ids...), ids[:10]...)

	atomic.StoreInt32(&counting.batches, 0)
	got, err := s.ListAccounts(ctx, withDupes)
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&counting.batches); n != 3 {
		t.Fatalf("issued %d batch queries for 65 ids, want 3 (30/30/5)", n)
	}
	if len(got) != 65 {
		t.Fatalf("resolved %d accounts, want 65", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.CreatedAt.Before(prev.CreatedAt) ||
			(cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID) {
			t.Fatal("result not deterministically ordered")
		}
	}
}

func TestListAccountsOmitsUnresolvedIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "u1", "u1@example.com", "Only", decimal.Zero, "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ListAccounts(ctx, []string{a.ID, "ghost-1", "ghost-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("want just %s, got %d accounts", a.ID, len(got))
	}
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradervault/workspace-core/internal/apperrors"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/models"
)

func testAccount(id string) *models.Account {
	now := time.Now().UTC()
	return &models.Account{
		ID:       id,
		Name:     "ws-" + id,
		OwnerID:  "owner",
		Members:  map[string]models.Member{"owner": {UID: "owner", Role: models.RoleOwner, JoinedAt: now}},
		Currency: "USD",
		Balance:  decimal.Zero, InitialBalance: decimal.Zero,
		CreatedAt: now, UpdatedAt: now,
	}
}

func put(t *testing.T, s *Store, a *models.Account) {
	t.Helper()
	err := s.RunTx(context.Background(), func(tx interfaces.Tx) error {
		return tx.PutAccount(a)
	})
	if err != nil {
		t.Fatalf("put account: %v", err)
	}
}

func TestTxAtomicity(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.PutAccount(testAccount("a1")); err != nil {
			return err
		}
		if err := tx.PutProfile(&models.UserProfile{UID: "u1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	if _, err := s.GetAccount(ctx, "a1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("account leaked from failed tx: %v", err)
	}
	if _, err := s.GetProfile(ctx, "u1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("profile leaked from failed tx: %v", err)
	}
}

func TestTxConflictRetrySerializesWrites(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()
	put(t, s, testAccount("a1"))

	const workers = 10
	const perWorker = 5

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := s.RunTx(ctx, func(tx interfaces.Tx) error {
					a, err := tx.GetAccount("a1")
					if err != nil {
						return err
					}
					a.Balance = a.Balance.Add(decimal.NewFromInt(1))
					return tx.PutAccount(a)
				})
				if err != nil {
					t.Errorf("tx failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	want := decimal.NewFromInt(workers * perWorker)
	if !a.Balance.Equal(want) {
		t.Fatalf("lost updates: balance %s, want %s", a.Balance, want)
	}
}

func TestTxReadYourStagedWrites(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.RunTx(context.Background(), func(tx interfaces.Tx) error {
		if err := tx.PutAccount(testAccount("a1")); err != nil {
			return err
		}
		a, err := tx.GetAccount("a1")
		if err != nil {
			return err
		}
		if a.ID != "a1" {
			t.Errorf("staged read returned %q", a.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEntriesByAccountOrderedDateDesc(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	err := s.RunTx(ctx, func(tx interfaces.Tx) error {
		for i, off := range []int{1, 3, 2} {
			e := models.LedgerEntry{
				ID:        string(rune('a' + i)),
				AccountID: "a1",
				Type:      models.MovementDeposit,
				Amount:    decimal.NewFromInt(1),
				Date:      base.AddDate(0, 0, off),
			}
			if err := tx.AppendEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.EntriesByAccount(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Date.After(entries[i-1].Date) {
			t.Fatalf("entries not date-descending: %v", entries)
		}
	}
}

func TestAccountsByIDsOmitsMissingAndCapsBatch(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()
	put(t, s, testAccount("a1"))
	put(t, s, testAccount("a2"))

	got, err := s.AccountsByIDs(ctx, []string{"a1", "missing", "a2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 accounts, got %d", len(got))
	}

	over := make([]string, interfaces.BatchLimit+1)
	for i := range over {
		over[i] = "x"
	}
	if _, err := s.AccountsByIDs(ctx, over); !apperrors.IsValidation(err) {
		t.Fatalf("oversized batch: want validation error, got %v", err)
	}
}

func TestWatchProfileDeliversInitialAndUpdates(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	ch, cancel := s.WatchProfile("u1")
	defer cancel()

	// no profile yet: first delivery is the settled marker
	ev := recv(t, ch)
	if ev.Kind != interfaces.EventSettled {
		t.Fatalf("want settled first, got %v", ev.Kind)
	}

	err := s.RunTx(ctx, func(tx interfaces.Tx) error {
		return tx.PutProfile(&models.UserProfile{UID: "u1", JoinedAccountIDs: []string{"a1"}})
	})
	if err != nil {
		t.Fatal(err)
	}

	ev = recv(t, ch)
	if ev.Kind != interfaces.EventProfileUpdated || ev.Profile == nil || ev.Profile.UID != "u1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWatchAccountsCancelStopsDelivery(t *testing.T) {
	s := New(zerolog.Nop())
	put(t, s, testAccount("a1"))

	ch, cancel := s.WatchAccounts([]string{"a1"})

	ev := recv(t, ch)
	if ev.Kind != interfaces.EventAccountUpdated {
		t.Fatalf("want initial account, got %v", ev.Kind)
	}
	ev = recv(t, ch)
	if ev.Kind != interfaces.EventSettled {
		t.Fatalf("want settled, got %v", ev.Kind)
	}

	cancel()
	cancel() // safe to call twice

	if _, ok := <-ch; ok {
		// drain any event raced in before cancel; channel must close
		for range ch {
		}
	}
}

func TestWatchProfileLaggingConsumerGetsLatestState(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()

	ch, cancel := s.WatchProfile("u1")
	defer cancel()

	if ev := recv(t, ch); ev.Kind != interfaces.EventSettled {
		t.Fatalf("want settled first, got %v", ev.Kind)
	}

	// commit far more updates than the delivery channel holds before
	// reading anything
	const updates = subscriberBuffer + 20
	var last string
	for i := 1; i <= updates; i++ {
		active := fmt.Sprintf("acct-%02d", i)
		last = active
		err := s.RunTx(ctx, func(tx interfaces.Tx) error {
			return tx.PutProfile(&models.UserProfile{UID: "u1", ActiveAccountID: active})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// intermediate states may be skipped but the stream must stay in
	// commit order and end on the newest state
	seen := ""
	for {
		ev := recv(t, ch)
		if ev.Kind != interfaces.EventProfileUpdated || ev.Profile == nil {
			t.Fatalf("unexpected event %+v", ev)
		}
		if seen != "" && ev.Profile.ActiveAccountID <= seen {
			t.Fatalf("state regressed from %q to %q", seen, ev.Profile.ActiveAccountID)
		}
		seen = ev.Profile.ActiveAccountID
		if seen == last {
			return
		}
	}
}

func TestWatchAccountsMonotonicPerDocument(t *testing.T) {
	s := New(zerolog.Nop())
	ctx := context.Background()
	put(t, s, testAccount("a1"))

	ch, cancel := s.WatchAccounts([]string{"a1"})
	defer cancel()

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				err := s.RunTx(ctx, func(tx interfaces.Tx) error {
					a, err := tx.GetAccount("a1")
					if err != nil {
						return err
					}
					a.Balance = a.Balance.Add(decimal.NewFromInt(1))
					return tx.PutAccount(a)
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	want := decimal.NewFromInt(writers * perWriter)
	prev := decimal.NewFromInt(-1)
	for {
		ev := recv(t, ch)
		if ev.Kind != interfaces.EventAccountUpdated {
			continue
		}
		if ev.Account.Balance.Cmp(prev) < 0 {
			t.Fatalf("balance regressed from %s to %s", prev, ev.Account.Balance)
		}
		prev = ev.Account.Balance
		if ev.Account.Balance.Equal(want) {
			return
		}
	}
}

func recv(t *testing.T, ch <-chan interfaces.Event) interfaces.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return interfaces.Event{}
}

package querycache

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tradervault/workspace-core/internal/apperrors"
)

func TestMutateCommitsAndInvalidatesOnce(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	var invalidations [][]string
	cache := New(backend, zerolog.Nop(), WithInvalidationHook(func(entity string, keys []string) {
		if entity != "strategy" {
			t.Errorf("entity = %q", entity)
		}
		invalidations = append(invalidations, keys)
	}))

	// dependent views populated before the mutation
	for _, k := range []string{KeyStrategies, KeyTrades, KeyReports, KeyDashboardStats} {
		if err := backend.Set(ctx, k, []byte("stale")); err != nil {
			t.Fatal(err)
		}
	}

	commits := 0
	err := cache.Mutate(ctx, Mutation{
		Entity:     "strategy",
		Optimistic: map[string][]byte{KeyStrategies: []byte("optimistic")},
		Commit: func(ctx context.Context) error {
			// an internally-retried write still counts as one settle
			commits++
			if commits == 1 {
				commits++
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(invalidations) != 1 {
		t.Fatalf("invalidated %d times, want exactly once", len(invalidations))
	}
	want := []string{KeyStrategies, KeyTrades, KeyReports, KeyDashboardStats}
	got := append([]string(nil), invalidations[0]...)
	sort.Strings(got)
	sorted := append([]string(nil), want...)
	sort.Strings(sorted)
	if !reflect.DeepEqual(got, sorted) {
		t.Fatalf("cascade = %v, want %v", invalidations[0], want)
	}

	// every dependent view was forced fresh
	for _, k := range want {
		if _, ok, _ := backend.Get(ctx, k); ok {
			t.Fatalf("key %q survived invalidation", k)
		}
	}
}

func TestMutateRollbackRestoresExactState(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	cache := New(backend, zerolog.Nop())

	if err := backend.Set(ctx, "trades", []byte("before")); err != nil {
		t.Fatal(err)
	}
	// "reports" deliberately absent: rollback must restore absence too

	boom := errors.New("backend rejected")
	err := cache.Mutate(ctx, Mutation{
		Entity: "trade",
		Optimistic: map[string][]byte{
			"trades":  []byte("optimistic"),
			"reports": []byte("optimistic"),
		},
		Commit: func(ctx context.Context) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want commit error surfaced, got %v", err)
	}

	v, ok, _ := backend.Get(ctx, "trades")
	// "trades" is also in trade's cascade set, so after rollback it is
	// invalidated; the snapshot must never resurrect the optimistic bytes
	if ok && bytes.Equal(v, []byte("optimistic")) {
		t.Fatal("optimistic value survived rollback")
	}
	if _, ok, _ := backend.Get(ctx, "reports"); ok {
		t.Fatal("rollback resurrected an absent key")
	}
}

func TestMutateRollbackOutsideCascade(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	cache := New(backend, zerolog.Nop())

	// key outside the entity's cascade set keeps its restored snapshot
	if err := backend.Set(ctx, "scratch", []byte("before")); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("nope")
	err := cache.Mutate(ctx, Mutation{
		Entity:     "settings",
		Optimistic: map[string][]byte{"scratch": []byte("optimistic")},
		Commit:     func(ctx context.Context) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatal(err)
	}

	v, ok, _ := backend.Get(ctx, "scratch")
	if !ok || !bytes.Equal(v, []byte("before")) {
		t.Fatalf("snapshot not restored byte-exact: %q ok=%v", v, ok)
	}
}

func TestMutateRejectsUndeclaredEntity(t *testing.T) {
	cache := New(NewMemoryBackend(), zerolog.Nop())
	err := cache.Mutate(context.Background(), Mutation{
		Entity: "widget",
		Commit: func(ctx context.Context) error { return nil },
	})
	if !apperrors.IsValidation(err) {
		t.Fatalf("want validation error for undeclared entity, got %v", err)
	}
}

func TestCascadeSetIsFixed(t *testing.T) {
	got, ok := CascadeSet("strategy")
	if !ok {
		t.Fatal("strategy cascade missing")
	}
	want := []string{KeyStrategies, KeyTrades, KeyReports, KeyDashboardStats}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("strategy cascade = %v, want %v", got, want)
	}

	// returned slice is a copy; mutating it must not poison the table
	got[0] = "tampered"
	again, _ := CascadeSet("strategy")
	if again[0] != KeyStrategies {
		t.Fatal("cascade table mutated through returned slice")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	cache := New(NewMemoryBackend(), zerolog.Nop())
	ctx := context.Background()

	type stats struct {
		Trades int `json:"trades"`
	}
	if err := cache.SetJSON(ctx, KeyDashboardStats, stats{Trades: 7}); err != nil {
		t.Fatal(err)
	}
	var out stats
	ok, err := cache.GetJSON(ctx, KeyDashboardStats, &out)
	if err != nil || !ok || out.Trades != 7 {
		t.Fatalf("round trip: ok=%v err=%v out=%+v", ok, err, out)
	}

	ok, err = cache.GetJSON(ctx, "missing", &out)
	if err != nil || ok {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}
}

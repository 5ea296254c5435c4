package realtime

import (
	"sort"
	"strings"
	"sync"
)

// Registry tracks open subscriptions keyed by dependency signature. Setting
// a key always closes the previous subscription under that key first, so a
// changed dependency can never leave a duplicate listener running.
type Registry struct {
	mu   sync.Mutex
	subs map[string]func()
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]func())}
}

// Set replaces the subscription under key. open is called outside the
// registry lock after any previous subscription for key has been cancelled;
// it returns the cancel func for the new subscription.
func (r *Registry) Set(key string, open func() (cancel func())) {
	r.mu.Lock()
	prev := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()

	if prev != nil {
		prev()
	}

	cancel := open()

	r.mu.Lock()
	if _, exists := r.subs[key]; exists {
		// a concurrent Set won the key; yield to it
		r.mu.Unlock()
		cancel()
		return
	}
	r.subs[key] = cancel
	r.mu.Unlock()
}

// Drop cancels and removes the subscription under key, if any.
func (r *Registry) Drop(key string) {
	r.mu.Lock()
	cancel := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// DropAll cancels every open subscription. Used on logout and teardown.
func (r *Registry) DropAll() {
	r.mu.Lock()
	cancels := make([]func(), 0, len(r.subs))
	for _, cancel := range r.subs {
		cancels = append(cancels, cancel)
	}
	r.subs = make(map[string]func())
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Len reports how many subscriptions are open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// ProfileKey is the dependency signature for one user's profile document.
func ProfileKey(uid string) string {
	return "profile:" + uid
}

// AccountsKey is the dependency signature for a batched account
// subscription. The ids are sorted so the signature is order-independent.
func AccountsKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return "accounts:" + strings.Join(sorted, ",")
}

package auth

import "sync"

// State is the identity provider's auth-state signal. A nil *State on the
// stream means the user logged out.
type State struct {
	UID           string
	Email         string
	EmailVerified bool
}

// Provider is the consumed surface of the identity provider: a stream of
// auth-state changes. Authentication itself lives elsewhere.
type Provider interface {
	// Subscribe registers fn for auth-state changes and immediately calls
	// it with the current state. The returned func unsubscribes.
	Subscribe(fn func(*State)) (unsubscribe func())
}

// Broadcaster is an in-process Provider implementation. The server wires it
// to whatever actually authenticates users; tests drive it directly.
type Broadcaster struct {
	mu      sync.Mutex
	current *State
	nextID  int
	subs    map[int]func(*State)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(*State))}
}

func (b *Broadcaster) Subscribe(fn func(*State)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	current := b.current
	b.mu.Unlock()

	fn(current)

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Emit publishes a new auth state (nil for logout) to every subscriber.
func (b *Broadcaster) Emit(s *State) {
	b.mu.Lock()
	b.current = s
	fns := make([]func(*State), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

var _ Provider = (*Broadcaster)(nil)

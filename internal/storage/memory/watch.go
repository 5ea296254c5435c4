package memory

import (
	"sync"

	"github.com/tradervault/workspace-core/internal/interfaces"
)

// queuedEvent is one undelivered feed event. Update events stay addressable
// by document key until delivered so a newer commit can overwrite them in
// place.
type queuedEvent struct {
	key string
	ev  interfaces.Event
}

// subscriber is one open change-feed subscription. enqueue never blocks:
// while the consumer lags, at most one event per document is held and a
// newer commit replaces the stale undelivered state. Intermediate states
// may be skipped but the latest state of every document is always
// delivered.
type subscriber struct {
	ch   chan interfaces.Event
	wake chan struct{}
	done chan struct{}

	mu     sync.Mutex
	queue  []*queuedEvent
	index  map[string]*queuedEvent
	closed bool
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		ch:    make(chan interfaces.Event, subscriberBuffer),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		index: make(map[string]*queuedEvent),
	}
	go sub.pump()
	return sub
}

// eventKey identifies the document an update event describes. Settled
// markers have no key and are never coalesced.
func eventKey(ev interfaces.Event) string {
	switch {
	case ev.Profile != nil:
		return "profile/" + ev.Profile.UID
	case ev.Account != nil:
		return "account/" + ev.Account.ID
	default:
		return ""
	}
}

func (sub *subscriber) enqueue(ev interfaces.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if key := eventKey(ev); key != "" {
		if q, ok := sub.index[key]; ok {
			q.ev = ev
			sub.mu.Unlock()
			return
		}
		q := &queuedEvent{key: key, ev: ev}
		sub.queue = append(sub.queue, q)
		sub.index[key] = q
	} else {
		sub.queue = append(sub.queue, &queuedEvent{ev: ev})
	}
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the consumer channel. It is the only sender on
// sub.ch and closes it on exit.
func (sub *subscriber) pump() {
	defer close(sub.ch)
	for {
		sub.mu.Lock()
		for len(sub.queue) > 0 {
			q := sub.queue[0]
			sub.queue = sub.queue[1:]
			if q.key != "" {
				delete(sub.index, q.key)
			}
			ev := q.ev
			sub.mu.Unlock()
			select {
			case sub.ch <- ev:
			case <-sub.done:
				return
			}
			sub.mu.Lock()
		}
		sub.mu.Unlock()
		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()
	close(sub.done)
}

// WatchProfile opens a subscription on one user's profile document. The
// current state is delivered first (an update event when the profile exists),
// followed by a settled marker; subsequent commits touching the profile are
// streamed as they happen.
func (s *Store) WatchProfile(uid string) (<-chan interfaces.Event, func()) {
	sub := newSubscriber()

	s.mu.Lock()
	if s.profileSubs[uid] == nil {
		s.profileSubs[uid] = make(map[*subscriber]struct{})
	}
	s.profileSubs[uid][sub] = struct{}{}
	if p, ok := s.profiles[uid]; ok {
		sub.enqueue(interfaces.Event{Kind: interfaces.EventProfileUpdated, Profile: p.Clone()})
	}
	sub.enqueue(interfaces.Event{Kind: interfaces.EventSettled})
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.profileSubs[uid], sub)
		s.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// WatchAccounts opens one batched subscription across a set of account ids.
// Existing accounts are delivered up front, then a settled marker, then live
// updates for any of the watched ids. Ordering across different accounts is
// not guaranteed.
func (s *Store) WatchAccounts(ids []string) (<-chan interfaces.Event, func()) {
	sub := newSubscriber()

	s.mu.Lock()
	for _, id := range ids {
		if s.accountSubs[id] == nil {
			s.accountSubs[id] = make(map[*subscriber]struct{})
		}
		s.accountSubs[id][sub] = struct{}{}
	}
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			sub.enqueue(interfaces.Event{Kind: interfaces.EventAccountUpdated, Account: a.Clone()})
		}
	}
	sub.enqueue(interfaces.Event{Kind: interfaces.EventSettled})
	s.mu.Unlock()

	ids = append([]string(nil), ids...)
	cancel := func() {
		s.mu.Lock()
		for _, id := range ids {
			delete(s.accountSubs[id], sub)
		}
		s.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

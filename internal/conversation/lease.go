package conversation

import "sync"

// Lease is exclusive ownership of a conversation by one in-flight query.
type Lease struct {
	id    string
	store *Store
	once  sync.Once
}

// ConversationID returns the leased conversation.
func (l *Lease) ConversationID() string {
	return l.id
}

// Release gives the conversation back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		delete(l.store.leases, l.id)
		l.store.mu.Unlock()
	})
}

// Acquire leases conversation id. A second Acquire before Release fails
// fast with ErrBusy rather than queueing.
func (s *Store) Acquire(id string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[id]; held {
		return nil, ErrBusy
	}
	s.leases[id] = struct{}{}
	return &Lease{id: id, store: s}, nil
}

// Leased reports whether a query currently owns id.
func (s *Store) Leased(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.leases[id]
	return held
}

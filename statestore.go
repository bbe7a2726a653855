package outpost

import (
	"sort"
	"sync"
)

// StateStore persists engine state that must survive restarts: the mutation
// queue, the dead-letter set, per-collection versions, and small metadata
// values such as the client identity and backup marks.
//
// Implementations must make writes durable before returning; Enqueue relies
// on this for at-least-once delivery.
type StateStore interface {
	// AppendMutation durably adds a mutation to the active queue.
	AppendMutation(m *QueuedMutation) error

	// UpdateMutation rewrites a queued mutation (retry count bumps).
	UpdateMutation(m *QueuedMutation) error

	// ListMutations returns the active queue in enqueue order.
	ListMutations() ([]*QueuedMutation, error)

	// DeleteMutations removes the given ids from the active queue.
	DeleteMutations(ids []string) error

	// AppendDeadLetter records a terminally failed mutation.
	AppendDeadLetter(m *QueuedMutation) error

	// ListDeadLetters returns the dead-letter set in failure order.
	ListDeadLetters() ([]*QueuedMutation, error)

	// GetVersion returns a collection's stored version, 0 if unknown.
	GetVersion(collection string) (int64, error)

	// SetVersion stores a collection's version.
	SetVersion(collection string, version int64) error

	// GetMeta returns a metadata value, "" if unset.
	GetMeta(key string) (string, error)

	// SetMeta stores a metadata value.
	SetMeta(key, value string) error

	// Close releases any resources.
	Close() error
}

// MemoryStateStore is an in-memory StateStore. State does not survive a
// process restart; intended for tests and ephemeral replicas.
type MemoryStateStore struct {
	mu       sync.Mutex
	seq      int64
	order    map[string]int64
	queue    map[string]*QueuedMutation
	dead     []*QueuedMutation
	versions map[string]int64
	meta     map[string]string
	closed   bool
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		order:    make(map[string]int64),
		queue:    make(map[string]*QueuedMutation),
		versions: make(map[string]int64),
		meta:     make(map[string]string),
	}
}

func (s *MemoryStateStore) AppendMutation(m *QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	s.order[m.ID] = s.seq
	cp := *m
	s.queue[m.ID] = &cp
	return nil
}

func (s *MemoryStateStore) UpdateMutation(m *QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queue[m.ID]; !ok {
		return ErrNotFound
	}
	cp := *m
	s.queue[m.ID] = &cp
	return nil
}

func (s *MemoryStateStore) ListMutations() ([]*QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*QueuedMutation, 0, len(s.queue))
	for _, m := range s.queue {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}

func (s *MemoryStateStore) DeleteMutations(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, id := range ids {
		delete(s.queue, id)
		delete(s.order, id)
	}
	return nil
}

func (s *MemoryStateStore) AppendDeadLetter(m *QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *m
	s.dead = append(s.dead, &cp)
	return nil
}

func (s *MemoryStateStore) ListDeadLetters() ([]*QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*QueuedMutation, len(s.dead))
	for i, m := range s.dead {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStateStore) GetVersion(collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.versions[collection], nil
}

func (s *MemoryStateStore) SetVersion(collection string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.versions[collection] = version
	return nil
}

func (s *MemoryStateStore) GetMeta(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	return s.meta[key], nil
}

func (s *MemoryStateStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.meta[key] = value
	return nil
}

func (s *MemoryStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

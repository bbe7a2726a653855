package outpost

import (
	"context"
	"sort"
	"sync"
)

// LocalStore is the device-local replica the engine keeps consistent with
// the server. The store exclusively owns the materialized record values; the
// engine only writes through Put/Delete when applying resolved merges.
//
// This allows the host application to bring its own persistence (IndexedDB
// bridge, embedded KV store) as long as it satisfies this interface.
type LocalStore interface {
	// GetAll returns every record in a collection.
	GetAll(ctx context.Context, collection string) ([]*Record, error)

	// Get returns a record by id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Record, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, collection string, rec *Record) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Clear removes all records in a collection.
	Clear(ctx context.Context, collection string) error

	// OnChange registers a callback for changes to a collection. The
	// returned function cancels the subscription. Callbacks may be invoked
	// synchronously from Put/Delete/Clear and must not call back into the
	// store.
	OnChange(collection string, fn func(ChangeEvent)) (cancel func())
}

// MemoryStore is an in-memory LocalStore, used in tests and as the replica
// for hosts that rebuild local state from a snapshot on startup.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]map[string]*Record
	subs    map[string]map[int]func(ChangeEvent)
	nextSub int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]*Record),
		subs: make(map[string]map[int]func(ChangeEvent)),
	}
}

func (s *MemoryStore) GetAll(ctx context.Context, collection string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col := s.data[collection]
	out := make([]*Record, 0, len(col))
	for _, rec := range col {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, collection string, rec *Record) error {
	s.mu.Lock()
	col, ok := s.data[collection]
	if !ok {
		col = make(map[string]*Record)
		s.data[collection] = col
	}
	_, existed := col[rec.ID]
	col[rec.ID] = rec.Clone()
	fns := s.subscribers(collection)
	s.mu.Unlock()

	action := ActionCreate
	if existed {
		action = ActionUpdate
	}
	notify(fns, ChangeEvent{Collection: collection, Action: action, Record: rec.Clone(), RecordID: rec.ID})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	col := s.data[collection]
	_, existed := col[id]
	delete(col, id)
	fns := s.subscribers(collection)
	s.mu.Unlock()

	if existed {
		notify(fns, ChangeEvent{Collection: collection, Action: ActionDelete, RecordID: id})
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, collection string) error {
	s.mu.Lock()
	delete(s.data, collection)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) OnChange(collection string, fn func(ChangeEvent)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subs[collection]
	if !ok {
		subs = make(map[int]func(ChangeEvent))
		s.subs[collection] = subs
	}
	id := s.nextSub
	s.nextSub++
	subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[collection], id)
	}
}

// subscribers must be called with the lock held.
func (s *MemoryStore) subscribers(collection string) []func(ChangeEvent) {
	subs := s.subs[collection]
	if len(subs) == 0 {
		return nil
	}
	fns := make([]func(ChangeEvent), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(ChangeEvent), ev ChangeEvent) {
	for _, fn := range fns {
		fn(ev)
	}
}

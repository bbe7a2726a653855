package outpost

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MutationQueue is the durable, ordered record of pending local mutations.
// Every entry is persisted through the StateStore before Enqueue returns, so
// a mutation accepted by the queue survives process restarts until the
// server acknowledges it or it is promoted to the dead-letter set.
//
// Ordering within a collection is FIFO by enqueue order; ordering across
// collections is not significant.
type MutationQueue struct {
	mu         sync.Mutex
	store      StateStore
	clock      Clock
	maxRetries int

	items []*QueuedMutation
	dead  []*QueuedMutation

	// onDeadLetter, if set, is invoked after a mutation is promoted to the
	// dead-letter set. Called without the queue lock held.
	onDeadLetter func(*QueuedMutation)
}

// NewMutationQueue creates a queue over the given state store, loading any
// mutations persisted by a previous run.
func NewMutationQueue(store StateStore, clock Clock, maxRetries int) (*MutationQueue, error) {
	if clock == nil {
		clock = SystemClock()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	items, err := store.ListMutations()
	if err != nil {
		return nil, fmt.Errorf("load mutation queue: %w", err)
	}
	dead, err := store.ListDeadLetters()
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	return &MutationQueue{
		store:      store,
		clock:      clock,
		maxRetries: maxRetries,
		items:      items,
		dead:       dead,
	}, nil
}

// Enqueue durably appends a mutation. The record payload is snapshotted at
// enqueue time so later local edits cannot alter an in-flight mutation.
func (q *MutationQueue) Enqueue(collection string, action Action, rec *Record, localVersion int64) (*QueuedMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := &QueuedMutation{
		ID:                    uuid.NewString(),
		Collection:            collection,
		Action:                action,
		EnqueuedAt:            q.clock.Now(),
		LocalVersionAtEnqueue: localVersion,
	}
	if rec != nil {
		m.RecordID = rec.ID
		if action != ActionDelete {
			m.Record = rec.Clone()
		}
	}
	if err := q.store.AppendMutation(m); err != nil {
		return nil, err
	}
	q.items = append(q.items, m)
	cp := *m
	return &cp, nil
}

// List returns all pending mutations in enqueue order.
func (q *MutationQueue) List() []*QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyMutations(q.items)
}

// ListCollection returns the pending mutations for one collection, in order.
func (q *MutationQueue) ListCollection(collection string) []*QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueuedMutation
	for _, m := range q.items {
		if m.Collection == collection {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

// Remove deletes acknowledged mutations from the queue.
func (q *MutationQueue) Remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.DeleteMutations(ids); err != nil {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := q.items[:0]
	for _, m := range q.items {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	q.items = kept
	return nil
}

// IncrementRetry bumps a mutation's retry count. When the count reaches the
// configured maximum the mutation is removed from the active queue and moved
// to the dead-letter set; the returned flag reports the promotion. fail
// records the reason of the attempt that triggered the bump.
func (q *MutationQueue) IncrementRetry(id, reason string) (promoted bool, err error) {
	q.mu.Lock()
	var target *QueuedMutation
	for _, m := range q.items {
		if m.ID == id {
			target = m
			break
		}
	}
	if target == nil {
		q.mu.Unlock()
		return false, ErrNotFound
	}

	target.RetryCount++
	target.FailureReason = reason
	if target.RetryCount < q.maxRetries {
		err := q.store.UpdateMutation(target)
		q.mu.Unlock()
		return false, err
	}

	// Terminal failure: quarantine.
	if err := q.store.AppendDeadLetter(target); err != nil {
		q.mu.Unlock()
		return false, err
	}
	if err := q.store.DeleteMutations([]string{id}); err != nil {
		q.mu.Unlock()
		return false, err
	}
	kept := q.items[:0]
	for _, m := range q.items {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	q.items = kept
	cp := *target
	q.dead = append(q.dead, &cp)
	cb := q.onDeadLetter
	q.mu.Unlock()

	if cb != nil {
		cb(&cp)
	}
	return true, nil
}

// DeadLetter immediately quarantines a mutation, bypassing remaining
// retries. Used for permanent server rejections.
func (q *MutationQueue) DeadLetter(id, reason string) error {
	q.mu.Lock()
	var target *QueuedMutation
	for _, m := range q.items {
		if m.ID == id {
			target = m
			break
		}
	}
	if target == nil {
		q.mu.Unlock()
		return ErrNotFound
	}
	target.FailureReason = reason
	if err := q.store.AppendDeadLetter(target); err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.store.DeleteMutations([]string{id}); err != nil {
		q.mu.Unlock()
		return err
	}
	kept := q.items[:0]
	for _, m := range q.items {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	q.items = kept
	cp := *target
	q.dead = append(q.dead, &cp)
	cb := q.onDeadLetter
	q.mu.Unlock()

	if cb != nil {
		cb(&cp)
	}
	return nil
}

// DeadLetters returns the quarantined mutations in failure order.
func (q *MutationQueue) DeadLetters() []*QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyMutations(q.dead)
}

// Len returns the number of pending mutations.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetterCount returns the size of the dead-letter set.
func (q *MutationQueue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

func copyMutations(in []*QueuedMutation) []*QueuedMutation {
	out := make([]*QueuedMutation, len(in))
	for i, m := range in {
		cp := *m
		out[i] = &cp
	}
	return out
}

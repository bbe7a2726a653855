package outpost

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// manualClock is a settable clock for tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock { return &manualClock{now: t} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*MutationQueue, *MemoryStateStore) {
	t.Helper()
	store := NewMemoryStateStore()
	q, err := NewMutationQueue(store, newManualClock(time.Now()), 3)
	if err != nil {
		t.Fatalf("NewMutationQueue: %v", err)
	}
	return q, store
}

func TestQueueFIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue("orders", ActionUpdate, &Record{ID: id}, 0); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	got := q.ListCollection("orders")
	if len(got) != 3 {
		t.Fatalf("expected 3 pending mutations, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].RecordID != want {
			t.Errorf("position %d: expected record %s, got %s", i, want, got[i].RecordID)
		}
	}
}

func TestQueueSurvivesReload(t *testing.T) {
	q, store := newTestQueue(t)

	m, err := q.Enqueue("orders", ActionCreate, &Record{ID: "r1", Fields: map[string]any{"qty": 2}}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A fresh queue over the same store must see the mutation.
	reloaded, err := NewMutationQueue(store, newManualClock(time.Now()), 3)
	if err != nil {
		t.Fatalf("reload queue: %v", err)
	}
	pending := reloaded.List()
	if len(pending) != 1 {
		t.Fatalf("expected 1 persisted mutation after reload, got %d", len(pending))
	}
	got := pending[0]
	if got.ID != m.ID || got.RecordID != "r1" || got.Action != ActionCreate {
		t.Errorf("reloaded mutation mismatch: %+v", got)
	}
	if got.LocalVersionAtEnqueue != 5 {
		t.Errorf("expected local version 5, got %d", got.LocalVersionAtEnqueue)
	}
	if got.Record == nil || got.Record.Fields["qty"] != 2 {
		t.Errorf("payload not preserved: %+v", got.Record)
	}
}

func TestQueueSnapshotsPayload(t *testing.T) {
	q, _ := newTestQueue(t)

	rec := &Record{ID: "r1", Fields: map[string]any{"qty": 2}}
	if _, err := q.Enqueue("orders", ActionUpdate, rec, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec.Fields["qty"] = 99

	got := q.List()[0]
	if got.Record.Fields["qty"] != 2 {
		t.Errorf("later edit leaked into queued payload: %v", got.Record.Fields["qty"])
	}
}

func TestQueueRemove(t *testing.T) {
	q, store := newTestQueue(t)

	a, _ := q.Enqueue("orders", ActionUpdate, &Record{ID: "a"}, 0)
	b, _ := q.Enqueue("orders", ActionUpdate, &Record{ID: "b"}, 0)

	if err := q.Remove([]string{a.ID}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 pending after remove, got %d", q.Len())
	}
	if q.List()[0].ID != b.ID {
		t.Error("wrong mutation removed")
	}

	persisted, _ := store.ListMutations()
	if len(persisted) != 1 {
		t.Errorf("removal not persisted, %d mutations on disk", len(persisted))
	}
}

func TestQueueRetryPromotionAfterThreeStrikes(t *testing.T) {
	q, store := newTestQueue(t)

	var promotedID string
	q.onDeadLetter = func(m *QueuedMutation) { promotedID = m.ID }

	m, _ := q.Enqueue("orders", ActionUpdate, &Record{ID: "r1"}, 0)

	for i := 1; i <= 3; i++ {
		promoted, err := q.IncrementRetry(m.ID, "server unavailable")
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if want := i == 3; promoted != want {
			t.Errorf("retry %d: promoted = %v, want %v", i, promoted, want)
		}
	}

	if q.Len() != 0 {
		t.Errorf("expected empty queue after promotion, got %d", q.Len())
	}
	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].RetryCount != 3 || dead[0].FailureReason != "server unavailable" {
		t.Errorf("dead letter not annotated: %+v", dead[0])
	}
	if promotedID != m.ID {
		t.Errorf("dead-letter callback got %q, want %q", promotedID, m.ID)
	}

	persisted, _ := store.ListDeadLetters()
	if len(persisted) != 1 {
		t.Errorf("dead letter not persisted, got %d", len(persisted))
	}
}

func TestQueueImmediateDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)

	m, _ := q.Enqueue("orders", ActionUpdate, &Record{ID: "r1"}, 0)
	if err := q.DeadLetter(m.ID, "schema validation failed"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	if q.Len() != 0 {
		t.Error("rejected mutation must leave the active queue")
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].FailureReason != "schema validation failed" {
		t.Errorf("expected quarantined mutation with reason, got %+v", dead)
	}
	// Rejection bypasses the retry counter entirely.
	if dead[0].RetryCount != 0 {
		t.Errorf("expected no retries, got %d", dead[0].RetryCount)
	}
}

func TestQueueRetryUnknownMutation(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.IncrementRetry("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

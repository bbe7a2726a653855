package outpost

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "orders", "o1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", err)
	}

	if err := s.Put(ctx, "orders", &Record{ID: "o1", Fields: map[string]any{"qty": 2}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "orders", "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Fields["qty"] != 2 {
		t.Errorf("expected qty 2, got %v", got.Fields["qty"])
	}

	if err := s.Delete(ctx, "orders", "o1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "orders", "o1"); !errors.Is(err, ErrNotFound) {
		t.Error("record must be gone after delete")
	}
	// Deleting again is not an error.
	if err := s.Delete(ctx, "orders", "o1"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestMemoryStoreGetAllSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		s.Put(ctx, "orders", &Record{ID: id})
	}

	all, err := s.GetAll(ctx, "orders")
	if err != nil {
		t.Fatalf("getall: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Errorf("expected sorted ids, got %v", all)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(ctx, "orders", &Record{ID: "o1", Fields: map[string]any{"qty": 2}})

	got, _ := s.Get(ctx, "orders", "o1")
	got.Fields["qty"] = 99

	again, _ := s.Get(ctx, "orders", "o1")
	if again.Fields["qty"] != 2 {
		t.Error("mutating a returned record must not affect the store")
	}
}

func TestMemoryStoreOnChange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var events []ChangeEvent
	cancel := s.OnChange("orders", func(ev ChangeEvent) {
		events = append(events, ev)
	})

	s.Put(ctx, "orders", &Record{ID: "o1"})
	s.Put(ctx, "orders", &Record{ID: "o1"})
	s.Delete(ctx, "orders", "o1")
	s.Put(ctx, "products", &Record{ID: "p1"}) // different collection

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantActions := []Action{ActionCreate, ActionUpdate, ActionDelete}
	for i, want := range wantActions {
		if events[i].Action != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Action)
		}
	}

	cancel()
	s.Put(ctx, "orders", &Record{ID: "o2"})
	if len(events) != 3 {
		t.Error("canceled subscription must not receive events")
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(ctx, "orders", &Record{ID: "o1"})
	s.Put(ctx, "orders", &Record{ID: "o2"})

	if err := s.Clear(ctx, "orders"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ := s.GetAll(ctx, "orders")
	if len(all) != 0 {
		t.Errorf("expected empty collection after clear, got %d", len(all))
	}
}

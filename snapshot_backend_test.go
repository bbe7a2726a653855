package outpost

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestMemorySnapshotBackend(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySnapshotBackend()

	if _, err := m.Read(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}

	if err := m.Write(ctx, "snapshots/orders/a.snap", []byte("one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Write(ctx, "snapshots/orders/b.snap", []byte("two")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Write(ctx, "snapshots/products/c.snap", []byte("three")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := m.Read(ctx, "snapshots/orders/a.snap")
	if err != nil || string(got) != "one" {
		t.Errorf("read mismatch: %q, %v", got, err)
	}

	keys, err := m.List(ctx, "snapshots/orders/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "snapshots/orders/a.snap" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := m.Delete(ctx, "snapshots/orders/a.snap"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Read(ctx, "snapshots/orders/a.snap"); err == nil {
		t.Error("deleted key must not be readable")
	}
}

func TestFileSnapshotBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, err := NewFileSnapshotBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSnapshotBackend: %v", err)
	}

	if err := f.Write(ctx, "snapshots/orders/a.snap", []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := f.Read(ctx, "snapshots/orders/a.snap")
	if err != nil || string(got) != "payload" {
		t.Errorf("read mismatch: %q, %v", got, err)
	}

	keys, err := f.List(ctx, "snapshots/orders/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "snapshots/orders/a.snap" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := f.Delete(ctx, "snapshots/orders/a.snap"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting a missing key is not an error.
	if err := f.Delete(ctx, "snapshots/orders/a.snap"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestFileSnapshotBackendRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	f, err := NewFileSnapshotBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSnapshotBackend: %v", err)
	}

	for _, key := range []string{"../escape", "../../etc/passwd", "a/../../escape"} {
		if err := f.Write(ctx, key, []byte("x")); err == nil {
			t.Errorf("key %q must be rejected", key)
		}
		if _, err := f.Read(ctx, key); err == nil {
			t.Errorf("key %q must be rejected on read", key)
		}
	}
}

package outpost

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := newSyncError(KindStorage, "put", "orders", inner)

	if !errors.Is(err, inner) {
		t.Error("SyncError must unwrap to its cause")
	}
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatal("errors.As must find the SyncError")
	}
	if se.Kind != KindStorage || se.Collection != "orders" {
		t.Errorf("unexpected fields: %+v", se)
	}
}

func TestNewSyncErrorPreservesClassification(t *testing.T) {
	inner := newSyncError(KindValidation, "push", "orders", errors.New("bad field"))
	wrapped := newSyncError(KindTransient, "cycle", "orders", fmt.Errorf("push failed: %w", inner))

	if Classify(wrapped) != KindValidation {
		t.Errorf("wrapping must not mask the original kind, got %v", Classify(wrapped))
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != KindUnknown {
		t.Error("nil classifies as unknown")
	}
	if Classify(errors.New("plain")) != KindUnknown {
		t.Error("plain errors classify as unknown")
	}
	if Classify(newSyncError(KindVersionConflict, "push", "", errors.New("409"))) != KindVersionConflict {
		t.Error("version conflict kind lost")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTransient, true},
		{KindVersionConflict, true},
		{KindStorage, true},
		{KindUnknown, true},
		{KindValidation, false},
	}
	for _, tc := range cases {
		err := newSyncError(tc.kind, "op", "", errors.New("x"))
		if got := IsRetryable(err); got != tc.want {
			t.Errorf("%v: IsRetryable = %v, want %v", tc.kind, got, tc.want)
		}
	}
	if !IsRetryable(errors.New("unclassified")) {
		t.Error("unclassified errors default to retryable")
	}
}

func TestErrorKindString(t *testing.T) {
	kinds := map[ErrorKind]string{
		KindUnknown:         "unknown",
		KindTransient:       "transient",
		KindVersionConflict: "version_conflict",
		KindValidation:      "validation",
		KindStorage:         "storage",
	}
	for kind, want := range kinds {
		if got := kind.String(); got != want {
			t.Errorf("%d: expected %q, got %q", kind, want, got)
		}
	}
}

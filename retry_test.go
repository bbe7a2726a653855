package outpost

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryerSuccess(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryerFailureThenSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return newSyncError(KindTransient, "pull", "orders", errors.New("server busy"))
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryerAllFailures(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	wantErr := errors.New("persistent failure")
	err := r.Do(context.Background(), func() error {
		calls++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryerStopsOnPermanentError(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return newSyncError(KindValidation, "push", "orders", errors.New("bad payload"))
	})

	if err == nil {
		t.Fatal("expected the validation error back")
	}
	if calls != 1 {
		t.Errorf("validation errors must not be retried, got %d calls", calls)
	}
}

func TestRetryerContextCanceled(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})

	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if calls >= 10 {
		t.Errorf("cancellation must cut retries short, got %d calls", calls)
	}
}

func TestRetryerCustomRetryIf(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf:        func(err error) bool { return false },
	})

	calls := 0
	r.Do(context.Background(), func() error {
		calls++
		return errors.New("any failure")
	})
	if calls != 1 {
		t.Errorf("RetryIf false must stop after the first call, got %d", calls)
	}
}

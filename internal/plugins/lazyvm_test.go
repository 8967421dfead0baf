package plugins

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestLazyVMResolvesOnce(t *testing.T) {
	var calls atomic.Int32
	lazy := NewLazyVM(func(ctx context.Context) (*VM, error) {
		calls.Add(1)
		return &VM{}, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		vm, err := lazy.Resolve(ctx)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if vm == nil {
			t.Fatal("Resolve returned nil VM for successful setup")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("compile ran %d times, want 1", got)
	}
	if lazy.State() != VMStateReady {
		t.Fatalf("state = %v, want ready", lazy.State())
	}
}

func TestLazyVMRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var slept []time.Duration
	lazy := NewLazyVM(func(ctx context.Context) (*VM, error) {
		if calls.Add(1) < 3 {
			return nil, &RetryError{Err: errors.New("connection refused")}
		}
		return &VM{}, nil
	}, nil)
	lazy.sleep = func(d time.Duration) { slept = append(slept, d) }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	vm, err := lazy.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if vm == nil {
		t.Fatal("VM nil after retries succeeded")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("compile ran %d times, want 3", got)
	}
	want := []time.Duration{3 * time.Second, 6 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("backoff %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestLazyVMPermanentFailure(t *testing.T) {
	permanent := errors.New("syntax error")
	var reported error
	lazy := NewLazyVM(func(ctx context.Context) (*VM, error) {
		return nil, permanent
	}, func(err error) { reported = err })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	vm, err := lazy.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if vm != nil {
		t.Fatal("permanently failed VM must resolve nil")
	}
	if !errors.Is(reported, permanent) {
		t.Fatalf("failure callback got %v, want %v", reported, permanent)
	}
	if lazy.State() != VMStateFailed {
		t.Fatalf("state = %v, want failed", lazy.State())
	}
	if !errors.Is(lazy.Err(), permanent) {
		t.Fatalf("Err() = %v, want %v", lazy.Err(), permanent)
	}
}

func TestLazyVMExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	var failed atomic.Bool
	lazy := NewLazyVM(func(ctx context.Context) (*VM, error) {
		calls.Add(1)
		return nil, &RetryError{Err: errors.New("still down")}
	}, func(err error) { failed.Store(true) })
	lazy.sleep = func(time.Duration) {}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	vm, err := lazy.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if vm != nil {
		t.Fatal("VM should be nil after exhausting retries")
	}
	if got := calls.Load(); got != vmSetupMaxAttempts {
		t.Fatalf("compile ran %d times, want %d", got, vmSetupMaxAttempts)
	}
	if !failed.Load() {
		t.Fatal("permanent failure callback never ran")
	}
}

func TestLazyVMTryResolveDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	lazy := NewLazyVM(func(ctx context.Context) (*VM, error) {
		<-release
		return &VM{}, nil
	}, nil)

	if _, ok := lazy.TryResolve(); ok {
		t.Fatal("TryResolve reported ready while setup was blocked")
	}
	close(release)

	deadline := time.After(time.Second)
	for {
		if vm, ok := lazy.TryResolve(); ok {
			if vm == nil {
				t.Fatal("ready VM is nil")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("setup never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

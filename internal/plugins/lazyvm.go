package plugins

import (
	"context"
	"sync"
	"time"
)

// VM setup retry policy for transient init failures.
const (
	vmSetupBackoffBase  = 3 * time.Second
	vmSetupBackoffMulti = 2
	vmSetupMaxAttempts  = 10
)

// VMState is the lifecycle of a LazyVM handle.
type VMState int

const (
	VMStatePending VMState = iota
	VMStateReady
	VMStateFailed
)

// LazyVM is the single-shot future all callers of a plugin VM read. Setup
// starts on first access; transient failures are retried with backoff;
// permanent failure resolves the handle to nil and every caller must treat
// that as "skip this plugin".
type LazyVM struct {
	compile func(ctx context.Context) (*VM, error)
	// onPermanentFailure disables the plugin row and records the error.
	onPermanentFailure func(err error)
	// sleep is swapped out by tests.
	sleep func(d time.Duration)

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	vm  *VM
	err error
}

// NewLazyVM builds an unresolved handle. compile runs on first access.
func NewLazyVM(compile func(ctx context.Context) (*VM, error), onPermanentFailure func(err error)) *LazyVM {
	return &LazyVM{
		compile:            compile,
		onPermanentFailure: onPermanentFailure,
		sleep:              time.Sleep,
		done:               make(chan struct{}),
	}
}

// Trigger starts setup if it has not started yet.
func (l *LazyVM) Trigger() {
	l.once.Do(func() { go l.run() })
}

func (l *LazyVM) run() {
	defer close(l.done)

	backoff := vmSetupBackoffBase
	for attempt := 1; ; attempt++ {
		vm, err := l.compile(context.Background())
		if err == nil {
			l.mu.Lock()
			l.vm = vm
			l.mu.Unlock()
			return
		}

		if !IsRetryable(err) || attempt >= vmSetupMaxAttempts {
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			if l.onPermanentFailure != nil {
				l.onPermanentFailure(err)
			}
			return
		}

		l.sleep(backoff)
		backoff *= vmSetupBackoffMulti
	}
}

// TryResolve returns the VM without blocking. ok is false while setup is
// still pending; a (nil, true) result means the VM failed permanently and
// the plugin must be skipped.
func (l *LazyVM) TryResolve() (vm *VM, ok bool) {
	l.Trigger()
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.vm, true
	default:
		return nil, false
	}
}

// Resolve blocks until setup finishes or ctx is done. A nil VM with nil
// error means permanent failure — skip the plugin.
func (l *LazyVM) Resolve(ctx context.Context) (*VM, error) {
	l.Trigger()
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State reports the handle's current lifecycle state.
func (l *LazyVM) State() VMState {
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.vm != nil {
			return VMStateReady
		}
		return VMStateFailed
	default:
		return VMStatePending
	}
}

// Err returns the permanent failure, if any.
func (l *LazyVM) Err() error {
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.err
	default:
		return nil
	}
}

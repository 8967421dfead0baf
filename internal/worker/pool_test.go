package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
)

// funcHost adapts a function to the Host interface.
type funcHost func(ctx context.Context, t Task) Result

func (f funcHost) Execute(ctx context.Context, t Task) Result { return f(ctx, t) }

func TestPoolRunsTask(t *testing.T) {
	pool := NewPool(2, 4, time.Second, func(int) Host {
		return funcHost(func(ctx context.Context, task Task) Result {
			task.Event.Properties["seen"] = true
			return Result{Event: task.Event}
		})
	})
	defer pool.Stop()

	event := &domain.PluginEvent{Event: "e", Properties: map[string]any{}}
	res := <-pool.RunTask(context.Background(), Task{Kind: ProcessEvent, Event: event})
	if res.Err != nil {
		t.Fatalf("RunTask: %v", res.Err)
	}
	if res.Event.Properties["seen"] != true {
		t.Fatal("task did not run")
	}
}

func TestPoolTimeoutFreesWorker(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 4, 100*time.Millisecond, func(int) Host {
		return funcHost(func(ctx context.Context, task Task) Result {
			if task.Kind == ProcessEvent {
				select {
				case <-release:
				case <-ctx.Done():
				}
				<-release // hold the goroutine well past the deadline
			}
			return Result{}
		})
	})
	defer pool.Stop()

	start := time.Now()
	res := <-pool.RunTask(context.Background(), Task{Kind: ProcessEvent})
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %v, want ~100ms", elapsed)
	}

	// The single worker must be free for the next task despite the abandoned
	// goroutine.
	res = <-pool.RunTask(context.Background(), Task{Kind: IngestEvent})
	if res.Err != nil {
		t.Fatalf("worker wedged after timeout: %v", res.Err)
	}
	close(release)
}

func TestPoolBroadcastReachesEveryWorker(t *testing.T) {
	var ran atomic.Int32
	pool := NewPool(4, 2, time.Second, func(int) Host {
		return funcHost(func(ctx context.Context, task Task) Result {
			ran.Add(1)
			return Result{}
		})
	})
	defer pool.Stop()

	if err := pool.Broadcast(context.Background(), Task{Kind: ReloadPlugins}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if got := ran.Load(); got != 4 {
		t.Fatalf("broadcast ran on %d workers, want 4", got)
	}
}

func TestPoolBroadcastReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	var n atomic.Int32
	pool := NewPool(3, 2, time.Second, func(int) Host {
		return funcHost(func(ctx context.Context, task Task) Result {
			if n.Add(1) == 2 {
				return Result{Err: boom}
			}
			return Result{}
		})
	})
	defer pool.Stop()

	if err := pool.Broadcast(context.Background(), Task{Kind: ReloadPlugins}); !errors.Is(err, boom) {
		t.Fatalf("Broadcast err = %v, want boom", err)
	}
}

func TestPoolStopDrainsAndRefuses(t *testing.T) {
	pool := NewPool(2, 2, time.Second, func(int) Host {
		return funcHost(func(ctx context.Context, task Task) Result { return Result{} })
	})

	for i := 0; i < 5; i++ {
		<-pool.RunTask(context.Background(), Task{Kind: ProcessEvent})
	}
	pool.Stop()

	if got := pool.Completed(); got != 5 {
		t.Fatalf("completed = %d, want 5", got)
	}
	res := <-pool.RunTask(context.Background(), Task{Kind: ProcessEvent})
	if !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("post-stop err = %v, want ErrStopped", res.Err)
	}
}

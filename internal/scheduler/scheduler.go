// Package scheduler runs the periodic plugin tasks on exactly one replica.
// A redis lock elects the leader; cron ticks fan runEveryMinute/Hour/Day
// tasks out to the worker pool, one task per scheduled plugin config.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
	"github.com/quasarhq/quasar/internal/plugins"
	"github.com/quasarhq/quasar/internal/store"
	"github.com/quasarhq/quasar/internal/worker"
)

const (
	lockName = "plugin-scheduler"
	// lockTTL bounds how long a dead leader blocks failover.
	lockTTL = 60 * time.Second
)

// Lock is the held-lock handle the scheduler extends and releases.
type Lock interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker acquires the scheduler lock. TryAcquire returns (nil, nil) while
// another replica holds it.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// RedisLocker adapts the store's lock client.
type RedisLocker struct {
	Client *store.LockClient
}

func (r RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	lock, err := r.Client.TryAcquire(ctx, name, ttl)
	if err != nil || lock == nil {
		return nil, err
	}
	return lock, nil
}

// Pool is the slice of the worker pool the scheduler needs.
type Pool interface {
	RunTask(ctx context.Context, t worker.Task) <-chan worker.Result
}

// Scheduler is the leader-elected cron dispatcher. Only the leader's cron
// callbacks dispatch work; followers keep retrying the lock.
type Scheduler struct {
	locker Locker
	pool   Pool

	ttl            time.Duration
	extendInterval time.Duration
	retryDelay     time.Duration

	mu     sync.Mutex
	lock   Lock
	leader bool
	// termCtx scopes one leadership term: demotion cancels it, aborting any
	// scheduled tasks dispatched under the lost lock.
	termCtx    context.Context
	termCancel context.CancelFunc

	cron   *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the scheduler with the default lock cadence: extend at half the
// TTL, retry acquisition at a tenth of it.
func New(locker Locker, pool Pool) *Scheduler {
	return &Scheduler{
		locker:         locker,
		pool:           pool,
		ttl:            lockTTL,
		extendInterval: lockTTL / 2,
		retryDelay:     lockTTL / 10,
		done:           make(chan struct{}),
	}
}

// Start begins lock acquisition and installs the cron entries. Cron callbacks
// are no-ops while this replica is a follower.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.runCtx = ctx

	s.cron = cron.New()
	entries := []struct {
		spec string
		kind worker.Kind
		name string
	}{
		{"* * * * *", worker.RunEveryMinute, plugins.TaskRunEveryMinute},
		{"0 * * * *", worker.RunEveryHour, plugins.TaskRunEveryHour},
		{"0 0 * * *", worker.RunEveryDay, plugins.TaskRunEveryDay},
	}
	for _, entry := range entries {
		entry := entry
		if _, err := s.cron.AddFunc(entry.spec, func() {
			s.tick(entry.kind, entry.name)
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	go s.lockLoop(ctx)
	return nil
}

// Stop demotes, releases the lock, and halts cron.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.mu.Lock()
	lock := s.lock
	cancelTerm := s.termCancel
	s.lock = nil
	s.leader = false
	s.termCtx, s.termCancel = nil, nil
	s.mu.Unlock()
	if cancelTerm != nil {
		cancelTerm()
	}
	if lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil && !errors.Is(err, store.ErrLockNotHeld) {
			logging.Op().Warn("failed to release scheduler lock", "error", err)
		}
	}
	metrics.SetSchedulerLeader(false)
}

// IsLeader reports whether this replica currently holds the lock.
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// lockLoop drives the follower/leader state machine: followers retry
// acquisition, the leader extends at half the TTL and demotes itself the
// moment an extension fails.
func (s *Scheduler) lockLoop(ctx context.Context) {
	defer close(s.done)
	for {
		if s.IsLeader() {
			select {
			case <-time.After(s.extendInterval):
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
			lock := s.lock
			s.mu.Unlock()
			if lock == nil {
				continue
			}
			if err := lock.Extend(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Op().Warn("lost scheduler lock", "error", err)
				s.demote()
			}
			continue
		}

		lock, err := s.locker.TryAcquire(ctx, lockName, s.ttl)
		if err != nil && ctx.Err() == nil {
			logging.Op().Warn("scheduler lock acquisition failed", "error", err)
		}
		if lock != nil {
			s.promote(lock)
			continue
		}
		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) promote(lock Lock) {
	s.mu.Lock()
	base := s.runCtx
	if base == nil {
		base = context.Background()
	}
	s.termCtx, s.termCancel = context.WithCancel(base)
	s.lock = lock
	s.leader = true
	s.mu.Unlock()
	metrics.SetSchedulerLeader(true)
	logging.Op().Info("became scheduler leader", "lock", lockName, "ttl", s.ttl)
}

// demote cancels the term context so scheduled tasks dispatched under the
// lost lock stop running on this replica.
func (s *Scheduler) demote() {
	s.mu.Lock()
	cancel := s.termCancel
	s.lock = nil
	s.leader = false
	s.termCtx, s.termCancel = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	metrics.SetSchedulerLeader(false)
	logging.Op().Info("demoted to scheduler follower")
}

// tick dispatches one periodic task per scheduled plugin config. The
// schedule itself lives in the worker hosts; a getPluginSchedule task fetches
// the current view.
func (s *Scheduler) tick(kind worker.Kind, taskName string) {
	s.mu.Lock()
	leader, ctx := s.leader, s.termCtx
	s.mu.Unlock()
	if !leader || ctx == nil {
		return
	}
	res := <-s.pool.RunTask(ctx, worker.Task{Kind: worker.GetPluginSchedule})
	if res.Err != nil {
		logging.Op().Error("failed to fetch plugin schedule", "task", taskName, "error", res.Err)
		return
	}
	configIDs := res.Schedule[taskName]
	if len(configIDs) == 0 {
		return
	}
	logging.Op().Debug("dispatching scheduled tasks", "task", taskName, "configs", len(configIDs))

	var wg sync.WaitGroup
	for _, configID := range configIDs {
		configID := configID
		out := s.pool.RunTask(ctx, worker.Task{Kind: kind, ConfigID: configID})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := <-out; res.Err != nil {
				logging.Op().Error("scheduled task failed", "task", taskName, "config_id", configID, "error", res.Err)
			}
		}()
	}
	wg.Wait()
}

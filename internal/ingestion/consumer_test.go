package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quasarhq/quasar/internal/broker"
	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/worker"
)

// fakeBrokerConsumer feeds canned batches and records pause/resume/commit.
type fakeBrokerConsumer struct {
	mu        sync.Mutex
	batches   chan []broker.Message
	pollErr   error
	paused    bool
	pauses    int
	resumes   int
	committed []int64
}

func newFakeBrokerConsumer() *fakeBrokerConsumer {
	return &fakeBrokerConsumer{batches: make(chan []broker.Message, 16)}
}

func (f *fakeBrokerConsumer) Poll(ctx context.Context) ([]broker.Message, error) {
	f.mu.Lock()
	err := f.pollErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case batch := <-f.batches:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeBrokerConsumer) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauses++
}

func (f *fakeBrokerConsumer) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.resumes++
}

func (f *fakeBrokerConsumer) Commit(ctx context.Context, msgs []broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeBrokerConsumer) Close() {}

func (f *fakeBrokerConsumer) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

// fakeRunner executes tasks inline, optionally gating the plugin pass.
type fakeRunner struct {
	gate     chan struct{} // processEvent blocks until closed, when set
	failUUID string
}

func (r *fakeRunner) RunTask(ctx context.Context, t worker.Task) <-chan worker.Result {
	out := make(chan worker.Result, 1)
	go func() {
		switch t.Kind {
		case worker.ProcessEvent:
			if r.gate != nil {
				select {
				case <-r.gate:
				case <-ctx.Done():
					out <- worker.Result{Err: ctx.Err()}
					return
				}
			}
			out <- worker.Result{Event: t.Event}
		case worker.IngestEvent:
			if r.failUUID != "" && t.Event.UUID == r.failUUID {
				out <- worker.Result{Err: errors.New("publish failed")}
				return
			}
			out <- worker.Result{Event: t.Event}
		default:
			out <- worker.Result{Err: fmt.Errorf("unexpected kind %s", t.Kind)}
		}
	}()
	return out
}

func rawMessage(t *testing.T, offset int64, uuid string) broker.Message {
	t.Helper()
	raw := domain.RawEvent{
		DistinctID: "user-1",
		TeamID:     42,
		Now:        time.Now().UTC(),
		UUID:       uuid,
		Data:       json.RawMessage(`{"event": "$pageview", "properties": {}}`),
	}
	value, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	return broker.Message{Topic: "events_ingestion_handoff", Partition: 0, Offset: offset, Value: value}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func startConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestConsumerPausesAtCapacityAndResumes(t *testing.T) {
	fake := newFakeBrokerConsumer()
	runner := &fakeRunner{gate: make(chan struct{})}
	c := NewConsumer(fake, runner, 4)

	batch := make([]broker.Message, 4)
	for i := range batch {
		batch[i] = rawMessage(t, int64(i), fmt.Sprintf("00000000-0000-4000-8000-%012d", i))
	}
	fake.batches <- batch

	startConsumer(t, c)
	eventually(t, "backpressure pause", func() bool { return c.Paused() })
	if c.InFlight() != 4 {
		t.Fatalf("in flight = %d at pause, want 4", c.InFlight())
	}

	close(runner.gate)
	eventually(t, "drain and resume", func() bool {
		return !c.Paused() && len(fake.committedOffsets()) == 4
	})

	fake.mu.Lock()
	pauses, resumes := fake.pauses, fake.resumes
	fake.mu.Unlock()
	if pauses != 1 || resumes != 1 {
		t.Fatalf("pauses = %d, resumes = %d, want 1 and 1", pauses, resumes)
	}
	c.Stop()
}

func TestConsumerAdmissionNeverExceedsCapacity(t *testing.T) {
	fake := newFakeBrokerConsumer()
	runner := &fakeRunner{gate: make(chan struct{})}
	c := NewConsumer(fake, runner, 4)

	// One polled batch holding more records than the capacity bound: the
	// remainder must wait for slots instead of being admitted.
	batch := make([]broker.Message, 10)
	for i := range batch {
		batch[i] = rawMessage(t, int64(i), fmt.Sprintf("00000000-0000-4000-8000-%012d", i))
	}
	fake.batches <- batch

	startConsumer(t, c)
	eventually(t, "capacity reached", func() bool { return c.InFlight() == 4 && c.Paused() })
	for i := 0; i < 20; i++ {
		if n := c.InFlight(); n > 4 {
			t.Fatalf("in flight = %d, exceeds capacity 4", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	close(runner.gate)
	eventually(t, "full batch processed", func() bool {
		return len(fake.committedOffsets()) == 10
	})
	c.Stop()
}

func TestConsumerCommitsOnlySuccessfulEvents(t *testing.T) {
	const failing = "00000000-0000-4000-8000-000000000099"
	fake := newFakeBrokerConsumer()
	runner := &fakeRunner{failUUID: failing}
	c := NewConsumer(fake, runner, 100)

	fake.batches <- []broker.Message{
		rawMessage(t, 1, "00000000-0000-4000-8000-000000000001"),
		rawMessage(t, 2, failing),
		rawMessage(t, 3, "00000000-0000-4000-8000-000000000003"),
	}

	startConsumer(t, c)
	eventually(t, "successful commits", func() bool { return len(fake.committedOffsets()) == 2 })
	c.Stop()

	for _, offset := range fake.committedOffsets() {
		if offset == 2 {
			t.Fatal("failed event's offset was committed")
		}
	}
}

func TestConsumerCommitsMalformedRecords(t *testing.T) {
	fake := newFakeBrokerConsumer()
	c := NewConsumer(fake, &fakeRunner{}, 100)

	fake.batches <- []broker.Message{
		{Topic: "events_ingestion_handoff", Offset: 7, Value: []byte("not json")},
	}
	startConsumer(t, c)
	eventually(t, "malformed record commit", func() bool {
		offsets := fake.committedOffsets()
		return len(offsets) == 1 && offsets[0] == 7
	})
	c.Stop()
}

func TestStopDrainsInFlightEvents(t *testing.T) {
	fake := newFakeBrokerConsumer()
	runner := &fakeRunner{gate: make(chan struct{})}
	c := NewConsumer(fake, runner, 4)

	fake.batches <- []broker.Message{rawMessage(t, 5, "00000000-0000-4000-8000-000000000005")}
	startConsumer(t, c)
	eventually(t, "event admitted", func() bool { return c.InFlight() == 1 })

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	// Stop must wait for the gated event rather than aborting it.
	select {
	case <-stopped:
		t.Fatal("Stop returned with an event still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the pipeline drained")
	}

	offsets := fake.committedOffsets()
	if len(offsets) != 1 || offsets[0] != 5 {
		t.Fatalf("committed = %v, want the drained event's offset [5]", offsets)
	}
}

func TestStartSurfacesPollFailure(t *testing.T) {
	fake := newFakeBrokerConsumer()
	pollErr := errors.New("group join rejected")
	fake.pollErr = pollErr
	c := NewConsumer(fake, &fakeRunner{}, 4)

	if err := c.Start(context.Background()); !errors.Is(err, pollErr) {
		t.Fatalf("Start err = %v, want wrapped poll failure", err)
	}
}

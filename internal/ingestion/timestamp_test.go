package ingestion

import (
	"testing"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
)

func TestResolveTimestampSkewCorrection(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	// Client clock runs 10 minutes slow: timestamp is 5s before sent_at.
	sentAt := time.Date(2021, 3, 1, 11, 50, 5, 0, time.UTC)
	event := &domain.PluginEvent{
		Now:       now,
		SentAt:    &sentAt,
		Timestamp: "2021-03-01T11:50:00Z",
	}

	got := ResolveTimestamp(event)
	want := now.Add(-5 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("ResolveTimestamp = %v, want %v", got, want)
	}
}

func TestResolveTimestampVerbatimWithoutSentAt(t *testing.T) {
	event := &domain.PluginEvent{
		Now:       time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC),
		Timestamp: "2021-02-28 23:59:59",
	}
	got := ResolveTimestamp(event)
	want := time.Date(2021, 2, 28, 23, 59, 59, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("ResolveTimestamp = %v, want %v", got, want)
	}
}

func TestResolveTimestampOffset(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &domain.PluginEvent{Now: now, Offset: 1500}
	got := ResolveTimestamp(event)
	want := now.Add(-1500 * time.Millisecond)
	if !got.Equal(want) {
		t.Fatalf("ResolveTimestamp = %v, want %v", got, want)
	}
}

func TestResolveTimestampFallsBackToNow(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &domain.PluginEvent{Now: now}
	if got := ResolveTimestamp(event); !got.Equal(now) {
		t.Fatalf("ResolveTimestamp = %v, want %v", got, now)
	}
}

func TestResolveTimestampUnparseableFallsThrough(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	sentAt := now.Add(-time.Second)
	event := &domain.PluginEvent{
		Now:       now,
		SentAt:    &sentAt,
		Timestamp: "not a timestamp",
		Offset:    2000,
	}
	got := ResolveTimestamp(event)
	want := now.Add(-2 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("ResolveTimestamp = %v, want %v", got, want)
	}
}

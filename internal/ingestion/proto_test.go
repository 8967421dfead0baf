package ingestion

import (
	"testing"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
)

func TestFinishedEventFrameRoundTrip(t *testing.T) {
	in := &domain.FinishedEvent{
		UUID:          "018df86e-7a5a-7000-8000-d2b385c3f182",
		Event:         "$pageview",
		Properties:    map[string]any{"$current_url": "https://example.com", "count": float64(3)},
		Timestamp:     time.Date(2021, 3, 1, 12, 0, 0, 123456000, time.UTC),
		TeamID:        42,
		DistinctID:    "user-1",
		ElementsChain: `a.link:text="Sign up"nth-child="1"nth-of-type="1"`,
		CreatedAt:     time.Date(2021, 3, 1, 12, 0, 1, 0, time.UTC),
	}

	frame, err := MarshalFinishedEvent(in)
	if err != nil {
		t.Fatalf("MarshalFinishedEvent: %v", err)
	}
	out, err := UnmarshalFinishedEvent(frame)
	if err != nil {
		t.Fatalf("UnmarshalFinishedEvent: %v", err)
	}

	if out.UUID != in.UUID || out.Event != in.Event || out.TeamID != in.TeamID || out.DistinctID != in.DistinctID {
		t.Fatalf("identity fields mangled: %+v", out)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if out.ElementsChain != in.ElementsChain {
		t.Fatalf("elements chain = %q", out.ElementsChain)
	}
	if out.Properties["$current_url"] != "https://example.com" {
		t.Fatalf("properties mangled: %v", out.Properties)
	}
}

func TestFinishedEventFrameOmitsEmptyStrings(t *testing.T) {
	frame, err := MarshalFinishedEvent(&domain.FinishedEvent{
		UUID:      "018df86e-7a5a-7000-8000-d2b385c3f182",
		Event:     "e",
		TeamID:    1,
		Timestamp: time.Unix(0, 0).UTC(),
		CreatedAt: time.Unix(0, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("MarshalFinishedEvent: %v", err)
	}
	out, err := UnmarshalFinishedEvent(frame)
	if err != nil {
		t.Fatalf("UnmarshalFinishedEvent: %v", err)
	}
	if out.DistinctID != "" || out.ElementsChain != "" {
		t.Fatalf("empty fields came back non-empty: %+v", out)
	}
}

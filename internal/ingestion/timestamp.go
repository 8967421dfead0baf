package ingestion

import (
	"time"

	"github.com/quasarhq/quasar/internal/domain"
)

// timestampFormats are tried in order when parsing client timestamps.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ResolveTimestamp computes the event time. Precedence: timestamp+sent_at
// gives clock-skew correction (now + (timestamp − sent_at)); a lone
// timestamp is used verbatim; an offset in milliseconds gives now − offset;
// otherwise now. Parse failures fall through to the next rule.
func ResolveTimestamp(event *domain.PluginEvent) time.Time {
	now := event.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if event.Timestamp != "" && event.SentAt != nil {
		if ts, err := parseClientTimestamp(event.Timestamp); err == nil {
			// The skew between timestamp and sent_at is monotonic in the
			// client's frame even when its wall clock is wrong.
			return now.Add(ts.Sub(*event.SentAt))
		}
	}
	if event.Timestamp != "" {
		if ts, err := parseClientTimestamp(event.Timestamp); err == nil {
			return ts
		}
	}
	if event.Offset != 0 {
		return now.Add(-time.Duration(event.Offset) * time.Millisecond)
	}
	return now
}

func parseClientTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, format := range timestampFormats {
		ts, err := time.Parse(format, s)
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

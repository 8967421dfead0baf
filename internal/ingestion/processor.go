// Package ingestion implements the queue consumer and the event processor:
// draining the handoff topic, resolving person identity, coercing
// timestamps, and publishing finished events to the analytics topics.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quasarhq/quasar/internal/broker"
	"github.com/quasarhq/quasar/internal/config"
	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
	"github.com/quasarhq/quasar/internal/observability"
	"github.com/quasarhq/quasar/internal/store"
)

// ErrEventDropped is returned for events that fail input validation: the
// event is dropped and the error surfaces to the ingester.
var ErrEventDropped = errors.New("ingestion: event dropped")

// Database is the slice of the relational store the processor needs. The
// Postgres store satisfies it; tests use an in-memory fake.
type Database interface {
	FetchPerson(ctx context.Context, teamID int64, distinctID string) (*domain.Person, error)
	CreatePerson(ctx context.Context, teamID int64, uuid string, createdAt time.Time, properties map[string]any, isIdentified bool, distinctIDs ...string) (*domain.Person, error)
	AddDistinctID(ctx context.Context, personID, teamID int64, distinctID string) error
	UpdatePerson(ctx context.Context, p *domain.Person) error
	MergePersons(ctx context.Context, target, source *domain.Person) error
	FetchDistinctIDs(ctx context.Context, personID int64) ([]string, error)
	FetchTeam(ctx context.Context, teamID int64) (*domain.Team, error)
	AppendTeamIngestedNames(ctx context.Context, teamID int64, eventNames, properties, numerical []string) error
	UpsertElementGroup(ctx context.Context, teamID int64, elements []domain.Element) (int64, error)
}

// Processor resolves identity and materializes events onto the analytics
// topics. Safe for concurrent use across workers.
type Processor struct {
	db       Database
	producer broker.Producer
	topics   config.TopicsConfig
	teams    *teamCache

	now     func() time.Time
	newUUID func() string
}

// NewProcessor builds an event processor on the shared store and producer.
func NewProcessor(db Database, producer broker.Producer, topics config.TopicsConfig) *Processor {
	return &Processor{
		db:       db,
		producer: producer,
		topics:   topics,
		teams:    newTeamCache(db),
		now:      func() time.Time { return time.Now().UTC() },
		newUUID:  newEventUUID,
	}
}

// newEventUUID returns a time-ordered (v7) identifier, monotonic within the
// process.
func newEventUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// Ingest validates, identity-resolves, and publishes one pipeline-processed
// event. Returns ErrEventDropped-wrapped errors for invalid input.
func (p *Processor) Ingest(ctx context.Context, event *domain.PluginEvent) error {
	ctx, span := observability.StartSpan(ctx, "ingestion.Ingest")
	defer span.End()

	if event.Event == "" {
		metrics.EventDropped("empty_event_name")
		return fmt.Errorf("%w: empty event name", ErrEventDropped)
	}
	if _, err := uuid.Parse(event.UUID); err != nil {
		metrics.EventDropped("bad_uuid")
		return fmt.Errorf("%w: malformed uuid %q", ErrEventDropped, event.UUID)
	}

	team, err := p.teams.fetch(ctx, event.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.EventDropped("unknown_team")
		return fmt.Errorf("%w: unknown team %d", ErrEventDropped, event.TeamID)
	}
	if err != nil {
		return fmt.Errorf("fetch team %d: %w", event.TeamID, err)
	}

	eventTime := ResolveTimestamp(event)

	if event.Properties == nil {
		event.Properties = map[string]any{}
	}
	if event.IP != "" && !team.AnonymizeIPs {
		if _, ok := event.Properties["$ip"]; !ok {
			event.Properties["$ip"] = event.IP
		}
	}

	if event.Event == "$snapshot" {
		if !team.SessionRecordingOptIn {
			metrics.EventDropped("recording_opt_out")
			return nil
		}
		return p.publishSnapshot(ctx, event, eventTime)
	}

	if err := p.handleIdentity(ctx, event, eventTime); err != nil {
		return err
	}

	p.teams.recordIngested(ctx, team, event)

	elementsChain, err := p.materializeElements(ctx, event)
	if err != nil {
		return err
	}

	finished := &domain.FinishedEvent{
		UUID:          event.UUID,
		Event:         event.Event,
		Properties:    event.Properties,
		Timestamp:     eventTime,
		TeamID:        event.TeamID,
		DistinctID:    event.DistinctID,
		ElementsChain: elementsChain,
		CreatedAt:     p.now(),
	}
	frame, err := MarshalFinishedEvent(finished)
	if err != nil {
		return err
	}
	if err := p.producer.Produce(ctx, p.topics.ClickhouseEvents, []byte(finished.UUID), frame); err != nil {
		metrics.EventFailed("publish")
		return fmt.Errorf("publish event: %w", err)
	}
	metrics.EventIngested()
	return nil
}

func (p *Processor) publishSnapshot(ctx context.Context, event *domain.PluginEvent, eventTime time.Time) error {
	sessionID, _ := event.Properties["$session_id"].(string)
	snapshot := &domain.SnapshotEvent{
		UUID:         event.UUID,
		TeamID:       event.TeamID,
		DistinctID:   event.DistinctID,
		SessionID:    sessionID,
		SnapshotData: event.Properties["$snapshot_data"],
		Timestamp:    eventTime,
		CreatedAt:    p.now(),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := p.producer.Produce(ctx, p.topics.SessionRecordings, []byte(event.UUID), payload); err != nil {
		metrics.EventFailed("publish_snapshot")
		return fmt.Errorf("publish snapshot: %w", err)
	}
	metrics.EventIngested()
	return nil
}

// materializeElements persists an autocaptured elements chain and returns
// its serialized form.
func (p *Processor) materializeElements(ctx context.Context, event *domain.PluginEvent) (string, error) {
	raw, ok := event.Properties["$elements"]
	if !ok {
		return "", nil
	}
	delete(event.Properties, "$elements")

	elements := ParseElements(raw)
	if len(elements) == 0 {
		return "", nil
	}
	if _, err := p.db.UpsertElementGroup(ctx, event.TeamID, elements); err != nil {
		logging.Op().Warn("failed to persist element group", "team_id", event.TeamID, "error", err)
	}
	return ElementsChain(elements), nil
}

package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
	"github.com/quasarhq/quasar/internal/store"
)

// handleIdentity resolves the person side of an event: $identify and
// $create_alias collapse distinct ids onto one person, everything else just
// guarantees a person row exists for the event's distinct id.
func (p *Processor) handleIdentity(ctx context.Context, event *domain.PluginEvent, eventTime time.Time) error {
	set := asPropertyMap(event.Properties["$set"])
	setOnce := asPropertyMap(event.Properties["$set_once"])

	switch event.Event {
	case "$identify":
		if anon, ok := event.Properties["$anon_distinct_id"].(string); ok && anon != "" && anon != event.DistinctID {
			if err := p.aliasWithRetry(ctx, event.TeamID, anon, event.DistinctID, eventTime); err != nil {
				return err
			}
		}
		return p.upsertPerson(ctx, event.TeamID, event.DistinctID, eventTime, set, setOnce, true)
	case "$create_alias":
		alias, ok := event.Properties["alias"].(string)
		if !ok || alias == "" {
			metrics.EventDropped("missing_alias")
			return fmt.Errorf("%w: $create_alias without alias property", ErrEventDropped)
		}
		if alias != event.DistinctID {
			if err := p.aliasWithRetry(ctx, event.TeamID, alias, event.DistinctID, eventTime); err != nil {
				return err
			}
		}
		return p.upsertPerson(ctx, event.TeamID, event.DistinctID, eventTime, set, setOnce, false)
	default:
		if len(set) > 0 || len(setOnce) > 0 {
			return p.upsertPerson(ctx, event.TeamID, event.DistinctID, eventTime, set, setOnce, false)
		}
		return p.ensurePerson(ctx, event.TeamID, event.DistinctID, eventTime)
	}
}

// aliasWithRetry collapses previous and current onto one person. A concurrent
// ingester racing on the same distinct ids surfaces as a unique violation; the
// state is re-read and the resolution retried exactly once.
func (p *Processor) aliasWithRetry(ctx context.Context, teamID int64, previous, current string, eventTime time.Time) error {
	err := p.alias(ctx, teamID, previous, current, eventTime)
	if errors.Is(err, store.ErrDuplicateDistinctID) {
		logging.Op().Debug("alias raced with concurrent write, retrying",
			"team_id", teamID, "previous", previous, "current", current)
		err = p.alias(ctx, teamID, previous, current, eventTime)
	}
	return err
}

func (p *Processor) alias(ctx context.Context, teamID int64, previous, current string, eventTime time.Time) error {
	oldPerson, err := p.lookupPerson(ctx, teamID, previous)
	if err != nil {
		return err
	}
	newPerson, err := p.lookupPerson(ctx, teamID, current)
	if err != nil {
		return err
	}

	switch {
	case oldPerson != nil && newPerson == nil:
		if err := p.db.AddDistinctID(ctx, oldPerson.ID, teamID, current); err != nil {
			return err
		}
		return p.publishPerson(ctx, oldPerson, current)
	case oldPerson == nil && newPerson != nil:
		if err := p.db.AddDistinctID(ctx, newPerson.ID, teamID, previous); err != nil {
			return err
		}
		return p.publishPerson(ctx, newPerson, previous)
	case oldPerson == nil && newPerson == nil:
		person, err := p.db.CreatePerson(ctx, teamID, p.newUUID(), eventTime, map[string]any{}, false, current, previous)
		if err != nil {
			return err
		}
		metrics.PersonCreated()
		return p.publishPerson(ctx, person, current, previous)
	case oldPerson.ID == newPerson.ID:
		return nil
	default:
		return p.mergePersons(ctx, newPerson, oldPerson)
	}
}

// mergePersons folds source into target: properties merge with the target
// winning conflicts, created_at keeps the earlier instant, and every distinct
// id of source repoints to target.
func (p *Processor) mergePersons(ctx context.Context, target, source *domain.Person) error {
	movedIDs, err := p.db.FetchDistinctIDs(ctx, source.ID)
	if err != nil {
		return err
	}
	target.Properties = domain.MergeProperties(source.Properties, target.Properties, nil)
	if source.CreatedAt.Before(target.CreatedAt) {
		target.CreatedAt = source.CreatedAt
	}
	target.IsIdentified = target.IsIdentified || source.IsIdentified
	if err := p.db.MergePersons(ctx, target, source); err != nil {
		return err
	}
	metrics.PersonMerged()
	return p.publishPerson(ctx, target, movedIDs...)
}

// upsertPerson applies $set/$set_once to the person behind distinctID,
// creating it first when missing. Create races fall back to an update.
func (p *Processor) upsertPerson(ctx context.Context, teamID int64, distinctID string, eventTime time.Time, set, setOnce map[string]any, identify bool) error {
	person, err := p.lookupPerson(ctx, teamID, distinctID)
	if err != nil {
		return err
	}
	if person == nil {
		created, err := p.db.CreatePerson(ctx, teamID, p.newUUID(), eventTime, domain.MergeProperties(nil, set, setOnce), identify, distinctID)
		if err == nil {
			metrics.PersonCreated()
			return p.publishPerson(ctx, created, distinctID)
		}
		if !errors.Is(err, store.ErrDuplicateDistinctID) {
			return err
		}
		// Lost the create race; the row exists now.
		if person, err = p.lookupPerson(ctx, teamID, distinctID); err != nil {
			return err
		}
		if person == nil {
			return fmt.Errorf("person for %q vanished after duplicate create", distinctID)
		}
	}

	merged := domain.MergeProperties(person.Properties, set, setOnce)
	identified := person.IsIdentified || identify
	if identified == person.IsIdentified && mapsEqual(merged, person.Properties) {
		return nil
	}
	person.Properties = merged
	person.IsIdentified = identified
	if err := p.db.UpdatePerson(ctx, person); err != nil {
		return err
	}
	return p.publishPerson(ctx, person)
}

// ensurePerson guarantees a person row exists for the distinct id.
func (p *Processor) ensurePerson(ctx context.Context, teamID int64, distinctID string, eventTime time.Time) error {
	person, err := p.lookupPerson(ctx, teamID, distinctID)
	if err != nil || person != nil {
		return err
	}
	created, err := p.db.CreatePerson(ctx, teamID, p.newUUID(), eventTime, map[string]any{}, false, distinctID)
	if errors.Is(err, store.ErrDuplicateDistinctID) {
		// Another ingester created it first.
		return nil
	}
	if err != nil {
		return err
	}
	metrics.PersonCreated()
	return p.publishPerson(ctx, created, distinctID)
}

// lookupPerson maps the store's not-found sentinel to a nil person.
func (p *Processor) lookupPerson(ctx context.Context, teamID int64, distinctID string) (*domain.Person, error) {
	person, err := p.db.FetchPerson(ctx, teamID, distinctID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return person, err
}

type personMessage struct {
	ID           string         `json:"id"`
	TeamID       int64          `json:"team_id"`
	Properties   map[string]any `json:"properties"`
	IsIdentified bool           `json:"is_identified"`
	CreatedAt    time.Time      `json:"created_at"`
}

type personDistinctIDMessage struct {
	TeamID     int64  `json:"team_id"`
	PersonID   string `json:"person_id"`
	DistinctID string `json:"distinct_id"`
}

// publishPerson fans the person row out to the person topic and one
// person_unique_id message per newly attached distinct id.
func (p *Processor) publishPerson(ctx context.Context, person *domain.Person, distinctIDs ...string) error {
	payload, err := json.Marshal(personMessage{
		ID:           person.UUID,
		TeamID:       person.TeamID,
		Properties:   person.Properties,
		IsIdentified: person.IsIdentified,
		CreatedAt:    person.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode person: %w", err)
	}
	if err := p.producer.Produce(ctx, p.topics.Person, []byte(person.UUID), payload); err != nil {
		return fmt.Errorf("publish person: %w", err)
	}
	for _, distinctID := range distinctIDs {
		payload, err := json.Marshal(personDistinctIDMessage{
			TeamID:     person.TeamID,
			PersonID:   person.UUID,
			DistinctID: distinctID,
		})
		if err != nil {
			return fmt.Errorf("encode person distinct id: %w", err)
		}
		if err := p.producer.Produce(ctx, p.topics.PersonUniqueID, []byte(distinctID), payload); err != nil {
			return fmt.Errorf("publish person distinct id: %w", err)
		}
	}
	return nil
}

// asPropertyMap coerces the $set/$set_once payloads, which arrive as
// map[string]any through JSON but may be absent or malformed.
func asPropertyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		aj, errA := json.Marshal(av)
		bj, errB := json.Marshal(bv)
		if errA != nil || errB != nil || string(aj) != string(bj) {
			return false
		}
	}
	return true
}

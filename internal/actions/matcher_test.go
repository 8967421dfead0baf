package actions

import (
	"context"
	"testing"

	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/store"
)

// fakeActionStore serves canned action rows.
type fakeActionStore struct {
	actions map[int64]*domain.Action
}

func (s *fakeActionStore) FetchAllActions(ctx context.Context) ([]*domain.Action, error) {
	out := make([]*domain.Action, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeActionStore) FetchAction(ctx context.Context, actionID int64) (*domain.Action, error) {
	a, ok := s.actions[actionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func event(name string, props map[string]any) *domain.PluginEvent {
	if props == nil {
		props = map[string]any{}
	}
	return &domain.PluginEvent{TeamID: 1, Event: name, Properties: props}
}

func TestStepMatchesEventName(t *testing.T) {
	step := &domain.ActionStep{EventName: "signed_up"}
	if !stepMatches(step, event("signed_up", nil), nil) {
		t.Fatal("exact event name did not match")
	}
	if stepMatches(step, event("$pageview", nil), nil) {
		t.Fatal("different event name matched")
	}
}

func TestStepMatchesURL(t *testing.T) {
	ev := event("$pageview", map[string]any{"$current_url": "https://example.com/pricing?ref=x"})

	cases := []struct {
		matching string
		url      string
		want     bool
	}{
		{domain.URLMatchingContains, "/pricing", true},
		{domain.URLMatchingContains, "/checkout", false},
		{domain.URLMatchingExact, "https://example.com/pricing?ref=x", true},
		{domain.URLMatchingExact, "https://example.com/pricing", false},
		{domain.URLMatchingRegex, `/pricing\?ref=\w+$`, true},
		{domain.URLMatchingRegex, `^/pricing$`, false},
	}
	for _, tc := range cases {
		step := &domain.ActionStep{URL: tc.url, URLMatching: tc.matching}
		if got := stepMatches(step, ev, nil); got != tc.want {
			t.Errorf("url %q (%s) matched=%v, want %v", tc.url, tc.matching, got, tc.want)
		}
	}

	// No $current_url at all: URL steps never match.
	step := &domain.ActionStep{URL: "/pricing", URLMatching: domain.URLMatchingContains}
	if stepMatches(step, event("$pageview", nil), nil) {
		t.Fatal("url step matched event without $current_url")
	}
}

func TestStepMatchesElements(t *testing.T) {
	elements := []domain.Element{
		{TagName: "div"},
		{TagName: "a", Text: "Sign up", Href: "/signup"},
	}
	if !stepMatches(&domain.ActionStep{TagName: "a", Text: "Sign up"}, event("$autocapture", nil), elements) {
		t.Fatal("element predicates did not match")
	}
	if stepMatches(&domain.ActionStep{TagName: "a", Text: "Log in"}, event("$autocapture", nil), elements) {
		t.Fatal("wrong text matched")
	}
	if stepMatches(&domain.ActionStep{TagName: "button"}, event("$autocapture", nil), nil) {
		t.Fatal("element step matched with no elements")
	}
}

func TestPropertyFilters(t *testing.T) {
	props := map[string]any{"plan": "Premium", "mrr": float64(99)}

	cases := []struct {
		filter domain.PropertyFilter
		want   bool
	}{
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorExact, Value: "Premium"}, true},
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorExact, Value: "Free"}, false},
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorIsNot, Value: "Free"}, true},
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorContains, Value: "prem"}, true},
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorNotContains, Value: "prem"}, false},
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorRegex, Value: "^Prem"}, true},
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorNotRegex, Value: "^Prem"}, false},
		{domain.PropertyFilter{Key: "plan", Operator: domain.OperatorIsSet}, true},
		{domain.PropertyFilter{Key: "missing", Operator: domain.OperatorIsSet}, false},
		{domain.PropertyFilter{Key: "missing", Operator: domain.OperatorIsNotSet}, true},
		{domain.PropertyFilter{Key: "mrr", Operator: domain.OperatorGreaterThan, Value: float64(50)}, true},
		{domain.PropertyFilter{Key: "mrr", Operator: domain.OperatorLessThan, Value: float64(50)}, false},
		{domain.PropertyFilter{Key: "missing", Operator: domain.OperatorExact, Value: "x"}, false},
	}
	for _, tc := range cases {
		if got := propertyMatches(&tc.filter, props); got != tc.want {
			t.Errorf("filter %+v matched=%v, want %v", tc.filter, got, tc.want)
		}
	}
}

func TestManagerMatchAndReload(t *testing.T) {
	fake := &fakeActionStore{actions: map[int64]*domain.Action{
		1: {ID: 1, TeamID: 1, Name: "signup clicks", Steps: []domain.ActionStep{{EventName: "signed_up"}}},
		2: {ID: 2, TeamID: 1, Name: "stepless", Steps: nil},
		3: {ID: 3, TeamID: 2, Name: "other team", Steps: []domain.ActionStep{{EventName: "signed_up"}}},
		4: {ID: 4, TeamID: 1, Name: "deleted", Deleted: true, Steps: []domain.ActionStep{{EventName: "signed_up"}}},
	}}
	m := NewManager(fake)
	if err := m.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}

	matched := m.Match(event("signed_up", nil), nil)
	if len(matched) != 1 || matched[0].ID != 1 {
		t.Fatalf("matched %v, want action 1 only", matched)
	}

	// Drop and re-match.
	m.Drop(1, 1)
	if matched := m.Match(event("signed_up", nil), nil); matched != nil {
		t.Fatalf("matched %v after drop, want none", matched)
	}

	// Reload restores it.
	if err := m.Reload(context.Background(), 1, 1); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if matched := m.Match(event("signed_up", nil), nil); len(matched) != 1 {
		t.Fatalf("matched %v after reload, want action 1", matched)
	}

	// A reload that finds the row missing drops it.
	delete(fake.actions, 1)
	if err := m.Reload(context.Background(), 1, 1); err != nil {
		t.Fatalf("Reload of missing action: %v", err)
	}
	if matched := m.Match(event("signed_up", nil), nil); matched != nil {
		t.Fatalf("matched %v after row deletion, want none", matched)
	}
}

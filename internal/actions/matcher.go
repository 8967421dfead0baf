// Package actions maintains the per-team action index and matches events
// against action steps.
package actions

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/quasarhq/quasar/internal/domain"
)

// stepMatches reports whether one step accepts the event. Every populated
// predicate must hold; empty predicates are wildcards.
func stepMatches(step *domain.ActionStep, event *domain.PluginEvent, elements []domain.Element) bool {
	if step.EventName != "" && step.EventName != event.Event {
		return false
	}
	if step.URL != "" && !urlMatches(step, event) {
		return false
	}
	if (step.TagName != "" || step.Text != "" || step.Href != "") && !elementsMatch(step, elements) {
		return false
	}
	for i := range step.Properties {
		if !propertyMatches(&step.Properties[i], event.Properties) {
			return false
		}
	}
	return true
}

func urlMatches(step *domain.ActionStep, event *domain.PluginEvent) bool {
	current, _ := event.Properties["$current_url"].(string)
	if current == "" {
		return false
	}
	switch step.URLMatching {
	case domain.URLMatchingExact:
		return current == step.URL
	case domain.URLMatchingRegex:
		re, err := regexp.Compile(step.URL)
		if err != nil {
			return false
		}
		return re.MatchString(current)
	default:
		return strings.Contains(current, step.URL)
	}
}

// elementsMatch scans the chain for any element satisfying the step's DOM
// predicates.
func elementsMatch(step *domain.ActionStep, elements []domain.Element) bool {
	for i := range elements {
		el := &elements[i]
		if step.TagName != "" && step.TagName != el.TagName {
			continue
		}
		if step.Text != "" && step.Text != el.Text {
			continue
		}
		if step.Href != "" && step.Href != el.Href {
			continue
		}
		return true
	}
	return false
}

func propertyMatches(filter *domain.PropertyFilter, properties map[string]any) bool {
	value, present := properties[filter.Key]

	switch filter.Operator {
	case domain.OperatorIsSet:
		return present
	case domain.OperatorIsNotSet:
		return !present
	}
	if !present {
		return false
	}

	have := stringify(value)
	want := stringify(filter.Value)

	switch filter.Operator {
	case domain.OperatorIsNot:
		return have != want
	case domain.OperatorContains:
		return strings.Contains(strings.ToLower(have), strings.ToLower(want))
	case domain.OperatorNotContains:
		return !strings.Contains(strings.ToLower(have), strings.ToLower(want))
	case domain.OperatorRegex:
		re, err := regexp.Compile(want)
		return err == nil && re.MatchString(have)
	case domain.OperatorNotRegex:
		re, err := regexp.Compile(want)
		return err == nil && !re.MatchString(have)
	case domain.OperatorGreaterThan:
		a, b, ok := numbers(value, filter.Value)
		return ok && a > b
	case domain.OperatorLessThan:
		a, b, ok := numbers(value, filter.Value)
		return ok && a < b
	default: // exact
		return have == want
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func numbers(a, b any) (float64, float64, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return af, bf, aok && bok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

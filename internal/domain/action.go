package domain

// Action labels events server-side through a list of match steps. An action
// matches an event when any of its steps matches.
type Action struct {
	ID      int64
	TeamID  int64
	Name    string
	Deleted bool
	Steps   []ActionStep
}

// URL matching modes for an action step.
const (
	URLMatchingContains = "contains"
	URLMatchingRegex    = "regex"
	URLMatchingExact    = "exact"
)

// ActionStep is one match specification: URL predicate, event-name predicate,
// DOM-element predicate, and a property-filter list. Empty fields are
// wildcards.
type ActionStep struct {
	ID          int64
	ActionID    int64
	TagName     string
	Text        string
	Href        string
	Selector    string
	URL         string
	URLMatching string
	EventName   string
	Properties  []PropertyFilter
}

// Property filter operators.
const (
	OperatorExact       = "exact"
	OperatorIsNot       = "is_not"
	OperatorContains    = "icontains"
	OperatorNotContains = "not_icontains"
	OperatorRegex       = "regex"
	OperatorNotRegex    = "not_regex"
	OperatorIsSet       = "is_set"
	OperatorIsNotSet    = "is_not_set"
	OperatorGreaterThan = "gt"
	OperatorLessThan    = "lt"
)

// PropertyFilter compares one event property against a value.
type PropertyFilter struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	Operator string `json:"operator"`
}

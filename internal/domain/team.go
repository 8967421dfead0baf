package domain

// Team is the tenant row. The ingested-names lists are additive caches the
// event processor maintains: first sight of a new event name or property per
// team appends it, nothing ever removes.
type Team struct {
	ID                           int64
	Name                         string
	AnonymizeIPs                 bool
	SessionRecordingOptIn        bool
	IngestedEventNames           []string
	IngestedEventProperties      []string
	IngestedNumericalProperties  []string
}

// Element is one node of a DOM elements chain attached to an autocaptured
// event.
type Element struct {
	TagName    string            `json:"tag_name,omitempty"`
	Text       string            `json:"text,omitempty"`
	Href       string            `json:"href,omitempty"`
	AttrID     string            `json:"attr_id,omitempty"`
	AttrClass  []string          `json:"attr_class,omitempty"`
	NthChild   int               `json:"nth_child,omitempty"`
	NthOfType  int               `json:"nth_of_type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Order      int               `json:"order"`
}

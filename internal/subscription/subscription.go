// Package subscription implements topic-based change notifications. A
// manager listens to store change events, matches them against active
// subscriptions with the same compiled selectors search uses, and hands
// notification bundles to channel collaborators asynchronously.
package subscription

import (
	"fmt"
	"time"

	"github.com/fhir-candle/candle/internal/fhirpath"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusOff       Status = "off"
)

// ChannelType names the delivery mechanism.
type ChannelType string

const (
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelWebsocket ChannelType = "websocket"
)

// ContentLevel controls how much of the focus resource a notification
// carries.
type ContentLevel string

const (
	ContentEmpty        ContentLevel = "empty"
	ContentIDOnly       ContentLevel = "id-only"
	ContentFullResource ContentLevel = "full-resource"
)

var validChannelTypes = map[ChannelType]bool{
	ChannelRestHook:  true,
	ChannelWebsocket: true,
}

var validContentLevels = map[ContentLevel]bool{
	ContentEmpty:        true,
	ContentIDOnly:       true,
	ContentFullResource: true,
}

// Topic declares what resource changes produce notifications. Triggers
// are OR'ed; within a trigger the type, interactions, and criteria all
// have to hold.
type Topic struct {
	ID       string
	URL      string
	Title    string
	Status   string // draft | active | retired
	Triggers []Trigger
	FilterBy []AllowedFilter
}

// Trigger binds a topic to one resource type.
type Trigger struct {
	ResourceType string
	Interactions []string // create, update, delete; empty allows all
	Criteria     string   // boolean selector over the changed resource

	criteria *fhirpath.Expr
}

// AllowedFilter whitelists a filter parameter subscriptions may use.
type AllowedFilter struct {
	ResourceType string
	Parameter    string
	Comparators  []string
	Modifiers    []string
}

// Filter is one runtime filter carried by a subscription. The parameter
// is resolved through the search registry, so any registered search
// parameter of the trigger type works.
type Filter struct {
	ResourceType string
	Parameter    string
	Comparator   string // eq when empty; ordered comparators prefix the value
	Modifier     string
	Value        string
}

// Subscription is the standing registration. Runtime accounting (event
// counter, histories, delivery state) lives with the manager, not here.
type Subscription struct {
	ID       string
	TopicURL string
	// TriggerType backs topic-less criteria subscriptions: the
	// subscription fires on changes to this type that pass its
	// filters.
	TriggerType string
	Status      Status
	Reason      string
	ChannelType ChannelType
	Endpoint    string
	Headers     []string
	ContentType string // application/fhir+json when empty
	Content     ContentLevel

	HeartbeatSeconds         int
	TimeoutSeconds           int
	MaxEventsPerNotification int
	End                      *time.Time

	Filters []Filter
}

// Event records one matched resource change. Append-only; a duplicate
// event number replaces the earlier record.
type Event struct {
	Number    int64
	Focus     string // Type/id reference
	Operation string
	Timestamp time.Time
	Resource  map[string]interface{} // nil for deletes
}

// DeliveryError is one failed notification attempt.
type DeliveryError struct {
	Timestamp time.Time
	Attempt   int
	Message   string
}

// SerializedNotification keeps the wire form of a sent (or attempted)
// notification for diagnostics.
type SerializedNotification struct {
	Timestamp   time.Time
	Kind        string // event-notification, heartbeat, handshake
	EventNumber int64  // highest event number carried, 0 for heartbeats
	Body        []byte
}

// compileTriggers compiles every trigger criteria expression. A topic
// with a broken criteria is rejected at registration, never at event
// time.
func (t *Topic) compileTriggers() error {
	for i := range t.Triggers {
		tr := &t.Triggers[i]
		if tr.ResourceType == "" {
			return fmt.Errorf("topic %s: trigger without resource type", t.URL)
		}
		if tr.Criteria == "" {
			continue
		}
		expr, err := fhirpath.Compile(tr.Criteria)
		if err != nil {
			return fmt.Errorf("topic %s: criteria %q: %w", t.URL, tr.Criteria, err)
		}
		tr.criteria = expr
	}
	return nil
}

// matches reports whether a change of the given kind to the given
// resource fires this topic.
func (t *Topic) matches(resourceType, operation string, content map[string]interface{}) bool {
	for _, tr := range t.Triggers {
		if tr.ResourceType != resourceType {
			continue
		}
		if len(tr.Interactions) > 0 {
			ok := false
			for _, in := range tr.Interactions {
				if in == operation {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		if tr.criteria != nil {
			if content == nil || !tr.criteria.EvaluateBool(content) {
				continue
			}
		}
		return true
	}
	return false
}

// allowsFilter checks a subscription filter against the topic's
// whitelist. A topic without a whitelist allows any registered
// parameter.
func (t *Topic) allowsFilter(f Filter) error {
	if len(t.FilterBy) == 0 {
		return nil
	}
	for _, af := range t.FilterBy {
		if af.Parameter != f.Parameter {
			continue
		}
		if af.ResourceType != "" && f.ResourceType != "" && af.ResourceType != f.ResourceType {
			continue
		}
		if f.Modifier != "" && len(af.Modifiers) > 0 && !containsString(af.Modifiers, f.Modifier) {
			return fmt.Errorf("modifier %q not allowed for filter %q", f.Modifier, f.Parameter)
		}
		if f.Comparator != "" && f.Comparator != "eq" && len(af.Comparators) > 0 && !containsString(af.Comparators, f.Comparator) {
			return fmt.Errorf("comparator %q not allowed for filter %q", f.Comparator, f.Parameter)
		}
		return nil
	}
	return fmt.Errorf("filter parameter %q is not allowed by topic %s", f.Parameter, t.URL)
}

func containsString(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}

// searchValue renders the filter's comparator and value the way a search
// query would carry them, so the shared matcher applies the comparator.
func (f Filter) searchValue() string {
	switch f.Comparator {
	case "", "eq":
		return f.Value
	}
	return f.Comparator + f.Value
}

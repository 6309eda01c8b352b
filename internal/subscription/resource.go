package subscription

import (
	"fmt"
	"time"
)

// FromResource builds a Subscription from a Subscription resource map.
// Both the R4 criteria/channel shape and the flat backport shape are
// accepted.
func FromResource(res map[string]interface{}) (*Subscription, error) {
	if asString(res["resourceType"]) != "Subscription" {
		return nil, fmt.Errorf("not a Subscription resource")
	}
	sub := &Subscription{
		ID:       asString(res["id"]),
		TopicURL: asString(res["topic"]),
		Reason:   asString(res["reason"]),
		Content:  ContentLevel(asString(res["content"])),
	}

	if criteria := asString(res["criteria"]); criteria != "" {
		sub.TriggerType, sub.Filters = ParseCriteria(criteria)
	}
	for _, f := range asSlice(res["filterBy"]) {
		fm, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		sub.Filters = append(sub.Filters, Filter{
			ResourceType: asString(fm["resourceType"]),
			Parameter:    asString(fm["filterParameter"]),
			Comparator:   asString(fm["comparator"]),
			Modifier:     asString(fm["modifier"]),
			Value:        asString(fm["value"]),
		})
	}

	if ch, ok := res["channel"].(map[string]interface{}); ok {
		sub.ChannelType = ChannelType(asString(ch["type"]))
		sub.Endpoint = asString(ch["endpoint"])
		sub.ContentType = asString(ch["payload"])
		for _, h := range asSlice(ch["header"]) {
			if s := asString(h); s != "" {
				sub.Headers = append(sub.Headers, s)
			}
		}
	}
	if t := asString(res["channelType"]); t != "" {
		sub.ChannelType = ChannelType(t)
	}
	if e := asString(res["endpoint"]); e != "" {
		sub.Endpoint = e
	}
	if ct := asString(res["contentType"]); ct != "" {
		sub.ContentType = ct
	}

	sub.HeartbeatSeconds = asInt(res["heartbeatPeriod"])
	sub.TimeoutSeconds = asInt(res["timeout"])
	sub.MaxEventsPerNotification = asInt(res["maxCount"])

	if end := asString(res["end"]); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, fmt.Errorf("invalid end %q: %w", end, err)
		}
		sub.End = &t
	}
	return sub, nil
}

// TopicFromResource builds a Topic from a SubscriptionTopic resource
// map.
func TopicFromResource(res map[string]interface{}) (*Topic, error) {
	if asString(res["resourceType"]) != "SubscriptionTopic" {
		return nil, fmt.Errorf("not a SubscriptionTopic resource")
	}
	t := &Topic{
		ID:     asString(res["id"]),
		URL:    asString(res["url"]),
		Title:  asString(res["title"]),
		Status: asString(res["status"]),
	}
	if t.URL == "" {
		return nil, fmt.Errorf("SubscriptionTopic.url is required")
	}
	for _, rt := range asSlice(res["resourceTrigger"]) {
		tm, ok := rt.(map[string]interface{})
		if !ok {
			continue
		}
		tr := Trigger{
			ResourceType: asString(tm["resource"]),
			Criteria:     asString(tm["fhirPathCriteria"]),
		}
		for _, in := range asSlice(tm["supportedInteraction"]) {
			if s := asString(in); s != "" {
				tr.Interactions = append(tr.Interactions, s)
			}
		}
		t.Triggers = append(t.Triggers, tr)
	}
	for _, cf := range asSlice(res["canFilterBy"]) {
		fm, ok := cf.(map[string]interface{})
		if !ok {
			continue
		}
		af := AllowedFilter{
			ResourceType: asString(fm["resource"]),
			Parameter:    asString(fm["filterParameter"]),
		}
		for _, m := range asSlice(fm["modifier"]) {
			if s := asString(m); s != "" {
				af.Modifiers = append(af.Modifiers, s)
			}
		}
		for _, c := range asSlice(fm["comparator"]) {
			if s := asString(c); s != "" {
				af.Comparators = append(af.Comparators, s)
			}
		}
		t.FilterBy = append(t.FilterBy, af)
	}
	return t, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

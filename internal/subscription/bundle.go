package subscription

import (
	"time"
)

// notificationBundle assembles the backport-style history bundle for a
// batch of events. The first entry is the SubscriptionStatus; focus
// entries follow according to the subscription's content level.
func notificationBundle(sub *Subscription, kind string, events []Event, eventsSinceStart int64) map[string]interface{} {
	status := map[string]interface{}{
		"resourceType": "SubscriptionStatus",
		"status":       string(sub.Status),
		"type":         kind,
		"eventsSinceSubscriptionStart": eventsSinceStart,
		"subscription": map[string]interface{}{
			"reference": "Subscription/" + sub.ID,
		},
	}
	if sub.TopicURL != "" {
		status["topic"] = sub.TopicURL
	}
	if len(events) > 0 {
		ne := make([]interface{}, 0, len(events))
		for _, ev := range events {
			ne = append(ne, map[string]interface{}{
				"eventNumber": ev.Number,
				"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339),
				"focus":       map[string]interface{}{"reference": ev.Focus},
			})
		}
		status["notificationEvent"] = ne
	}

	entries := []interface{}{
		map[string]interface{}{"resource": status},
	}
	for _, ev := range events {
		if e := focusEntry(sub.Content, ev); e != nil {
			entries = append(entries, e)
		}
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}
}

// focusEntry renders one event at the subscription's content level. The
// empty level omits focus entries entirely.
func focusEntry(level ContentLevel, ev Event) map[string]interface{} {
	entry := map[string]interface{}{
		"fullUrl": ev.Focus,
		"request": map[string]interface{}{
			"method": operationMethod(ev.Operation),
			"url":    ev.Focus,
		},
	}
	switch level {
	case ContentEmpty:
		return nil
	case ContentIDOnly:
		// the fullUrl reference alone identifies the resource
	default: // full-resource
		if ev.Resource != nil {
			entry["resource"] = ev.Resource
		}
	}
	return entry
}

func operationMethod(op string) string {
	switch op {
	case "create":
		return "POST"
	case "delete":
		return "DELETE"
	default:
		return "PUT"
	}
}

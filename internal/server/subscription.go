package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fhir-candle/candle/internal/subscription"
)

// handleSubscriptionStatus serves Subscription/[id]/$status: the
// runtime state of one subscription as a SubscriptionStatus resource.
func (s *Server) handleSubscriptionStatus(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	id := c.Param("id")
	info, found := ten.Subscriptions.Status(id)
	if !found {
		return s.outcome(c, http.StatusNotFound, "not-found", "no active subscription: "+id)
	}
	return s.respondTree(c, http.StatusOK, subscriptionStatusResource(info, "query-status", nil))
}

// handleSubscriptionEvents serves Subscription/[id]/$events: the
// retained events replayed as a query-event notification bundle. The
// eventsSinceNumber and eventsUntilNumber parameters bound the replay.
func (s *Server) handleSubscriptionEvents(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}
	id := c.Param("id")
	sub, found := ten.Subscriptions.Subscription(id)
	if !found {
		return s.outcome(c, http.StatusNotFound, "not-found", "no active subscription: "+id)
	}
	info, _ := ten.Subscriptions.Status(id)

	events := ten.Subscriptions.Events(id)
	if since, err := strconv.ParseInt(c.QueryParam("eventsSinceNumber"), 10, 64); err == nil {
		events = filterEvents(events, func(ev subscription.Event) bool { return ev.Number > since })
	}
	if until, err := strconv.ParseInt(c.QueryParam("eventsUntilNumber"), 10, 64); err == nil {
		events = filterEvents(events, func(ev subscription.Event) bool { return ev.Number <= until })
	}

	entries := []interface{}{
		map[string]interface{}{
			"resource": subscriptionStatusResource(info, "query-event", events),
		},
	}
	for _, ev := range events {
		if sub.Content == subscription.ContentEmpty {
			break
		}
		entry := map[string]interface{}{
			"fullUrl": ev.Focus,
			"request": map[string]interface{}{
				"method": operationMethod(ev.Operation),
				"url":    ev.Focus,
			},
		}
		if sub.Content == subscription.ContentFullResource && ev.Resource != nil {
			entry["resource"] = ev.Resource
		}
		entries = append(entries, entry)
	}

	return s.respondTree(c, http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "history",
		"entry":        entries,
	})
}

func filterEvents(events []subscription.Event, keep func(subscription.Event) bool) []subscription.Event {
	out := events[:0:0]
	for _, ev := range events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func operationMethod(op string) string {
	switch op {
	case "create":
		return "POST"
	case "delete":
		return "DELETE"
	}
	return "PUT"
}

func subscriptionStatusResource(info subscription.StatusInfo, kind string, events []subscription.Event) map[string]interface{} {
	res := map[string]interface{}{
		"resourceType":                 "SubscriptionStatus",
		"status":                       string(info.Status),
		"type":                         kind,
		"eventsSinceSubscriptionStart": strconv.FormatInt(info.EventCount, 10),
		"subscription": map[string]interface{}{
			"reference": "Subscription/" + info.ID,
		},
	}
	if info.TopicURL != "" {
		res["topic"] = info.TopicURL
	}
	if len(events) > 0 {
		list := make([]interface{}, 0, len(events))
		for _, ev := range events {
			list = append(list, map[string]interface{}{
				"eventNumber": strconv.FormatInt(ev.Number, 10),
				"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339),
				"focus":       map[string]interface{}{"reference": ev.Focus},
			})
		}
		res["notificationEvent"] = list
	}
	return res
}

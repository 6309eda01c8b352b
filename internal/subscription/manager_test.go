package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhir-candle/candle/internal/search"
	"github.com/fhir-candle/candle/internal/store"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(search.NewDefaultRegistry(), zerolog.Nop())
	t.Cleanup(m.Shutdown)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// recordingHub captures websocket broadcasts.
type recordingHub struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (h *recordingHub) Broadcast(_ string, body []byte) {
	h.mu.Lock()
	h.bodies = append(h.bodies, body)
	h.mu.Unlock()
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func encounterEvent(op store.Operation, id, status string) store.ChangeEvent {
	return store.ChangeEvent{
		Operation: op,
		Type:      "Encounter",
		ID:        id,
		Timestamp: time.Now(),
		Resource: map[string]interface{}{
			"resourceType": "Encounter",
			"id":           id,
			"status":       status,
		},
	}
}

func subscribeWebsocket(t *testing.T, m *Manager, criteria string) *Subscription {
	t.Helper()
	rt, filters := ParseCriteria(criteria)
	sub := &Subscription{
		TriggerType: rt,
		Filters:     filters,
		ChannelType: ChannelWebsocket,
		Content:     ContentIDOnly,
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return sub
}

// ---------------------------------------------------------------------------
// criteria parsing
// ---------------------------------------------------------------------------

func TestParseCriteria(t *testing.T) {
	rt, filters := ParseCriteria("Observation?status=final&code=1234")
	if rt != "Observation" {
		t.Errorf("resource type: got %q", rt)
	}
	if len(filters) != 2 {
		t.Fatalf("filters: got %d", len(filters))
	}
	if filters[0].Parameter != "status" || filters[0].Value != "final" {
		t.Errorf("first filter: got %+v", filters[0])
	}

	rt, filters = ParseCriteria("Patient")
	if rt != "Patient" || len(filters) != 0 {
		t.Errorf("bare type: got %q with %d filters", rt, len(filters))
	}

	_, filters = ParseCriteria("Patient?name:exact=Smith")
	if len(filters) != 1 || filters[0].Modifier != "exact" {
		t.Errorf("modifier: got %+v", filters)
	}
}

// ---------------------------------------------------------------------------
// validation
// ---------------------------------------------------------------------------

func TestSubscribeValidation(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})

	cases := []struct {
		name string
		sub  *Subscription
	}{
		{"bad channel", &Subscription{TriggerType: "Patient", ChannelType: "carrier-pigeon"}},
		{"bad content level", &Subscription{TriggerType: "Patient", ChannelType: ChannelWebsocket, Content: "everything"}},
		{"no topic or trigger", &Subscription{ChannelType: ChannelWebsocket}},
		{"unknown topic", &Subscription{TopicURL: "http://example.org/nope", ChannelType: ChannelWebsocket}},
		{"rest-hook without endpoint", &Subscription{TriggerType: "Patient", ChannelType: ChannelRestHook}},
		{"unknown filter parameter", &Subscription{
			TriggerType: "Patient",
			ChannelType: ChannelWebsocket,
			Filters:     []Filter{{Parameter: "flavor", Value: "vanilla"}},
		}},
	}
	for _, tc := range cases {
		if err := m.Subscribe(tc.sub); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestTopicFilterWhitelist(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})
	err := m.RegisterTopic(&Topic{
		URL:      "http://example.org/topics/encounter-start",
		Triggers: []Trigger{{ResourceType: "Encounter", Interactions: []string{"create"}}},
		FilterBy: []AllowedFilter{{ResourceType: "Encounter", Parameter: "status"}},
	})
	if err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}

	sub := &Subscription{
		TopicURL:    "http://example.org/topics/encounter-start",
		ChannelType: ChannelWebsocket,
		Filters:     []Filter{{ResourceType: "Encounter", Parameter: "class", Value: "IMP"}},
	}
	if err := m.Subscribe(sub); err == nil {
		t.Error("filter outside the topic whitelist must be rejected")
	}

	sub = &Subscription{
		TopicURL:    "http://example.org/topics/encounter-start",
		ChannelType: ChannelWebsocket,
		Filters:     []Filter{{ResourceType: "Encounter", Parameter: "status", Value: "in-progress"}},
	}
	if err := m.Subscribe(sub); err != nil {
		t.Errorf("whitelisted filter rejected: %v", err)
	}
}

func TestRegisterTopicBadCriteria(t *testing.T) {
	m := newTestManager(t)
	err := m.RegisterTopic(&Topic{
		URL:      "http://example.org/topics/broken",
		Triggers: []Trigger{{ResourceType: "Encounter", Criteria: "status ="}},
	})
	if err == nil {
		t.Fatal("broken trigger criteria must fail registration")
	}
	if _, ok := m.Topic("http://example.org/topics/broken"); ok {
		t.Error("failed topic must not be registered")
	}
}

// ---------------------------------------------------------------------------
// matching
// ---------------------------------------------------------------------------

func TestCriteriaMatchCountsOnce(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})
	sub := subscribeWebsocket(t, m, "Encounter?status=in-progress")

	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "in-progress"))
	info, _ := m.Status(sub.ID)
	if info.EventCount != 1 {
		t.Fatalf("event count after matching create: got %d, want 1", info.EventCount)
	}
	events := m.Events(sub.ID)
	if len(events) != 1 || events[0].Focus != "Encounter/enc-1" {
		t.Fatalf("events: got %+v", events)
	}

	// the update no longer matches the filter
	m.OnResourceChange(encounterEvent(store.OpUpdate, "enc-1", "finished"))
	info, _ = m.Status(sub.ID)
	if info.EventCount != 1 {
		t.Errorf("event count after non-matching update: got %d, want 1", info.EventCount)
	}
}

func TestTopicTriggerMatching(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})
	if err := m.RegisterTopic(&Topic{
		URL: "http://example.org/topics/encounter-start",
		Triggers: []Trigger{{
			ResourceType: "Encounter",
			Interactions: []string{"create"},
			Criteria:     "status = 'in-progress'",
		}},
	}); err != nil {
		t.Fatalf("RegisterTopic: %v", err)
	}
	sub := &Subscription{
		TopicURL:    "http://example.org/topics/encounter-start",
		ChannelType: ChannelWebsocket,
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "in-progress"))
	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-2", "planned"))
	m.OnResourceChange(encounterEvent(store.OpUpdate, "enc-3", "in-progress"))

	info, _ := m.Status(sub.ID)
	if info.EventCount != 1 {
		t.Errorf("only the matching create should count: got %d", info.EventCount)
	}
}

func TestDeactivateStopsMatching(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})
	sub := subscribeWebsocket(t, m, "Encounter")

	if !m.Deactivate(sub.ID) {
		t.Fatal("Deactivate returned false")
	}
	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "in-progress"))
	info, _ := m.Status(sub.ID)
	if info.Status != StatusOff {
		t.Errorf("status: got %s", info.Status)
	}
	if info.EventCount != 0 {
		t.Errorf("off subscription must not accumulate events: got %d", info.EventCount)
	}
}

func TestEventHistoryBounded(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})
	sub := subscribeWebsocket(t, m, "Encounter")

	for i := 0; i < maxEventHistory+200; i++ {
		m.OnResourceChange(encounterEvent(store.OpCreate, fmt.Sprintf("enc-%d", i), "planned"))
	}
	events := m.Events(sub.ID)
	if len(events) > maxEventHistory {
		t.Fatalf("history not bounded: %d events retained", len(events))
	}
	info, _ := m.Status(sub.ID)
	if info.EventCount != int64(maxEventHistory+200) {
		t.Errorf("counter must keep counting past the trim: got %d", info.EventCount)
	}
}

// ---------------------------------------------------------------------------
// delivery
// ---------------------------------------------------------------------------

func TestRestHookDelivery(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	sub := &Subscription{
		TriggerType: "Encounter",
		ChannelType: ChannelRestHook,
		Endpoint:    srv.URL,
		Content:     ContentFullResource,
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		info, _ := m.Status(sub.ID)
		return info.Status == StatusActive
	})

	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "in-progress"))
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) >= 2 // handshake then event-notification
	})

	mu.Lock()
	last := bodies[len(bodies)-1]
	mu.Unlock()
	var bundle map[string]interface{}
	if err := json.Unmarshal(last, &bundle); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if bundle["resourceType"] != "Bundle" || bundle["type"] != "history" {
		t.Errorf("bundle envelope: got %v / %v", bundle["resourceType"], bundle["type"])
	}
	entries := bundle["entry"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want status + focus", len(entries))
	}
	status := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if status["resourceType"] != "SubscriptionStatus" || status["type"] != "event-notification" {
		t.Errorf("status entry: got %v", status)
	}
	focus := entries[1].(map[string]interface{})
	if focus["fullUrl"] != "Encounter/enc-1" {
		t.Errorf("focus fullUrl: got %v", focus["fullUrl"])
	}
	if _, ok := focus["resource"]; !ok {
		t.Error("full-resource notification must carry the resource")
	}
}

func TestContentLevelEmpty(t *testing.T) {
	hub := &recordingHub{}
	m := newTestManager(t)
	m.SetBroadcaster(hub)
	sub := &Subscription{
		TriggerType: "Encounter",
		ChannelType: ChannelWebsocket,
		Content:     ContentEmpty,
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "planned"))
	waitFor(t, 2*time.Second, func() bool { return hub.count() >= 1 })

	var bundle map[string]interface{}
	hub.mu.Lock()
	body := hub.bodies[0]
	hub.mu.Unlock()
	if err := json.Unmarshal(body, &bundle); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	entries := bundle["entry"].([]interface{})
	if len(entries) != 1 {
		t.Errorf("empty content must carry only the status entry, got %d entries", len(entries))
	}
}

func TestHandshakeFailureSetsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(t)
	sub := &Subscription{
		TriggerType: "Encounter",
		ChannelType: ChannelRestHook,
		Endpoint:    srv.URL,
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		info, _ := m.Status(sub.ID)
		return info.Status == StatusError
	})
	info, _ := m.Status(sub.ID)
	if info.Reason == "" {
		t.Error("error status must carry a reason")
	}
	if len(m.Errors(sub.ID)) == 0 {
		t.Error("handshake failure must be recorded")
	}
}

func TestDeliveryFailureThenRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	m.MaxAttempts = 1
	sub := &Subscription{
		TriggerType: "Encounter",
		ChannelType: ChannelRestHook,
		Endpoint:    srv.URL,
	}
	failing.Store(false)
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		info, _ := m.Status(sub.ID)
		return info.Status == StatusActive
	})

	failing.Store(true)
	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "planned"))
	waitFor(t, 2*time.Second, func() bool {
		info, _ := m.Status(sub.ID)
		return info.Status == StatusError
	})

	// a later successful delivery restores active
	failing.Store(false)
	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-2", "planned"))
	waitFor(t, 2*time.Second, func() bool {
		info, _ := m.Status(sub.ID)
		return info.Status == StatusActive
	})
}

func TestSubscribeReturnsBeforeHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	sub := &Subscription{
		TriggerType: "Encounter",
		ChannelType: ChannelRestHook,
		Endpoint:    srv.URL,
	}
	start := time.Now()
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Subscribe waited %v on the endpoint", elapsed)
	}
	info, _ := m.Status(sub.ID)
	if info.Status != StatusRequested {
		t.Errorf("status before the handshake settles: got %s, want requested", info.Status)
	}

	// an event committed during the handshake window is retained
	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "planned"))
	info, _ = m.Status(sub.ID)
	if info.EventCount != 1 {
		t.Errorf("event in handshake window: got count %d, want 1", info.EventCount)
	}

	waitFor(t, 2*time.Second, func() bool {
		info, _ := m.Status(sub.ID)
		return info.Status == StatusActive
	})
}

func TestResubscribeKeepsEventAccounting(t *testing.T) {
	hub := &recordingHub{}
	m := newTestManager(t)
	m.SetBroadcaster(hub)
	sub := subscribeWebsocket(t, m, "Encounter")

	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "planned"))
	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-2", "planned"))
	info, _ := m.Status(sub.ID)
	if info.EventCount != 2 {
		t.Fatalf("event count before reconfiguration: got %d", info.EventCount)
	}

	updated := &Subscription{
		ID:               sub.ID,
		TriggerType:      "Encounter",
		ChannelType:      ChannelWebsocket,
		Content:          ContentIDOnly,
		HeartbeatSeconds: 30,
	}
	if err := m.Resubscribe(updated); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}

	info, _ = m.Status(sub.ID)
	if info.EventCount != 2 {
		t.Fatalf("counter reset by reconfiguration: got %d, want 2", info.EventCount)
	}
	if got, _ := m.Subscription(sub.ID); got.HeartbeatSeconds != 30 {
		t.Errorf("new configuration not applied: heartbeat %d", got.HeartbeatSeconds)
	}
	if evs := m.Events(sub.ID); len(evs) != 2 {
		t.Errorf("retained events dropped: got %d", len(evs))
	}

	// the sequence continues, it does not restart
	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-3", "planned"))
	info, _ = m.Status(sub.ID)
	if info.EventCount != 3 {
		t.Errorf("event count after reconfiguration: got %d, want 3", info.EventCount)
	}
}

func TestSerializedHistoryRetained(t *testing.T) {
	hub := &recordingHub{}
	m := newTestManager(t)
	m.SetBroadcaster(hub)
	sub := subscribeWebsocket(t, m, "Encounter")

	m.OnResourceChange(encounterEvent(store.OpCreate, "enc-1", "planned"))
	waitFor(t, 2*time.Second, func() bool { return len(m.Notifications(sub.ID)) >= 1 })

	ns := m.Notifications(sub.ID)
	if ns[len(ns)-1].Kind != "event-notification" {
		t.Errorf("kind: got %s", ns[len(ns)-1].Kind)
	}
	if ns[len(ns)-1].EventNumber != 1 {
		t.Errorf("event number: got %d", ns[len(ns)-1].EventNumber)
	}
}

// ---------------------------------------------------------------------------
// sweeps
// ---------------------------------------------------------------------------

func TestSweepRemovesExpired(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})
	past := time.Now().Add(-time.Hour)
	sub := &Subscription{
		TriggerType: "Encounter",
		ChannelType: ChannelWebsocket,
		End:         &past,
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Sweep(time.Now())
	if _, ok := m.Status(sub.ID); ok {
		t.Error("expired subscription must be removed")
	}
}

func TestSweepFlagsSilentSubscription(t *testing.T) {
	m := newTestManager(t)
	m.SetBroadcaster(&recordingHub{})
	sub := &Subscription{
		TriggerType:    "Encounter",
		ChannelType:    ChannelWebsocket,
		TimeoutSeconds: 60,
	}
	if err := m.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Sweep(time.Now().Add(2 * time.Minute))
	info, _ := m.Status(sub.ID)
	if info.Status != StatusError {
		t.Errorf("status after silent window: got %s", info.Status)
	}
}

package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/fhir-candle/candle/internal/config"
)

// createSubscription writes a websocket subscription resource through
// the REST surface; the tenant syncs it into the manager before the
// create returns.
func createSubscription(t *testing.T, s *Server, id, criteria string) {
	t.Helper()
	body := fmt.Sprintf(`{
		"resourceType": "Subscription",
		"id": %q,
		"status": "requested",
		"criteria": %q,
		"channel": {"type": "websocket"}
	}`, id, criteria)
	rec := do(t, s, http.MethodPost, "/default/Subscription", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create subscription: %d %s", rec.Code, rec.Body.String())
	}
}

// ---------------------------------------------------------------------------

func TestSubscriptionStatusOperation(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createSubscription(t, s, "sub-1", "Encounter?status=in-progress")

	rec := do(t, s, http.MethodGet, "/default/Subscription/sub-1/$status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("$status: %d %s", rec.Code, rec.Body.String())
	}
	status := decode(t, rec)
	if status["resourceType"] != "SubscriptionStatus" || status["status"] != "active" {
		t.Errorf("status = %v %v", status["resourceType"], status["status"])
	}
	if status["eventsSinceSubscriptionStart"] != "0" {
		t.Errorf("event count = %v", status["eventsSinceSubscriptionStart"])
	}

	do(t, s, http.MethodPost, "/default/Encounter", `{"resourceType":"Encounter","status":"in-progress"}`, nil)

	rec = do(t, s, http.MethodGet, "/default/Subscription/sub-1/$status", "", nil)
	if got := decode(t, rec)["eventsSinceSubscriptionStart"]; got != "1" {
		t.Errorf("event count after match = %v", got)
	}

	if rec := do(t, s, http.MethodGet, "/default/Subscription/nope/$status", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown subscription: %d", rec.Code)
	}
}

func TestSubscriptionEventsOperation(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createSubscription(t, s, "sub-1", "Encounter")

	for i := 0; i < 3; i++ {
		do(t, s, http.MethodPost, "/default/Encounter", `{"resourceType":"Encounter","status":"planned"}`, nil)
	}

	rec := do(t, s, http.MethodGet, "/default/Subscription/sub-1/$events", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("$events: %d %s", rec.Code, rec.Body.String())
	}
	bundle := decode(t, rec)
	if bundle["type"] != "history" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
	entries := bundle["entry"].([]interface{})
	status := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if status["type"] != "query-event" {
		t.Errorf("status entry type = %v", status["type"])
	}
	events := status["notificationEvent"].([]interface{})
	if len(events) != 3 {
		t.Fatalf("notificationEvent = %d", len(events))
	}

	// replay bounds
	rec = do(t, s, http.MethodGet, "/default/Subscription/sub-1/$events?eventsSinceNumber=2", "", nil)
	status = decode(t, rec)["entry"].([]interface{})[0].(map[string]interface{})["resource"].(map[string]interface{})
	events = status["notificationEvent"].([]interface{})
	if len(events) != 1 || events[0].(map[string]interface{})["eventNumber"] != "3" {
		t.Errorf("bounded replay = %v", events)
	}
}

func TestWebsocketDelivery(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createSubscription(t, s, "sub-ws", "Encounter")

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/default/ws?subscription=sub-ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the hub registers before Dial returns; trigger an event
	rec := do(t, s, http.MethodPost, "/default/Encounter", `{"resourceType":"Encounter","status":"arrived"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create encounter: %d", rec.Code)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	body := string(message)
	if !strings.Contains(body, `"SubscriptionStatus"`) || !strings.Contains(body, "event-notification") {
		t.Errorf("notification = %s", body)
	}
	if !strings.Contains(body, `"Encounter"`) {
		t.Errorf("full-resource notification is missing the focus resource: %s", body)
	}
}

func TestWebsocketBindMessage(t *testing.T) {
	s := newTestServer(t, config.Config{})
	createSubscription(t, s, "sub-late", "Encounter")

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/default/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(bindMessage{Action: "bind", Subscriptions: []string{"sub-late"}}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// binding is asynchronous relative to this goroutine; poll until the
	// hub has the key before triggering the event
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.hub.mu.RLock()
		_, bound := s.hub.clients[hubKey("default", "sub-late")]
		s.hub.mu.RUnlock()
		if bound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bind message was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	do(t, s, http.MethodPost, "/default/Encounter", `{"resourceType":"Encounter","status":"arrived"}`, nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read notification: %v", err)
	}
}

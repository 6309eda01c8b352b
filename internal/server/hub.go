package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// bindMessage is the inbound client protocol: bind or unbind a set of
// subscription ids on an open connection.
type bindMessage struct {
	Action        string   `json:"action"`
	Subscriptions []string `json:"subscriptions"`
}

// Hub is the websocket delivery fabric for subscriptions. Clients
// connect per tenant, bind one or more subscription ids, and receive
// the raw notification bundles the dispatch workers hand over. Keys are
// tenant-qualified so ids cannot collide across tenants. All operations
// are safe for concurrent use.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{} // key -> bound clients
	all     map[*wsClient]struct{}
}

type wsClient struct {
	id     string
	tenant string
	keys   []string
	send   chan []byte
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[*wsClient]struct{}),
		all:     make(map[*wsClient]struct{}),
	}
}

func hubKey(tenant, subscriptionID string) string {
	return tenant + "/" + subscriptionID
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for _, key := range client.keys {
		if h.clients[key] == nil {
			h.clients[key] = make(map[*wsClient]struct{})
		}
		h.clients[key][client] = struct{}{}
	}
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	for _, key := range client.keys {
		if bound, ok := h.clients[key]; ok {
			delete(bound, client)
			if len(bound) == 0 {
				delete(h.clients, key)
			}
		}
	}
	delete(h.all, client)
	close(client.send)
}

func (h *Hub) bind(client *wsClient, subscriptionIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range subscriptionIDs {
		key := hubKey(client.tenant, id)
		if h.clients[key] == nil {
			h.clients[key] = make(map[*wsClient]struct{})
		}
		h.clients[key][client] = struct{}{}
		client.keys = append(client.keys, key)
	}
}

func (h *Hub) unbind(client *wsClient, subscriptionIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		drop[hubKey(client.tenant, id)] = struct{}{}
	}
	for key := range drop {
		if bound, ok := h.clients[key]; ok {
			delete(bound, client)
			if len(bound) == 0 {
				delete(h.clients, key)
			}
		}
	}
	kept := client.keys[:0]
	for _, key := range client.keys {
		if _, rm := drop[key]; !rm {
			kept = append(kept, key)
		}
	}
	client.keys = kept
}

// broadcast fans a notification body out to every client bound to the
// key. Clients with a full buffer are skipped rather than blocked on.
func (h *Hub) broadcast(key string, body []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[key] {
		select {
		case client.send <- body:
		default:
		}
	}
}

// ClientCount reports the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// tenantBroadcaster adapts the hub to one tenant's subscription
// manager, which only knows subscription ids.
type tenantBroadcaster struct {
	hub    *Hub
	tenant string
}

func (b *tenantBroadcaster) Broadcast(subscriptionID string, body []byte) {
	b.hub.broadcast(hubKey(b.tenant, subscriptionID), body)
}

// ---------------------------------------------------------------------------
// HTTP upgrade
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebsocket upgrades the connection and starts the pumps. An
// initial binding can ride along in the subscription query parameter.
func (s *Server) handleWebsocket(c echo.Context) error {
	ten, ok := s.tenant(c)
	if !ok {
		return nil
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		id:     uuid.NewString(),
		tenant: ten.Config.Name,
		send:   make(chan []byte, 64),
	}
	if raw := c.QueryParam("subscription"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				client.keys = append(client.keys, hubKey(client.tenant, id))
			}
		}
	}
	s.hub.register(client)
	s.logger.Debug().Str("tenant", client.tenant).Str("client", client.id).Msg("websocket connected")

	go s.writePump(client, ws)
	go s.readPump(client, ws)
	return nil
}

func (s *Server) readPump(client *wsClient, ws *gorillawebsocket.Conn) {
	defer func() {
		s.hub.unregister(client)
		ws.Close()
	}()
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg bindMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "bind":
			s.hub.bind(client, msg.Subscriptions)
		case "unbind":
			s.hub.unbind(client, msg.Subscriptions)
		}
	}
}

func (s *Server) writePump(client *wsClient, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

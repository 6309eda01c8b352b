package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Channel delivers serialized notification bundles. Implementations are
// owned by the manager's dispatch workers; Send is called from a single
// goroutine per subscription.
type Channel interface {
	Send(ctx context.Context, body []byte, contentType string) error
}

// Broadcaster pushes payloads to connected websocket clients. The server
// layer supplies the hub implementation.
type Broadcaster interface {
	Broadcast(subscriptionID string, body []byte)
}

// restHook posts notification bundles to the subscription endpoint.
type restHook struct {
	endpoint string
	headers  []string
	client   *http.Client
}

func newRestHook(endpoint string, headers []string, timeout time.Duration) *restHook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restHook{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *restHook) Send(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for _, h := range r.headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// websocketChannel hands payloads to the hub keyed by subscription id.
// Delivery is fire-and-forget; a missing hub is the only failure.
type websocketChannel struct {
	subscriptionID string
	hub            Broadcaster
}

func (w *websocketChannel) Send(_ context.Context, body []byte, _ string) error {
	if w.hub == nil {
		return errors.New("no websocket hub attached")
	}
	w.hub.Broadcast(w.subscriptionID, body)
	return nil
}

// newChannel builds the channel for a validated subscription.
func (m *Manager) newChannel(sub *Subscription) (Channel, error) {
	switch sub.ChannelType {
	case ChannelRestHook:
		if sub.Endpoint == "" {
			return nil, errors.New("rest-hook subscription requires an endpoint")
		}
		return newRestHook(sub.Endpoint, sub.Headers, time.Duration(sub.TimeoutSeconds)*time.Second), nil
	case ChannelWebsocket:
		return &websocketChannel{subscriptionID: sub.ID, hub: m.hub}, nil
	}
	return nil, fmt.Errorf("unsupported channel type %q", sub.ChannelType)
}

// retryBackoff returns the delay before the next delivery attempt.
// Schedule: 30s, 1m, 5m, 15m, then 1h.
func retryBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 30 * time.Second
	case 2:
		return 1 * time.Minute
	case 3:
		return 5 * time.Minute
	case 4:
		return 15 * time.Minute
	default:
		return 1 * time.Hour
	}
}

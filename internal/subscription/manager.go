package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhir-candle/candle/internal/search"
	"github.com/fhir-candle/candle/internal/store"
)

const (
	maxEventHistory        = 1000
	eventTrimTo            = 500
	maxNotificationHistory = 100
	maxErrorHistory        = 100

	defaultMaxEventsPerNotification = 10
	defaultContentType              = "application/fhir+json"
)

// Manager owns the subscriptions of one tenant. It implements
// store.Listener; matching runs inline on the write path, delivery runs
// on per-subscription workers so the triggering write never waits on the
// network.
type Manager struct {
	reg    *search.Registry
	logger zerolog.Logger
	hub    Broadcaster

	// MaxAttempts is the consecutive-failure budget before a
	// subscription transitions to error.
	MaxAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	topics map[string]*Topic
	subs   map[string]*state
}

// state carries the runtime accounting of one subscription.
type state struct {
	mu  sync.Mutex
	sub *Subscription
	ch  Channel

	counter   atomic.Int64
	events    map[int64]Event
	delivered int64
	attempts  int
	lastComm  time.Time
	notified  []SerializedNotification
	errs      []DeliveryError

	wake   chan struct{}
	cancel context.CancelFunc
}

// StatusInfo is a point-in-time snapshot of a subscription's runtime
// state.
type StatusInfo struct {
	ID                string
	TopicURL          string
	Status            Status
	Reason            string
	EventCount        int64
	LastCommunication time.Time
}

// NewManager builds a manager over the tenant's search registry. The
// registry supplies the compiled selectors filters are matched with.
func NewManager(reg *search.Registry, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		reg:         reg,
		logger:      logger,
		MaxAttempts: 5,
		ctx:         ctx,
		cancel:      cancel,
		topics:      make(map[string]*Topic),
		subs:        make(map[string]*state),
	}
}

// SetBroadcaster attaches the websocket hub. Call before the first
// websocket subscription is accepted.
func (m *Manager) SetBroadcaster(hub Broadcaster) { m.hub = hub }

// Shutdown stops every worker and abandons in-flight deliveries. The
// manager cannot be reused afterwards.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// topics
// ---------------------------------------------------------------------------

// RegisterTopic compiles and stores a topic. Re-registration under the
// same URL replaces the earlier definition.
func (m *Manager) RegisterTopic(t *Topic) error {
	if t.URL == "" {
		return fmt.Errorf("topic requires a canonical url")
	}
	if err := t.compileTriggers(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = "active"
	}
	m.mu.Lock()
	m.topics[t.URL] = t
	m.mu.Unlock()
	return nil
}

// Topic returns a registered topic by canonical URL.
func (m *Manager) Topic(url string) (*Topic, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[url]
	return t, ok
}

// Topics lists registered topics ordered by URL.
func (m *Manager) Topics() []*Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ---------------------------------------------------------------------------
// subscription lifecycle
// ---------------------------------------------------------------------------

// Subscribe validates and registers a subscription and starts its
// dispatch worker. Subscribe never touches the network; rest-hook
// channels are handed to the worker with status requested and the
// handshake outcome settles active or error from there.
func (m *Manager) Subscribe(sub *Subscription) error {
	ch, err := m.prepare(sub)
	if err != nil {
		return err
	}

	sub.Status = StatusRequested
	st := &state{
		sub:    sub,
		ch:     ch,
		events: make(map[int64]Event),
		wake:   make(chan struct{}, 1),
	}

	m.mu.Lock()
	if _, exists := m.subs[sub.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("subscription %s already registered", sub.ID)
	}
	m.subs[sub.ID] = st
	m.mu.Unlock()

	if sub.ChannelType != ChannelRestHook {
		st.mu.Lock()
		sub.Status = StatusActive
		st.lastComm = time.Now()
		st.mu.Unlock()
	}

	m.startWorker(st)
	return nil
}

// prepare validates the subscription, fills defaults, and builds its
// delivery channel.
func (m *Manager) prepare(sub *Subscription) (Channel, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Content == "" {
		sub.Content = ContentFullResource
	}
	if sub.ContentType == "" {
		sub.ContentType = defaultContentType
	}
	if sub.MaxEventsPerNotification <= 0 {
		sub.MaxEventsPerNotification = defaultMaxEventsPerNotification
	}
	if !validChannelTypes[sub.ChannelType] {
		return nil, fmt.Errorf("unsupported channel type %q", sub.ChannelType)
	}
	if !validContentLevels[sub.Content] {
		return nil, fmt.Errorf("unsupported content level %q", sub.Content)
	}

	var topic *Topic
	if sub.TopicURL != "" {
		m.mu.RLock()
		topic = m.topics[sub.TopicURL]
		m.mu.RUnlock()
		if topic == nil {
			return nil, fmt.Errorf("unknown subscription topic %s", sub.TopicURL)
		}
		for _, f := range sub.Filters {
			if err := topic.allowsFilter(f); err != nil {
				return nil, err
			}
		}
	} else if sub.TriggerType == "" {
		return nil, fmt.Errorf("subscription requires a topic or a trigger type")
	}
	for _, f := range sub.Filters {
		rt := f.ResourceType
		if rt == "" {
			rt = sub.TriggerType
		}
		if rt == "" && topic != nil && len(topic.Triggers) > 0 {
			rt = topic.Triggers[0].ResourceType
		}
		if _, _, ok := m.reg.Resolve(rt, f.Parameter); !ok {
			return nil, fmt.Errorf("unknown filter parameter %s for %s", f.Parameter, rt)
		}
	}

	return m.newChannel(sub)
}

func (m *Manager) startWorker(st *state) {
	ctx, cancel := context.WithCancel(m.ctx)
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()
	m.wg.Add(1)
	go m.run(ctx, st)
}

// handshake performs the rest-hook verification POST and settles the
// initial status. Runs on the dispatch worker; the subscribing write
// never waits on the endpoint.
func (m *Manager) handshake(ctx context.Context, st *state) {
	st.mu.Lock()
	sub := st.sub
	st.mu.Unlock()

	body, _ := json.Marshal(notificationBundle(sub, "handshake", nil, 0))
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout(sub))
	err := st.ch.Send(attemptCtx, body, sub.ContentType)
	cancel()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.recordNotification("handshake", 0, body)
	if err != nil {
		sub.Status = StatusError
		sub.Reason = "handshake failed: " + err.Error()
		st.recordError(1, err.Error())
		m.logger.Warn().Str("subscription", sub.ID).Err(err).Msg("subscription handshake failed")
		return
	}
	sub.Status = StatusActive
	sub.Reason = ""
	st.lastComm = time.Now()
	m.logger.Info().Str("subscription", sub.ID).Str("endpoint", sub.Endpoint).Msg("subscription activated")
}

// Resubscribe swaps a registered subscription's configuration and
// channel in place, keeping the event counter, queued events, and
// delivery accounting. The dispatch worker restarts against the new
// channel; rest-hook channels re-handshake. An unknown id falls back
// to Subscribe.
func (m *Manager) Resubscribe(sub *Subscription) error {
	m.mu.RLock()
	st := m.subs[sub.ID]
	m.mu.RUnlock()
	if st == nil {
		return m.Subscribe(sub)
	}

	ch, err := m.prepare(sub)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	if sub.ChannelType == ChannelRestHook {
		sub.Status = StatusRequested
	} else {
		sub.Status = StatusActive
		st.lastComm = time.Now()
	}
	st.sub = sub
	st.ch = ch
	st.mu.Unlock()

	m.startWorker(st)
	return nil
}

// Deactivate turns a subscription off. Its history is kept until
// removal.
func (m *Manager) Deactivate(id string) bool {
	m.mu.RLock()
	st := m.subs[id]
	m.mu.RUnlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	st.sub.Status = StatusOff
	st.mu.Unlock()
	return true
}

// Remove tears a subscription down and clears its histories.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	st := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Subscription returns a copy of the registered subscription.
func (m *Manager) Subscription(id string) (*Subscription, bool) {
	m.mu.RLock()
	st := m.subs[id]
	m.mu.RUnlock()
	if st == nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c := *st.sub
	return &c, true
}

// Status reports the runtime snapshot for one subscription.
func (m *Manager) Status(id string) (StatusInfo, bool) {
	m.mu.RLock()
	st := m.subs[id]
	m.mu.RUnlock()
	if st == nil {
		return StatusInfo{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return StatusInfo{
		ID:                st.sub.ID,
		TopicURL:          st.sub.TopicURL,
		Status:            st.sub.Status,
		Reason:            st.sub.Reason,
		EventCount:        st.counter.Load(),
		LastCommunication: st.lastComm,
	}, true
}

// Events returns the retained events ordered by event number.
func (m *Manager) Events(id string) []Event {
	m.mu.RLock()
	st := m.subs[id]
	m.mu.RUnlock()
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Event, 0, len(st.events))
	for _, ev := range st.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Errors returns the retained delivery errors, oldest first.
func (m *Manager) Errors(id string) []DeliveryError {
	m.mu.RLock()
	st := m.subs[id]
	m.mu.RUnlock()
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]DeliveryError, len(st.errs))
	copy(out, st.errs)
	return out
}

// Notifications returns the retained serialized notifications, oldest
// first.
func (m *Manager) Notifications(id string) []SerializedNotification {
	m.mu.RLock()
	st := m.subs[id]
	m.mu.RUnlock()
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]SerializedNotification, len(st.notified))
	copy(out, st.notified)
	return out
}

// ---------------------------------------------------------------------------
// event matching
// ---------------------------------------------------------------------------

// OnResourceChange implements store.Listener. Matching uses the shared
// compiled selectors; matched events are appended under the atomic
// counter and the dispatch worker is woken without blocking.
func (m *Manager) OnResourceChange(ev store.ChangeEvent) {
	m.mu.RLock()
	states := make([]*state, 0, len(m.subs))
	for _, st := range m.subs {
		states = append(states, st)
	}
	topics := make(map[string]*Topic, len(m.topics))
	for url, t := range m.topics {
		topics[url] = t
	}
	m.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		sub := st.sub
		// requested still accepts so nothing committed during the
		// handshake window is lost
		accepting := sub.Status == StatusActive || sub.Status == StatusError || sub.Status == StatusRequested
		st.mu.Unlock()
		if !accepting {
			continue
		}
		if !m.subscriptionMatches(sub, topics, ev) {
			continue
		}

		n := st.counter.Add(1)
		st.mu.Lock()
		st.events[n] = Event{
			Number:    n,
			Focus:     ev.Type + "/" + ev.ID,
			Operation: string(ev.Operation),
			Timestamp: ev.Timestamp,
			Resource:  ev.Resource,
		}
		if len(st.events) > maxEventHistory {
			for num := range st.events {
				if num <= n-eventTrimTo {
					delete(st.events, num)
				}
			}
		}
		st.mu.Unlock()

		select {
		case st.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) subscriptionMatches(sub *Subscription, topics map[string]*Topic, ev store.ChangeEvent) bool {
	if sub.TopicURL != "" {
		topic := topics[sub.TopicURL]
		if topic == nil || topic.Status != "active" || !topic.matches(ev.Type, string(ev.Operation), ev.Resource) {
			return false
		}
	} else if sub.TriggerType != ev.Type {
		return false
	}

	for _, f := range sub.Filters {
		rt := f.ResourceType
		if rt == "" {
			rt = sub.TriggerType
		}
		if rt != "" && rt != ev.Type {
			continue
		}
		if !m.reg.Matches(ev.Type, f.Parameter, search.Modifier(f.Modifier), []string{f.searchValue()}, ev.Resource) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// delivery
// ---------------------------------------------------------------------------

// run is the dispatch worker for one subscription.
func (m *Manager) run(ctx context.Context, st *state) {
	defer m.wg.Done()

	st.mu.Lock()
	pendingHandshake := st.sub.Status == StatusRequested && st.sub.ChannelType == ChannelRestHook
	heartbeatSeconds := st.sub.HeartbeatSeconds
	st.mu.Unlock()
	if pendingHandshake {
		m.handshake(ctx, st)
	}

	var heartbeat <-chan time.Time
	if heartbeatSeconds > 0 {
		t := time.NewTicker(time.Duration(heartbeatSeconds) * time.Second)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.wake:
			m.deliverPending(ctx, st)
		case <-heartbeat:
			m.heartbeat(ctx, st)
		}
	}
}

// deliverPending drains queued events in MaxEventsPerNotification
// batches. On failure it walks the backoff ladder; after MaxAttempts
// consecutive failures the subscription moves to error and delivery
// pauses until the next event wakes the worker again.
func (m *Manager) deliverPending(ctx context.Context, st *state) {
	for {
		st.mu.Lock()
		sub := st.sub
		if sub.Status == StatusOff {
			st.mu.Unlock()
			return
		}
		events := st.pendingLocked()
		var bundle map[string]interface{}
		if len(events) > 0 {
			bundle = notificationBundle(sub, "event-notification", events, st.counter.Load())
		}
		st.mu.Unlock()
		if bundle == nil {
			return
		}

		body, err := json.Marshal(bundle)
		if err != nil {
			m.logger.Error().Str("subscription", sub.ID).Err(err).Msg("notification marshal failed")
			return
		}
		last := events[len(events)-1].Number

		st.mu.Lock()
		st.recordNotification("event-notification", last, body)
		st.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout(sub))
		err = st.ch.Send(attemptCtx, body, sub.ContentType)
		cancel()

		st.mu.Lock()
		if err == nil {
			st.delivered = last
			st.attempts = 0
			st.lastComm = time.Now()
			if sub.Status == StatusError {
				sub.Status = StatusActive
				sub.Reason = ""
				m.logger.Info().Str("subscription", sub.ID).Msg("subscription recovered")
			}
			st.mu.Unlock()
			continue
		}

		st.attempts++
		attempts := st.attempts
		st.recordError(attempts, err.Error())
		exhausted := attempts >= m.MaxAttempts
		if exhausted {
			sub.Status = StatusError
			sub.Reason = "delivery failed: " + err.Error()
		}
		st.mu.Unlock()

		m.logger.Warn().Str("subscription", sub.ID).Int("attempt", attempts).Err(err).Msg("notification delivery failed")
		if exhausted {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryBackoff(attempts)):
		}
	}
}

// heartbeat sends an empty status bundle when no events are waiting.
func (m *Manager) heartbeat(ctx context.Context, st *state) {
	st.mu.Lock()
	sub := st.sub
	idle := len(st.pendingLocked()) == 0 && sub.Status == StatusActive
	var bundle map[string]interface{}
	if idle {
		bundle = notificationBundle(sub, "heartbeat", nil, st.counter.Load())
	}
	st.mu.Unlock()
	if bundle == nil {
		return
	}

	body, _ := json.Marshal(bundle)
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout(sub))
	err := st.ch.Send(attemptCtx, body, sub.ContentType)
	cancel()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.recordNotification("heartbeat", 0, body)
	if err != nil {
		st.recordError(st.attempts+1, "heartbeat: "+err.Error())
		return
	}
	st.lastComm = time.Now()
}

// Sweep expires ended subscriptions and flags the silent ones. Called
// periodically by the tenant coordinator.
func (m *Manager) Sweep(now time.Time) {
	m.mu.RLock()
	states := make([]*state, 0, len(m.subs))
	for _, st := range m.subs {
		states = append(states, st)
	}
	m.mu.RUnlock()

	for _, st := range states {
		var remove bool
		st.mu.Lock()
		sub := st.sub
		if sub.End != nil && now.After(*sub.End) {
			remove = true
		} else if sub.TimeoutSeconds > 0 && sub.Status == StatusActive &&
			!st.lastComm.IsZero() && now.Sub(st.lastComm) > time.Duration(sub.TimeoutSeconds)*time.Second {
			sub.Status = StatusError
			sub.Reason = "communication timeout"
			m.logger.Warn().Str("subscription", sub.ID).Msg("subscription timed out")
		}
		st.mu.Unlock()
		if remove {
			m.logger.Info().Str("subscription", sub.ID).Msg("subscription expired")
			m.Remove(sub.ID)
		}
	}
}

// ---------------------------------------------------------------------------
// state helpers
// ---------------------------------------------------------------------------

// pendingLocked collects undelivered events in number order, bounded by
// the notification batch size. Caller holds st.mu.
func (st *state) pendingLocked() []Event {
	total := st.counter.Load()
	if st.delivered >= total {
		return nil
	}
	limit := st.sub.MaxEventsPerNotification
	out := make([]Event, 0, limit)
	for n := st.delivered + 1; n <= total && len(out) < limit; n++ {
		if ev, ok := st.events[n]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (st *state) recordNotification(kind string, eventNumber int64, body []byte) {
	st.notified = append(st.notified, SerializedNotification{
		Timestamp:   time.Now(),
		Kind:        kind,
		EventNumber: eventNumber,
		Body:        body,
	})
	if len(st.notified) > maxNotificationHistory {
		st.notified = st.notified[len(st.notified)-maxNotificationHistory:]
	}
}

func (st *state) recordError(attempt int, msg string) {
	st.errs = append(st.errs, DeliveryError{
		Timestamp: time.Now(),
		Attempt:   attempt,
		Message:   msg,
	})
	if len(st.errs) > maxErrorHistory {
		st.errs = st.errs[len(st.errs)-maxErrorHistory:]
	}
}

func attemptTimeout(sub *Subscription) time.Duration {
	if sub.TimeoutSeconds > 0 {
		return time.Duration(sub.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ParseCriteria splits an R4-style criteria string into trigger type and
// filters. "Observation?status=final&code=1234" yields Observation with
// two filters; a bare type yields no filters.
func ParseCriteria(criteria string) (string, []Filter) {
	parts := strings.SplitN(criteria, "?", 2)
	resourceType := strings.TrimSpace(parts[0])
	var filters []Filter
	if len(parts) == 2 && parts[1] != "" {
		for _, kv := range strings.Split(parts[1], "&") {
			pair := strings.SplitN(kv, "=", 2)
			if len(pair) != 2 {
				continue
			}
			code, modifier := search.SplitModifier(strings.TrimSpace(pair[0]))
			filters = append(filters, Filter{
				ResourceType: resourceType,
				Parameter:    code,
				Modifier:     string(modifier),
				Value:        strings.TrimSpace(pair[1]),
			})
		}
	}
	return resourceType, filters
}

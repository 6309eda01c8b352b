// Package tenant wires one isolated store, registry, search engine, and
// subscription manager per tenant and coordinates lookup, bundle
// loading, and change fan-out across them.
package tenant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhir-candle/candle/internal/search"
	"github.com/fhir-candle/candle/internal/store"
	"github.com/fhir-candle/candle/internal/subscription"
)

// ErrUnknownTenant is returned for lookups of unconfigured tenants.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// ErrUnsupportedType is returned for writes of resource types outside
// the tenant's configured set.
var ErrUnsupportedType = errors.New("tenant: unsupported resource type")

// Config carries the per-tenant settings consumed at initialization.
type Config struct {
	Name        string
	FHIRVersion string // R4 | R4B | R5

	// SupportedTypes restricts writable resource types. Empty allows
	// every type.
	SupportedTypes []string

	AllowClientIDs   bool
	CreateAsUpdate   bool
	MaxResourceCount int

	// MaxSubscriptionMinutes clamps subscription end times. Zero means
	// no clamp.
	MaxSubscriptionMinutes int

	PageSize    int
	MaxPageSize int
}

// ChangeListener is notified after any committed mutation in the
// tenant's store. Consumers re-query for details.
type ChangeListener func(tenant string)

// Tenant is one isolated failure domain: its own store, registry,
// engine, and subscription manager. Nothing is shared across tenants.
type Tenant struct {
	Config        Config
	Store         *store.Store
	Registry      *search.Registry
	Engine        *search.Engine
	Subscriptions *subscription.Manager

	logger zerolog.Logger
	types  map[string]bool

	mu        sync.RWMutex
	onChanged []ChangeListener

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New builds a tenant from its configuration. The subscription manager
// is registered as a store listener, and Subscription, SubscriptionTopic,
// and SearchParameter resources written to the store are synced into the
// manager and registry automatically.
func New(cfg Config, logger zerolog.Logger) *Tenant {
	if cfg.FHIRVersion == "" {
		cfg.FHIRVersion = "R4"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 500
	}
	logger = logger.With().Str("tenant", cfg.Name).Logger()

	reg := search.NewDefaultRegistry()
	st := store.New(store.Options{
		AllowClientIDs:   cfg.AllowClientIDs,
		CreateAsUpdate:   cfg.CreateAsUpdate,
		MaxResourceCount: cfg.MaxResourceCount,
	})
	t := &Tenant{
		Config:        cfg,
		Store:         st,
		Registry:      reg,
		Engine:        search.NewEngine(reg, st),
		Subscriptions: subscription.NewManager(reg, logger),
		logger:        logger,
		stopSweep:     make(chan struct{}),
	}
	if len(cfg.SupportedTypes) > 0 {
		t.types = make(map[string]bool, len(cfg.SupportedTypes))
		for _, rt := range cfg.SupportedTypes {
			t.types[rt] = true
		}
	}

	st.AddListener(t.Subscriptions)
	st.AddListener(listenerFunc(t.syncDefinitions))
	st.AddListener(listenerFunc(func(store.ChangeEvent) { t.notifyChanged() }))

	go t.sweepLoop()
	return t
}

type listenerFunc func(store.ChangeEvent)

func (f listenerFunc) OnResourceChange(ev store.ChangeEvent) { f(ev) }

// Supports reports whether the tenant accepts writes of the given type.
func (t *Tenant) Supports(resourceType string) bool {
	return t.types == nil || t.types[resourceType]
}

// OnChanged registers a change listener. Listeners fire after every
// committed mutation; the callback must be fast.
func (t *Tenant) OnChanged(l ChangeListener) {
	t.mu.Lock()
	t.onChanged = append(t.onChanged, l)
	t.mu.Unlock()
}

func (t *Tenant) notifyChanged() {
	t.mu.RLock()
	ls := make([]ChangeListener, len(t.onChanged))
	copy(ls, t.onChanged)
	t.mu.RUnlock()
	for _, l := range ls {
		l(t.Config.Name)
	}
}

// Shutdown stops the sweep loop and the subscription workers. In-flight
// deliveries are abandoned.
func (t *Tenant) Shutdown() {
	t.sweepOnce.Do(func() { close(t.stopSweep) })
	t.Subscriptions.Shutdown()
	t.logger.Info().Msg("tenant shut down")
}

func (t *Tenant) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopSweep:
			return
		case now := <-ticker.C:
			t.Subscriptions.Sweep(now)
		}
	}
}

// syncDefinitions keeps the registry and subscription manager aligned
// with definition resources written through the store.
func (t *Tenant) syncDefinitions(ev store.ChangeEvent) {
	switch ev.Type {
	case "SearchParameter":
		if ev.Operation == store.OpDelete {
			return
		}
		if err := t.Registry.RegisterResource(ev.Resource); err != nil {
			t.logger.Warn().Str("id", ev.ID).Err(err).Msg("search parameter registration failed")
		}
	case "SubscriptionTopic":
		if ev.Operation == store.OpDelete {
			return
		}
		topic, err := subscription.TopicFromResource(ev.Resource)
		if err == nil {
			err = t.Subscriptions.RegisterTopic(topic)
		}
		if err != nil {
			t.logger.Warn().Str("id", ev.ID).Err(err).Msg("subscription topic registration failed")
		}
	case "Subscription":
		if ev.Operation == store.OpDelete {
			t.Subscriptions.Remove(ev.ID)
			return
		}
		sub, err := subscription.FromResource(ev.Resource)
		if err != nil {
			t.logger.Warn().Str("id", ev.ID).Err(err).Msg("subscription resource rejected")
			return
		}
		t.clampSubscriptionEnd(sub)
		if ev.Operation == store.OpUpdate {
			// swap in place so the event counter and histories survive
			if err := t.Subscriptions.Resubscribe(sub); err != nil {
				t.logger.Warn().Str("id", ev.ID).Err(err).Msg("subscription update failed")
			}
			return
		}
		if err := t.Subscriptions.Subscribe(sub); err != nil {
			t.logger.Warn().Str("id", ev.ID).Err(err).Msg("subscription activation failed")
		}
	}
}

// clampSubscriptionEnd bounds a subscription's lifetime to the tenant's
// expiration window.
func (t *Tenant) clampSubscriptionEnd(sub *subscription.Subscription) {
	if t.Config.MaxSubscriptionMinutes <= 0 {
		return
	}
	limit := time.Now().Add(time.Duration(t.Config.MaxSubscriptionMinutes) * time.Minute)
	if sub.End == nil || sub.End.After(limit) {
		sub.End = &limit
	}
}

// Coordinator owns every configured tenant and routes lookups by name.
type Coordinator struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	logger  zerolog.Logger
}

// NewCoordinator builds an empty coordinator.
func NewCoordinator(logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		tenants: make(map[string]*Tenant),
		logger:  logger,
	}
}

// Add creates and registers a tenant. Adding a duplicate name fails.
func (c *Coordinator) Add(cfg Config) (*Tenant, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tenant requires a name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tenants[cfg.Name]; ok {
		return nil, fmt.Errorf("tenant %q already exists", cfg.Name)
	}
	t := New(cfg, c.logger)
	c.tenants[cfg.Name] = t
	c.logger.Info().Str("tenant", cfg.Name).Str("fhirVersion", cfg.FHIRVersion).Msg("tenant created")
	return t, nil
}

// Get looks a tenant up by name.
func (c *Coordinator) Get(name string) (*Tenant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tenants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, name)
	}
	return t, nil
}

// Names lists tenant names in order.
func (c *Coordinator) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tenants))
	for name := range c.tenants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops every tenant.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tenants {
		t.Shutdown()
	}
}

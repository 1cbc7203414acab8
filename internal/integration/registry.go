package integration

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Integration is the runtime handle for one registered target system. Its
// breaker, rate window, and health record are shared mutable state across all
// concurrent callers and are guarded by the integration's own mutex so that
// traffic to one target never contends with traffic to another.
type Integration struct {
	mu      sync.Mutex
	cfg     Config
	enabled bool
	breaker breakerState
	window  rateWindow
	health  HealthRecord
}

type breakerState struct {
	state         State
	failures      int
	lastFailureAt time.Time
	openUntil     time.Time
	trialInFlight bool
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// Name returns the integration's unique name.
func (i *Integration) Name() string { return i.cfg.Name }

// Config returns a copy of the integration's immutable configuration.
func (i *Integration) Config() Config { return i.cfg }

// Enabled reports whether the integration currently accepts traffic.
func (i *Integration) Enabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled
}

func (i *Integration) setEnabled(v bool) {
	i.mu.Lock()
	i.enabled = v
	i.mu.Unlock()
}

// Status returns a point-in-time snapshot of config and runtime state with
// credentials redacted.
func (i *Integration) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	st := Status{
		Config:  i.cfg.Redacted(),
		Enabled: i.enabled,
		Breaker: BreakerState{
			State:    i.breaker.state,
			Failures: i.breaker.failures,
		},
		RateWindow: RateWindowState{
			Count:   i.window.count,
			Limit:   i.cfg.RateLimit,
			ResetAt: i.window.resetAt,
		},
		Health: i.health,
	}
	if !i.breaker.lastFailureAt.IsZero() {
		t := i.breaker.lastFailureAt
		st.Breaker.LastFailureAt = &t
	}
	if !i.breaker.openUntil.IsZero() {
		t := i.breaker.openUntil
		st.Breaker.OpenUntil = &t
	}
	return st
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry is the catalog of target systems. It is constructed once at
// startup, seeded from a file and/or dynamic registration, and handed to the
// executor, the health monitor, and the sync engine.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]*Integration
	// registration order, for deterministic listings
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{integrations: make(map[string]*Integration)}
}

// Register validates cfg, applies policy defaults, and adds the integration.
// Registering a name twice is an error; use SetEnabled to toggle traffic.
func (r *Registry) Register(cfg Config) (*Integration, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid integration config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.integrations[cfg.Name]; exists {
		return nil, fmt.Errorf("integration %q already registered", cfg.Name)
	}

	integ := &Integration{
		cfg:     cfg,
		enabled: cfg.Enabled,
		breaker: breakerState{state: StateClosed},
		health:  HealthRecord{Status: HealthUnknown},
	}
	r.integrations[cfg.Name] = integ
	r.order = append(r.order, cfg.Name)
	return integ, nil
}

// Get returns the integration registered under name.
func (r *Registry) Get(name string) (*Integration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	integ, ok := r.integrations[name]
	return integ, ok
}

// Len returns the number of registered integrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.integrations)
}

// Names returns all integration names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetEnabled toggles whether an integration accepts traffic.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	integ, ok := r.Get(name)
	if !ok {
		return &NotFoundError{Name: name}
	}
	integ.setEnabled(enabled)
	return nil
}

// ResetBreaker is the administrative override that forces an integration's
// breaker back to CLOSED with a zeroed failure count.
func (r *Registry) ResetBreaker(name string) error {
	integ, ok := r.Get(name)
	if !ok {
		return &NotFoundError{Name: name}
	}
	integ.resetBreaker()
	return nil
}

// Snapshot returns the status of every integration in registration order.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	integs := make([]*Integration, 0, len(names))
	for _, n := range names {
		integs = append(integs, r.integrations[n])
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(integs))
	for _, integ := range integs {
		out = append(out, integ.Status())
	}
	return out
}

// List returns a page of statuses plus the total count.
func (r *Registry) List(limit, offset int) ([]Status, int) {
	all := r.Snapshot()
	total := len(all)
	if offset >= total {
		return []Status{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

// ---------------------------------------------------------------------------
// Seed file loading
// ---------------------------------------------------------------------------

// seedConfig is the on-disk shape of one integration. Durations are plain
// seconds so the seed file stays hand-editable.
type seedConfig struct {
	Name              string      `json:"name"`
	Kind              Kind        `json:"kind,omitempty"`
	BaseURL           string      `json:"base_url"`
	Auth              AuthMethod  `json:"auth,omitempty"`
	Credentials       Credentials `json:"credentials,omitempty"`
	TimeoutSeconds    int         `json:"timeout_seconds,omitempty"`
	RetryBudget       int         `json:"retry_budget,omitempty"`
	RateLimit         int         `json:"rate_limit,omitempty"`
	RateWindowSeconds int         `json:"rate_window_seconds,omitempty"`
	FailureThreshold  int         `json:"failure_threshold,omitempty"`
	CooldownSeconds   int         `json:"cooldown_seconds,omitempty"`
	HealthPath        string      `json:"health_path,omitempty"`
	Enabled           *bool       `json:"enabled,omitempty"`
}

func (s seedConfig) toConfig() Config {
	cfg := Config{
		Name:             s.Name,
		Kind:             s.Kind,
		BaseURL:          s.BaseURL,
		Auth:             s.Auth,
		Credentials:      s.Credentials,
		Timeout:          time.Duration(s.TimeoutSeconds) * time.Second,
		RetryBudget:      s.RetryBudget,
		RateLimit:        s.RateLimit,
		RateWindow:       time.Duration(s.RateWindowSeconds) * time.Second,
		FailureThreshold: s.FailureThreshold,
		Cooldown:         time.Duration(s.CooldownSeconds) * time.Second,
		HealthPath:       s.HealthPath,
		Enabled:          true,
	}
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	return cfg
}

// LoadFile reads a JSON array of integration definitions and registers each
// one. It returns the number registered. A bad entry aborts the load so a
// typo cannot silently drop a target system.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read integrations file %s: %w", path, err)
	}

	var seeds []seedConfig
	if err := json.Unmarshal(data, &seeds); err != nil {
		return 0, fmt.Errorf("parse integrations file %s: %w", path, err)
	}

	for n, seed := range seeds {
		if _, err := r.Register(seed.toConfig()); err != nil {
			return n, fmt.Errorf("integrations file %s entry %d: %w", path, n, err)
		}
	}
	return len(seeds), nil
}

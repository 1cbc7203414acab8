// Package integration holds the outbound integration registry: the catalog of
// external target systems (EHR, lab, pharmacy, billing, imaging, ...) together
// with the per-target circuit breaker, rolling rate window, and observed
// health state that gate every outbound request.
package integration

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Kind classifies how a target system exchanges data.
type Kind string

const (
	KindAPI          Kind = "api"
	KindQueue        Kind = "queue"
	KindFileTransfer Kind = "file_transfer"
	KindDatabaseSync Kind = "database_sync"
	KindWebhook      Kind = "webhook"
	KindEventDriven  Kind = "event_driven"
	KindBatch        Kind = "batch"
)

var validKinds = map[Kind]bool{
	KindAPI:          true,
	KindQueue:        true,
	KindFileTransfer: true,
	KindDatabaseSync: true,
	KindWebhook:      true,
	KindEventDriven:  true,
	KindBatch:        true,
}

// AuthMethod selects how outbound requests to a target are authenticated.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthAPIKey AuthMethod = "api_key"
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
	AuthJWT    AuthMethod = "jwt"
)

var validAuthMethods = map[AuthMethod]bool{
	AuthNone:   true,
	AuthAPIKey: true,
	AuthBasic:  true,
	AuthBearer: true,
	AuthJWT:    true,
}

// Credentials carries the secret material for an integration's auth method.
// Only the fields matching the configured method are consulted.
type Credentials struct {
	APIKey       string `json:"api_key,omitempty"`
	APIKeyHeader string `json:"api_key_header,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	BearerToken  string `json:"bearer_token,omitempty"`
	JWTSecret    string `json:"jwt_secret,omitempty"`
}

// Config describes one target system and its connection policy. Everything
// except the enabled flag is immutable once the integration is registered.
type Config struct {
	Name             string        `json:"name"`
	Kind             Kind          `json:"kind"`
	BaseURL          string        `json:"base_url"`
	Auth             AuthMethod    `json:"auth"`
	Credentials      Credentials   `json:"credentials,omitempty"`
	Timeout          time.Duration `json:"timeout_ns"`
	RetryBudget      int           `json:"retry_budget"`
	RateLimit        int           `json:"rate_limit"`
	RateWindow       time.Duration `json:"rate_window_ns"`
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown_ns"`
	HealthPath       string        `json:"health_path,omitempty"`
	Enabled          bool          `json:"enabled"`
}

// withDefaults fills unset policy fields with their defaults.
func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindAPI
	}
	if c.Auth == "" {
		c.Auth = AuthNone
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	return c
}

// Validate checks that the configuration is complete enough to route requests.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got %q", u.Scheme)
	}
	if !validKinds[c.Kind] {
		return fmt.Errorf("unknown integration kind %q", c.Kind)
	}
	if !validAuthMethods[c.Auth] {
		return fmt.Errorf("unknown auth method %q", c.Auth)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	switch c.Auth {
	case AuthAPIKey:
		if c.Credentials.APIKey == "" {
			return fmt.Errorf("api_key credential is required for auth method %q", c.Auth)
		}
	case AuthBasic:
		if c.Credentials.Username == "" {
			return fmt.Errorf("username credential is required for auth method %q", c.Auth)
		}
	case AuthBearer:
		if c.Credentials.BearerToken == "" {
			return fmt.Errorf("bearer_token credential is required for auth method %q", c.Auth)
		}
	case AuthJWT:
		if c.Credentials.JWTSecret == "" {
			return fmt.Errorf("jwt_secret credential is required for auth method %q", c.Auth)
		}
	}
	return nil
}

// Redacted returns a copy safe to expose over the API: secret material is
// blanked while the auth method tag is kept.
func (c Config) Redacted() Config {
	c.Credentials = Credentials{APIKeyHeader: c.Credentials.APIKeyHeader}
	return c
}

// ---------------------------------------------------------------------------
// Runtime state snapshots
// ---------------------------------------------------------------------------

// State is the admission state of a circuit breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerState is a point-in-time view of an integration's circuit breaker.
type BreakerState struct {
	State         State      `json:"state"`
	Failures      int        `json:"failures"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	OpenUntil     *time.Time `json:"open_until,omitempty"`
}

// RateWindowState is a point-in-time view of an integration's rolling window.
type RateWindowState struct {
	Count   int       `json:"count"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// HealthStatus is the operator-facing observed health of a target.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// HealthRecord is the most recent observed health of an integration. It is
// overwritten by every background probe and by every traffic outcome.
type HealthRecord struct {
	Status       HealthStatus  `json:"status"`
	ResponseTime time.Duration `json:"response_time_ns"`
	CheckedAt    time.Time     `json:"checked_at"`
	LastError    string        `json:"last_error,omitempty"`
}

// Status bundles an integration's redacted config with all of its runtime
// state. It is the unit of the registry snapshot returned to operators.
type Status struct {
	Config     Config          `json:"config"`
	Enabled    bool            `json:"enabled"`
	Breaker    BreakerState    `json:"breaker"`
	RateWindow RateWindowState `json:"rate_window"`
	Health     HealthRecord    `json:"health"`
}

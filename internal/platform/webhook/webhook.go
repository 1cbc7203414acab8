// Package webhook delivers sync notifications to registered HTTP endpoints.
// It is the system-to-system counterpart of the websocket hub: a downstream
// service registers a URL plus an entity type filter and receives a signed
// POST for every matching sync update.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an endpoint or delivery does not exist.
var ErrNotFound = errors.New("webhook endpoint not found")

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Endpoint is one registered webhook destination.
type Endpoint struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret,omitempty"`
	EntityTypes []string  `json:"entity_types"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Redacted returns a copy safe to expose on read endpoints. The secret is
// shown exactly once, in the registration response.
func (e *Endpoint) Redacted() *Endpoint {
	cp := e.clone()
	cp.Secret = ""
	return cp
}

func (e *Endpoint) clone() *Endpoint {
	cp := *e
	cp.EntityTypes = append([]string(nil), e.EntityTypes...)
	return &cp
}

// matches reports whether the endpoint subscribes to the entity type. An
// empty filter or a "*" entry matches everything.
func (e *Endpoint) matches(entityType string) bool {
	if len(e.EntityTypes) == 0 {
		return true
	}
	for _, et := range e.EntityTypes {
		if et == "*" || et == entityType {
			return true
		}
	}
	return false
}

// Delivery statuses.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery records the outcome of pushing one message to one endpoint,
// after retries.
type Delivery struct {
	ID         string          `json:"id"`
	EndpointID string          `json:"endpoint_id"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature"`
	StatusCode int             `json:"status_code"`
	Attempts   int             `json:"attempts"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration_ns"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Message is the envelope POSTed to endpoints.
type Message struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	SentAt     time.Time       `json:"sent_at"`
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under secret. Receivers use this to authenticate deliveries.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// maxDeliveryLog bounds the per-endpoint delivery history.
const maxDeliveryLog = 200

// Registry is the in-memory catalog of webhook endpoints and their recent
// delivery history. Like the integration registry it is built at startup
// and mutated through the admin API.
type Registry struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	order      []string
	deliveries map[string][]*Delivery
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string][]*Delivery),
	}
}

// Register validates and adds a new endpoint. A missing secret is replaced
// with a cryptographically random one.
func (r *Registry) Register(rawURL, secret, description string, entityTypes []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}

	ep := &Endpoint{
		ID:          uuid.New().String(),
		URL:         rawURL,
		Secret:      secret,
		EntityTypes: append([]string(nil), entityTypes...),
		Description: description,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ID] = ep
	r.order = append(r.order, ep.ID)
	return ep.clone(), nil
}

// Get returns a copy of the endpoint with the given id. Copies keep readers
// safe from concurrent Update calls, which mutate in place under the lock.
func (r *Registry) Get(id string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ep.clone(), nil
}

// Update replaces the mutable fields of an endpoint. Empty fields keep
// their current value.
func (r *Registry) Update(id, rawURL string, entityTypes []string, description string) (*Endpoint, error) {
	if rawURL != "" {
		if err := validateURL(rawURL); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rawURL != "" {
		ep.URL = rawURL
	}
	if entityTypes != nil {
		ep.EntityTypes = append([]string(nil), entityTypes...)
	}
	if description != "" {
		ep.Description = description
	}
	return ep.clone(), nil
}

// SetActive pauses or resumes deliveries to an endpoint.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.Active = active
	return nil
}

// Remove deletes an endpoint and its delivery history.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(r.endpoints, id)
	delete(r.deliveries, id)
	for i, eid := range r.order {
		if eid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// List returns a page of endpoints in registration order plus the total.
func (r *Registry) List(limit, offset int) ([]*Endpoint, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.order)
	if limit <= 0 {
		limit = total
	}
	if offset >= total {
		return []*Endpoint{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Endpoint, 0, end-offset)
	for _, id := range r.order[offset:end] {
		out = append(out, r.endpoints[id].clone())
	}
	return out, total
}

// active returns every active endpoint matching the entity type.
func (r *Registry) active(entityType string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Endpoint
	for _, id := range r.order {
		ep := r.endpoints[id]
		if ep.Active && ep.matches(entityType) {
			out = append(out, ep.clone())
		}
	}
	return out
}

// RecordDelivery appends a delivery to the endpoint's history, evicting the
// oldest entry once the log is full.
func (r *Registry) RecordDelivery(d *Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[d.EndpointID]; !ok {
		return
	}
	log := append(r.deliveries[d.EndpointID], d)
	if len(log) > maxDeliveryLog {
		log = log[len(log)-maxDeliveryLog:]
	}
	r.deliveries[d.EndpointID] = log
}

// Deliveries returns a page of the endpoint's delivery history, newest
// first, plus the total.
func (r *Registry) Deliveries(id string, limit, offset int) ([]*Delivery, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.endpoints[id]; !ok {
		return nil, 0, ErrNotFound
	}
	log := r.deliveries[id]
	total := len(log)
	if limit <= 0 {
		limit = total
	}
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Delivery, 0, end-offset)
	for i := total - 1 - offset; i >= total-end; i-- {
		out = append(out, log[i])
	}
	return out, total, nil
}

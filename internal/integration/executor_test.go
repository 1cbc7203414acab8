package integration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// helper: registry with one integration pointed at url.
func newTestRegistry(t *testing.T, url string, mutate func(*Config)) *Registry {
	t.Helper()
	cfg := testConfig("ehr-main")
	cfg.BaseURL = url
	if mutate != nil {
		mutate(&cfg)
	}
	reg := NewRegistry()
	if _, err := reg.Register(cfg); err != nil {
		t.Fatalf("failed to register integration: %v", err)
	}
	return reg
}

func newTestExecutor(reg *Registry) *Executor {
	return NewExecutor(reg, zerolog.Nop())
}

// ===================== Request execution =====================

func TestExecutor_Success(t *testing.T) {
	var gotPath, gotMethod, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"pat-1"}`))
	}))
	defer srv.Close()

	exec := newTestExecutor(newTestRegistry(t, srv.URL+"/", nil))
	resp, err := exec.Execute(context.Background(), "ehr-main", http.MethodPost, "api/Patient", []byte(`{"first_name":"Ada"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected status 201, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"id":"pat-1"}` {
		t.Errorf("unexpected body: %s", resp.Body)
	}
	if resp.Duration <= 0 {
		t.Error("expected positive duration")
	}
	if gotPath != "/api/Patient" {
		t.Errorf("expected path /api/Patient, got %q", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %q", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected json content type, got %q", gotContentType)
	}
	if string(gotBody) != `{"first_name":"Ada"}` {
		t.Errorf("unexpected forwarded body: %s", gotBody)
	}

	var decoded map[string]string
	if err := resp.DecodeJSON(&decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded["id"] != "pat-1" {
		t.Errorf("expected id pat-1, got %q", decoded["id"])
	}
}

func TestExecutor_ForwardsCustomHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := newTestExecutor(newTestRegistry(t, srv.URL, nil))
	_, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/ping", nil, map[string]string{"X-Correlation-ID": "corr-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "corr-7" {
		t.Errorf("expected forwarded header, got %q", got)
	}
}

func TestExecutor_UnknownIntegration(t *testing.T) {
	exec := newTestExecutor(NewRegistry())
	_, err := exec.Execute(context.Background(), "ghost", http.MethodGet, "/", nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecutor_DisabledIntegration(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, nil)
	reg.SetEnabled("ehr-main", false)

	exec := newTestExecutor(reg)
	_, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("disabled integration must not be called, got %d calls", calls.Load())
	}
}

// ===================== Failure accounting =====================

func TestExecutor_Non2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, nil)
	exec := newTestExecutor(reg)

	_, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/api/Patient/missing", nil, nil)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	var stErr *StatusError
	if !errors.As(err, &stErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if stErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", stErr.StatusCode)
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Error("expected IsStatus to match 404")
	}
	if IsStatus(err, http.StatusBadGateway) {
		t.Error("IsStatus must not match a different code")
	}

	integ, _ := reg.Get("ehr-main")
	if st := integ.BreakerSnapshot(); st.Failures != 1 {
		t.Errorf("expected non-2xx to count one failure, got %d", st.Failures)
	}
}

func TestExecutor_ExpectedStatusDoesNotCountFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) { c.FailureThreshold = 2 })
	exec := newTestExecutor(reg)

	// More answered probes than the threshold allows failures.
	for n := 1; n <= 4; n++ {
		_, err := exec.ExecuteExpecting(context.Background(), "ehr-main", http.MethodGet, "/api/Patient/pat-9", nil, nil, http.StatusNotFound)
		if !IsStatus(err, http.StatusNotFound) {
			t.Fatalf("probe %d: expected StatusError 404, got %v", n, err)
		}
	}
	if calls.Load() != 4 {
		t.Fatalf("expected all 4 probes to reach the target, got %d", calls.Load())
	}

	integ, _ := reg.Get("ehr-main")
	st := integ.BreakerSnapshot()
	if st.State != StateClosed {
		t.Errorf("expected breaker to stay CLOSED, got %s", st.State)
	}
	if st.Failures != 0 {
		t.Errorf("expected 0 failures after declared 404s, got %d", st.Failures)
	}
	if rec := integ.HealthSnapshot(); rec.Status != HealthHealthy {
		t.Errorf("expected HEALTHY after answered probes, got %s", rec.Status)
	}
}

func TestExecutor_ExpectedStatusResetsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, nil)
	exec := newTestExecutor(reg)
	integ, _ := reg.Get("ehr-main")

	// Undeclared, the same answer counts as a failure.
	exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil)
	if st := integ.BreakerSnapshot(); st.Failures != 1 {
		t.Fatalf("expected 1 failure after undeclared 404, got %d", st.Failures)
	}

	// Declared, it resets the count like any success.
	exec.ExecuteExpecting(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil, http.StatusNotFound)
	if st := integ.BreakerSnapshot(); st.Failures != 0 {
		t.Errorf("expected failures reset by expected status, got %d", st.Failures)
	}

	// A status outside the declared set still counts.
	_, err := exec.ExecuteExpecting(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil, http.StatusConflict)
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
	if st := integ.BreakerSnapshot(); st.Failures != 1 {
		t.Errorf("expected undeclared status to count one failure, got %d", st.Failures)
	}
}

func TestExecutor_BreakerShortCircuitsAfterThreshold(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) { c.FailureThreshold = 3 })
	exec := newTestExecutor(reg)

	for n := 1; n <= 3; n++ {
		if _, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil); err == nil {
			t.Fatalf("call %d: expected error", n)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls to reach the target, got %d", calls.Load())
	}

	// Fourth call is short-circuited without touching the network.
	_, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("open breaker must not forward requests, got %d calls", calls.Load())
	}
}

func TestExecutor_HalfOpenRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) {
		c.FailureThreshold = 2
		c.Cooldown = 30 * time.Second
	})
	exec := newTestExecutor(reg)

	// Frozen clock so the cooldown can elapse without sleeping.
	current := time.Now()
	exec.now = func() time.Time { return current }

	for n := 0; n < 2; n++ {
		exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil)
	}
	integ, _ := reg.Get("ehr-main")
	if st := integ.BreakerSnapshot(); st.State != StateOpen {
		t.Fatalf("expected OPEN after threshold, got %s", st.State)
	}

	fail.Store(false)
	current = current.Add(31 * time.Second)

	if _, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil); err != nil {
		t.Fatalf("expected trial call to succeed, got %v", err)
	}
	st := integ.BreakerSnapshot()
	if st.State != StateClosed {
		t.Errorf("expected CLOSED after successful trial, got %s", st.State)
	}
	if st.Failures != 0 {
		t.Errorf("expected failures reset, got %d", st.Failures)
	}
}

func TestExecutor_TimeoutIsRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) { c.Timeout = 50 * time.Millisecond })
	exec := newTestExecutor(reg)

	_, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/slow", nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
	if !reqErr.Timeout {
		t.Error("expected Timeout flag set")
	}

	integ, _ := reg.Get("ehr-main")
	if st := integ.BreakerSnapshot(); st.Failures != 1 {
		t.Errorf("expected timeout to count one failure, got %d", st.Failures)
	}
}

func TestExecutor_ConnectionRefusedIsRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	reg := newTestRegistry(t, url, nil)
	exec := newTestExecutor(reg)

	_, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
}

func TestExecutor_RateLimitRejects(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) { c.RateLimit = 2 })
	exec := newTestExecutor(reg)

	for n := 0; n < 2; n++ {
		if _, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil); err != nil {
			t.Fatalf("setup call failed: %v", err)
		}
	}

	_, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("rate limited call must not reach the target, got %d calls", calls.Load())
	}

	integ, _ := reg.Get("ehr-main")
	if st := integ.BreakerSnapshot(); st.Failures != 0 {
		t.Errorf("rate limit rejection must not count as breaker failure, got %d", st.Failures)
	}
}

// ===================== Outbound auth =====================

func TestExecutor_AppliesAPIKeyAuth(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Clinic-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) {
		c.Auth = AuthAPIKey
		c.Credentials = Credentials{APIKey: "k-42", APIKeyHeader: "X-Clinic-Key"}
	})
	exec := newTestExecutor(reg)

	if _, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "k-42" {
		t.Errorf("expected api key header, got %q", got)
	}
}

func TestExecutor_AppliesBasicAuth(t *testing.T) {
	var user, pass string
	var ok bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) {
		c.Auth = AuthBasic
		c.Credentials = Credentials{Username: "svc-sync", Password: "hunter2"}
	})
	exec := newTestExecutor(reg)

	if _, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || user != "svc-sync" || pass != "hunter2" {
		t.Errorf("expected basic auth svc-sync/hunter2, got %q/%q ok=%v", user, pass, ok)
	}
}

func TestExecutor_AppliesBearerAuth(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) {
		c.Auth = AuthBearer
		c.Credentials = Credentials{BearerToken: "static-token"}
	})
	exec := newTestExecutor(reg)

	if _, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Bearer static-token" {
		t.Errorf("expected bearer header, got %q", got)
	}
}

func TestExecutor_MintsOutboundJWT(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, srv.URL, func(c *Config) {
		c.Auth = AuthJWT
		c.Credentials = Credentials{JWTSecret: "signing-secret"}
	})
	exec := NewExecutor(reg, zerolog.Nop(), WithIssuer("carebridge-test"))

	if _, err := exec.Execute(context.Background(), "ehr-main", http.MethodGet, "/", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw := strings.TrimPrefix(got, "Bearer ")
	if raw == got {
		t.Fatalf("expected bearer token, got %q", got)
	}
	tok, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return []byte("signing-secret"), nil
	})
	if err != nil {
		t.Fatalf("minted token failed verification: %v", err)
	}
	iss, _ := tok.Claims.GetIssuer()
	if iss != "carebridge-test" {
		t.Errorf("expected issuer carebridge-test, got %q", iss)
	}
	aud, _ := tok.Claims.GetAudience()
	if len(aud) != 1 || aud[0] != "ehr-main" {
		t.Errorf("expected audience [ehr-main], got %v", aud)
	}
	exp, _ := tok.Claims.GetExpirationTime()
	if exp == nil || time.Until(exp.Time) > 2*time.Minute {
		t.Errorf("expected short-lived token, exp %v", exp)
	}
}

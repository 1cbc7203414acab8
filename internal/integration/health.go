package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor probes every enabled integration's health endpoint on a fixed
// interval. Probes are observational: a failed probe only downgrades the
// recorded health status, it never opens or closes the circuit breaker, and
// a passing probe never short-circuits an open cooldown.
type Monitor struct {
	registry *Registry
	client   *http.Client
	logger   zerolog.Logger
	metrics  *Metrics

	// Interval is the time between probe cycles.
	Interval time.Duration
	// ProbeTimeout bounds each individual probe request.
	ProbeTimeout time.Duration
	// MaxConcurrent caps how many probes run at once in a cycle.
	MaxConcurrent int
	// Issuer is the iss claim minted into probe JWTs.
	Issuer string
}

// NewMonitor creates a monitor with default tuning. Adjust the exported
// fields before calling Start.
func NewMonitor(reg *Registry, logger zerolog.Logger, metrics *Metrics) *Monitor {
	return &Monitor{
		registry:      reg,
		client:        &http.Client{},
		logger:        logger,
		metrics:       metrics,
		Interval:      60 * time.Second,
		ProbeTimeout:  10 * time.Second,
		MaxConcurrent: 8,
		Issuer:        "carebridge",
	}
}

// Start runs probe cycles until ctx is cancelled. The first cycle runs
// immediately so statuses are populated before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info().
		Dur("interval", m.Interval).
		Int("max_concurrent", m.MaxConcurrent).
		Msg("health monitor started")

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// RunOnce executes a single probe cycle and returns when every probe has
// finished. Start uses the same cycle on its interval; this entry point
// serves one-shot checks from the CLI.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.probeAll(ctx)
}

// probeAll fans probes out across the registry, at most MaxConcurrent at a
// time, and waits for the cycle to finish. Disabled integrations keep their
// last recorded status.
func (m *Monitor) probeAll(ctx context.Context) {
	sem := make(chan struct{}, m.MaxConcurrent)
	var wg sync.WaitGroup

	for _, name := range m.registry.Names() {
		integ, ok := m.registry.Get(name)
		if !ok || !integ.Enabled() {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(integ *Integration) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probe(ctx, integ)
		}(integ)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, integ *Integration) {
	cfg := integ.Config()
	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/" + strings.TrimPrefix(cfg.HealthPath, "/")

	probeCtx, cancel := context.WithTimeout(ctx, m.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.check(probeCtx, cfg, url)
	latency := time.Since(start)

	status := integ.recordProbe(time.Now(), latency, err)
	m.metrics.RecordProbe(cfg.Name, status, latency)

	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("integration", cfg.Name).
			Str("status", string(status)).
			Msg("health probe failed")
	}
}

func (m *Monitor) check(ctx context.Context, cfg Config, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := applyAuth(req, cfg, m.Issuer); err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/integration"
	"github.com/carebridge/carebridge/internal/platform/cache"
)

// Engine defaults, overridable through the exported fields before Start.
const (
	DefaultQueueSize    = 1024
	DefaultWorkers      = 4
	DefaultDrainTimeout = 30 * time.Second
	DefaultResultTTL    = 5 * time.Minute
)

const resultCachePrefix = "sync:result:"

// Engine validates, queues, and applies sync events. Ingestion is
// synchronous up to the durable PENDING result; processing happens on a
// bounded worker pool, one worker per event, sequential across that event's
// targets. A separate consumer applies manual conflict resolutions.
type Engine struct {
	repo     Repository
	cache    cache.Cache
	exec     *integration.Executor
	handlers HandlerTable
	notifier Notifier
	logger   zerolog.Logger
	metrics  *Metrics

	// Tunables, set before Start.
	QueueSize    int
	Workers      int
	DrainTimeout time.Duration
	ResultTTL    time.Duration

	mu          sync.RWMutex
	queue       chan *Event
	resolutions chan resolutionTask
	closed      bool

	wg  sync.WaitGroup
	rwg sync.WaitGroup

	now func() time.Time
}

type resolutionTask struct {
	conflictID string
	policy     Policy
}

// NewEngine wires the engine to its collaborators. notifier may be nil when
// no live subscribers exist; a nil store falls back to an in-memory cache.
func NewEngine(repo Repository, store cache.Cache, exec *integration.Executor, notifier Notifier, logger zerolog.Logger, metrics *Metrics) *Engine {
	if store == nil {
		store = cache.NewMemoryCache()
	}
	return &Engine{
		repo:         repo,
		cache:        store,
		exec:         exec,
		handlers:     NewHandlerTable(),
		notifier:     notifier,
		logger:       logger,
		metrics:      metrics,
		QueueSize:    DefaultQueueSize,
		Workers:      DefaultWorkers,
		DrainTimeout: DefaultDrainTimeout,
		ResultTTL:    DefaultResultTTL,
		now:          time.Now,
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the event workers and the resolution consumer. Events can
// be published once Start returns. Calling Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.queue != nil {
		e.mu.Unlock()
		return
	}
	e.queue = make(chan *Event, e.QueueSize)
	e.resolutions = make(chan resolutionTask, e.QueueSize)
	e.mu.Unlock()

	for i := 0; i < e.Workers; i++ {
		e.wg.Add(1)
		go e.eventWorker()
	}
	e.rwg.Add(1)
	go e.resolutionWorker()
	e.logger.Info().Int("workers", e.Workers).Int("queue_size", e.QueueSize).Msg("sync engine started")
}

// Stop closes intake and drains in-flight work, waiting up to DrainTimeout
// for each loop. Events still queued when the timeout fires keep their last
// persisted status and can be reprocessed on the next start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.queue == nil || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	if err := waitTimeout(&e.wg, e.DrainTimeout); err != nil {
		return fmt.Errorf("sync engine drain: %w", err)
	}
	close(e.resolutions)
	if err := waitTimeout(&e.rwg, e.DrainTimeout); err != nil {
		return fmt.Errorf("resolution drain: %w", err)
	}
	e.logger.Info().Msg("sync engine stopped")
	return nil
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(d):
		return errors.New("timed out")
	}
}

func (e *Engine) eventWorker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.metrics.RecordQueueDepth(len(e.queue))
		e.processEvent(context.Background(), ev)
	}
}

func (e *Engine) resolutionWorker() {
	defer e.rwg.Done()
	for task := range e.resolutions {
		e.processResolution(context.Background(), task)
	}
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

// PublishEvent validates and queues one event, returning its id without
// waiting for processing. Validation failures return synchronously and leave
// no trace in the store, cache, or queue.
func (e *Engine) PublishEvent(ctx context.Context, ev *Event) (string, error) {
	if ev == nil {
		return "", newValidationError("event", "missing body")
	}
	e.mu.RLock()
	running := e.queue != nil && !e.closed
	e.mu.RUnlock()
	if !running {
		return "", ErrEngineStopped
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now()
	}
	if err := e.handlers.ValidateEvent(ev); err != nil {
		return "", err
	}

	pending := &Result{EventID: ev.ID, Status: StatusPending, UpdatedAt: e.now()}
	if err := e.repo.LogEvent(ctx, ev, pending); err != nil {
		return "", fmt.Errorf("log event: %w", err)
	}
	e.cacheResult(ctx, pending)

	e.mu.RLock()
	if e.queue == nil || e.closed {
		e.mu.RUnlock()
		e.rollbackIngest(ctx, ev.ID)
		return "", ErrEngineStopped
	}
	select {
	case e.queue <- ev:
		e.mu.RUnlock()
	default:
		e.mu.RUnlock()
		e.rollbackIngest(ctx, ev.ID)
		return "", ErrQueueFull
	}

	e.metrics.RecordPublished(ev.EntityType)
	e.metrics.RecordQueueDepth(len(e.queue))
	e.logger.Debug().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("entity_type", string(ev.EntityType)).
		Msg("sync event queued")
	return ev.ID, nil
}

// rollbackIngest undoes the durable and cached traces of an event that could
// not be queued.
func (e *Engine) rollbackIngest(ctx context.Context, id string) {
	if err := e.repo.RemoveEvent(ctx, id); err != nil {
		e.logger.Error().Err(err).Str("event_id", id).Msg("failed to roll back unqueued event")
	}
	if err := e.cache.Delete(ctx, resultCacheKey(id)); err != nil {
		e.logger.Debug().Err(err).Str("event_id", id).Msg("cache delete failed")
	}
}

func resultCacheKey(id string) string { return resultCachePrefix + id }

func (e *Engine) cacheResult(ctx context.Context, res *Result) {
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, resultCacheKey(res.EventID), b, e.ResultTTL); err != nil {
		e.logger.Debug().Err(err).Str("event_id", res.EventID).Msg("result cache set failed")
	}
}

// ---------------------------------------------------------------------------
// Queries and admin operations
// ---------------------------------------------------------------------------

// GetSyncStatus returns the current result for an event, serving from the
// TTL cache when possible.
func (e *Engine) GetSyncStatus(ctx context.Context, eventID string) (*Result, error) {
	if b, ok, err := e.cache.Get(ctx, resultCacheKey(eventID)); err == nil && ok {
		var res Result
		if jsonErr := json.Unmarshal(b, &res); jsonErr == nil {
			return &res, nil
		}
	}
	res, err := e.repo.GetResult(ctx, eventID)
	if err != nil {
		return nil, err
	}
	e.cacheResult(ctx, res)
	return res, nil
}

// ListResults returns stored results newest-first, optionally filtered by
// status.
func (e *Engine) ListResults(ctx context.Context, status Status, limit, offset int) ([]*Result, int, error) {
	return e.repo.ListResults(ctx, status, limit, offset)
}

// CancelEvent marks a still-pending event CANCELLED. Workers skip cancelled
// events when they reach the front of the queue.
func (e *Engine) CancelEvent(ctx context.Context, eventID string) (*Result, error) {
	res, err := e.repo.GetResult(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if res.Status != StatusPending {
		return nil, ErrNotCancellable
	}
	res.Status = StatusCancelled
	res.UpdatedAt = e.now()
	if err := e.repo.SaveResult(ctx, res); err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}
	e.cacheResult(ctx, res)
	if ev, evErr := e.repo.GetEvent(ctx, eventID); evErr == nil {
		e.notify(ev.EntityType, ev.EntityID, eventID, StatusCancelled)
	}
	return res, nil
}

// GetSyncMetrics returns aggregated throughput rows matching the filter.
func (e *Engine) GetSyncMetrics(ctx context.Context, f MetricsFilter) ([]*Metric, error) {
	return e.repo.ListMetrics(ctx, f)
}

// ListConflicts returns conflict records newest-first, optionally filtered.
func (e *Engine) ListConflicts(ctx context.Context, f ConflictFilter, limit, offset int) ([]*Conflict, int, error) {
	return e.repo.ListConflicts(ctx, f, limit, offset)
}

// GetConflict returns one conflict record.
func (e *Engine) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	return e.repo.GetConflict(ctx, id)
}

// ResolveConflict queues manual resolution of a pending or parked conflict
// under the given policy. The resolution itself runs on the conflict
// consumer; the returned record reflects the accepted request, not the final
// outcome.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, policy Policy) (*Conflict, error) {
	if !KnownPolicy(policy) {
		return nil, newValidationError("policy", fmt.Sprintf("unknown policy %q", policy))
	}
	c, err := e.repo.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolution == ResolutionResolved {
		return nil, ErrAlreadyResolved
	}

	// Record the chosen strategy before queueing so the consumer's final
	// update always lands after this one.
	c.Strategy = policy
	if err := e.repo.UpdateConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("update conflict: %w", err)
	}

	e.mu.RLock()
	if e.resolutions == nil || e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineStopped
	}
	select {
	case e.resolutions <- resolutionTask{conflictID: conflictID, policy: policy}:
		e.mu.RUnlock()
	default:
		e.mu.RUnlock()
		return nil, ErrQueueFull
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Processing pipeline
// ---------------------------------------------------------------------------

type passOutcome struct {
	successes   int
	failures    int
	errs        []string
	warnings    []string
	conflictIDs []string
	unresolved  bool
}

func (e *Engine) processEvent(ctx context.Context, ev *Event) {
	start := e.now()

	res, err := e.repo.GetResult(ctx, ev.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to load result, processing anyway")
		}
		res = &Result{EventID: ev.ID, Status: StatusPending}
	}
	if res.Status == StatusCancelled {
		e.logger.Debug().Str("event_id", ev.ID).Msg("skipping cancelled event")
		return
	}
	res.Status = StatusProcessing
	res.UpdatedAt = e.now()
	if err := e.repo.SaveResult(ctx, res); err != nil {
		e.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to mark event processing")
	}
	e.cacheResult(ctx, res)

	h := e.handlers.Lookup(ev.EntityType)
	if h == nil {
		e.finalize(ctx, ev, res, start, passOutcome{
			failures: len(ev.Targets),
			errs:     []string{fmt.Sprintf("no handler for entity type %q", ev.EntityType)},
		})
		return
	}

	var pass passOutcome
	for _, target := range ev.Targets {
		tStart := e.now()
		out := e.applyToTarget(ctx, h, ev, target)
		if out.failed {
			pass.failures++
		} else {
			pass.successes++
		}
		pass.errs = append(pass.errs, out.errs...)
		pass.warnings = append(pass.warnings, out.warnings...)
		pass.conflictIDs = append(pass.conflictIDs, out.conflictIDs...)
		if out.unresolved {
			pass.unresolved = true
		}
		if err := e.repo.UpsertMetric(ctx, ev.Source, target, ev.EntityType, !out.failed, e.now().Sub(tStart), e.now()); err != nil {
			e.logger.Error().Err(err).Str("target", target).Msg("failed to record sync metric")
		}
	}
	e.finalize(ctx, ev, res, start, pass)
}

func (e *Engine) finalize(ctx context.Context, ev *Event, res *Result, start time.Time, pass passOutcome) {
	res.SuccessCount = pass.successes
	res.FailureCount = pass.failures
	res.Duration = e.now().Sub(start)
	res.Errors = pass.errs
	res.Warnings = pass.warnings
	res.ConflictIDs = pass.conflictIDs

	switch {
	case pass.unresolved:
		res.Status = StatusConflict
	case pass.failures > 0 && pass.successes == 0:
		if ev.RetryCount < ev.MaxRetries && e.requeue(ev) {
			res.Status = StatusRetrying
		} else {
			res.Status = StatusFailed
		}
	default:
		// No failures, or partial success across targets: both complete.
		// Partial outcomes keep their error list so callers see what failed.
		res.Status = StatusCompleted
	}
	res.UpdatedAt = e.now()
	if err := e.repo.SaveResult(ctx, res); err != nil {
		e.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist result")
	}
	e.cacheResult(ctx, res)
	e.metrics.RecordProcessed(res.Status, ev.EntityType, res.Duration)
	e.notify(ev.EntityType, ev.EntityID, ev.ID, res.Status)

	evt := e.logger.Info()
	if res.Status == StatusFailed {
		evt = e.logger.Warn()
	}
	evt.Str("event_id", ev.ID).
		Str("status", string(res.Status)).
		Int("success", res.SuccessCount).
		Int("failure", res.FailureCount).
		Dur("took", res.Duration).
		Msg("sync event processed")
}

// requeue puts a copy of the event back on the queue with its retry count
// bumped. Returns false when the engine is stopping or the queue is full.
func (e *Engine) requeue(ev *Event) bool {
	next := *ev
	next.RetryCount++
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.queue == nil || e.closed {
		return false
	}
	select {
	case e.queue <- &next:
		e.metrics.RecordRetry(ev.EntityType)
		return true
	default:
		return false
	}
}

// applyToTarget applies every item of the event to one target. The target
// tallies as failed when any item hits a hard error; conflicts do not fail
// the target, their resolution outcome decides the event status instead.
func (e *Engine) applyToTarget(ctx context.Context, h *entityHandler, ev *Event, target string) targetOutcome {
	var out targetOutcome
	kind := ev.Kind.Singular()
	for _, item := range ev.Items() {
		warnings, err := e.applyItem(ctx, h, ev, target, kind, item)
		out.warnings = append(out.warnings, warnings...)
		if err == nil {
			continue
		}
		var ce *ConflictError
		if errors.As(err, &ce) {
			c := ce.Conflict
			out.conflictIDs = append(out.conflictIDs, c.ID)
			resolved, rwarns, rerr := e.applyResolution(ctx, h, c, ev.Policy, ev.Metadata)
			out.warnings = append(out.warnings, rwarns...)
			if rerr != nil {
				out.errs = append(out.errs, rerr.Error())
				out.failed = true
			}
			if !resolved {
				out.unresolved = true
			}
			continue
		}
		out.errs = append(out.errs, fmt.Sprintf("%s: %v", target, err))
		out.failed = true
	}
	return out
}

type targetOutcome struct {
	failed      bool
	errs        []string
	warnings    []string
	conflictIDs []string
	unresolved  bool
}

// applyItem performs one singular operation on one target. A detected
// conflict comes back as a *ConflictError whose record is already persisted
// with resolution PENDING.
func (e *Engine) applyItem(ctx context.Context, h *entityHandler, ev *Event, target string, kind EventKind, item Item) ([]string, error) {
	switch kind {
	case KindCreate:
		doc, err := e.fetchEntity(ctx, target, h, item.ID)
		if err == nil {
			return nil, &ConflictError{Conflict: e.raiseConflict(ctx, ev, target, item, ConflictAlreadyExists, doc)}
		}
		if !integration.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("existence check: %w", err)
		}
		if _, err := e.execute(ctx, target, http.MethodPost, h.CollectionPath(), withID(item.Payload, item.ID)); err != nil {
			return nil, fmt.Errorf("create: %w", err)
		}
		return nil, nil

	case KindUpdate:
		doc, err := e.fetchEntity(ctx, target, h, item.ID)
		if err != nil {
			if integration.IsStatus(err, http.StatusNotFound) {
				return nil, fmt.Errorf("%s %s not found on target", h.entityType, item.ID)
			}
			return nil, fmt.Errorf("version fetch: %w", err)
		}
		srcVer, srcOK := versionString(ev.Metadata["version"])
		tgtVer, tgtOK := versionString(doc["version"])
		var warnings []string
		switch {
		case !srcOK:
			// No source version to compare; last write wins.
		case !tgtOK:
			warnings = append(warnings, fmt.Sprintf("%s: no version on target %s %s, applying anyway", target, h.entityType, item.ID))
		case srcVer != tgtVer:
			return warnings, &ConflictError{Conflict: e.raiseConflict(ctx, ev, target, item, ConflictVersionMismatch, doc)}
		}
		if err := e.putEntity(ctx, target, h, item.ID, item.Payload); err != nil {
			return warnings, fmt.Errorf("update: %w", err)
		}
		return warnings, nil

	case KindDelete:
		_, err := e.execute(ctx, target, http.MethodDelete, h.EntityPath(item.ID), nil, http.StatusNotFound)
		if err == nil {
			return nil, nil
		}
		if integration.IsStatus(err, http.StatusNotFound) {
			return []string{fmt.Sprintf("%s: %s %s already absent", target, h.entityType, item.ID)}, nil
		}
		return nil, fmt.Errorf("delete: %w", err)
	}
	return nil, fmt.Errorf("unsupported kind %q", kind)
}

// raiseConflict persists a PENDING conflict record for one item on one
// target.
func (e *Engine) raiseConflict(ctx context.Context, ev *Event, target string, item Item, kind ConflictKind, targetDoc map[string]interface{}) *Conflict {
	c := &Conflict{
		ID:            uuid.NewString(),
		EventID:       ev.ID,
		EntityType:    ev.EntityType,
		EntityID:      item.ID,
		Target:        target,
		Kind:          kind,
		SourcePayload: item.Payload,
		TargetPayload: targetDoc,
		Resolution:    ResolutionPending,
		DetectedAt:    e.now(),
	}
	if err := e.repo.SaveConflict(ctx, c); err != nil {
		e.logger.Error().Err(err).Str("event_id", ev.ID).Str("target", target).Msg("failed to persist conflict")
	}
	e.metrics.RecordConflict(kind)
	e.logger.Warn().
		Str("event_id", ev.ID).
		Str("target", target).
		Str("kind", string(kind)).
		Str("entity_id", item.ID).
		Msg("sync conflict detected")
	return c
}

// ---------------------------------------------------------------------------
// Manual resolution consumer
// ---------------------------------------------------------------------------

func (e *Engine) processResolution(ctx context.Context, task resolutionTask) {
	c, err := e.repo.GetConflict(ctx, task.conflictID)
	if err != nil {
		e.logger.Error().Err(err).Str("conflict_id", task.conflictID).Msg("conflict vanished before resolution")
		return
	}
	if c.Resolution == ResolutionResolved {
		return
	}
	h := e.handlers.Lookup(c.EntityType)
	if h == nil {
		e.logger.Error().Str("conflict_id", c.ID).Str("entity_type", string(c.EntityType)).Msg("no handler for conflict entity type")
		return
	}
	var meta map[string]interface{}
	if ev, evErr := e.repo.GetEvent(ctx, c.EventID); evErr == nil {
		meta = ev.Metadata
	}
	resolved, _, err := e.applyResolution(ctx, h, c, task.policy, meta)
	if err != nil {
		e.logger.Warn().Err(err).Str("conflict_id", c.ID).Msg("manual conflict resolution failed")
		return
	}
	if resolved {
		e.logger.Info().Str("conflict_id", c.ID).Str("strategy", string(task.policy)).Msg("conflict resolved")
		e.recomputeResult(ctx, c.EventID)
	}
}

// recomputeResult upgrades an event result out of CONFLICT once every
// conflict raised for it has been resolved.
func (e *Engine) recomputeResult(ctx context.Context, eventID string) {
	res, err := e.repo.GetResult(ctx, eventID)
	if err != nil || res.Status != StatusConflict {
		return
	}
	conflicts, _, err := e.repo.ListConflicts(ctx, ConflictFilter{EventID: eventID}, 0, 0)
	if err != nil {
		return
	}
	for _, c := range conflicts {
		if c.Resolution != ResolutionResolved {
			return
		}
	}
	if res.SuccessCount == 0 && res.FailureCount > 0 {
		res.Status = StatusFailed
	} else {
		res.Status = StatusCompleted
	}
	res.UpdatedAt = e.now()
	if err := e.repo.SaveResult(ctx, res); err != nil {
		e.logger.Error().Err(err).Str("event_id", eventID).Msg("failed to persist recomputed result")
		return
	}
	e.cacheResult(ctx, res)
	if ev, evErr := e.repo.GetEvent(ctx, eventID); evErr == nil {
		e.notify(ev.EntityType, ev.EntityID, eventID, res.Status)
	}
}

// ---------------------------------------------------------------------------
// Outbound plumbing
// ---------------------------------------------------------------------------

// execute routes one outbound call through the integration executor.
// Expected statuses pass through so that lookup probes do not count
// against the target's breaker.
func (e *Engine) execute(ctx context.Context, target, method, path string, body map[string]interface{}, expected ...int) (*integration.Response, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	return e.exec.ExecuteExpecting(ctx, target, method, path, raw, nil, expected...)
}

// fetchEntity GETs one entity document from a target. A 404 surfaces as a
// *StatusError but leaves the target's breaker and health untouched:
// absence is one of the two well-formed answers to a lookup.
func (e *Engine) fetchEntity(ctx context.Context, target string, h *entityHandler, id string) (map[string]interface{}, error) {
	resp, err := e.execute(ctx, target, http.MethodGet, h.EntityPath(id), nil, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := resp.DecodeJSON(&doc); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", h.entityType, id, err)
	}
	return doc, nil
}

// putEntity writes one entity document to a target.
func (e *Engine) putEntity(ctx context.Context, target string, h *entityHandler, id string, doc map[string]interface{}) error {
	_, err := e.execute(ctx, target, http.MethodPut, h.EntityPath(id), withID(doc, id))
	return err
}

// withID returns doc with its id field filled in, so targets receive
// self-contained documents regardless of where the id came from.
func withID(doc map[string]interface{}, id string) map[string]interface{} {
	if id == "" {
		return doc
	}
	if existing, ok := doc["id"].(string); ok && existing != "" {
		return doc
	}
	out := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

// notify pushes a status notification to live subscribers.
func (e *Engine) notify(et EntityType, entityID, eventID string, status Status) {
	if e.notifier == nil {
		return
	}
	e.notifier.Broadcast(string(et), Notification{
		EventID:    eventID,
		EntityType: et,
		EntityID:   entityID,
		Status:     status,
		Timestamp:  e.now(),
	})
	e.metrics.RecordNotification()
}

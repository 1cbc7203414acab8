package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/integration"
	"github.com/carebridge/carebridge/internal/platform/cache"
)

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

// fakeTarget is a minimal REST document store standing in for a sync target.
// Documents are keyed by "/EntityType/id".
type fakeTarget struct {
	delay time.Duration

	mu       sync.Mutex
	docs     map[string]map[string]interface{}
	requests []string
	failWith int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{docs: make(map[string]map[string]interface{})}
}

func (f *fakeTarget) seed(entityType, id string, doc map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs["/"+entityType+"/"+id] = doc
}

func (f *fakeTarget) doc(entityType, id string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs["/"+entityType+"/"+id]
}

func (f *fakeTarget) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeTarget) failAll(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = status
}

func (f *fakeTarget) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		w.Write([]byte(`{"error":"induced failure"}`))
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, ok := f.docs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	case http.MethodPost:
		var doc map[string]interface{}
		json.NewDecoder(r.Body).Decode(&doc)
		id, _ := doc["id"].(string)
		f.docs[r.URL.Path+"/"+id] = doc
		w.WriteHeader(http.StatusCreated)
	case http.MethodPut:
		var doc map[string]interface{}
		json.NewDecoder(r.Body).Decode(&doc)
		f.docs[r.URL.Path] = doc
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if _, ok := f.docs[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not found"}`))
			return
		}
		delete(f.docs, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// recordingNotifier captures broadcast notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	types []string
}

func (n *recordingNotifier) Broadcast(entityType string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, entityType)
	if note, ok := payload.(Notification); ok {
		n.sent = append(n.sent, note)
	}
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *recordingNotifier) last() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return Notification{}, false
	}
	return n.sent[len(n.sent)-1], true
}

type engineHarness struct {
	engine  *Engine
	repo    Repository
	store   *cache.MemoryCache
	notes   *recordingNotifier
	targets map[string]*fakeTarget
}

// newEngineHarness starts an engine wired to fake targets. workers=0 lets a
// test drive processEvent directly for deterministic pipeline assertions.
func newEngineHarness(t *testing.T, workers, queueSize int, targetNames ...string) *engineHarness {
	t.Helper()
	reg := integration.NewRegistry()
	targets := make(map[string]*fakeTarget, len(targetNames))
	for _, name := range targetNames {
		ft := newFakeTarget()
		srv := httptest.NewServer(ft)
		t.Cleanup(srv.Close)
		targets[name] = ft
		_, err := reg.Register(integration.Config{
			Name:             name,
			Kind:             integration.KindAPI,
			BaseURL:          srv.URL,
			Timeout:          5 * time.Second,
			FailureThreshold: 100,
			Enabled:          true,
		})
		if err != nil {
			t.Fatalf("failed to register target %s: %v", name, err)
		}
	}
	h := &engineHarness{
		repo:    NewMemoryRepo(),
		store:   cache.NewMemoryCache(),
		notes:   &recordingNotifier{},
		targets: targets,
	}
	h.engine = NewEngine(h.repo, h.store, integration.NewExecutor(reg, zerolog.Nop()), h.notes, zerolog.Nop(), nil)
	h.engine.Workers = workers
	h.engine.QueueSize = queueSize
	h.engine.DrainTimeout = 2 * time.Second
	h.engine.Start()
	t.Cleanup(func() { h.engine.Stop() })
	return h
}

func patientPayload() map[string]interface{} {
	return map[string]interface{}{
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"birth_date": "1815-12-10",
	}
}

func patientCreate(id string, targets ...string) *Event {
	return &Event{
		ID:         id,
		Kind:       KindCreate,
		EntityType: EntityPatient,
		EntityID:   "pat-1",
		Source:     "legacy-his",
		Targets:    targets,
		Payload:    patientPayload(),
	}
}

func (h *engineHarness) conflictsFor(t *testing.T, eventID string) []*Conflict {
	t.Helper()
	conflicts, _, err := h.repo.ListConflicts(context.Background(), ConflictFilter{EventID: eventID}, 0, 0)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	return conflicts
}

func waitForStatus(t *testing.T, e *Engine, eventID string, want Status) *Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := e.GetSyncStatus(context.Background(), eventID)
		if err == nil && res.Status == want {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s never reached status %s", eventID, want)
	return nil
}

func waitForResolution(t *testing.T, repo Repository, conflictID string, want ResolutionStatus) *Conflict {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := repo.GetConflict(context.Background(), conflictID)
		if err == nil && c.Resolution == want {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("conflict %s never reached resolution %s", conflictID, want)
	return nil
}

// ===================== Ingestion =====================

func TestPublishEvent_QueuesAndPersistsPending(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	ev := patientCreate("", "ehr-main")
	id, err := h.engine.PublishEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated event id")
	}

	stored, err := h.repo.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("event not logged: %v", err)
	}
	if stored.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
	res, err := h.repo.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("pending result not stored: %v", err)
	}
	if res.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", res.Status)
	}
	if _, ok, _ := h.store.Get(context.Background(), resultCacheKey(id)); !ok {
		t.Error("expected result to be cached")
	}
	// No workers are running, so nothing must have reached the target.
	if got := h.targets["ehr-main"].requestLog(); len(got) != 0 {
		t.Errorf("expected no target traffic, got %v", got)
	}
}

func TestPublishEvent_ValidationFailureLeavesNoTrace(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	ev := patientCreate("evt-bad", "ehr-main")
	delete(ev.Payload, "last_name")
	_, err := h.engine.PublishEvent(context.Background(), ev)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "payload.last_name" {
		t.Errorf("expected field payload.last_name, got %q", ve.Field)
	}

	if _, err := h.repo.GetEvent(context.Background(), "evt-bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected event must not be logged, got %v", err)
	}
	if _, err := h.repo.GetResult(context.Background(), "evt-bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected event must not have a result, got %v", err)
	}
	if _, ok, _ := h.store.Get(context.Background(), resultCacheKey("evt-bad")); ok {
		t.Error("rejected event must not be cached")
	}
}

func TestPublishEvent_UnknownTargetStillQueues(t *testing.T) {
	// Target names are resolved at processing time; publishing does not
	// consult the integration registry.
	h := newEngineHarness(t, 0, 16, "ehr-main")

	id, err := h.engine.PublishEvent(context.Background(), patientCreate("", "no-such-system"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	res, err := h.repo.GetResult(context.Background(), id)
	if err != nil || res.Status != StatusPending {
		t.Fatalf("expected pending result, got %+v err %v", res, err)
	}
}

func TestPublishEvent_QueueFullRollsBack(t *testing.T) {
	h := newEngineHarness(t, 0, 1, "ehr-main")

	if _, err := h.engine.PublishEvent(context.Background(), patientCreate("evt-1", "ehr-main")); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	_, err := h.engine.PublishEvent(context.Background(), patientCreate("evt-2", "ehr-main"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	if _, err := h.repo.GetEvent(context.Background(), "evt-2"); !errors.Is(err, ErrNotFound) {
		t.Error("overflow event must be rolled back from the event log")
	}
	if _, err := h.repo.GetResult(context.Background(), "evt-2"); !errors.Is(err, ErrNotFound) {
		t.Error("overflow event must have no result")
	}
	if _, ok, _ := h.store.Get(context.Background(), resultCacheKey("evt-2")); ok {
		t.Error("overflow event must not stay cached")
	}
}

func TestPublishEvent_AfterStopRejected(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	_, err := h.engine.PublishEvent(context.Background(), patientCreate("", "ehr-main"))
	if !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("expected ErrEngineStopped, got %v", err)
	}
}

func TestPublishEvent_DuplicateIDRejected(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	if _, err := h.engine.PublishEvent(context.Background(), patientCreate("evt-dup", "ehr-main")); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	_, err := h.engine.PublishEvent(context.Background(), patientCreate("evt-dup", "ehr-main"))
	if err == nil || !strings.Contains(err.Error(), "already logged") {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
}

// ===================== Create pipeline =====================

func TestProcessEvent_CreateAppliesToAllTargets(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main", "lab-sys")

	ev := patientCreate("evt-1", "ehr-main", "lab-sys")
	h.engine.processEvent(context.Background(), ev)

	for name, ft := range h.targets {
		doc := ft.doc("Patient", "pat-1")
		if doc == nil {
			t.Fatalf("target %s has no document", name)
		}
		if doc["last_name"] != "Lovelace" {
			t.Errorf("target %s: unexpected document %v", name, doc)
		}
		if doc["id"] != "pat-1" {
			t.Errorf("target %s: document id not filled in: %v", name, doc)
		}
		log := ft.requestLog()
		if len(log) != 2 || log[0] != "GET /Patient/pat-1" || log[1] != "POST /Patient" {
			t.Errorf("target %s: unexpected request sequence %v", name, log)
		}
	}

	res, err := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
	if res.SuccessCount != 2 || res.FailureCount != 0 {
		t.Errorf("expected 2/0 counters, got %d/%d", res.SuccessCount, res.FailureCount)
	}
	if len(res.Errors) != 0 || len(res.ConflictIDs) != 0 {
		t.Errorf("expected clean result, got errors=%v conflicts=%v", res.Errors, res.ConflictIDs)
	}

	note, ok := h.notes.last()
	if !ok {
		t.Fatal("expected a notification")
	}
	if note.EventID != "evt-1" || note.Status != StatusCompleted || note.EntityType != EntityPatient || note.EntityID != "pat-1" {
		t.Errorf("unexpected notification %+v", note)
	}
}

func TestProcessEvent_CreateConflictSourceWins(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{"id": "pat-1", "last_name": "Old"})

	ev := patientCreate("evt-1", "ehr-main")
	ev.Policy = PolicySourceWins
	h.engine.processEvent(context.Background(), ev)

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Lovelace" {
		t.Errorf("source version must win, got %v", doc)
	}

	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Kind != ConflictAlreadyExists {
		t.Errorf("expected already_exists, got %s", c.Kind)
	}
	if c.Resolution != ResolutionResolved || c.Strategy != PolicySourceWins {
		t.Errorf("expected RESOLVED/SOURCE_WINS, got %s/%s", c.Resolution, c.Strategy)
	}
	if c.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
	if c.TargetPayload["last_name"] != "Old" {
		t.Errorf("conflict must capture the target document, got %v", c.TargetPayload)
	}

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted {
		t.Errorf("resolved conflict must complete the event, got %s", res.Status)
	}
	if len(res.ConflictIDs) != 1 || res.ConflictIDs[0] != c.ID {
		t.Errorf("result must reference the conflict, got %v", res.ConflictIDs)
	}
}

func TestProcessEvent_CreateConflictTargetWins(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{"id": "pat-1", "last_name": "Old"})

	ev := patientCreate("evt-1", "ehr-main")
	ev.Policy = PolicyTargetWins
	h.engine.processEvent(context.Background(), ev)

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Old" {
		t.Errorf("target version must be kept, got %v", doc)
	}
	// The existence check is the only traffic; no write may follow.
	if log := h.targets["ehr-main"].requestLog(); len(log) != 1 {
		t.Errorf("expected only the existence check, got %v", log)
	}

	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 || conflicts[0].Resolution != ResolutionResolved {
		t.Fatalf("expected one resolved conflict, got %+v", conflicts)
	}

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "kept target") {
		t.Errorf("expected a kept-target warning, got %v", res.Warnings)
	}
}

func TestProcessEvent_CreateConflictNoPolicyParksForReview(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{"id": "pat-1", "last_name": "Old"})

	ev := patientCreate("evt-1", "ehr-main")
	h.engine.processEvent(context.Background(), ev)

	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != ResolutionManualReview {
		t.Errorf("expected MANUAL_REVIEW, got %s", conflicts[0].Resolution)
	}

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusConflict {
		t.Errorf("unresolved conflict must leave the event in CONFLICT, got %s", res.Status)
	}
	if res.SuccessCount != 1 || res.FailureCount != 0 {
		t.Errorf("conflicts are not failures: got %d/%d", res.SuccessCount, res.FailureCount)
	}
}

func TestProcessEvent_CreateConflictMergePreservesTargetFields(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id":        "pat-1",
		"last_name": "Old",
		"mrn":       "X123",
	})

	ev := patientCreate("evt-1", "ehr-main")
	ev.Policy = PolicyMerge
	h.engine.processEvent(context.Background(), ev)

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Lovelace" {
		t.Errorf("source fields must overwrite, got %v", doc)
	}
	if doc["mrn"] != "X123" {
		t.Errorf("target-only fields must survive the merge, got %v", doc)
	}

	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 || conflicts[0].Strategy != PolicyMerge {
		t.Fatalf("expected one MERGE-resolved conflict, got %+v", conflicts)
	}
}

// ===================== Update pipeline =====================

func patientUpdate(id string, version interface{}, targets ...string) *Event {
	ev := patientCreate(id, targets...)
	ev.Kind = KindUpdate
	if version != nil {
		ev.Metadata = map[string]interface{}{"version": version}
	}
	return ev
}

func TestProcessEvent_UpdateVersionMatchApplies(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Old", "version": 2,
	})

	h.engine.processEvent(context.Background(), patientUpdate("evt-1", 2, "ehr-main"))

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Lovelace" {
		t.Errorf("update must apply on version match, got %v", doc)
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
	if len(h.conflictsFor(t, "evt-1")) != 0 {
		t.Error("matching versions must not raise a conflict")
	}
}

func TestProcessEvent_UpdateVersionMismatchParksWithoutPolicy(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Newer", "version": 3,
	})

	h.engine.processEvent(context.Background(), patientUpdate("evt-1", 2, "ehr-main"))

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Newer" {
		t.Errorf("mismatched update must not write, got %v", doc)
	}

	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Kind != ConflictVersionMismatch {
		t.Errorf("expected version_mismatch, got %s", c.Kind)
	}
	if c.Resolution != ResolutionManualReview {
		t.Errorf("expected MANUAL_REVIEW, got %s", c.Resolution)
	}

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusConflict {
		t.Errorf("expected CONFLICT, got %s", res.Status)
	}
}

func TestProcessEvent_UpdateTimestampBasedSourceNewer(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Old", "version": 3,
		"updated_at": "2026-08-20T10:00:00Z",
	})

	ev := patientUpdate("evt-1", 2, "ehr-main")
	ev.Policy = PolicyTimestampBased
	ev.Metadata["updated_at"] = "2026-08-21T10:00:00Z"
	h.engine.processEvent(context.Background(), ev)

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Lovelace" {
		t.Errorf("newer source must win, got %v", doc)
	}
	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 || conflicts[0].Resolution != ResolutionResolved || conflicts[0].Strategy != PolicyTimestampBased {
		t.Fatalf("expected RESOLVED/TIMESTAMP_BASED, got %+v", conflicts)
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
}

func TestProcessEvent_UpdateTimestampBasedTargetNewer(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Newer", "version": 3,
		"updated_at": "2026-08-22T10:00:00Z",
	})

	ev := patientUpdate("evt-1", 2, "ehr-main")
	ev.Policy = PolicyTimestampBased
	ev.Metadata["updated_at"] = "2026-08-21T10:00:00Z"
	h.engine.processEvent(context.Background(), ev)

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Newer" {
		t.Errorf("newer target must be kept, got %v", doc)
	}
	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 || conflicts[0].Resolution != ResolutionResolved {
		t.Fatalf("expected a resolved conflict, got %+v", conflicts)
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
}

func TestProcessEvent_UpdateTimestampBasedEqualKeepsTarget(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Same", "version": 3,
		"updated_at": "2026-08-21T10:00:00Z",
	})

	ev := patientUpdate("evt-1", 2, "ehr-main")
	ev.Policy = PolicyTimestampBased
	ev.Metadata["updated_at"] = "2026-08-21T10:00:00Z"
	h.engine.processEvent(context.Background(), ev)

	// Strictly newer is required; an equal timestamp keeps the target.
	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Same" {
		t.Errorf("equal timestamps must keep the target, got %v", doc)
	}
}

func TestProcessEvent_UpdateTimestampBasedUnparseableParks(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Old", "version": 3,
		"updated_at": "yesterday-ish",
	})

	ev := patientUpdate("evt-1", 2, "ehr-main")
	ev.Policy = PolicyTimestampBased
	ev.Metadata["updated_at"] = "2026-08-21T10:00:00Z"
	h.engine.processEvent(context.Background(), ev)

	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 || conflicts[0].Resolution != ResolutionManualReview {
		t.Fatalf("unparseable timestamp must park for review, got %+v", conflicts)
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusConflict {
		t.Errorf("expected CONFLICT, got %s", res.Status)
	}
	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Old" {
		t.Errorf("no write may happen when parked, got %v", doc)
	}
}

func TestProcessEvent_FieldLevelMergeParksForReview(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{"id": "pat-1", "last_name": "Old"})

	ev := patientCreate("evt-1", "ehr-main")
	ev.Policy = PolicyFieldLevelMerge
	h.engine.processEvent(context.Background(), ev)

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Old" {
		t.Errorf("field-level merge falls back to target wins, got %v", doc)
	}
	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 || conflicts[0].Resolution != ResolutionManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %+v", conflicts)
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusConflict {
		t.Errorf("expected CONFLICT, got %s", res.Status)
	}
}

func TestProcessEvent_UpdateWithoutSourceVersionApplies(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Old", "version": 7,
	})

	h.engine.processEvent(context.Background(), patientUpdate("evt-1", nil, "ehr-main"))

	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Lovelace" {
		t.Errorf("update without source version applies directly, got %v", doc)
	}
	if len(h.conflictsFor(t, "evt-1")) != 0 {
		t.Error("no conflict expected without a source version")
	}
}

func TestProcessEvent_UpdateWithoutTargetVersionWarns(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{
		"id": "pat-1", "last_name": "Old",
	})

	h.engine.processEvent(context.Background(), patientUpdate("evt-1", 2, "ehr-main"))

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "no version on target") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a missing-target-version warning, got %v", res.Warnings)
	}
}

func TestProcessEvent_UpdateAbsentEntityFails(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	h.engine.processEvent(context.Background(), patientUpdate("evt-1", 2, "ehr-main"))

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.SuccessCount != 0 || res.FailureCount != 1 {
		t.Errorf("expected 0/1 counters, got %d/%d", res.SuccessCount, res.FailureCount)
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "not found on target") {
		t.Errorf("expected a not-found error, got %v", res.Errors)
	}
}

// ===================== Delete pipeline =====================

func TestProcessEvent_DeleteIsIdempotent(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{"id": "pat-1"})

	del := patientCreate("evt-1", "ehr-main")
	del.Kind = KindDelete
	del.Payload = nil
	h.engine.processEvent(context.Background(), del)

	if h.targets["ehr-main"].doc("Patient", "pat-1") != nil {
		t.Fatal("document must be deleted")
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted || len(res.Warnings) != 0 {
		t.Errorf("first delete must complete cleanly, got %s warnings=%v", res.Status, res.Warnings)
	}

	// Deleting the now-absent entity is already satisfied.
	again := patientCreate("evt-2", "ehr-main")
	again.Kind = KindDelete
	again.Payload = nil
	h.engine.processEvent(context.Background(), again)

	res, _ = h.engine.GetSyncStatus(context.Background(), "evt-2")
	if res.Status != StatusCompleted {
		t.Fatalf("absent delete counts as success, got %s", res.Status)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "already absent") {
		t.Errorf("expected an already-absent warning, got %v", res.Warnings)
	}
	if res.SuccessCount != 1 {
		t.Errorf("expected success counter 1, got %d", res.SuccessCount)
	}
}

func TestProcessEvent_AbsenceAnswersLeaveBreakerClosed(t *testing.T) {
	ft := newFakeTarget()
	srv := httptest.NewServer(ft)
	t.Cleanup(srv.Close)

	reg := integration.NewRegistry()
	if _, err := reg.Register(integration.Config{
		Name:             "ehr-main",
		Kind:             integration.KindAPI,
		BaseURL:          srv.URL,
		Timeout:          5 * time.Second,
		FailureThreshold: 2,
		Enabled:          true,
	}); err != nil {
		t.Fatalf("failed to register target: %v", err)
	}

	e := NewEngine(NewMemoryRepo(), cache.NewMemoryCache(), integration.NewExecutor(reg, zerolog.Nop()), nil, zerolog.Nop(), nil)
	e.Workers = 0
	e.QueueSize = 16
	e.DrainTimeout = 2 * time.Second
	e.Start()
	t.Cleanup(func() { e.Stop() })

	// Three deletes of absent entities plus a fresh create make four 404
	// answers against a threshold of two. The target answered every one,
	// so none may count against its breaker.
	for _, id := range []string{"ghost-1", "ghost-2", "ghost-3"} {
		del := &Event{
			ID:         "evt-" + id,
			Kind:       KindDelete,
			EntityType: EntityPatient,
			EntityID:   id,
			Source:     "legacy-his",
			Targets:    []string{"ehr-main"},
		}
		e.processEvent(context.Background(), del)
		res, _ := e.GetSyncStatus(context.Background(), del.ID)
		if res.Status != StatusCompleted {
			t.Fatalf("delete %s: expected COMPLETED, got %s", id, res.Status)
		}
	}

	e.processEvent(context.Background(), patientCreate("evt-create", "ehr-main"))
	res, _ := e.GetSyncStatus(context.Background(), "evt-create")
	if res.Status != StatusCompleted || res.FailureCount != 0 {
		t.Fatalf("fresh create after absent deletes must succeed, got %+v", res)
	}

	integ, _ := reg.Get("ehr-main")
	st := integ.BreakerSnapshot()
	if st.State != integration.StateClosed {
		t.Errorf("expected breaker CLOSED, got %s", st.State)
	}
	if st.Failures != 0 {
		t.Errorf("absence answers must not count as failures, got %d", st.Failures)
	}
}

// ===================== Bulk pipeline =====================

func TestProcessEvent_BulkCreateAppliesPerItem(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-2", map[string]interface{}{"id": "pat-2", "last_name": "Resident"})

	ev := &Event{
		ID:         "evt-bulk",
		Kind:       KindBulkCreate,
		EntityType: EntityPatient,
		Source:     "legacy-his",
		Targets:    []string{"ehr-main"},
		Policy:     PolicyTargetWins,
		Payload: map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"id": "pat-1", "first_name": "Ada", "last_name": "Lovelace", "birth_date": "1815-12-10"},
				map[string]interface{}{"id": "pat-2", "first_name": "Grace", "last_name": "Hopper", "birth_date": "1906-12-09"},
				map[string]interface{}{"id": "pat-3", "first_name": "Edith", "last_name": "Clarke", "birth_date": "1883-02-10"},
			},
		},
	}
	h.engine.processEvent(context.Background(), ev)

	ft := h.targets["ehr-main"]
	if ft.doc("Patient", "pat-1") == nil || ft.doc("Patient", "pat-3") == nil {
		t.Error("new items must be created")
	}
	if doc := ft.doc("Patient", "pat-2"); doc["last_name"] != "Resident" {
		t.Errorf("existing item must keep the target version, got %v", doc)
	}

	conflicts := h.conflictsFor(t, "evt-bulk")
	if len(conflicts) != 1 || conflicts[0].EntityID != "pat-2" || conflicts[0].Resolution != ResolutionResolved {
		t.Fatalf("expected one resolved conflict for pat-2, got %+v", conflicts)
	}

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-bulk")
	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
	if res.SuccessCount != 1 || res.FailureCount != 0 {
		t.Errorf("tallies are per target, expected 1/0, got %d/%d", res.SuccessCount, res.FailureCount)
	}
}

func TestProcessEvent_BulkDeleteMixed(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{"id": "pat-1"})

	ev := &Event{
		ID:         "evt-bulk",
		Kind:       KindBulkDelete,
		EntityType: EntityPatient,
		Source:     "legacy-his",
		Targets:    []string{"ehr-main"},
		Payload: map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"id": "pat-1"},
				map[string]interface{}{"id": "pat-9"},
			},
		},
	}
	h.engine.processEvent(context.Background(), ev)

	if h.targets["ehr-main"].doc("Patient", "pat-1") != nil {
		t.Error("seeded document must be deleted")
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-bulk")
	if res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "pat-9") {
		t.Errorf("expected a warning for the absent item, got %v", res.Warnings)
	}
}

// ===================== Status policy =====================

func TestProcessEvent_PartialSuccessIsCompleted(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main", "flaky-sys")
	h.targets["flaky-sys"].failAll(http.StatusInternalServerError)

	h.engine.processEvent(context.Background(), patientCreate("evt-1", "ehr-main", "flaky-sys"))

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusCompleted {
		t.Fatalf("partial success must complete, got %s", res.Status)
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 {
		t.Errorf("expected 1/1 counters, got %d/%d", res.SuccessCount, res.FailureCount)
	}
	if len(res.Errors) == 0 {
		t.Error("partial success must keep the error list")
	}
	if h.targets["ehr-main"].doc("Patient", "pat-1") == nil {
		t.Error("healthy target must still receive the document")
	}
}

func TestProcessEvent_AllTargetsFailedIsFailed(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "flaky-sys")
	h.targets["flaky-sys"].failAll(http.StatusInternalServerError)

	h.engine.processEvent(context.Background(), patientCreate("evt-1", "flaky-sys"))

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.SuccessCount != 0 || res.FailureCount != 1 {
		t.Errorf("expected 0/1 counters, got %d/%d", res.SuccessCount, res.FailureCount)
	}
}

func TestProcessEvent_FullFailureRetriesWithinBudget(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "flaky-sys")
	h.targets["flaky-sys"].failAll(http.StatusInternalServerError)

	ev := patientCreate("evt-1", "flaky-sys")
	ev.MaxRetries = 1
	h.engine.processEvent(context.Background(), ev)

	res, _ := h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusRetrying {
		t.Fatalf("expected RETRYING, got %s", res.Status)
	}

	var requeued *Event
	select {
	case requeued = <-h.engine.queue:
	default:
		t.Fatal("expected the event to be requeued")
	}
	if requeued.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", requeued.RetryCount)
	}

	// Second pass exhausts the budget.
	h.engine.processEvent(context.Background(), requeued)
	res, _ = h.engine.GetSyncStatus(context.Background(), "evt-1")
	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED after the retry budget, got %s", res.Status)
	}
}

func TestProcessEvent_CancelledEventSkipped(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	id, err := h.engine.PublishEvent(context.Background(), patientCreate("", "ehr-main"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := h.engine.CancelEvent(context.Background(), id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	ev := <-h.engine.queue
	h.engine.processEvent(context.Background(), ev)

	if log := h.targets["ehr-main"].requestLog(); len(log) != 0 {
		t.Errorf("cancelled event must not reach the target, got %v", log)
	}
	res, _ := h.engine.GetSyncStatus(context.Background(), id)
	if res.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", res.Status)
	}
}

func TestCancelEvent_Errors(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	if _, err := h.engine.CancelEvent(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	h.engine.processEvent(context.Background(), patientCreate("evt-done", "ehr-main"))
	if _, err := h.engine.CancelEvent(context.Background(), "evt-done"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

// ===================== Async lifecycle =====================

func TestEngine_StartProcessesPublishedEvents(t *testing.T) {
	h := newEngineHarness(t, 2, 16, "ehr-main")

	ids := make([]string, 0, 3)
	for _, entityID := range []string{"pat-1", "pat-2", "pat-3"} {
		ev := patientCreate("", "ehr-main")
		ev.EntityID = entityID
		id, err := h.engine.PublishEvent(context.Background(), ev)
		if err != nil {
			t.Fatalf("publish %s failed: %v", entityID, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, h.engine, id, StatusCompleted)
	}
	for _, entityID := range []string{"pat-1", "pat-2", "pat-3"} {
		if h.targets["ehr-main"].doc("Patient", entityID) == nil {
			t.Errorf("document %s missing on target", entityID)
		}
	}
}

func TestEngine_StopDrainsQueuedEvents(t *testing.T) {
	h := newEngineHarness(t, 1, 16, "slow-sys")
	h.targets["slow-sys"].delay = 50 * time.Millisecond

	var ids []string
	for i := 0; i < 2; i++ {
		ev := patientCreate("", "slow-sys")
		ev.EntityID = "pat-" + string(rune('1'+i))
		id, err := h.engine.PublishEvent(context.Background(), ev)
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		ids = append(ids, id)
	}

	if err := h.engine.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	for _, id := range ids {
		res, err := h.engine.GetSyncStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("status lookup failed: %v", err)
		}
		if res.Status != StatusCompleted {
			t.Errorf("event %s not drained, status %s", id, res.Status)
		}
	}
}

func TestEngine_StopTwiceIsSafe(t *testing.T) {
	h := newEngineHarness(t, 1, 16, "ehr-main")
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := h.engine.Stop(); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
}

// ===================== Status queries =====================

func TestGetSyncStatus_ServedFromCacheAndIdempotent(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	id, err := h.engine.PublishEvent(context.Background(), patientCreate("", "ehr-main"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	first, err := h.engine.GetSyncStatus(context.Background(), id)
	if err != nil || first.Status != StatusPending {
		t.Fatalf("expected pending status, got %+v err %v", first, err)
	}

	// Remove the durable copy; the cache keeps serving, and repeated reads
	// agree with each other.
	if err := h.repo.RemoveEvent(context.Background(), id); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		res, err := h.engine.GetSyncStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if res.Status != first.Status || res.EventID != first.EventID {
			t.Errorf("read %d disagrees: %+v vs %+v", i, res, first)
		}
	}
}

func TestGetSyncStatus_FallsBackToStore(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	seeded := &Result{EventID: "evt-cold", Status: StatusCompleted, SuccessCount: 2, UpdatedAt: time.Now()}
	if err := h.repo.SaveResult(context.Background(), seeded); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	res, err := h.engine.GetSyncStatus(context.Background(), "evt-cold")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if res.Status != StatusCompleted || res.SuccessCount != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok, _ := h.store.Get(context.Background(), resultCacheKey("evt-cold")); !ok {
		t.Error("store hit must repopulate the cache")
	}
}

func TestGetSyncStatus_UnknownEvent(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	if _, err := h.engine.GetSyncStatus(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ===================== Manual resolution =====================

func TestResolveConflict_AppliesPolicyAndRecomputesResult(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")
	h.targets["ehr-main"].seed("Patient", "pat-1", map[string]interface{}{"id": "pat-1", "last_name": "Old"})

	// No policy: the conflict parks and the event lands in CONFLICT.
	h.engine.processEvent(context.Background(), patientCreate("evt-1", "ehr-main"))
	conflicts := h.conflictsFor(t, "evt-1")
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	cid := conflicts[0].ID

	accepted, err := h.engine.ResolveConflict(context.Background(), cid, PolicySourceWins)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if accepted.Strategy != PolicySourceWins {
		t.Errorf("accepted record must carry the strategy, got %s", accepted.Strategy)
	}

	resolved := waitForResolution(t, h.repo, cid, ResolutionResolved)
	if resolved.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
	doc := h.targets["ehr-main"].doc("Patient", "pat-1")
	if doc["last_name"] != "Lovelace" {
		t.Errorf("manual SOURCE_WINS must re-apply the source, got %v", doc)
	}

	// Every conflict for the event is now resolved, so the result upgrades.
	waitForStatus(t, h.engine, "evt-1", StatusCompleted)
}

func TestResolveConflict_Validation(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main")

	if _, err := h.engine.ResolveConflict(context.Background(), "nope", PolicySourceWins); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	var ve *ValidationError
	_, err := h.engine.ResolveConflict(context.Background(), "whatever", "COIN_FLIP")
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for unknown policy, got %v", err)
	}

	done := time.Now()
	c := &Conflict{
		ID:         "conf-done",
		EventID:    "evt-x",
		EntityType: EntityPatient,
		EntityID:   "pat-1",
		Target:     "ehr-main",
		Kind:       ConflictAlreadyExists,
		Resolution: ResolutionResolved,
		Strategy:   PolicySourceWins,
		DetectedAt: done,
		ResolvedAt: &done,
	}
	if err := h.repo.SaveConflict(context.Background(), c); err != nil {
		t.Fatalf("seed conflict failed: %v", err)
	}
	if _, err := h.engine.ResolveConflict(context.Background(), "conf-done", PolicyMerge); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

// ===================== Metrics rows =====================

func TestProcessEvent_RecordsMetricsPerTarget(t *testing.T) {
	h := newEngineHarness(t, 0, 16, "ehr-main", "flaky-sys")
	h.targets["flaky-sys"].failAll(http.StatusInternalServerError)

	h.engine.processEvent(context.Background(), patientCreate("evt-1", "ehr-main", "flaky-sys"))

	rows, err := h.engine.GetSyncMetrics(context.Background(), MetricsFilter{})
	if err != nil {
		t.Fatalf("metrics lookup failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected one row per target, got %d", len(rows))
	}
	byTarget := map[string]*Metric{}
	for _, m := range rows {
		byTarget[m.Target] = m
	}
	if m := byTarget["ehr-main"]; m == nil || m.SuccessCount != 1 || m.FailureCount != 0 {
		t.Errorf("unexpected row for ehr-main: %+v", m)
	}
	if m := byTarget["flaky-sys"]; m == nil || m.SuccessCount != 0 || m.FailureCount != 1 {
		t.Errorf("unexpected row for flaky-sys: %+v", m)
	}
	for _, m := range rows {
		if m.Source != "legacy-his" || m.EntityType != EntityPatient || m.TotalEvents != 1 {
			t.Errorf("unexpected key fields: %+v", m)
		}
		if m.LastEventAt.IsZero() {
			t.Errorf("expected last_event_at to be set: %+v", m)
		}
	}

	filtered, err := h.engine.GetSyncMetrics(context.Background(), MetricsFilter{Target: "ehr-main"})
	if err != nil || len(filtered) != 1 || filtered[0].Target != "ehr-main" {
		t.Errorf("target filter failed: %+v err %v", filtered, err)
	}
	none, err := h.engine.GetSyncMetrics(context.Background(), MetricsFilter{Source: "unknown-sys"})
	if err != nil || len(none) != 0 {
		t.Errorf("source filter failed: %+v err %v", none, err)
	}
}

func TestMultiNotifier_FansOut(t *testing.T) {
	first := &recordingNotifier{}
	second := &recordingNotifier{}

	MultiNotifier(first, second).Broadcast("Patient", Notification{EventID: "evt-1"})

	for i, n := range []*recordingNotifier{first, second} {
		sent := n.all()
		if len(sent) != 1 || sent[0].EventID != "evt-1" {
			t.Errorf("notifier %d did not receive the broadcast: %v", i, sent)
		}
	}
}

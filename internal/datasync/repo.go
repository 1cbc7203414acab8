package datasync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository is the durable store behind the engine: the event log, per-event
// results, conflict records, and aggregated metrics. LogEvent and RemoveEvent
// must be atomic across the event and its result so no event is ever
// half-recorded.
type Repository interface {
	// LogEvent appends the event to the log and writes its initial result in
	// one atomic step. Logging an already-logged event id is an error.
	LogEvent(ctx context.Context, ev *Event, r *Result) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	// RemoveEvent deletes the event and its result. Used to roll back an
	// ingestion that could not be queued.
	RemoveEvent(ctx context.Context, id string) error

	// SaveResult inserts or overwrites the result for its event id.
	SaveResult(ctx context.Context, r *Result) error
	GetResult(ctx context.Context, eventID string) (*Result, error)
	// ListResults returns results newest-first, optionally filtered by
	// status, with the total matching count. limit <= 0 means no limit.
	ListResults(ctx context.Context, status Status, limit, offset int) ([]*Result, int, error)

	SaveConflict(ctx context.Context, c *Conflict) error
	UpdateConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, f ConflictFilter, limit, offset int) ([]*Conflict, int, error)

	// UpsertMetric folds one per-target pass into the row keyed by
	// source + target + entity type, maintaining the running average.
	UpsertMetric(ctx context.Context, source, target string, et EntityType, success bool, d time.Duration, at time.Time) error
	ListMetrics(ctx context.Context, f MetricsFilter) ([]*Metric, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// memoryRepo keeps everything in maps. Used by tests and standalone mode;
// payload maps are treated as read-only once stored.
type memoryRepo struct {
	mu        sync.RWMutex
	events    map[string]*Event
	results   map[string]*Result
	resultIDs []string
	conflicts map[string]*Conflict
	confIDs   []string
	metrics   map[string]*Metric
}

// NewMemoryRepo returns an empty in-memory Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		events:    make(map[string]*Event),
		results:   make(map[string]*Result),
		conflicts: make(map[string]*Conflict),
		metrics:   make(map[string]*Metric),
	}
}

func (m *memoryRepo) LogEvent(ctx context.Context, ev *Event, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[ev.ID]; exists {
		return fmt.Errorf("event %q already logged", ev.ID)
	}
	evCopy := *ev
	m.events[ev.ID] = &evCopy
	m.saveResultLocked(r)
	return nil
}

func (m *memoryRepo) GetEvent(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	evCopy := *ev
	return &evCopy, nil
}

func (m *memoryRepo) RemoveEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	if _, ok := m.results[id]; ok {
		delete(m.results, id)
		for i, rid := range m.resultIDs {
			if rid == id {
				m.resultIDs = append(m.resultIDs[:i], m.resultIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *memoryRepo) SaveResult(ctx context.Context, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveResultLocked(r)
	return nil
}

func (m *memoryRepo) saveResultLocked(r *Result) {
	if _, exists := m.results[r.EventID]; !exists {
		m.resultIDs = append(m.resultIDs, r.EventID)
	}
	rCopy := *r
	m.results[r.EventID] = &rCopy
}

func (m *memoryRepo) GetResult(ctx context.Context, eventID string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	rCopy := *r
	return &rCopy, nil
}

func (m *memoryRepo) ListResults(ctx context.Context, status Status, limit, offset int) ([]*Result, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Result, 0, len(m.resultIDs))
	// Newest first: walk the insertion order backwards.
	for i := len(m.resultIDs) - 1; i >= 0; i-- {
		r := m.results[m.resultIDs[i]]
		if status != "" && r.Status != status {
			continue
		}
		rCopy := *r
		matched = append(matched, &rCopy)
	}
	total := len(matched)
	if offset >= total {
		return []*Result{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (m *memoryRepo) SaveConflict(ctx context.Context, c *Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conflicts[c.ID]; !exists {
		m.confIDs = append(m.confIDs, c.ID)
	}
	cCopy := *c
	m.conflicts[c.ID] = &cCopy
	return nil
}

func (m *memoryRepo) UpdateConflict(ctx context.Context, c *Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[c.ID]; !ok {
		return ErrNotFound
	}
	cCopy := *c
	m.conflicts[c.ID] = &cCopy
	return nil
}

func (m *memoryRepo) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cCopy := *c
	return &cCopy, nil
}

func (m *memoryRepo) ListConflicts(ctx context.Context, f ConflictFilter, limit, offset int) ([]*Conflict, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Conflict, 0, len(m.confIDs))
	for i := len(m.confIDs) - 1; i >= 0; i-- {
		c := m.conflicts[m.confIDs[i]]
		if f.EventID != "" && c.EventID != f.EventID {
			continue
		}
		if f.Resolution != "" && c.Resolution != f.Resolution {
			continue
		}
		cCopy := *c
		matched = append(matched, &cCopy)
	}
	total := len(matched)
	if offset >= total {
		return []*Conflict{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func metricKey(source, target string, et EntityType) string {
	return source + "\x00" + target + "\x00" + string(et)
}

func (m *memoryRepo) UpsertMetric(ctx context.Context, source, target string, et EntityType, success bool, d time.Duration, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metricKey(source, target, et)
	row, ok := m.metrics[key]
	if !ok {
		row = &Metric{Source: source, Target: target, EntityType: et}
		m.metrics[key] = row
	}
	row.TotalEvents++
	if success {
		row.SuccessCount++
	} else {
		row.FailureCount++
	}
	row.AvgDuration = time.Duration((int64(row.AvgDuration)*(row.TotalEvents-1) + int64(d)) / row.TotalEvents)
	row.LastEventAt = at
	return nil
}

func (m *memoryRepo) ListMetrics(ctx context.Context, f MetricsFilter) ([]*Metric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cutoff time.Time
	if f.WindowHours > 0 {
		cutoff = time.Now().Add(-time.Duration(f.WindowHours) * time.Hour)
	}
	out := make([]*Metric, 0, len(m.metrics))
	for _, row := range m.metrics {
		if f.Source != "" && row.Source != f.Source {
			continue
		}
		if f.Target != "" && row.Target != f.Target {
			continue
		}
		if f.EntityType != "" && row.EntityType != f.EntityType {
			continue
		}
		if !cutoff.IsZero() && row.LastEventAt.Before(cutoff) {
			continue
		}
		rowCopy := *row
		out = append(out, &rowCopy)
	}
	sortMetrics(out)
	return out, nil
}

func sortMetrics(rows []*Metric) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Source != rows[j].Source {
			return rows[i].Source < rows[j].Source
		}
		if rows[i].Target != rows[j].Target {
			return rows[i].Target < rows[j].Target
		}
		return rows[i].EntityType < rows[j].EntityType
	})
}

package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a Repository backed by Postgres. Tables are created by the
// migrations under migrations/.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const eventCols = `id, kind, entity_type, entity_id, source, targets, payload, metadata,
	priority, retry_count, max_retries, conflict_policy, created_at`

const resultCols = `event_id, status, success_count, failure_count, duration_ns,
	errors, warnings, conflict_ids, updated_at`

const conflictCols = `id, event_id, entity_type, entity_id, target, kind,
	source_payload, target_payload, resolution, strategy, detected_at, resolved_at`

const metricCols = `source, target, entity_type, total_events, success_count,
	failure_count, avg_duration_ns, last_event_at`

func (r *repoPG) LogEvent(ctx context.Context, ev *Event, res *Result) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	targets, _ := json.Marshal(ev.Targets)
	payload, _ := json.Marshal(ev.Payload)
	metadata, _ := json.Marshal(ev.Metadata)
	_, err = tx.Exec(ctx, `
		INSERT INTO sync_events (
			id, kind, entity_type, entity_id, source, targets, payload, metadata,
			priority, retry_count, max_retries, conflict_policy, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.ID, ev.Kind, ev.EntityType, ev.EntityID, ev.Source, targets, payload, metadata,
		ev.Priority, ev.RetryCount, ev.MaxRetries, ev.Policy, ev.CreatedAt,
	)
	if err != nil {
		return err
	}
	if err := saveResult(ctx, tx, res); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *repoPG) GetEvent(ctx context.Context, id string) (*Event, error) {
	return scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventCols+` FROM sync_events WHERE id = $1`, id))
}

func (r *repoPG) RemoveEvent(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM sync_results WHERE event_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync_events WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *repoPG) SaveResult(ctx context.Context, res *Result) error {
	return saveResult(ctx, r.pool, res)
}

// execer is the subset of pgx shared by the pool and a transaction, so result
// writes can participate in LogEvent's transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func saveResult(ctx context.Context, q execer, res *Result) error {
	errs, _ := json.Marshal(res.Errors)
	warns, _ := json.Marshal(res.Warnings)
	confs, _ := json.Marshal(res.ConflictIDs)
	_, err := q.Exec(ctx, `
		INSERT INTO sync_results (
			event_id, status, success_count, failure_count, duration_ns,
			errors, warnings, conflict_ids, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (event_id) DO UPDATE SET
			status = EXCLUDED.status,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			duration_ns = EXCLUDED.duration_ns,
			errors = EXCLUDED.errors,
			warnings = EXCLUDED.warnings,
			conflict_ids = EXCLUDED.conflict_ids,
			updated_at = EXCLUDED.updated_at`,
		res.EventID, res.Status, res.SuccessCount, res.FailureCount, int64(res.Duration),
		errs, warns, confs, res.UpdatedAt,
	)
	return err
}

func (r *repoPG) GetResult(ctx context.Context, eventID string) (*Result, error) {
	return scanResult(r.pool.QueryRow(ctx, `SELECT `+resultCols+` FROM sync_results WHERE event_id = $1`, eventID))
}

func (r *repoPG) ListResults(ctx context.Context, status Status, limit, offset int) ([]*Result, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_results WHERE ($1 = '' OR status = $1)`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+resultCols+` FROM sync_results
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, res)
	}
	return out, total, rows.Err()
}

func (r *repoPG) SaveConflict(ctx context.Context, c *Conflict) error {
	src, _ := json.Marshal(c.SourcePayload)
	tgt, _ := json.Marshal(c.TargetPayload)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_conflicts (
			id, event_id, entity_type, entity_id, target, kind,
			source_payload, target_payload, resolution, strategy, detected_at, resolved_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.EventID, c.EntityType, c.EntityID, c.Target, c.Kind,
		src, tgt, c.Resolution, c.Strategy, c.DetectedAt, c.ResolvedAt,
	)
	return err
}

func (r *repoPG) UpdateConflict(ctx context.Context, c *Conflict) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sync_conflicts SET resolution = $2, strategy = $3, resolved_at = $4
		WHERE id = $1`,
		c.ID, c.Resolution, c.Strategy, c.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	return scanConflict(r.pool.QueryRow(ctx, `SELECT `+conflictCols+` FROM sync_conflicts WHERE id = $1`, id))
}

func (r *repoPG) ListConflicts(ctx context.Context, f ConflictFilter, limit, offset int) ([]*Conflict, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_conflicts
		WHERE ($1 = '' OR event_id = $1) AND ($2 = '' OR resolution = $2)`,
		f.EventID, string(f.Resolution),
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+conflictCols+` FROM sync_conflicts
		WHERE ($1 = '' OR event_id = $1) AND ($2 = '' OR resolution = $2)
		ORDER BY detected_at DESC LIMIT $3 OFFSET $4`,
		f.EventID, string(f.Resolution), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *repoPG) UpsertMetric(ctx context.Context, source, target string, et EntityType, success bool, d time.Duration, at time.Time) error {
	succ, fail := 1, 0
	if !success {
		succ, fail = 0, 1
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_metrics (
			source, target, entity_type, total_events, success_count,
			failure_count, avg_duration_ns, last_event_at
		) VALUES ($1,$2,$3,1,$4,$5,$6,$7)
		ON CONFLICT (source, target, entity_type) DO UPDATE SET
			total_events = sync_metrics.total_events + 1,
			success_count = sync_metrics.success_count + EXCLUDED.success_count,
			failure_count = sync_metrics.failure_count + EXCLUDED.failure_count,
			avg_duration_ns = ((sync_metrics.avg_duration_ns * sync_metrics.total_events) + EXCLUDED.avg_duration_ns)
				/ (sync_metrics.total_events + 1),
			last_event_at = EXCLUDED.last_event_at`,
		source, target, et, succ, fail, int64(d), at,
	)
	return err
}

func (r *repoPG) ListMetrics(ctx context.Context, f MetricsFilter) ([]*Metric, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+metricCols+` FROM sync_metrics
		WHERE ($1 = '' OR source = $1)
		  AND ($2 = '' OR target = $2)
		  AND ($3 = '' OR entity_type = $3)
		  AND ($4 <= 0 OR last_event_at >= NOW() - make_interval(hours => $4))
		ORDER BY source, target, entity_type`,
		f.Source, f.Target, string(f.EntityType), f.WindowHours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Metric
	for rows.Next() {
		var m Metric
		var avg int64
		if err := rows.Scan(&m.Source, &m.Target, &m.EntityType, &m.TotalEvents,
			&m.SuccessCount, &m.FailureCount, &avg, &m.LastEventAt); err != nil {
			return nil, err
		}
		m.AvgDuration = time.Duration(avg)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	var targets, payload, metadata []byte
	err := row.Scan(
		&ev.ID, &ev.Kind, &ev.EntityType, &ev.EntityID, &ev.Source, &targets, &payload, &metadata,
		&ev.Priority, &ev.RetryCount, &ev.MaxRetries, &ev.Policy, &ev.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	json.Unmarshal(targets, &ev.Targets)
	json.Unmarshal(payload, &ev.Payload)
	json.Unmarshal(metadata, &ev.Metadata)
	return &ev, nil
}

func scanResult(row pgx.Row) (*Result, error) {
	var res Result
	var duration int64
	var errs, warns, confs []byte
	err := row.Scan(
		&res.EventID, &res.Status, &res.SuccessCount, &res.FailureCount, &duration,
		&errs, &warns, &confs, &res.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	res.Duration = time.Duration(duration)
	json.Unmarshal(errs, &res.Errors)
	json.Unmarshal(warns, &res.Warnings)
	json.Unmarshal(confs, &res.ConflictIDs)
	return &res, nil
}

func scanConflict(row pgx.Row) (*Conflict, error) {
	var c Conflict
	var src, tgt []byte
	err := row.Scan(
		&c.ID, &c.EventID, &c.EntityType, &c.EntityID, &c.Target, &c.Kind,
		&src, &tgt, &c.Resolution, &c.Strategy, &c.DetectedAt, &c.ResolvedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}
	json.Unmarshal(src, &c.SourcePayload)
	json.Unmarshal(tgt, &c.TargetPayload)
	return &c, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

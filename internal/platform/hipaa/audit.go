// Package hipaa persists the API access trail. Sync event payloads carry
// PHI, so every read and mutation recorded by the audit middleware is kept
// in the audit_log table for compliance review.
package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/carebridge/internal/platform/middleware"
)

// AccessRecord is one persisted API access entry from the audit_log table.
type AccessRecord struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	ResourceType string    `json:"resource_type"`
	EntityID     string    `json:"entity_id,omitempty"`
	Action       string    `json:"action"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	StatusCode   int       `json:"status_code"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AuditLogger writes access entries to the database. It implements
// middleware.AuditRecorder, so it plugs straight into the audit middleware.
type AuditLogger struct {
	pool *pgxpool.Pool

	// WriteTimeout bounds each insert. RecordAccess runs after the response
	// is committed, outside any request context.
	WriteTimeout time.Duration
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, WriteTimeout: 5 * time.Second}
}

// RecordAccess persists one audit entry from the middleware.
func (a *AuditLogger) RecordAccess(entry middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.WriteTimeout)
	defer cancel()

	occurred := entry.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	const query = `
		INSERT INTO audit_log (
			id, client_id, resource_type, entity_id, action, method, path,
			remote_ip, user_agent, request_id, status_code, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := a.pool.Exec(ctx, query,
		uuid.NewString(), entry.ClientID, entry.ResourceType, entry.EntityID,
		entry.Action, entry.Method, entry.Path, entry.IPAddress,
		entry.UserAgent, entry.RequestID, entry.StatusCode, occurred,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: %w", err)
	}
	return nil
}

// AccessQuery filters ListAccess. Zero values match everything.
type AccessQuery struct {
	ClientID     string
	ResourceType string
	WindowHours  int
}

const accessCols = `id, client_id, resource_type, entity_id, action, method, path,
	remote_ip, user_agent, request_id, status_code, occurred_at`

// ListAccess returns persisted access entries newest-first, plus the total
// count matching the filter.
func (a *AuditLogger) ListAccess(ctx context.Context, q AccessQuery, limit, offset int) ([]*AccessRecord, int, error) {
	var total int
	if err := a.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR resource_type = $2)
		  AND ($3 <= 0 OR occurred_at >= NOW() - make_interval(hours => $3))`,
		q.ClientID, q.ResourceType, q.WindowHours,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := a.pool.Query(ctx, `
		SELECT `+accessCols+` FROM audit_log
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR resource_type = $2)
		  AND ($3 <= 0 OR occurred_at >= NOW() - make_interval(hours => $3))
		ORDER BY occurred_at DESC LIMIT $4 OFFSET $5`,
		q.ClientID, q.ResourceType, q.WindowHours, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*AccessRecord
	for rows.Next() {
		var rec AccessRecord
		if err := rows.Scan(
			&rec.ID, &rec.ClientID, &rec.ResourceType, &rec.EntityID,
			&rec.Action, &rec.Method, &rec.Path, &rec.IPAddress,
			&rec.UserAgent, &rec.RequestID, &rec.StatusCode, &rec.OccurredAt,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, &rec)
	}
	return out, total, rows.Err()
}

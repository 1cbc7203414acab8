package datasync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// applyResolution runs one policy against a persisted conflict and updates
// the record: RESOLVED when the policy produced a definite outcome,
// MANUAL_REVIEW when it could not. It returns whether the conflict was
// cleared, warnings to surface on the event result, and a hard error when a
// resolution write to the target failed.
func (e *Engine) applyResolution(ctx context.Context, h *entityHandler, c *Conflict, policy Policy, meta map[string]interface{}) (bool, []string, error) {
	switch policy {
	case PolicySourceWins:
		return e.resolveWithSource(ctx, h, c, policy)

	case PolicyTargetWins:
		e.clearConflict(ctx, c, policy)
		return true, []string{fmt.Sprintf("%s: kept target version of %s %s", c.Target, c.EntityType, c.EntityID)}, nil

	case PolicyMerge:
		base := c.TargetPayload
		if base == nil {
			doc, err := e.fetchEntity(ctx, c.Target, h, c.EntityID)
			if err != nil {
				e.parkConflict(ctx, c, policy)
				return false, nil, fmt.Errorf("%s: fetch for merge: %w", c.Target, err)
			}
			base = doc
		}
		merged := shallowMerge(base, c.SourcePayload)
		if err := e.putEntity(ctx, c.Target, h, c.EntityID, merged); err != nil {
			e.parkConflict(ctx, c, policy)
			return false, nil, fmt.Errorf("%s: apply merge: %w", c.Target, err)
		}
		e.clearConflict(ctx, c, policy)
		return true, nil, nil

	case PolicyTimestampBased:
		src, srcOK := entityTimestamp(meta, c.SourcePayload)
		tgt, tgtOK := entityTimestamp(nil, c.TargetPayload)
		if !srcOK || !tgtOK {
			e.parkConflict(ctx, c, policy)
			return false, []string{fmt.Sprintf("%s: updated_at missing or unparseable, queued for manual review", c.Target)}, nil
		}
		if src.After(tgt) {
			return e.resolveWithSource(ctx, h, c, policy)
		}
		e.clearConflict(ctx, c, policy)
		return true, []string{fmt.Sprintf("%s: target version of %s %s is newer, kept", c.Target, c.EntityType, c.EntityID)}, nil

	case PolicyFieldLevelMerge:
		// Field-level merging needs per-field provenance the engine does not
		// track yet; park the record for a human instead of guessing.
		e.parkConflict(ctx, c, policy)
		return false, []string{fmt.Sprintf("%s: field-level merge queued for manual review", c.Target)}, nil

	default:
		e.parkConflict(ctx, c, policy)
		return false, []string{fmt.Sprintf("%s: no resolution policy, queued for manual review", c.Target)}, nil
	}
}

// resolveWithSource re-issues the write with the source payload.
func (e *Engine) resolveWithSource(ctx context.Context, h *entityHandler, c *Conflict, policy Policy) (bool, []string, error) {
	if err := e.putEntity(ctx, c.Target, h, c.EntityID, c.SourcePayload); err != nil {
		e.parkConflict(ctx, c, policy)
		return false, nil, fmt.Errorf("%s: apply source version: %w", c.Target, err)
	}
	e.clearConflict(ctx, c, policy)
	return true, nil, nil
}

func (e *Engine) clearConflict(ctx context.Context, c *Conflict, policy Policy) {
	now := e.now()
	c.Resolution = ResolutionResolved
	c.Strategy = policy
	c.ResolvedAt = &now
	if err := e.repo.UpdateConflict(ctx, c); err != nil {
		e.logger.Error().Err(err).Str("conflict_id", c.ID).Msg("failed to persist conflict resolution")
	}
	e.metrics.RecordResolution(policy, "resolved")
}

func (e *Engine) parkConflict(ctx context.Context, c *Conflict, policy Policy) {
	c.Resolution = ResolutionManualReview
	c.Strategy = policy
	if err := e.repo.UpdateConflict(ctx, c); err != nil {
		e.logger.Error().Err(err).Str("conflict_id", c.ID).Msg("failed to park conflict for review")
	}
	e.metrics.RecordResolution(policy, "manual_review")
}

// ---------------------------------------------------------------------------
// Pure helpers
// ---------------------------------------------------------------------------

// shallowMerge lays source fields over a copy of base. Nested objects are
// replaced wholesale, not merged.
func shallowMerge(base, source map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(source))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range source {
		out[k] = v
	}
	return out
}

// versionString normalizes a version value for comparison. JSON numbers
// decode as float64, so an integral version must compare equal whether it
// arrived as "3" or 3.
func versionString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// entityTimestamp finds updated_at in the metadata (preferred) or the
// document and parses it as RFC 3339. A present but unparseable value is
// reported as missing so the caller escalates rather than guesses.
func entityTimestamp(meta, doc map[string]interface{}) (time.Time, bool) {
	for _, m := range []map[string]interface{}{meta, doc} {
		if m == nil {
			continue
		}
		raw, ok := m["updated_at"]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return time.Time{}, false
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

// Package datasync implements the event-driven synchronization engine that
// propagates entity changes from a source system to one or more integration
// targets. Events are validated synchronously, queued, and processed by a
// worker pool; conflicts detected against target state are resolved by the
// event's named policy or parked for manual review.
package datasync

import (
	"time"
)

// EventKind classifies what a sync event does to its entity.
type EventKind string

const (
	KindCreate     EventKind = "CREATE"
	KindUpdate     EventKind = "UPDATE"
	KindDelete     EventKind = "DELETE"
	KindBulkCreate EventKind = "BULK_CREATE"
	KindBulkUpdate EventKind = "BULK_UPDATE"
	KindBulkDelete EventKind = "BULK_DELETE"
)

// IsBulk reports whether the kind applies its operation per payload item.
func (k EventKind) IsBulk() bool {
	return k == KindBulkCreate || k == KindBulkUpdate || k == KindBulkDelete
}

// Singular returns the per-item operation for a bulk kind. Singular kinds
// return themselves.
func (k EventKind) Singular() EventKind {
	switch k {
	case KindBulkCreate:
		return KindCreate
	case KindBulkUpdate:
		return KindUpdate
	case KindBulkDelete:
		return KindDelete
	}
	return k
}

// EntityType identifies which kind of record an event carries.
type EntityType string

const (
	EntityPatient          EntityType = "Patient"
	EntityPractitioner     EntityType = "Practitioner"
	EntityEncounter        EntityType = "Encounter"
	EntityObservation      EntityType = "Observation"
	EntityMedication       EntityType = "Medication"
	EntityAllergy          EntityType = "Allergy"
	EntityCondition        EntityType = "Condition"
	EntityProcedure        EntityType = "Procedure"
	EntityImmunization     EntityType = "Immunization"
	EntityDiagnosticReport EntityType = "DiagnosticReport"
	EntityAppointment      EntityType = "Appointment"
	EntityBillingClaim     EntityType = "BillingClaim"
	EntityInsurance        EntityType = "Insurance"
	EntityPharmacyOrder    EntityType = "PharmacyOrder"
	EntityLabResult        EntityType = "LabResult"
	EntityRadiologyOrder   EntityType = "RadiologyOrder"
	EntityFacility         EntityType = "Facility"
	EntityDepartment       EntityType = "Department"
	EntityUser             EntityType = "User"
	EntityRole             EntityType = "Role"
	EntityPermission       EntityType = "Permission"
)

// Policy names the conflict-resolution strategy applied when a target
// disagrees with the source.
type Policy string

const (
	PolicySourceWins      Policy = "SOURCE_WINS"
	PolicyTargetWins      Policy = "TARGET_WINS"
	PolicyMerge           Policy = "MERGE"
	PolicyTimestampBased  Policy = "TIMESTAMP_BASED"
	PolicyFieldLevelMerge Policy = "FIELD_LEVEL_MERGE"
)

// KnownPolicy reports whether p is one of the supported strategies.
func KnownPolicy(p Policy) bool {
	switch p {
	case PolicySourceWins, PolicyTargetWins, PolicyMerge, PolicyTimestampBased, PolicyFieldLevelMerge:
		return true
	}
	return false
}

// Event is a single synchronization request. Events are immutable once
// queued; the engine never mutates a published event apart from bumping
// RetryCount on a requeue.
type Event struct {
	ID         string                 `db:"id" json:"id"`
	Kind       EventKind              `db:"kind" json:"kind"`
	EntityType EntityType             `db:"entity_type" json:"entity_type"`
	EntityID   string                 `db:"entity_id" json:"entity_id,omitempty"`
	Source     string                 `db:"source" json:"source"`
	Targets    []string               `db:"targets" json:"targets"`
	Payload    map[string]interface{} `db:"payload" json:"payload,omitempty"`
	Metadata   map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	Priority   int                    `db:"priority" json:"priority,omitempty"`
	RetryCount int                    `db:"retry_count" json:"retry_count"`
	MaxRetries int                    `db:"max_retries" json:"max_retries"`
	Policy     Policy                 `db:"conflict_policy" json:"conflict_policy,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}

// Item is one entity document an event applies to a target. Singular events
// yield exactly one item; bulk events yield one per element of
// payload["items"].
type Item struct {
	ID      string
	Payload map[string]interface{}
}

// Items splits the event into per-entity work units. It assumes the event
// passed validation, so bulk payload shapes are not re-checked.
func (e *Event) Items() []Item {
	if !e.Kind.IsBulk() {
		return []Item{{ID: e.EntityID, Payload: e.Payload}}
	}
	raw, _ := e.Payload["items"].([]interface{})
	items := make([]Item, 0, len(raw))
	for _, el := range raw {
		m, ok := el.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		items = append(items, Item{ID: id, Payload: m})
	}
	return items
}

// Status is the lifecycle state of a sync event's result.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
	StatusCancelled  Status = "CANCELLED"
	StatusConflict   Status = "CONFLICT"
)

// Result records the outcome of processing one event. Keyed by event id,
// persisted in the durable store and mirrored into the TTL cache for fast
// status polling.
type Result struct {
	EventID      string        `db:"event_id" json:"event_id"`
	Status       Status        `db:"status" json:"status"`
	SuccessCount int           `db:"success_count" json:"success_count"`
	FailureCount int           `db:"failure_count" json:"failure_count"`
	Duration     time.Duration `db:"duration_ns" json:"duration_ns"`
	Errors       []string      `db:"errors" json:"errors,omitempty"`
	Warnings     []string      `db:"warnings" json:"warnings,omitempty"`
	ConflictIDs  []string      `db:"conflict_ids" json:"conflict_ids,omitempty"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// ConflictKind classifies what disagreement was detected on the target.
type ConflictKind string

const (
	ConflictAlreadyExists   ConflictKind = "already_exists"
	ConflictVersionMismatch ConflictKind = "version_mismatch"
)

// ResolutionStatus is the lifecycle state of a conflict record.
type ResolutionStatus string

const (
	ResolutionPending      ResolutionStatus = "PENDING"
	ResolutionResolved     ResolutionStatus = "RESOLVED"
	ResolutionManualReview ResolutionStatus = "MANUAL_REVIEW"
)

// Conflict is a persisted disagreement between the source payload and the
// state found on one target. Strategy records the policy that resolved it,
// or the last policy attempted for records parked in manual review.
type Conflict struct {
	ID            string                 `db:"id" json:"id"`
	EventID       string                 `db:"event_id" json:"event_id"`
	EntityType    EntityType             `db:"entity_type" json:"entity_type"`
	EntityID      string                 `db:"entity_id" json:"entity_id"`
	Target        string                 `db:"target" json:"target"`
	Kind          ConflictKind           `db:"kind" json:"kind"`
	SourcePayload map[string]interface{} `db:"source_payload" json:"source_payload,omitempty"`
	TargetPayload map[string]interface{} `db:"target_payload" json:"target_payload,omitempty"`
	Resolution    ResolutionStatus       `db:"resolution" json:"resolution"`
	Strategy      Policy                 `db:"strategy" json:"strategy,omitempty"`
	DetectedAt    time.Time              `db:"detected_at" json:"detected_at"`
	ResolvedAt    *time.Time             `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Metric is one aggregated row of sync throughput, keyed by
// source + target + entity type. AvgDuration is a running average over every
// per-target pass recorded for the key.
type Metric struct {
	Source       string        `db:"source" json:"source"`
	Target       string        `db:"target" json:"target"`
	EntityType   EntityType    `db:"entity_type" json:"entity_type"`
	TotalEvents  int64         `db:"total_events" json:"total_events"`
	SuccessCount int64         `db:"success_count" json:"success_count"`
	FailureCount int64         `db:"failure_count" json:"failure_count"`
	AvgDuration  time.Duration `db:"avg_duration_ns" json:"avg_duration_ns"`
	LastEventAt  time.Time     `db:"last_event_at" json:"last_event_at"`
}

// MetricsFilter narrows a metrics query. Zero fields match everything;
// WindowHours > 0 keeps only rows whose last event falls inside the window.
type MetricsFilter struct {
	Source      string
	Target      string
	EntityType  EntityType
	WindowHours int
}

// ConflictFilter narrows a conflict listing. Zero fields match everything.
type ConflictFilter struct {
	EventID    string
	Resolution ResolutionStatus
}

// Notification is the JSON document pushed to live subscribers after each
// processing pass.
type Notification struct {
	EventID    string     `json:"event_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Status     Status     `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Notifier pushes a payload to every live subscriber interested in the given
// entity type. Implementations must tolerate slow or broken subscribers
// without blocking the caller.
type Notifier interface {
	Broadcast(entityType string, payload interface{})
}

// MultiNotifier fans each broadcast out to several channels, typically the
// websocket hub plus the webhook dispatcher.
func MultiNotifier(notifiers ...Notifier) Notifier {
	return multiNotifier(notifiers)
}

type multiNotifier []Notifier

func (m multiNotifier) Broadcast(entityType string, payload interface{}) {
	for _, n := range m {
		n.Broadcast(entityType, payload)
	}
}

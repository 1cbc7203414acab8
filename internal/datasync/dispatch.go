package datasync

import (
	"fmt"
	"net/url"
	"sort"
)

// requiredFields is the per-entity-type schema enforced at publish time.
// Every entity type the engine can sync has an entry here; the handler table
// is built from this map, so adding a type means adding exactly one row.
var requiredFields = map[EntityType][]string{
	EntityPatient:          {"first_name", "last_name", "birth_date"},
	EntityPractitioner:     {"first_name", "last_name", "license_number"},
	EntityEncounter:        {"patient_id", "encounter_type", "start_date"},
	EntityObservation:      {"patient_id", "observation_type", "value"},
	EntityMedication:       {"name", "code"},
	EntityAllergy:          {"patient_id", "substance"},
	EntityCondition:        {"patient_id", "code"},
	EntityProcedure:        {"patient_id", "code", "performed_date"},
	EntityImmunization:     {"patient_id", "vaccine_code", "administered_date"},
	EntityDiagnosticReport: {"patient_id", "report_type"},
	EntityAppointment:      {"patient_id", "start_time", "end_time"},
	EntityBillingClaim:     {"patient_id", "amount"},
	EntityInsurance:        {"patient_id", "payer_name", "member_id"},
	EntityPharmacyOrder:    {"patient_id", "medication_code", "quantity"},
	EntityLabResult:        {"patient_id", "test_code", "result_value"},
	EntityRadiologyOrder:   {"patient_id", "study_type"},
	EntityFacility:         {"name", "facility_type"},
	EntityDepartment:       {"facility_id", "name"},
	EntityUser:             {"email"},
	EntityRole:             {"name"},
	EntityPermission:       {"name"},
}

// entityHandler carries the per-entity-type knowledge the pipeline needs:
// where the entity lives on a target and which payload fields are mandatory.
type entityHandler struct {
	entityType EntityType
	required   []string
}

// CollectionPath is the target-relative path entities of this type are
// created under.
func (h *entityHandler) CollectionPath() string {
	return "/" + string(h.entityType)
}

// EntityPath is the target-relative path of one entity.
func (h *entityHandler) EntityPath(id string) string {
	return "/" + string(h.entityType) + "/" + url.PathEscape(id)
}

// ValidatePayload checks the entity document against the type's required
// fields. prefix names the document in error paths ("payload" for singular
// events, "payload.items[2]" for bulk items).
func (h *entityHandler) ValidatePayload(prefix string, payload map[string]interface{}) error {
	for _, f := range h.required {
		v, ok := payload[f]
		if !ok || v == nil {
			return newValidationError(prefix+"."+f, "required field missing")
		}
		if s, isStr := v.(string); isStr && s == "" {
			return newValidationError(prefix+"."+f, "required field empty")
		}
	}
	return nil
}

// HandlerTable maps entity types to their handlers. It is built once at
// engine construction; call sites resolve handlers by map lookup, never by
// switching on the type name.
type HandlerTable map[EntityType]*entityHandler

// NewHandlerTable builds the dispatch table for every supported entity type.
func NewHandlerTable() HandlerTable {
	t := make(HandlerTable, len(requiredFields))
	for et, fields := range requiredFields {
		t[et] = &entityHandler{entityType: et, required: fields}
	}
	return t
}

// Lookup returns the handler for the entity type, or nil when the type is
// not supported.
func (t HandlerTable) Lookup(et EntityType) *entityHandler {
	return t[et]
}

// EntityTypes returns the supported entity type names, for error messages
// and the admin API.
func (t HandlerTable) EntityTypes() []string {
	names := make([]string, 0, len(t))
	for et := range t {
		names = append(names, string(et))
	}
	sort.Strings(names)
	return names
}

func unknownEntityTypeError(et EntityType) *ValidationError {
	return newValidationError("entity_type", fmt.Sprintf("unknown entity type %q", et))
}

package datasync

import "fmt"

var validKinds = map[EventKind]bool{
	KindCreate:     true,
	KindUpdate:     true,
	KindDelete:     true,
	KindBulkCreate: true,
	KindBulkUpdate: true,
	KindBulkDelete: true,
}

// ValidateEvent checks an event structurally and against the entity type's
// required-field schema. It returns a *ValidationError describing the first
// problem found; a failing event must never be queued, logged, or cached.
func (t HandlerTable) ValidateEvent(ev *Event) error {
	if ev == nil {
		return newValidationError("event", "missing body")
	}
	if !validKinds[ev.Kind] {
		return newValidationError("kind", fmt.Sprintf("unknown kind %q", ev.Kind))
	}
	h := t.Lookup(ev.EntityType)
	if h == nil {
		return unknownEntityTypeError(ev.EntityType)
	}
	if ev.Source == "" {
		return newValidationError("source", "required field missing")
	}
	if len(ev.Targets) == 0 {
		return newValidationError("targets", "at least one target required")
	}
	seen := make(map[string]bool, len(ev.Targets))
	for i, target := range ev.Targets {
		if target == "" {
			return newValidationError(fmt.Sprintf("targets[%d]", i), "target name empty")
		}
		if seen[target] {
			return newValidationError(fmt.Sprintf("targets[%d]", i), fmt.Sprintf("duplicate target %q", target))
		}
		seen[target] = true
	}
	if ev.Policy != "" && !KnownPolicy(ev.Policy) {
		return newValidationError("conflict_policy", fmt.Sprintf("unknown policy %q", ev.Policy))
	}
	if ev.MaxRetries < 0 {
		return newValidationError("max_retries", "must not be negative")
	}

	if ev.Kind.IsBulk() {
		return t.validateBulk(h, ev)
	}
	return t.validateSingular(h, ev)
}

func (t HandlerTable) validateSingular(h *entityHandler, ev *Event) error {
	if ev.EntityID == "" {
		return newValidationError("entity_id", "required field missing")
	}
	if ev.Kind == KindDelete {
		return nil
	}
	if len(ev.Payload) == 0 {
		return newValidationError("payload", "required for "+string(ev.Kind))
	}
	return h.ValidatePayload("payload", ev.Payload)
}

func (t HandlerTable) validateBulk(h *entityHandler, ev *Event) error {
	raw, ok := ev.Payload["items"]
	if !ok {
		return newValidationError("payload.items", "required for "+string(ev.Kind))
	}
	list, ok := raw.([]interface{})
	if !ok {
		return newValidationError("payload.items", "must be a list")
	}
	if len(list) == 0 {
		return newValidationError("payload.items", "must not be empty")
	}
	for i, el := range list {
		prefix := fmt.Sprintf("payload.items[%d]", i)
		item, ok := el.(map[string]interface{})
		if !ok {
			return newValidationError(prefix, "must be an object")
		}
		id, _ := item["id"].(string)
		if id == "" {
			return newValidationError(prefix+".id", "required field missing")
		}
		if ev.Kind == KindBulkDelete {
			continue
		}
		if err := h.ValidatePayload(prefix, item); err != nil {
			return err
		}
	}
	return nil
}

package crud

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidepool/internal/channel"
	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
	"github.com/MarcoPoloResearchLab/tidepool/internal/views"
)

// Create inserts a new document and announces it on the resource channel and
// every affected view channel.
func (orchestrator *Orchestrator) Create(ctx context.Context, query schema.Query) (string, error) {
	if err := orchestrator.validateQuery(query); err != nil {
		return "", err
	}
	value, ok := query.ValueDocument()
	if !ok {
		return "", newError(KindInvalidParams, "create requires an object value")
	}

	id, err := orchestrator.store.Insert(ctx, query.Type, value)
	if err != nil {
		return "", orchestrator.storeFailure(opCreate, query.Type, id, err)
	}

	document := make(schema.Document, len(value)+1)
	for field, fieldValue := range value {
		document[field] = fieldValue
	}
	document["id"] = id

	orchestrator.publish(opCreate, channel.Resource(query.Type, id), nil)
	for _, affected := range views.Analyze(orchestrator.registry, query.Type, document, nil) {
		viewChannel := channel.View(affected.Type, affected.View, affected.PrimaryParams)
		orchestrator.publish(opCreate, viewChannel, channel.CreateNotice(id))
	}
	return id, nil
}

// Update mutates one field or merges an object of fields, then publishes the
// resource channel, per-field messages, and the view movement derived from
// comparing affected views before and after.
func (orchestrator *Orchestrator) Update(ctx context.Context, query schema.Query) error {
	if err := orchestrator.validateQuery(query); err != nil {
		return err
	}
	if query.ID == "" {
		return newError(KindInvalidParams, "update requires an id")
	}

	changes, changedFields, err := updateChanges(query)
	if err != nil {
		return err
	}

	oldDocument, err := orchestrator.store.Fetch(ctx, query.Type, query.ID)
	if err != nil {
		return orchestrator.storeFailure(opUpdate, query.Type, query.ID, err)
	}
	if id, present := changes["id"]; present {
		if id != oldDocument["id"] {
			return newError(KindInvalidOperation, "cannot modify the id field")
		}
		delete(changes, "id")
	}

	oldAffected := views.Analyze(orchestrator.registry, query.Type, oldDocument, changedFields)

	if err := orchestrator.store.Update(ctx, query.Type, query.ID, changes); err != nil {
		return orchestrator.storeFailure(opUpdate, query.Type, query.ID, err)
	}

	newDocument := make(schema.Document, len(oldDocument)+len(changes))
	for field, value := range oldDocument {
		newDocument[field] = value
	}
	for field, value := range changes {
		newDocument[field] = value
	}

	orchestrator.publish(opUpdate, channel.Resource(query.Type, query.ID), nil)
	for field, value := range changes {
		fieldChannelName := channel.Field(query.Type, query.ID, field)
		message := channel.UpdateValue(value)
		orchestrator.publish(opUpdate, fieldChannelName, message)
		orchestrator.cache.ApplyUpdate(fieldChannelName, message)
	}

	newAffected := views.Analyze(orchestrator.registry, query.Type, newDocument, changedFields)
	orchestrator.publishViewMovement(query.ID, oldAffected, newAffected)
	return nil
}

// updateChanges normalizes the two update shapes into a field map and the
// changed-field list handed to the view analyzer.
func updateChanges(query schema.Query) (map[string]any, []string, error) {
	if query.Field != "" {
		if query.Field == "id" {
			return nil, nil, newError(KindInvalidOperation, "cannot modify the id field")
		}
		if _, isObject := query.Value.(map[string]any); isObject {
			return nil, nil, newError(KindInvalidOperation, "field updates take scalar values")
		}
		return map[string]any{query.Field: query.Value}, []string{query.Field}, nil
	}

	value, ok := query.ValueDocument()
	if !ok {
		return nil, nil, newError(KindInvalidParams, "update requires a field or an object value")
	}
	changes := make(map[string]any, len(value))
	for field, fieldValue := range value {
		changes[field] = fieldValue
	}
	// Object updates assume every field may have changed.
	return changes, nil, nil
}

// publishViewMovement compares the affected views before and after a
// mutation and emits move or remove/add events per view instance.
func (orchestrator *Orchestrator) publishViewMovement(id string, oldAffected, newAffected []views.AffectedView) {
	newByName := make(map[string]views.AffectedView, len(newAffected))
	for _, affected := range newAffected {
		newByName[affected.View] = affected
	}

	for _, before := range oldAffected {
		after, ok := newByName[before.View]
		if !ok {
			continue
		}
		switch {
		case views.SameParams(before, after) && views.SameAffectingData(before, after):
			// The member did not move within or across view instances.
		case views.SameParams(before, after):
			viewChannel := channel.View(after.Type, after.View, after.PrimaryParams)
			orchestrator.publish(opUpdate, viewChannel, channel.ViewUpdate(channel.ActionMove, id))
		default:
			oldChannel := channel.View(before.Type, before.View, before.PrimaryParams)
			newChannel := channel.View(after.Type, after.View, after.PrimaryParams)
			orchestrator.publish(opUpdate, oldChannel, channel.ViewUpdate(channel.ActionRemove, id))
			orchestrator.publish(opUpdate, newChannel, channel.ViewUpdate(channel.ActionAdd, id))
		}
	}
}

// Delete removes a single field or the whole document. Whole-document
// deletion notifies every known field channel and affected view; the field
// list prefers the declared schema and falls back to the deleted document.
func (orchestrator *Orchestrator) Delete(ctx context.Context, query schema.Query) error {
	if err := orchestrator.validateQuery(query); err != nil {
		return err
	}
	if query.ID == "" {
		return newError(KindInvalidParams, "delete requires an id")
	}

	document, err := orchestrator.store.Fetch(ctx, query.Type, query.ID)
	if err != nil {
		return orchestrator.storeFailure(opDelete, query.Type, query.ID, err)
	}

	if query.Field != "" {
		if query.Field == "id" {
			return newError(KindInvalidOperation, "cannot delete the id field")
		}
		if err := orchestrator.store.DeleteField(ctx, query.Type, query.ID, query.Field); err != nil {
			return orchestrator.storeFailure(opDelete, query.Type, query.ID, err)
		}
		orchestrator.publish(opDelete, channel.Field(query.Type, query.ID, query.Field), channel.Message{Type: channel.MessageTypeDelete})
		return nil
	}

	affected := views.Analyze(orchestrator.registry, query.Type, document, nil)
	if err := orchestrator.store.Delete(ctx, query.Type, query.ID); err != nil {
		return orchestrator.storeFailure(opDelete, query.Type, query.ID, err)
	}

	for _, field := range orchestrator.deletionFields(query.Type, document) {
		orchestrator.publish(opDelete, channel.Field(query.Type, query.ID, field), channel.Message{Type: channel.MessageTypeDelete})
	}
	for _, view := range affected {
		viewChannel := channel.View(view.Type, view.View, view.PrimaryParams)
		orchestrator.publish(opDelete, viewChannel, channel.DeleteNotice(query.ID))
	}
	return nil
}

// deletionFields enumerates the field channels notified on document delete.
// Fields the schema omits but the document carried are not notified when a
// schema field list exists.
func (orchestrator *Orchestrator) deletionFields(modelType string, document schema.Document) []string {
	if declared := orchestrator.registry.FieldsOf(modelType); len(declared) > 0 {
		return declared
	}
	fields := make([]string, 0, len(document))
	for field := range document {
		fields = append(fields, field)
	}
	return fields
}

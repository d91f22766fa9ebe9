package crud

import (
	"reflect"

	"github.com/MarcoPoloResearchLab/tidepool/internal/channel"
	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
	"github.com/MarcoPoloResearchLab/tidepool/internal/views"
)

// NotifyResourceUpdate announces an externally applied change to a single
// resource. Subscribers refetch; no payload accompanies the notice.
func (orchestrator *Orchestrator) NotifyResourceUpdate(modelType, id string) error {
	if modelType == "" || id == "" {
		return newError(KindInvalidArguments, "notify requires a type and an id")
	}
	if !orchestrator.registry.HasType(modelType) {
		return newError(KindInvalidModelType, "unknown model type "+modelType)
	}
	orchestrator.publish(opNotify, channel.Resource(modelType, id), nil)
	return nil
}

// NotifyViewUpdate announces a change to one view instance. A nil message
// sends a bare update notice.
func (orchestrator *Orchestrator) NotifyViewUpdate(modelType, viewName string, params map[string]any, message *channel.Message) error {
	if modelType == "" || viewName == "" {
		return newError(KindInvalidArguments, "notify requires a type and a view")
	}
	view, err := orchestrator.registry.ViewSchema(modelType, viewName)
	if err != nil {
		return newError(KindInvalidParams, "unknown view "+viewName+" under "+modelType)
	}

	viewChannel := channel.View(modelType, viewName, primaryParamsOf(view, params))
	if message == nil {
		orchestrator.publish(opNotify, viewChannel, channel.Message{Type: channel.MessageTypeUpdate})
		return nil
	}
	orchestrator.publish(opNotify, viewChannel, *message)
	return nil
}

// NotifyUpdate announces an externally applied document change given its
// before and after images. Field channels receive the new values, the
// resource cache is patched, and every view instance touched by either image
// is notified exactly once.
func (orchestrator *Orchestrator) NotifyUpdate(modelType string, oldDocument, newDocument schema.Document) error {
	if modelType == "" {
		return newError(KindInvalidArguments, "notify requires a type")
	}
	if !orchestrator.registry.HasType(modelType) {
		return newError(KindInvalidModelType, "unknown model type "+modelType)
	}
	id := documentID(oldDocument, newDocument)
	if id == "" {
		return newError(KindInvalidParams, "notify requires documents with an id")
	}

	modified := modifiedFields(oldDocument, newDocument)
	changedFields := make([]string, 0, len(modified))
	for field := range modified {
		changedFields = append(changedFields, field)
	}

	orchestrator.publish(opNotify, channel.Resource(modelType, id), nil)
	for field, value := range modified {
		if field == "id" {
			continue
		}
		fieldChannelName := channel.Field(modelType, id, field)
		message := channel.UpdateValue(value)
		orchestrator.publish(opNotify, fieldChannelName, message)
		orchestrator.cache.ApplyUpdate(fieldChannelName, message)
	}

	// A view instance may appear in both images; canonical params dedupe it.
	type viewInstance struct {
		view   string
		params string
	}
	notified := map[viewInstance]bool{}
	affected := views.Analyze(orchestrator.registry, modelType, oldDocument, changedFields)
	affected = append(affected, views.Analyze(orchestrator.registry, modelType, newDocument, changedFields)...)
	for _, view := range affected {
		instance := viewInstance{view: view.View, params: channel.CanonicalParams(view.Params)}
		if notified[instance] {
			continue
		}
		notified[instance] = true
		viewChannel := channel.View(view.Type, view.View, view.PrimaryParams)
		orchestrator.publish(opNotify, viewChannel, channel.Message{Type: channel.MessageTypeUpdate, ID: id})
	}
	return nil
}

// modifiedFields diffs the two images in both directions. New values win;
// fields dropped from the new image map to nil.
func modifiedFields(oldDocument, newDocument schema.Document) map[string]any {
	modified := map[string]any{}
	for field, newValue := range newDocument {
		oldValue, existed := oldDocument[field]
		if !existed || !reflect.DeepEqual(oldValue, newValue) {
			modified[field] = newValue
		}
	}
	for field := range oldDocument {
		if _, kept := newDocument[field]; !kept {
			modified[field] = nil
		}
	}
	return modified
}

func documentID(oldDocument, newDocument schema.Document) string {
	if id, ok := newDocument["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := oldDocument["id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// Package views decides which declared views a document mutation affects and
// carries the parameter values notification channels are derived from.
package views

import (
	"reflect"
	"sort"

	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
)

// AffectedView describes one view instance touched by a mutation.
type AffectedView struct {
	View string
	Type string
	// Params holds the values of every paramField read from the resource.
	Params map[string]any
	// PrimaryParams is the PrimaryKeys subset of Params; it alone enters the
	// channel name.
	PrimaryParams map[string]any
	// AffectingData holds paramFields plus affectingFields values.
	AffectingData map[string]any
}

// Analyze enumerates the views of a model affected by a change to the given
// resource. A nil changedFields means every field is assumed changed. The id
// field always affects membership.
func Analyze(registry *schema.Registry, modelType string, resource schema.Document, changedFields []string) []AffectedView {
	declared := registry.ViewsOf(modelType)
	if len(declared) == 0 {
		return nil
	}

	var changed map[string]struct{}
	if changedFields != nil {
		changed = make(map[string]struct{}, len(changedFields))
		for _, field := range changedFields {
			changed[field] = struct{}{}
		}
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	affected := make([]AffectedView, 0, len(names))
	for _, name := range names {
		view := declared[name]
		if changed != nil && !touchesView(changed, view) {
			continue
		}
		affected = append(affected, describe(name, modelType, view, resource))
	}
	return affected
}

func touchesView(changed map[string]struct{}, view schema.View) bool {
	if _, ok := changed["id"]; ok {
		return true
	}
	for _, field := range view.ParamFields {
		if _, ok := changed[field]; ok {
			return true
		}
	}
	for _, field := range view.AffectingFields {
		if _, ok := changed[field]; ok {
			return true
		}
	}
	return false
}

func describe(name, modelType string, view schema.View, resource schema.Document) AffectedView {
	params := make(map[string]any, len(view.ParamFields))
	affecting := make(map[string]any, len(view.ParamFields)+len(view.AffectingFields))
	for _, field := range view.ParamFields {
		params[field] = resource[field]
		affecting[field] = resource[field]
	}
	for _, field := range view.AffectingFields {
		affecting[field] = resource[field]
	}
	primary := make(map[string]any, len(view.PrimaryKeys))
	for _, field := range view.PrimaryKeys {
		primary[field] = params[field]
	}
	return AffectedView{
		View:          name,
		Type:          modelType,
		Params:        params,
		PrimaryParams: primary,
		AffectingData: affecting,
	}
}

// SameParams reports whether two affected views identify the same instance.
func SameParams(left, right AffectedView) bool {
	return reflect.DeepEqual(left.Params, right.Params)
}

// SameAffectingData reports whether a view member kept its position data.
func SameAffectingData(left, right AffectedView) bool {
	return reflect.DeepEqual(left.AffectingData, right.AffectingData)
}

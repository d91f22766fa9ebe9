// Package schema holds the read-only model metadata the CRUD layer serves:
// model types, their fields, named views, and the authorization hooks bound
// to each model.
package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tidepool/internal/store"
)

var (
	// ErrUnknownType indicates a model type absent from the registry.
	ErrUnknownType = errors.New("schema: unknown model type")
	// ErrUnknownView indicates a view absent from the model declaration.
	ErrUnknownView = errors.New("schema: unknown view")
)

// Document is the dynamic shape of a stored resource.
type Document = map[string]any

// Phase names the two filter phases.
type Phase string

const (
	// PhasePre runs before the operation, without a loaded resource.
	PhasePre Phase = "pre"
	// PhasePost runs with the resource loaded.
	PhasePost Phase = "post"
)

// Action names the operation a hook is mediating.
type Action string

const (
	ActionCreate    Action = "create"
	ActionRead      Action = "read"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionSubscribe Action = "subscribe"
	ActionPublish   Action = "publish"
)

// Request is the context handed to authorization hooks.
type Request struct {
	Action    Action
	Phase     Phase
	Query     *Query
	Resource  Document
	AuthToken map[string]any
	SocketID  string
}

// Hook admits a request by returning nil and denies it with any error.
// ErrDenied is the conventional denial value when no richer cause exists.
type Hook func(ctx context.Context, request *Request) error

// ErrDenied is the plain denial returned by hooks without a specific cause.
var ErrDenied = errors.New("schema: denied by hook")

// View declares an ordered, optionally filtered projection of a model.
type View struct {
	// ParamFields parameterize the view; their values enter the channel key.
	ParamFields []string
	// AffectingFields change membership or ordering without being parameters.
	AffectingFields []string
	// PrimaryKeys is the subset of ParamFields naming a subscribable view
	// instance. Defaults to ParamFields.
	PrimaryKeys []string
	// Transform shapes the base model query into the view.
	Transform store.TransformFunc
}

// Model declares a named collection of documents.
type Model struct {
	Fields        []string
	Views         map[string]View
	AccessControl Hook
	Filters       map[Phase]Hook
}

type modelEntry struct {
	fields        []string
	fieldSet      map[string]struct{}
	views         map[string]View
	accessControl Hook
	filters       map[Phase]Hook
}

// Registry is the immutable index over model declarations. All lookups are
// map reads.
type Registry struct {
	models map[string]modelEntry
}

// NewRegistry indexes the model declarations. View primary keys default to
// the view's paramFields.
func NewRegistry(models map[string]Model) (*Registry, error) {
	indexed := make(map[string]modelEntry, len(models))
	for typeName, model := range models {
		if typeName == "" {
			return nil, fmt.Errorf("schema: model type name must not be empty")
		}
		fieldSet := make(map[string]struct{}, len(model.Fields))
		for _, field := range model.Fields {
			fieldSet[field] = struct{}{}
		}
		views := make(map[string]View, len(model.Views))
		for viewName, view := range model.Views {
			if viewName == "" {
				return nil, fmt.Errorf("schema: view name must not be empty under %q", typeName)
			}
			if len(view.PrimaryKeys) == 0 {
				view.PrimaryKeys = append([]string(nil), view.ParamFields...)
			}
			views[viewName] = view
		}
		filters := make(map[Phase]Hook, len(model.Filters))
		for phase, hook := range model.Filters {
			filters[phase] = hook
		}
		indexed[typeName] = modelEntry{
			fields:        append([]string(nil), model.Fields...),
			fieldSet:      fieldSet,
			views:         views,
			accessControl: model.AccessControl,
			filters:       filters,
		}
	}
	return &Registry{models: indexed}, nil
}

// HasType reports whether the model type is declared.
func (registry *Registry) HasType(typeName string) bool {
	_, ok := registry.models[typeName]
	return ok
}

// FieldsOf returns the declared field names of a model, or nil for unknown
// types and models declared without fields.
func (registry *Registry) FieldsOf(typeName string) []string {
	entry, ok := registry.models[typeName]
	if !ok {
		return nil
	}
	return entry.fields
}

// HasField reports whether the model declares the field.
func (registry *Registry) HasField(typeName, field string) bool {
	entry, ok := registry.models[typeName]
	if !ok {
		return false
	}
	_, declared := entry.fieldSet[field]
	return declared
}

// ViewsOf returns the view declarations of a model.
func (registry *Registry) ViewsOf(typeName string) map[string]View {
	entry, ok := registry.models[typeName]
	if !ok {
		return nil
	}
	return entry.views
}

// ViewSchema returns one view declaration.
func (registry *Registry) ViewSchema(typeName, viewName string) (View, error) {
	entry, ok := registry.models[typeName]
	if !ok {
		return View{}, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	view, ok := entry.views[viewName]
	if !ok {
		return View{}, fmt.Errorf("%w: %q under %q", ErrUnknownView, viewName, typeName)
	}
	return view, nil
}

// FilterHook returns the filter hook for a phase, or nil when absent.
func (registry *Registry) FilterHook(typeName string, phase Phase) Hook {
	entry, ok := registry.models[typeName]
	if !ok {
		return nil
	}
	return entry.filters[phase]
}

// AccessControlHook returns the model's access-control hook, or nil.
func (registry *Registry) AccessControlHook(typeName string) Hook {
	entry, ok := registry.models[typeName]
	if !ok {
		return nil
	}
	return entry.accessControl
}

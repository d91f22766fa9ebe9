// Package store defines the persistence boundary of the CRUD layer: a
// document adapter plus the small query DSL that view transforms compose
// against.
package store

import "context"

// Direction orders view results.
type Direction int

const (
	// Ascending sorts smallest first.
	Ascending Direction = iota
	// Descending sorts largest first.
	Descending
)

// OrderTerm pairs a document field with a sort direction.
type OrderTerm struct {
	Field     string
	Direction Direction
}

// DSL is the handle passed to view transforms for building order terms.
type DSL struct{}

// Asc orders by a field, smallest first.
func (DSL) Asc(field string) OrderTerm {
	return OrderTerm{Field: field, Direction: Ascending}
}

// Desc orders by a field, largest first.
func (DSL) Desc(field string) OrderTerm {
	return OrderTerm{Field: field, Direction: Descending}
}

// Query is the composable view query surface. Implementations return a new
// query per call; transforms never mutate their input.
type Query interface {
	// Filter keeps documents whose field equals value.
	Filter(field string, value any) Query
	// OrderBy appends ordering terms.
	OrderBy(terms ...OrderTerm) Query
}

// TransformFunc shapes the base model query into a filtered, ordered view.
// The sanitized view parameters carry only declared paramFields, with absent
// values normalized to nil.
type TransformFunc func(base Query, dsl DSL, params map[string]any) Query

// ViewQuery describes one materialization request for a view instance.
type ViewQuery struct {
	Type      string
	Transform TransformFunc
	Params    map[string]any
	Offset    int
	Limit     int
}

// Adapter is the document-store boundary consumed by the orchestrator.
type Adapter interface {
	// EnsureModel prepares storage for a model type.
	EnsureModel(ctx context.Context, modelType string, fields []string) error
	// Fetch loads one document or returns ErrNotFound.
	Fetch(ctx context.Context, modelType, id string) (map[string]any, error)
	// Insert stores a new document and returns its id, minting one when the
	// document carries none.
	Insert(ctx context.Context, modelType string, document map[string]any) (string, error)
	// Update merges the given fields into an existing document.
	Update(ctx context.Context, modelType, id string, fields map[string]any) error
	// DeleteField removes a single field from a document.
	DeleteField(ctx context.Context, modelType, id, field string) error
	// Delete removes the whole document.
	Delete(ctx context.Context, modelType, id string) error
	// ViewIDs materializes a page of document ids for a view instance.
	ViewIDs(ctx context.Context, view ViewQuery) ([]string, error)
	// ViewCount counts the members of a view instance.
	ViewCount(ctx context.Context, view ViewQuery) (int64, error)
}

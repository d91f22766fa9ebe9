package schema

// Query is the inbound request envelope for CRUD operations and
// subscriptions. Zero values mean "not supplied".
type Query struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Field      string         `json:"field,omitempty"`
	Value      any            `json:"value,omitempty"`
	View       string         `json:"view,omitempty"`
	ViewParams map[string]any `json:"viewParams,omitempty"`
	PageSize   int            `json:"pageSize,omitempty"`
	Offset     int            `json:"offset,omitempty"`
	GetCount   bool           `json:"getCount,omitempty"`
}

// ValueDocument returns the value as a document when it is an object.
func (query Query) ValueDocument() (Document, bool) {
	document, ok := query.Value.(map[string]any)
	return document, ok
}

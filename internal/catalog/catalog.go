// Package catalog declares the built-in sample data model the server ships
// with: products grouped into categories, with views over category membership
// and stock level.
package catalog

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
	"github.com/MarcoPoloResearchLab/tidepool/internal/store"
)

// Registry builds the sample schema registry.
func Registry() (*schema.Registry, error) {
	return schema.NewRegistry(map[string]schema.Model{
		"category": {
			Fields: []string{"name", "desc"},
		},
		"product": {
			Fields: []string{"name", "category", "price", "qty", "desc"},
			Views: map[string]schema.View{
				"byCategory": {
					ParamFields:     []string{"category"},
					AffectingFields: []string{"name"},
					Transform: func(base store.Query, dsl store.DSL, params map[string]any) store.Query {
						return base.Filter("category", params["category"]).OrderBy(dsl.Asc("name"))
					},
				},
				"lowStock": {
					ParamFields:     []string{"category"},
					AffectingFields: []string{"qty"},
					Transform: func(base store.Query, dsl store.DSL, params map[string]any) store.Query {
						return base.Filter("category", params["category"]).OrderBy(dsl.Asc("qty"))
					},
				},
			},
			AccessControl: allowAuthenticatedWrites,
		},
	})
}

// allowAuthenticatedWrites admits all reads and subscriptions; mutations
// require a validated socket token.
func allowAuthenticatedWrites(_ context.Context, request *schema.Request) error {
	switch request.Action {
	case schema.ActionCreate, schema.ActionUpdate, schema.ActionDelete:
		if request.SocketID != "" && len(request.AuthToken) == 0 {
			return schema.ErrDenied
		}
	}
	return nil
}

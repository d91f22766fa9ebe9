package schema

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/tidepool/internal/store"
)

func testModels() map[string]Model {
	return map[string]Model{
		"Product": {
			Fields: []string{"id", "name", "categoryId", "price"},
			Views: map[string]View{
				"byCat": {
					ParamFields:     []string{"categoryId"},
					AffectingFields: []string{"price"},
					Transform: func(base store.Query, dsl store.DSL, params map[string]any) store.Query {
						return base.Filter("categoryId", params["categoryId"]).OrderBy(dsl.Asc("name"))
					},
				},
				"topSellers": {
					ParamFields: []string{"categoryId", "region"},
					PrimaryKeys: []string{"categoryId"},
				},
			},
			Filters: map[Phase]Hook{
				PhasePre: func(_ context.Context, _ *Request) error { return nil },
			},
		},
		"Category": {
			Fields: []string{"id", "name"},
		},
	}
}

func TestRegistryLookups(t *testing.T) {
	registry, err := NewRegistry(testModels())
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}

	if !registry.HasType("Product") || !registry.HasType("Category") {
		t.Fatalf("expected declared types to be present")
	}
	if registry.HasType("Order") {
		t.Fatalf("did not expect undeclared type")
	}
	if !registry.HasField("Product", "price") || registry.HasField("Product", "weight") {
		t.Fatalf("unexpected field index state")
	}
	if fields := registry.FieldsOf("Product"); len(fields) != 4 {
		t.Fatalf("unexpected fields: %#v", fields)
	}
	if views := registry.ViewsOf("Product"); len(views) != 2 {
		t.Fatalf("unexpected views: %#v", views)
	}
	if hook := registry.FilterHook("Product", PhasePre); hook == nil {
		t.Fatalf("expected pre filter hook")
	}
	if hook := registry.FilterHook("Product", PhasePost); hook != nil {
		t.Fatalf("did not expect post filter hook")
	}
	if hook := registry.AccessControlHook("Category"); hook != nil {
		t.Fatalf("did not expect access control hook")
	}
}

func TestViewSchemaDefaultsPrimaryKeys(t *testing.T) {
	registry, err := NewRegistry(testModels())
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}

	byCat, err := registry.ViewSchema("Product", "byCat")
	if err != nil {
		t.Fatalf("unexpected view error: %v", err)
	}
	if len(byCat.PrimaryKeys) != 1 || byCat.PrimaryKeys[0] != "categoryId" {
		t.Fatalf("expected primary keys to default to param fields, got %#v", byCat.PrimaryKeys)
	}

	topSellers, err := registry.ViewSchema("Product", "topSellers")
	if err != nil {
		t.Fatalf("unexpected view error: %v", err)
	}
	if len(topSellers.PrimaryKeys) != 1 || topSellers.PrimaryKeys[0] != "categoryId" {
		t.Fatalf("expected explicit primary keys to survive, got %#v", topSellers.PrimaryKeys)
	}

	if _, err := registry.ViewSchema("Product", "missing"); err == nil {
		t.Fatalf("expected unknown view error")
	}
	if _, err := registry.ViewSchema("Order", "byCat"); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

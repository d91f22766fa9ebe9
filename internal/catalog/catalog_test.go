package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
)

func TestRegistryDeclaresSampleModels(t *testing.T) {
	registry, err := Registry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if !registry.HasType("product") || !registry.HasType("category") {
		t.Fatal("expected product and category models")
	}
	if _, err := registry.ViewSchema("product", "byCategory"); err != nil {
		t.Fatalf("byCategory view: %v", err)
	}
	if _, err := registry.ViewSchema("product", "lowStock"); err != nil {
		t.Fatalf("lowStock view: %v", err)
	}
}

func TestAccessControlRequiresTokenForSocketWrites(t *testing.T) {
	registry, err := Registry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	hook := registry.AccessControlHook("product")
	if hook == nil {
		t.Fatal("expected an access-control hook on product")
	}

	anonymousWrite := &schema.Request{
		Action:   schema.ActionCreate,
		SocketID: "s1",
		Query:    &schema.Query{Type: "product"},
	}
	if err := hook(context.Background(), anonymousWrite); !errors.Is(err, schema.ErrDenied) {
		t.Fatalf("expected anonymous socket write denied, got %v", err)
	}

	authenticatedWrite := &schema.Request{
		Action:    schema.ActionCreate,
		SocketID:  "s1",
		AuthToken: map[string]any{"sub": "user-1"},
		Query:     &schema.Query{Type: "product"},
	}
	if err := hook(context.Background(), authenticatedWrite); err != nil {
		t.Fatalf("expected authenticated write admitted, got %v", err)
	}

	read := &schema.Request{
		Action:   schema.ActionRead,
		SocketID: "s1",
		Query:    &schema.Query{Type: "product"},
	}
	if err := hook(context.Background(), read); err != nil {
		t.Fatalf("expected read admitted, got %v", err)
	}
}

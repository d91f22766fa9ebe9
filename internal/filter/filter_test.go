package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
)

func mustPipeline(t *testing.T, models map[string]schema.Model, blockPre, blockPost bool) *Pipeline {
	t.Helper()
	registry, err := schema.NewRegistry(models)
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	pipeline, err := New(Config{Registry: registry, BlockPreByDefault: blockPre, BlockPostByDefault: blockPost})
	if err != nil {
		t.Fatalf("unexpected pipeline error: %v", err)
	}
	return pipeline
}

func TestMissingHookAdmitsByDefault(t *testing.T) {
	pipeline := mustPipeline(t, map[string]schema.Model{"Product": {}}, false, false)
	request := &schema.Request{Action: schema.ActionRead, Query: &schema.Query{Type: "Product"}}

	if err := pipeline.RunPre(context.Background(), request); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if err := pipeline.RunPost(context.Background(), request); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestMissingHookDeniesWhenBlockingByDefault(t *testing.T) {
	pipeline := mustPipeline(t, map[string]schema.Model{"Product": {}}, true, true)
	request := &schema.Request{Action: schema.ActionRead, Query: &schema.Query{Type: "Product"}}

	err := pipeline.RunPre(context.Background(), request)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Phase != schema.PhasePre {
		t.Fatalf("expected pre-phase block, got %v", err)
	}

	err = pipeline.RunPost(context.Background(), request)
	if !errors.As(err, &blocked) || blocked.Phase != schema.PhasePost {
		t.Fatalf("expected post-phase block, got %v", err)
	}
}

func TestHookDenialNormalizesToBlockedError(t *testing.T) {
	denial := errors.New("not yours")
	pipeline := mustPipeline(t, map[string]schema.Model{
		"Product": {
			Filters: map[schema.Phase]schema.Hook{
				schema.PhasePre: func(_ context.Context, _ *schema.Request) error { return denial },
			},
		},
	}, false, false)

	err := pipeline.RunPre(context.Background(), &schema.Request{Action: schema.ActionUpdate, Query: &schema.Query{Type: "Product"}})
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Phase != schema.PhasePre || !errors.Is(err, denial) {
		t.Fatalf("expected phase and cause preserved, got %#v", blocked)
	}
}

func TestAccessControlHookRunsBeforeFilter(t *testing.T) {
	filterCalled := false
	pipeline := mustPipeline(t, map[string]schema.Model{
		"Product": {
			AccessControl: func(_ context.Context, _ *schema.Request) error { return schema.ErrDenied },
			Filters: map[schema.Phase]schema.Hook{
				schema.PhasePre: func(_ context.Context, _ *schema.Request) error {
					filterCalled = true
					return nil
				},
			},
		},
	}, false, false)

	err := pipeline.RunPre(context.Background(), &schema.Request{Action: schema.ActionRead, Query: &schema.Query{Type: "Product"}})
	if !errors.Is(err, schema.ErrDenied) {
		t.Fatalf("expected access denial, got %v", err)
	}
	if filterCalled {
		t.Fatalf("filter hook must not run after access denial")
	}
}

func TestRunPostFetchLoadsResourceForHook(t *testing.T) {
	var seen schema.Document
	pipeline := mustPipeline(t, map[string]schema.Model{
		"Product": {
			Filters: map[schema.Phase]schema.Hook{
				schema.PhasePost: func(_ context.Context, request *schema.Request) error {
					seen = request.Resource
					return nil
				},
			},
		},
	}, false, false)

	loads := 0
	loader := func(_ context.Context, modelType, id string) (schema.Document, error) {
		loads++
		return schema.Document{"id": id, "type": modelType}, nil
	}

	request := &schema.Request{
		Action: schema.ActionSubscribe,
		Query:  &schema.Query{Type: "Product", ID: "p1"},
	}
	if err := pipeline.RunPostFetch(context.Background(), request, loader); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if loads != 1 {
		t.Fatalf("expected exactly one load, got %d", loads)
	}
	if seen == nil || seen["id"] != "p1" {
		t.Fatalf("hook did not receive the loaded resource: %#v", seen)
	}
}

func TestRunPostFetchSkipsLoadWithoutHook(t *testing.T) {
	pipeline := mustPipeline(t, map[string]schema.Model{"Product": {}}, false, false)

	loads := 0
	loader := func(_ context.Context, _, _ string) (schema.Document, error) {
		loads++
		return nil, nil
	}

	request := &schema.Request{Action: schema.ActionSubscribe, Query: &schema.Query{Type: "Product", ID: "p1"}}
	if err := pipeline.RunPostFetch(context.Background(), request, loader); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if loads != 0 {
		t.Fatalf("no hook means no fetch, got %d loads", loads)
	}
}

func TestRunPostFetchWrapsLoaderFailure(t *testing.T) {
	pipeline := mustPipeline(t, map[string]schema.Model{
		"Product": {
			Filters: map[schema.Phase]schema.Hook{
				schema.PhasePost: func(_ context.Context, _ *schema.Request) error { return nil },
			},
		},
	}, false, false)

	loadErr := errors.New("store down")
	loader := func(_ context.Context, _, _ string) (schema.Document, error) { return nil, loadErr }

	request := &schema.Request{Action: schema.ActionSubscribe, Query: &schema.Query{Type: "Product", ID: "p1"}}
	err := pipeline.RunPostFetch(context.Background(), request, loader)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Phase != schema.PhasePost || !errors.Is(err, loadErr) {
		t.Fatalf("expected post block wrapping loader failure, got %v", err)
	}
}

// Package filter runs the two-phase authorization pipeline around CRUD
// operations and channel subscriptions.
package filter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tidepool/internal/schema"
)

var errMissingRegistry = errors.New("filter: schema registry is required")

// BlockedError reports a filter denial, tagged with the phase that denied.
type BlockedError struct {
	Phase schema.Phase
	cause error
}

func (blocked *BlockedError) Error() string {
	if blocked.cause == nil {
		return fmt.Sprintf("blocked by %s filter", blocked.Phase)
	}
	return fmt.Sprintf("blocked by %s filter: %v", blocked.Phase, blocked.cause)
}

func (blocked *BlockedError) Unwrap() error {
	return blocked.cause
}

// NewBlockedError builds a denial for the given phase.
func NewBlockedError(phase schema.Phase, cause error) *BlockedError {
	return &BlockedError{Phase: phase, cause: cause}
}

// ResourceLoader fetches the resource a post-phase subscribe check needs.
// The orchestrator injects a loader that reads through the resource cache.
type ResourceLoader func(ctx context.Context, modelType, id string) (schema.Document, error)

// Config wires the pipeline.
type Config struct {
	Registry *schema.Registry
	// BlockPreByDefault denies pre-phase requests on models without a pre
	// filter hook.
	BlockPreByDefault bool
	// BlockPostByDefault denies post-phase requests on models without a post
	// filter hook.
	BlockPostByDefault bool
	Logger             *zap.Logger
}

// Pipeline evaluates filter and access-control hooks for both phases.
type Pipeline struct {
	registry           *schema.Registry
	blockPreByDefault  bool
	blockPostByDefault bool
	logger             *zap.Logger
}

// New constructs the pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		registry:           cfg.Registry,
		blockPreByDefault:  cfg.BlockPreByDefault,
		blockPostByDefault: cfg.BlockPostByDefault,
		logger:             logger,
	}, nil
}

// RunPre evaluates the pre-phase hooks. The request has no resource loaded.
func (pipeline *Pipeline) RunPre(ctx context.Context, request *schema.Request) error {
	request.Phase = schema.PhasePre
	return pipeline.run(ctx, request, pipeline.blockPreByDefault)
}

// RunPost evaluates the post-phase hooks against a loaded resource.
func (pipeline *Pipeline) RunPost(ctx context.Context, request *schema.Request) error {
	request.Phase = schema.PhasePost
	return pipeline.run(ctx, request, pipeline.blockPostByDefault)
}

// RunPostFetch loads the resource through the supplied loader and then runs
// the post phase. Used on subscribe, where no resource is in hand yet.
func (pipeline *Pipeline) RunPostFetch(ctx context.Context, request *schema.Request, load ResourceLoader) error {
	request.Phase = schema.PhasePost
	if pipeline.hook(request) == nil && pipeline.accessHook(request) == nil && !pipeline.blockPostByDefault {
		// No hook will look at the resource; skip the fetch entirely.
		return nil
	}
	if request.Resource == nil && request.Query != nil && request.Query.ID != "" && load != nil {
		resource, err := load(ctx, request.Query.Type, request.Query.ID)
		if err != nil {
			return NewBlockedError(schema.PhasePost, err)
		}
		request.Resource = resource
	}
	return pipeline.run(ctx, request, pipeline.blockPostByDefault)
}

func (pipeline *Pipeline) run(ctx context.Context, request *schema.Request, blockByDefault bool) error {
	if access := pipeline.accessHook(request); access != nil {
		if err := access(ctx, request); err != nil {
			return NewBlockedError(request.Phase, err)
		}
	}

	hook := pipeline.hook(request)
	if hook == nil {
		if blockByDefault {
			return NewBlockedError(request.Phase, nil)
		}
		return nil
	}
	if err := hook(ctx, request); err != nil {
		pipeline.logger.Debug("filter denied request",
			zap.String("phase", string(request.Phase)),
			zap.String("action", string(request.Action)),
			zap.Error(err))
		return NewBlockedError(request.Phase, err)
	}
	return nil
}

func (pipeline *Pipeline) hook(request *schema.Request) schema.Hook {
	if request.Query == nil {
		return nil
	}
	return pipeline.registry.FilterHook(request.Query.Type, request.Phase)
}

func (pipeline *Pipeline) accessHook(request *schema.Request) schema.Hook {
	if request.Query == nil {
		return nil
	}
	return pipeline.registry.AccessControlHook(request.Query.Type)
}

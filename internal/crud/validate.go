package crud

import "github.com/MarcoPoloResearchLab/tidepool/internal/schema"

// validateQuery enforces the envelope validity rules shared by every
// operation: the type must be declared, field access requires an id, and
// view reads must name a declared view with all of its parameters supplied.
func (orchestrator *Orchestrator) validateQuery(query schema.Query) error {
	if query.Type == "" {
		return newError(KindInvalidArguments, "query type is required")
	}
	if !orchestrator.registry.HasType(query.Type) {
		return newError(KindInvalidModelType, "unknown model type "+query.Type)
	}
	if query.Field != "" && query.ID == "" {
		return newError(KindInvalidParams, "field access requires an id")
	}
	if query.View != "" {
		view, err := orchestrator.registry.ViewSchema(query.Type, query.View)
		if err != nil {
			return newError(KindInvalidParams, "unknown view "+query.View+" under "+query.Type)
		}
		for _, param := range view.ParamFields {
			if _, ok := query.ViewParams[param]; !ok {
				return newError(KindInvalidParams, "missing view param "+param)
			}
		}
		for _, param := range view.PrimaryKeys {
			if _, ok := query.ViewParams[param]; !ok {
				return newError(KindInvalidParams, "missing view param "+param)
			}
		}
	}
	return nil
}

// sanitizeViewParams keeps only declared paramFields, normalizing absent
// values to nil so channel names stay canonical.
func sanitizeViewParams(view schema.View, supplied map[string]any) map[string]any {
	sanitized := make(map[string]any, len(view.ParamFields))
	for _, param := range view.ParamFields {
		sanitized[param] = supplied[param]
	}
	return sanitized
}

// primaryParamsOf projects the primary-key subset used for channel naming.
func primaryParamsOf(view schema.View, params map[string]any) map[string]any {
	primary := make(map[string]any, len(view.PrimaryKeys))
	for _, key := range view.PrimaryKeys {
		primary[key] = params[key]
	}
	return primary
}

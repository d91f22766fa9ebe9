package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Prefix marks every channel owned by the CRUD layer.
const Prefix = "crud>"

const viewTypeSeparator = "):"

// Kind discriminates parsed channel descriptors.
type Kind string

const (
	// KindModel covers resource and field channels.
	KindModel Kind = "model"
	// KindView covers view-instance channels.
	KindView Kind = "view"
)

// Descriptor is the parsed form of a CRUD channel name.
type Descriptor struct {
	Kind  Kind
	Type  string
	ID    string
	Field string
	View  string
	// ViewPrimaryParams holds the decoded primary parameters of a view
	// channel; nil for model channels.
	ViewPrimaryParams map[string]any
}

// Resource returns the channel carrying whole-resource change signals.
func Resource(modelType, id string) string {
	return Prefix + modelType + "/" + id
}

// Field returns the channel carrying single-field change messages.
func Field(modelType, id, fieldName string) string {
	return Prefix + modelType + "/" + id + "/" + fieldName
}

// View returns the channel for one view instance. The primary parameters are
// serialized canonically so producers and consumers derive the same name
// without coordination.
func View(modelType, viewName string, primaryParams map[string]any) string {
	return Prefix + viewName + "(" + CanonicalParams(primaryParams) + viewTypeSeparator + modelType
}

// CanonicalParams serializes parameters as a JSON object with
// lexicographically sorted keys. Absent values encode as null.
func CanonicalParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteByte('{')
	for index, key := range keys {
		if index > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(encodeCanonicalValue(key))
		builder.WriteByte(':')
		builder.WriteString(encodeCanonicalValue(params[key]))
	}
	builder.WriteByte('}')
	return builder.String()
}

func encodeCanonicalValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case map[string]any:
		return CanonicalParams(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "null"
		}
		return string(encoded)
	}
}

// Parse recognizes CRUD channel names and returns their descriptor. The
// second result is false for names outside the crud> namespace or names that
// do not decode.
func Parse(name string) (Descriptor, bool) {
	if !strings.HasPrefix(name, Prefix) {
		return Descriptor{}, false
	}
	remainder := strings.TrimPrefix(name, Prefix)
	if remainder == "" {
		return Descriptor{}, false
	}

	// A colon after the prefix implies the view form; model types and ids
	// never carry one.
	if strings.Contains(remainder, ":") {
		return parseViewChannel(remainder)
	}
	return parseModelChannel(remainder)
}

func parseViewChannel(remainder string) (Descriptor, bool) {
	open := strings.Index(remainder, "(")
	if open <= 0 {
		return Descriptor{}, false
	}
	close := strings.LastIndex(remainder, viewTypeSeparator)
	if close < open {
		return Descriptor{}, false
	}
	viewName := remainder[:open]
	paramsJSON := remainder[open+1 : close]
	modelType := remainder[close+len(viewTypeSeparator):]
	if modelType == "" {
		return Descriptor{}, false
	}

	params := map[string]any{}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return Descriptor{}, false
	}
	return Descriptor{
		Kind:              KindView,
		Type:              modelType,
		View:              viewName,
		ViewPrimaryParams: params,
	}, true
}

func parseModelChannel(remainder string) (Descriptor, bool) {
	segments := strings.Split(remainder, "/")
	if len(segments) > 3 || segments[0] == "" {
		return Descriptor{}, false
	}
	descriptor := Descriptor{Kind: KindModel, Type: segments[0]}
	if len(segments) > 1 {
		descriptor.ID = segments[1]
	}
	if len(segments) > 2 {
		descriptor.Field = segments[2]
	}
	return descriptor, true
}

// String renders a descriptor back to its wire name.
func (descriptor Descriptor) String() string {
	if descriptor.Kind == KindView {
		return View(descriptor.Type, descriptor.View, descriptor.ViewPrimaryParams)
	}
	if descriptor.Field != "" {
		return Field(descriptor.Type, descriptor.ID, descriptor.Field)
	}
	if descriptor.ID != "" {
		return Resource(descriptor.Type, descriptor.ID)
	}
	return fmt.Sprintf("%s%s", Prefix, descriptor.Type)
}

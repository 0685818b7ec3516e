// Package resolver builds the input/param payload for one action from its
// declared input mappings, upstream results, and manual overrides: priority
// resolution (manual-first vs. connection-first), field-path extraction via
// gjson, spill-marker tagging, connectionType coercion, and a json-patch
// based manual-override seam.
package resolver

import (
	"encoding/json"
	"fmt"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"

	"github.com/lyzr/flowengine/model"
)

// Warning records one input the resolver could not set.
type Warning struct {
	Target       string
	SourceRef    string
	SourceHandle string
	Reason       string
}

// Result is the output of BuildActionPayload.
type Result struct {
	Inputs          map[string]any
	Params          map[string]any
	Warnings        []Warning
	ManualOverrides []string
}

// PatchKey is the reserved inputOverrides field carrying an RFC 6902 JSON
// Patch document applied to a port's resolved value before coercion.
const PatchKey = "__patch__"

// BuildActionPayload implements the input resolution algorithm: pure over
// its arguments, never returns an error for a missing or uncoercible value
// (that becomes a Warning the caller elevates to a hard failure).
func BuildActionPayload(action *model.Action, results map[string]map[string]any, inputSchema model.Schema) Result {
	res := Result{
		Inputs: copyMap(action.InputOverrides),
		Params: copyMap(action.Params),
	}

	for targetPort, mapping := range action.InputMappings {
		port, declared := inputSchema.Lookup(targetPort)

		if declared && port.ValuePriority == model.PriorityManualFirst {
			if v, ok := res.Inputs[targetPort]; ok && v != nil {
				res.ManualOverrides = append(res.ManualOverrides, targetPort)
				continue
			}
		}

		src, srcOK := results[mapping.SourceRef]
		if !srcOK {
			res.Warnings = append(res.Warnings, Warning{
				Target: targetPort, SourceRef: mapping.SourceRef, SourceHandle: mapping.SourceHandle,
				Reason: "upstream result not found",
			})
			continue
		}

		// A wholly-spilled upstream output can't answer a field-path handle
		// inline; hand the runner a tagged marker to materialize instead.
		if marker, ok := model.IsSpillMarker(src); ok {
			marker.SpillHandle = mapping.SourceHandle
			res.Inputs[targetPort] = marker.AsMap()
			continue
		}

		resolved, found := resolveHandle(src, mapping.SourceHandle)
		if !found {
			res.Warnings = append(res.Warnings, Warning{
				Target: targetPort, SourceRef: mapping.SourceRef, SourceHandle: mapping.SourceHandle,
				Reason: "handle not present on upstream output",
			})
			continue
		}

		if marker, ok := model.IsSpillMarker(resolved); ok {
			marker.SpillHandle = mapping.SourceHandle
			resolved = marker.AsMap()
		}

		if patched, ok := applyManualPatch(res.Inputs, targetPort, resolved); ok {
			resolved = patched
		}

		if declared {
			coerced, ok := Coerce(resolved, port.ConnectionType)
			if !ok {
				res.Warnings = append(res.Warnings, Warning{
					Target: targetPort, SourceRef: mapping.SourceRef, SourceHandle: mapping.SourceHandle,
					Reason: fmt.Sprintf("value not coercible to %s", port.ConnectionType.Kind),
				})
				continue
			}
			resolved = coerced
		}

		res.Inputs[targetPort] = resolved
	}

	return res
}

// resolveHandle resolves sourceHandle against src: "" or SelfHandle returns
// the whole map; otherwise it is a gjson field path into the JSON rendering
// of src.
func resolveHandle(src map[string]any, handle string) (any, bool) {
	if handle == "" || handle == model.SelfHandle {
		return src, true
	}

	raw, err := json.Marshal(src)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(raw, handle)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// applyManualPatch looks for a "__patch__" entry under targetPort in the
// action's manual overrides and, if present, applies it as an RFC 6902 JSON
// Patch over resolved before coercion.
func applyManualPatch(overrides map[string]any, targetPort string, resolved any) (any, bool) {
	raw, ok := overrides[targetPort]
	if !ok {
		return nil, false
	}
	wrapper, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	patchDoc, ok := wrapper[PatchKey]
	if !ok {
		return nil, false
	}

	patchJSON, err := json.Marshal(patchDoc)
	if err != nil {
		return nil, false
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, false
	}

	targetJSON, err := json.Marshal(resolved)
	if err != nil {
		return nil, false
	}
	patched, err := patch.Apply(targetJSON)
	if err != nil {
		return nil, false
	}

	var out any
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, false
	}
	return out, true
}

// Coerce converts v to the shape connType demands, reporting false when no
// lossless-enough conversion exists. Exported so the runner can apply the
// same coercion to inputOverrides/params values that never passed through
// BuildActionPayload's per-mapping coercion.
func Coerce(v any, connType model.ConnectionType) (any, bool) {
	switch connType.Kind {
	case model.KindAny, model.KindJSON, model.KindFile, model.KindSecret:
		return v, true
	case model.KindText:
		return coerceText(v)
	case model.KindNumber:
		return coerceNumber(v)
	case model.KindBoolean:
		return coerceBoolean(v)
	case model.KindList:
		return coerceList(v, connType.ElementType)
	case model.KindMap:
		return coerceMap(v, connType.ElementType)
	case model.KindContract:
		return v, true
	default:
		return v, true
	}
}

func coerceText(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		return string(b), true
	}
}

func coerceNumber(v any) (any, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	default:
		return nil, false
	}
}

func coerceBoolean(v any) (any, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch t {
		case "true":
			return true, true
		case "false":
			return false, true
		default:
			return nil, false
		}
	default:
		return nil, false
	}
}

func coerceList(v any, elem *model.ConnectionType) (any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	if elem == nil {
		return list, true
	}
	out := make([]any, len(list))
	for i, item := range list {
		coerced, ok := Coerce(item, *elem)
		if !ok {
			return nil, false
		}
		out[i] = coerced
	}
	return out, true
}

func coerceMap(v any, elem *model.ConnectionType) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if elem == nil {
		return m, true
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		coerced, ok := Coerce(item, *elem)
		if !ok {
			return nil, false
		}
		out[k] = coerced
	}
	return out, true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

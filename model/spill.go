package model

// SpillMarkerKey is the sentinel field that flags a value as a spill marker
// rather than inline data.
const SpillMarkerKey = "__spilled__"

// SpillMarker replaces a payload too large to keep inline. The payload
// itself lives in the object store under StorageRef.
type SpillMarker struct {
	Spilled      bool   `json:"__spilled__"`
	StorageRef   string `json:"storageRef"`
	OriginalSize int    `json:"originalSize"`
	SpillHandle  string `json:"__spilled_handle__,omitempty"`
}

// AsMap renders the marker in the map[string]any shape components and the
// resolver pass around in place of a typed struct.
func (m SpillMarker) AsMap() map[string]any {
	out := map[string]any{
		SpillMarkerKey: true,
		"storageRef":   m.StorageRef,
		"originalSize": m.OriginalSize,
	}
	if m.SpillHandle != "" {
		out["__spilled_handle__"] = m.SpillHandle
	}
	return out
}

// IsSpillMarker reports whether v is a map carrying the spill sentinel, and
// if so decodes it.
func IsSpillMarker(v any) (SpillMarker, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return SpillMarker{}, false
	}
	spilled, _ := m[SpillMarkerKey].(bool)
	if !spilled {
		return SpillMarker{}, false
	}
	ref, _ := m["storageRef"].(string)
	marker := SpillMarker{Spilled: true, StorageRef: ref}
	switch sz := m["originalSize"].(type) {
	case int:
		marker.OriginalSize = sz
	case float64:
		marker.OriginalSize = int(sz)
	}
	if h, ok := m["__spilled_handle__"].(string); ok {
		marker.SpillHandle = h
	}
	return marker, true
}

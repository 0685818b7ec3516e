package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lyzr/flowengine/model"
)

// spillCache memoizes downloaded spill payloads per storageRef for the
// duration of one action, so an action with several handles into the same
// spilled upstream output downloads it once.
type spillCache struct {
	mu      sync.Mutex
	objects map[string]map[string]any
}

func newSpillCache() *spillCache {
	return &spillCache{objects: make(map[string]map[string]any)}
}

func (c *spillCache) fetch(ctx context.Context, storage Storage, ref string) (map[string]any, error) {
	c.mu.Lock()
	cached, ok := c.objects[ref]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, _, err := storage.Download(ctx, ref)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("spilled payload %s is not a JSON object: %w", ref, err)
	}

	c.mu.Lock()
	c.objects[ref] = payload
	c.mu.Unlock()
	return payload, nil
}

// materializeInputs replaces every spill marker in inputs with the real
// value from the object store: the whole payload when the tagged handle is
// empty or "__self__", otherwise the field the handle names.
func materializeInputs(ctx context.Context, storage Storage, cache *spillCache, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for port, v := range inputs {
		marker, ok := model.IsSpillMarker(v)
		if !ok {
			out[port] = v
			continue
		}
		payload, err := cache.fetch(ctx, storage, marker.StorageRef)
		if err != nil {
			return nil, err
		}
		if marker.SpillHandle == "" || marker.SpillHandle == model.SelfHandle {
			out[port] = payload
			continue
		}
		field, present := payload[marker.SpillHandle]
		if !present {
			return nil, fmt.Errorf("spilled payload %s has no field %q", marker.StorageRef, marker.SpillHandle)
		}
		out[port] = field
	}
	return out, nil
}

// spillIfLarge uploads output to the object store and replaces it with a
// spill marker when its serialized size exceeds threshold. Outputs at or
// under the threshold pass through untouched.
func spillIfLarge(ctx context.Context, storage Storage, output map[string]any, threshold int) (map[string]any, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("output is not JSON-serializable: %w", err)
	}
	if len(raw) <= threshold {
		return output, nil
	}

	ref, err := storage.Upload(ctx, "spilled-output", raw, "application/json")
	if err != nil {
		return nil, err
	}
	return model.SpillMarker{Spilled: true, StorageRef: ref, OriginalSize: len(raw)}.AsMap(), nil
}

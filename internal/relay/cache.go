package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when a game update payload is not a JSON object.
var ErrNotObject = errors.New("game state update must be a JSON object")

// StateCache is a room's shallow-merged game state. The latest value of each
// top-level field wins; nested objects are replaced, never merged.
//
// A StateCache is owned by a single room relay and is not safe for concurrent use.
type StateCache struct {
	fields map[string]json.RawMessage
}

// NewStateCache returns an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{fields: make(map[string]json.RawMessage)}
}

// Merge applies one update over the cache.
//
// Precondition: data is nil, JSON null, or a JSON object.
// Postcondition: Every top-level field of data replaces the cached field of the
// same name; other cached fields are untouched. Returns ErrNotObject (and leaves
// the cache unchanged) for any other JSON value.
func (c *StateCache) Merge(data json.RawMessage) error {
	if data == nil || isNull(data) {
		return nil
	}
	if !isObject(data) {
		return ErrNotObject
	}
	var update map[string]json.RawMessage
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("decoding game state update: %w", err)
	}
	for k, v := range update {
		c.fields[k] = v
	}
	return nil
}

// Snapshot returns a copy of the cached fields. An empty cache yields an empty, non-nil map.
func (c *StateCache) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(c.fields))
	for k, v := range c.fields {
		out[k] = v
	}
	return out
}

// Len returns the number of cached top-level fields.
func (c *StateCache) Len() int {
	return len(c.fields)
}

// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import "encoding/json"

// Known JSONL field names. Anything outside these sets is carried through
// read/modify/write in the record's Extra map.
var (
	memoryKnownKeys = []string{
		"id", "content", "tags", "entities", "source", "context",
		"created_at", "last_used", "use_count", "strength", "status",
		"promoted_at", "promoted_to", "embed",
	}
	relationKnownKeys = []string{
		"id", "from_memory_id", "to_memory_id", "relation_type",
		"strength", "created_at", "metadata",
	}
)

// UnmarshalJSON decodes a memory line, stashing unknown fields in Extra
func (m *Memory) UnmarshalJSON(data []byte) error {
	type alias Memory
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range memoryKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}

	*m = Memory(a)
	return nil
}

// MarshalJSON encodes a memory line, merging Extra fields back in
func (m Memory) MarshalJSON() ([]byte, error) {
	type alias Memory
	return marshalWithExtra(alias(m), m.Extra)
}

// UnmarshalJSON decodes a relation line, stashing unknown fields in Extra
func (r *Relation) UnmarshalJSON(data []byte) error {
	type alias Relation
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range relationKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}

	*r = Relation(a)
	return nil
}

// MarshalJSON encodes a relation line, merging Extra fields back in
func (r Relation) MarshalJSON() ([]byte, error) {
	type alias Relation
	return marshalWithExtra(alias(r), r.Extra)
}

// marshalWithExtra marshals v and splices extra fields into the object.
// Known fields win on collision so a stale Extra entry can never shadow a
// live one.
func marshalWithExtra(v interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := raw[k]; !ok {
			raw[k] = val
		}
	}
	return json.Marshal(raw)
}

// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import "regexp"

// Input size limits enforced before anything reaches disk
const (
	MaxContentLength = 50000
	MaxTagLength     = 100
	MaxTagsCount     = 50
	MaxEntitiesCount = 100
	MaxEntityLength  = 200
)

// tagPattern permits hierarchical tags like "project/api"
var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-/]+$`)

// ValidateTag checks a single tag against charset and length limits
func ValidateTag(tag string) error {
	if tag == "" {
		return NewError(KindInvalid, "tag cannot be empty")
	}
	if len(tag) > MaxTagLength {
		return NewError(KindInvalid, "tag exceeds %d characters: %q", MaxTagLength, tag[:MaxTagLength])
	}
	if !tagPattern.MatchString(tag) {
		return NewError(KindInvalid, "tag contains invalid characters: %q", tag)
	}
	return nil
}

// ValidateTags checks a tag list against count and per-tag limits
func ValidateTags(tags []string) error {
	if len(tags) > MaxTagsCount {
		return NewError(KindInvalid, "too many tags: %d (max %d)", len(tags), MaxTagsCount)
	}
	for _, t := range tags {
		if err := ValidateTag(t); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMemory checks every field constraint of a memory record.
// Violations are rejected before any write happens.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return NewError(KindInvalid, "memory id cannot be empty")
	}
	if m.Content == "" {
		return NewError(KindInvalid, "memory content cannot be empty")
	}
	if len(m.Content) > MaxContentLength {
		return NewError(KindInvalid, "content exceeds %d characters", MaxContentLength)
	}
	if err := ValidateTags(m.Tags); err != nil {
		return err
	}
	if len(m.Entities) > MaxEntitiesCount {
		return NewError(KindInvalid, "too many entities: %d (max %d)", len(m.Entities), MaxEntitiesCount)
	}
	for _, e := range m.Entities {
		if e == "" || len(e) > MaxEntityLength {
			return NewError(KindInvalid, "entity must be 1-%d characters", MaxEntityLength)
		}
	}
	if m.Strength < 0 || m.Strength > 2 {
		return NewError(KindInvalid, "strength %.3f out of range [0, 2]", m.Strength)
	}
	if m.UseCount < 0 {
		return NewError(KindInvalid, "use_count cannot be negative")
	}
	if m.LastUsed < m.CreatedAt {
		return NewError(KindInvalid, "last_used %d precedes created_at %d", m.LastUsed, m.CreatedAt)
	}
	switch m.Status {
	case StatusActive, StatusArchived, StatusDeleted:
	case StatusPromoted:
		if m.PromotedAt == 0 || m.PromotedTo == "" {
			return NewError(KindInvalid, "promoted memory requires promoted_at and promoted_to")
		}
	default:
		return NewError(KindInvalid, "unknown status %q", m.Status)
	}
	return nil
}

// ValidateRelation checks every field constraint of a relation record
func (r *Relation) Validate() error {
	if r.ID == "" {
		return NewError(KindInvalid, "relation id cannot be empty")
	}
	if r.From == "" || r.To == "" {
		return NewError(KindInvalid, "relation endpoints cannot be empty")
	}
	if r.From == r.To {
		return NewError(KindInvalid, "relation cannot point at itself")
	}
	if r.Type == "" {
		return NewError(KindInvalid, "relation_type cannot be empty")
	}
	if err := ValidateTag(r.Type); err != nil {
		return NewError(KindInvalid, "relation_type %q contains invalid characters", r.Type)
	}
	if r.Strength < 0 || r.Strength > 1 {
		return NewError(KindInvalid, "relation strength %.3f out of range [0, 1]", r.Strength)
	}
	return nil
}

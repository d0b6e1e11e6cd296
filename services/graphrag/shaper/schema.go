// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shaper

// Priority ranks how early a data field is sacrificed under budget pressure.
type Priority string

// Field priorities, from never-dropped to first-dropped.
const (
	PriorityRequired Priority = "required"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// FieldSpec declares one data field of a tool response.
type FieldSpec struct {
	Key      string
	Priority Priority
}

// OutputSchema is the ordered field declaration for one tool. Order matters:
// within a priority band, later fields are dropped first so that tools list
// their most important fields first.
type OutputSchema []FieldSpec

// Required returns the keys that must survive every profile.
func (s OutputSchema) Required() []string {
	var keys []string
	for _, f := range s {
		if f.Priority == PriorityRequired {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// fieldsWith returns keys of the given priority in drop order
// (reverse declaration order).
func (s OutputSchema) fieldsWith(p Priority) []string {
	var keys []string
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Priority == p {
			keys = append(keys, s[i].Key)
		}
	}
	return keys
}

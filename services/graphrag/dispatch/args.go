// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import "fmt"

// Args is the raw JSON argument object of a tool call.
type Args map[string]any

// String returns an optional string argument.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// RequireString returns a string argument or an INVALID_ARGUMENT error
// naming the field.
func (a Args) RequireString(key string) (string, error) {
	s, ok := a[key].(string)
	if !ok || s == "" {
		return "", &Error{
			Code:        CodeInvalidArgument,
			Message:     fmt.Sprintf("missing or empty argument %q", key),
			Hint:        fmt.Sprintf("pass %q as a non-empty string", key),
			Recoverable: true,
		}
	}
	return s, nil
}

// Bool returns an optional bool argument; absent or mistyped is false.
func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// BoolDefault returns a bool argument, falling back when absent.
func (a Args) BoolDefault(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// Int returns an optional integer argument; JSON numbers arrive as float64.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Int64 returns an optional 64-bit integer argument.
func (a Args) Int64(key string) int64 {
	switch v := a[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Strings returns an optional string-array argument.
func (a Args) Strings(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		if direct, ok := a[key].([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns an optional object argument.
func (a Args) Map(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

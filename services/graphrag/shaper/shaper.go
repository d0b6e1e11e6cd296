// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shaper enforces per-profile token envelopes on tool responses.
//
// Every tool result is wrapped in an Envelope and then shaped against the
// tool's declared OutputSchema: data fields are dropped lowest priority
// first until the conservative token estimate fits the profile budget.
// Required fields and the summary are never dropped; when they alone
// exceed the budget the envelope fails with BUDGET_EXCEEDED but keeps
// the data.
package shaper

import (
	"encoding/json"
	"fmt"
)

// Profile selects a token budget for a response.
type Profile string

// Supported response profiles.
const (
	ProfileCompact  Profile = "compact"
	ProfileBalanced Profile = "balanced"
	ProfileDebug    Profile = "debug"
)

// Token budgets and array caps per profile.
const (
	CompactBudget  = 300
	BalancedBudget = 1200

	compactMaxArray  = 10
	balancedMaxArray = 50
)

// ParseProfile normalizes a profile string, defaulting to balanced.
func ParseProfile(s string) Profile {
	switch Profile(s) {
	case ProfileCompact, ProfileBalanced, ProfileDebug:
		return Profile(s)
	default:
		return ProfileBalanced
	}
}

// Budget returns the token budget for the profile. Debug is unbounded
// and reports 0.
func (p Profile) Budget() int {
	switch p {
	case ProfileCompact:
		return CompactBudget
	case ProfileBalanced:
		return BalancedBudget
	default:
		return 0
	}
}

func (p Profile) maxArray() int {
	switch p {
	case ProfileCompact:
		return compactMaxArray
	case ProfileBalanced:
		return balancedMaxArray
	default:
		return 0
	}
}

// CodeBudgetExceeded marks an envelope whose required fields alone
// overflow the profile budget.
const CodeBudgetExceeded = "BUDGET_EXCEEDED"

// ErrorDetail carries machine-readable failure context inside an envelope.
type ErrorDetail struct {
	// Message is the human-readable failure description.
	Message string `json:"message,omitempty"`

	// Recoverable is true when the caller can fix the input and retry.
	Recoverable bool `json:"recoverable"`
}

// Envelope is the uniform wrapper for every tool response.
type Envelope struct {
	OK               bool           `json:"ok"`
	Summary          string         `json:"summary"`
	Profile          Profile        `json:"profile"`
	TokenEstimate    int            `json:"_tokenEstimate"`
	Data             map[string]any `json:"data,omitempty"`
	Hint             string         `json:"hint,omitempty"`
	ErrorCode        string         `json:"errorCode,omitempty"`
	ContractWarnings []string       `json:"contractWarnings,omitempty"`
	Error            *ErrorDetail   `json:"error,omitempty"`
}

// TokenEstimate is the conservative token count for an encoded value:
// ceil(len(json)/4).
func TokenEstimate(v any) int {
	encoded, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return (len(encoded) + 3) / 4
}

// Shape trims env.Data against the schema until the envelope fits the
// profile budget, then stamps the final token estimate.
//
// Order of operations:
//  1. Arrays inside data are truncated to the profile cap (first-N,
//     input order preserved), recursively.
//  2. Data keys are dropped in priority order low -> medium -> high.
//  3. Required keys and summary survive every profile; if they alone keep
//     the estimate above budget the envelope fails with BUDGET_EXCEEDED,
//     still carrying the required data and a contract warning.
//
// The returned envelope is the same value, mutated in place.
func Shape(env *Envelope, schema OutputSchema, profile Profile) *Envelope {
	env.Profile = profile

	budget := profile.Budget()
	if budget == 0 { // debug: untrimmed
		env.TokenEstimate = TokenEstimate(env)
		return env
	}

	if env.Data != nil {
		env.Data = shapeValue(env.Data, profile.maxArray()).(map[string]any)
	}

	if est := TokenEstimate(env); est <= budget {
		env.TokenEstimate = est
		return env
	}

	for _, pri := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		for _, field := range schema.fieldsWith(pri) {
			if _, ok := env.Data[field]; !ok {
				continue
			}
			delete(env.Data, field)
			if est := TokenEstimate(env); est <= budget {
				env.TokenEstimate = est
				return env
			}
		}
	}

	// Only required fields remain. Keep them: losing required data is worse
	// than exceeding the nominal budget. The envelope still fails so the
	// caller knows the contract was not met.
	est := TokenEstimate(env)
	if est > budget {
		env.OK = false
		if env.ErrorCode == "" {
			env.ErrorCode = CodeBudgetExceeded
			env.Error = &ErrorDetail{
				Message:     fmt.Sprintf("required fields exceed the %s budget", profile),
				Recoverable: true,
			}
		}
		env.ContractWarnings = append(env.ContractWarnings,
			fmt.Sprintf("required fields exceed %s budget (%d > %d tokens)", profile, est, budget))
		if env.Hint == "" {
			env.Hint = "use profile=balanced or profile=debug for the full result"
		}
	}
	env.TokenEstimate = TokenEstimate(env)
	return env
}

// shapeValue truncates arrays to maxArray recursively. maxArray <= 0 means
// no cap. Maps are mutated in place; slices are re-sliced.
func shapeValue(v any, maxArray int) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = shapeValue(inner, maxArray)
		}
		return val
	case []any:
		if maxArray > 0 && len(val) > maxArray {
			val = val[:maxArray]
		}
		for i, inner := range val {
			val[i] = shapeValue(inner, maxArray)
		}
		return val
	default:
		return v
	}
}

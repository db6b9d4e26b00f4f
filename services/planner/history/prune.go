// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import "github.com/AleutianAI/epsem/services/planner/symbols"

// Paths splits a symbol sequence into goal-terminated paths. A trailing
// partial path with no goal is returned as the last element.
func Paths(syms []symbols.Symbol) [][]symbols.Symbol {
	var paths [][]symbols.Symbol
	start := 0
	for i, s := range syms {
		if s.IsGoal() {
			paths = append(paths, syms[start:i+1:i+1])
			start = i + 1
		}
	}
	if start < len(syms) {
		paths = append(paths, syms[start:len(syms):len(syms)])
	}
	return paths
}

// PruneDuplicatePaths drops every goal-terminated path that already appeared
// earlier in the sequence. The first occurrence of each path and the
// trailing partial path are kept in their original order.
//
// The returned slice is newly allocated; syms is not modified.
func PruneDuplicatePaths(syms []symbols.Symbol) []symbols.Symbol {
	seen := make(map[string]bool)
	out := make([]symbols.Symbol, 0, len(syms))
	for _, p := range Paths(syms) {
		if !p[len(p)-1].IsGoal() {
			out = append(out, p...)
			continue
		}
		key := symbols.Join(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p...)
	}
	return out
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"fmt"
	"strings"
)

// F1Scorer scores an output document against its reference by averaging
// per-key F1. String values compare as normalized token bags; list values
// compare as sets of normalized items. Keys absent from the reference are
// ignored.
type F1Scorer struct{}

// Score implements Scorer.
func (F1Scorer) Score(output, reference Document) (float64, error) {
	if len(reference) == 0 {
		return 0, fmt.Errorf("empty reference")
	}

	var sum float64
	var keys int
	for key, refVal := range reference {
		outVal, ok := output[key]
		if !ok {
			// Missing key scores zero recall.
			keys++
			continue
		}
		sum += f1(itemsOf(outVal), itemsOf(refVal))
		keys++
	}
	if keys == 0 {
		return 0, fmt.Errorf("reference has no scorable keys")
	}
	return sum / float64(keys), nil
}

// itemsOf flattens a value into normalized comparison items.
func itemsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return normalizeTokens(t)
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			out = append(out, strings.ToLower(strings.TrimSpace(s)))
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, strings.ToLower(strings.TrimSpace(fmt.Sprint(item))))
		}
		return out
	default:
		return normalizeTokens(fmt.Sprint(t))
	}
}

func normalizeTokens(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func f1(out, ref []string) float64 {
	if len(out) == 0 && len(ref) == 0 {
		return 1
	}
	if len(out) == 0 || len(ref) == 0 {
		return 0
	}

	refCounts := make(map[string]int, len(ref))
	for _, item := range ref {
		refCounts[item]++
	}
	var overlap int
	for _, item := range out {
		if refCounts[item] > 0 {
			refCounts[item]--
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	precision := float64(overlap) / float64(len(out))
	recall := float64(overlap) / float64(len(ref))
	return 2 * precision * recall / (precision + recall)
}

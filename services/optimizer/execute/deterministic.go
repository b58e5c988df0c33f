// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execute

import (
	"fmt"
	"strings"

	"github.com/tidewater-ai/pipeforge/services/optimizer/evaluate"
	"github.com/tidewater-ai/pipeforge/services/optimizer/pipeline"
)

const (
	splitIDKey    = "_split_id"
	chunkNumKey   = "_chunk_num"
	defaultChunk  = 1000
	chunkKeyParam = "split_key"
	chunkSizeKey  = "chunk_size_words"
)

// runSplit chunks each document's split_key text into word windows,
// emitting one document per chunk with bookkeeping keys that runGather
// uses to reassemble.
func runSplit(op *pipeline.OpSpec, docs []evaluate.Document) ([]evaluate.Document, float64, error) {
	key, _ := op.Params[chunkKeyParam].(string)
	if key == "" {
		return docs, 0, fmt.Errorf("split %q: missing %s param", op.Name, chunkKeyParam)
	}
	size := defaultChunk
	if v, ok := op.Params[chunkSizeKey]; ok {
		switch t := v.(type) {
		case int:
			size = t
		case float64:
			size = int(t)
		}
	}
	if size <= 0 {
		size = defaultChunk
	}

	var out []evaluate.Document
	for id, d := range docs {
		text := stringify(d[key])
		words := strings.Fields(text)
		if len(words) == 0 {
			chunk := cloneDoc(d)
			chunk[splitIDKey] = id
			chunk[chunkNumKey] = 0
			out = append(out, chunk)
			continue
		}
		for num := 0; num*size < len(words); num++ {
			end := (num + 1) * size
			if end > len(words) {
				end = len(words)
			}
			chunk := cloneDoc(d)
			chunk[key] = strings.Join(words[num*size:end], " ")
			chunk[splitIDKey] = id
			chunk[chunkNumKey] = num
			out = append(out, chunk)
		}
	}
	return out, 0, nil
}

// runGather merges split chunks back into one document per original,
// concatenating the gathered keys in chunk order. Chunks arrive in order
// because runSplit emits them in order and the LLM ops preserve indexes.
func runGather(op *pipeline.OpSpec, docs []evaluate.Document) []evaluate.Document {
	keys := op.OutputKeys
	grouped := make(map[int][]evaluate.Document)
	var order []int
	for _, d := range docs {
		id, ok := asInt(d[splitIDKey])
		if !ok {
			// Not a split product; pass through untouched.
			id = -1 - len(order)
		}
		if _, seen := grouped[id]; !seen {
			order = append(order, id)
		}
		grouped[id] = append(grouped[id], d)
	}

	out := make([]evaluate.Document, 0, len(order))
	for _, id := range order {
		chunks := grouped[id]
		merged := cloneDoc(chunks[0])
		for _, k := range keys {
			var parts []string
			for _, c := range chunks {
				if v, ok := c[k]; ok {
					parts = append(parts, stringify(v))
				}
			}
			merged[k] = strings.Join(parts, "\n")
		}
		delete(merged, splitIDKey)
		delete(merged, chunkNumKey)
		out = append(out, merged)
	}
	return out
}

// runUnnest explodes a list-valued key into one document per element.
func runUnnest(op *pipeline.OpSpec, docs []evaluate.Document) ([]evaluate.Document, float64, error) {
	key, _ := op.Params["unnest_key"].(string)
	if key == "" {
		return docs, 0, fmt.Errorf("unnest %q: missing unnest_key param", op.Name)
	}
	var out []evaluate.Document
	for _, d := range docs {
		items, ok := d[key].([]any)
		if !ok {
			out = append(out, d)
			continue
		}
		for _, item := range items {
			nd := cloneDoc(d)
			nd[key] = item
			out = append(out, nd)
		}
	}
	return out, 0, nil
}

// runSample takes the first N documents. Sampling is deterministic so two
// evaluations of the same pipeline see the same inputs.
func runSample(op *pipeline.OpSpec, docs []evaluate.Document) []evaluate.Document {
	n := len(docs)
	if v, ok := asInt(op.Params["count"]); ok && v < n {
		n = v
	}
	return docs[:n]
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Digest returns the SHA-256 hex digest of the pipeline's canonical JSON
// form. Two pipelines with identical structure share a digest regardless
// of how they were constructed.
//
// BypassCache is excluded: it steers the execution runtime, not the plan.
func (p *Pipeline) Digest() string {
	c := p.Clone()
	c.BypassCache = false

	// encoding/json emits struct fields in declaration order and sorts
	// map keys, so the serialization is canonical.
	data, err := json.Marshal(c)
	if err != nil {
		// Pipeline contains only JSON-serializable fields; reaching this
		// means a Params value is not representable.
		data = []byte(p.Name)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortDigest returns the first 12 hex characters of Digest, for logs and
// report tables.
func (p *Pipeline) ShortDigest() string {
	d := p.Digest()
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

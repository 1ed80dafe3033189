// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import "hash/fnv"

// Config is a content-defined fingerprint of a node's observer layout.
// Two nodes "match" iff their configs are equal; only then can one node
// consume the other's serialized observers without re-executing the input.
type Config uint64

// ConfigAlwaysUnique matches nothing, including itself. A node using it
// forces every peer to re-execute its testcases.
const ConfigAlwaysUnique Config = 0

// ConfigFromName derives a config from a descriptive name of the
// observer layout.
func ConfigFromName(name string) Config {
	h := fnv.New64a()
	h.Write([]byte(name))
	cfg := Config(h.Sum64())
	if cfg == ConfigAlwaysUnique {
		cfg = 1
	}
	return cfg
}

func (cfg Config) Match(other Config) bool {
	return cfg != ConfigAlwaysUnique && cfg == other
}

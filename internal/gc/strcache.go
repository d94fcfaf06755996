// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component C (cont.) — the string address cache (spec §3.5).
//
// This short-circuits "intern this literal whose address the caller
// just handed us" when the same pointer recurs — typically the
// compiler re-pushing the same constant-pool literal across many
// bytecode dispatches of the same instruction. It deliberately does
// NOT use a general-purpose LRU library (see DESIGN.md / SPEC_FULL.md
// DOMAIN STACK): every slot must always hold a live string reference,
// never be simply empty, since entries are addressed positionally and
// compared by content on a hit.

const (
	strCacheN = 53 // spec §3.5 default width
	strCacheM = 2  // spec §3.5 default LRU depth
)

// stringCache is the process-wide N x M array of recently interned
// literal pointers.
type stringCache struct {
	slots [strCacheN][strCacheM]*ShortString
}

// init fills every slot with the fixed out-of-memory sentinel so the
// invariant "cache entries always reference live strings" holds from
// construction (spec §4.2 cache clearing).
func (c *stringCache) init(sentinel *ShortString) {
	for i := range c.slots {
		for j := range c.slots[i] {
			c.slots[i][j] = sentinel
		}
	}
}

// addressHash maps a literal's identity (here, the string header's
// backing data pointer) to a cache row. Go strings are immutable and
// their backing array address is stable for the string's lifetime, so
// this plays the same role as Lua's point2uint(str) over the C string
// pointer.
func addressHash(ptr uintptr) int {
	return int(ptr % strCacheN)
}

// NewFromLiteral implements spec §4.2's new_from_cstring: look up the
// cache row for this literal's address, linear-scan its M entries for
// a content match, and on miss shift the row and install the freshly
// interned string at position 0.
func (g *GlobalState) NewFromLiteral(ptr uintptr, str string) (*ShortString, error) {
	row := &g.strcache.slots[addressHash(ptr)]
	for j := 0; j < strCacheM; j++ {
		if row[j].data == str {
			return row[j], nil
		}
	}
	for j := strCacheM - 1; j > 0; j-- {
		row[j] = row[j-1]
	}
	ts, err := g.internShort(str)
	if err != nil {
		return nil, err
	}
	row[0] = ts
	return ts, nil
}

// clearCache implements spec §4.2's atomic-phase cache sweep: any
// entry that is current-white (i.e. about to be collected if not
// referenced elsewhere — for the cache's own purposes, "about to
// lose its only known pointer") is replaced by the permanent OOM
// sentinel so the cache never needs a nil check on the hot path.
func (g *GlobalState) clearCache() {
	for i := range g.strcache.slots {
		for j := range g.strcache.slots[i] {
			if isWhite(g.strcache.slots[i][j]) {
				g.strcache.slots[i][j] = g.memErrMsg
			}
		}
	}
}

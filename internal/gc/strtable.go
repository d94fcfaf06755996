// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component C — the string table (spec §3.4, §4.2).
//
// Short strings (<= maxShortLen bytes) are hash-consed: interning the
// same bytes twice returns the same object. Long strings bypass the
// table entirely and are never deduplicated.

// hashSampleLimit bounds how many of a string's bytes feed the hash,
// mirroring Lua's LUAI_HASHLIMIT: at most ~2^hashSampleLimit bytes are
// sampled, so hashing a long string stays cheap (lstring.c:
// luaS_hash's 'step' computation).
const hashSampleLimit = 5

// hashBytes implements spec §4.2 step 1: seed the hash with the
// (truncated) length, then fold sampled bytes with the mixing step
// h ^= (h<<5) + (h>>2) + byte, walking backward in strides of
// ceil(len / 2^hashSampleLimit) + 1.
func hashBytes(s string, seed uint32) uint32 {
	l := len(s)
	h := seed ^ uint32(l)
	step := ((l + (1 << hashSampleLimit) - 1) >> hashSampleLimit) + 1
	for ; l >= step; l -= step {
		h ^= (h << 5) + (h >> 2) + uint32(s[l-1])
	}
	return h
}

// stringTable is the chained hash table of interned short strings
// (spec §3.4): an array of bucket heads, each heading a singly-linked
// chain via ShortString.hnext.
type stringTable struct {
	g     *GlobalState
	hash  []*ShortString
	nuse  int
	size  int
}

func (t *stringTable) init(g *GlobalState) {
	t.g = g
	t.resize(minStrTabSize)
}

func lmod(h uint32, size int) int {
	// size is always kept a power of two, so mod reduces to masking
	// (spec §3.4: "array of length size (power of two)").
	return int(h) & (size - 1)
}

// resize grows or shrinks the bucket array to newSize, rehashing every
// entry into the new modulus. A short string's hash never changes, so
// rehashing is pure bucket reassignment — no string is ever rehashed
// in the sense of recomputing its hash (spec §4.2 resize).
//
// Per the Open Question in spec §9, resize(newSize == size) is a
// no-op semantically but still performs a full rehash; callers should
// guard against calling it with an unchanged size (this package's own
// callers always do, see internShort and checkSizes).
func (t *stringTable) resize(newSize int) {
	if newSize > t.size {
		grown := make([]*ShortString, newSize)
		copy(grown, t.hash)
		t.hash = grown
	}

	for i := 0; i < min(t.size, newSize); i++ {
		p := t.hash[i]
		t.hash[i] = nil
		for p != nil {
			hnext := p.hnext
			h := lmod(p.hash, newSize)
			p.hnext = t.hash[h]
			t.hash[h] = p
			p = hnext
		}
	}
	// Entries that were in buckets >= newSize (when shrinking) must be
	// rehashed too: their old bucket index no longer exists once we
	// truncate below.
	if newSize < t.size {
		for i := newSize; i < t.size; i++ {
			p := t.hash[i]
			for p != nil {
				hnext := p.hnext
				h := lmod(p.hash, newSize)
				p.hnext = t.hash[h]
				t.hash[h] = p
				p = hnext
			}
		}
		t.hash = t.hash[:newSize]
	}
	t.size = newSize
}

// remove unchains a short string being collected by the sweeper (spec
// §4.2 remove). It must only be called from the sweep path.
func (t *stringTable) remove(s *ShortString) {
	slot := lmod(s.hash, t.size)
	pp := &t.hash[slot]
	for *pp != s {
		pp = &(*pp).hnext
	}
	*pp = s.hnext
	t.nuse--
}

// internShort implements spec §4.2 intern_short: walk the bucket
// chain for a content match, resurrecting a dead-but-not-yet-swept
// match; on miss, grow if load factor has hit 1.0 and allocate a new
// ShortString.
func (g *GlobalState) internShort(str string) (*ShortString, error) {
	t := &g.strt
	h := hashBytes(str, g.seed)
	slot := lmod(h, t.size)

	for ts := t.hash[slot]; ts != nil; ts = ts.hnext {
		if int(ts.length) == len(str) && ts.data == str {
			if isDead(g, ts) {
				changeWhite(ts) // resurrect: still in the table, just flip color
			}
			return ts, nil
		}
	}

	if t.nuse >= t.size && t.size <= (1<<30) {
		t.resize(t.size * 2)
		slot = lmod(h, t.size)
	}

	ts := &ShortString{hash: h, length: uint8(len(str)), data: str}
	if err := g.newObject(tagShortString, len(str)+17, ts); err != nil {
		return nil, err
	}
	ts.hnext = t.hash[slot]
	t.hash[slot] = ts
	t.nuse++
	return ts, nil
}

// InternShort interns a short string. It panics on allocator failure
// that even an emergency GC cannot cure — callers that need to handle
// OOM gracefully should keep their strings below any externally
// imposed budget, or call InternShortErr.
func (g *GlobalState) InternShort(str string) *ShortString {
	ts, err := g.InternShortErr(str)
	if err != nil {
		panic(err)
	}
	return ts
}

// InternShortErr is the fallible form of InternShort. Strings longer
// than maxShortLen are rejected — use NewLong for those.
func (g *GlobalState) InternShortErr(str string) (*ShortString, error) {
	if len(str) > maxShortLen {
		panic(newInvariantViolation("InternShortErr: string too long for the short table"))
	}
	return g.internShort(str)
}

// NewString interns str as a short string when it fits, and otherwise
// allocates an uninterned long string — the dispatch spec §4.2's
// luaS_newlstr describes.
func (g *GlobalState) NewString(str string) (Value, error) {
	if len(str) <= maxShortLen {
		ts, err := g.internShort(str)
		if err != nil {
			return Nil, err
		}
		return objValue(KString, ts), nil
	}
	ls, err := g.NewLong(str)
	if err != nil {
		return Nil, err
	}
	return objValue(KString, ls), nil
}

// NewLong allocates a long string. It is never interned or
// deduplicated, and its hash is computed lazily on first read (spec
// §4.2 new_long).
func (g *GlobalState) NewLong(str string) (*LongString, error) {
	ls := &LongString{length: len(str), data: str, hash: g.seed}
	if err := g.newObject(tagLongString, len(str)+24, ls); err != nil {
		return nil, err
	}
	return ls, nil
}

// checkSizes implements spec §4.4's SWEEP_END shrink: if the table's
// load factor has dropped below 1/4, halve it, but never below
// minStrTabSize. Skipped in emergency
// mode, matching lgc.c's checkSizes (finalizers are suppressed in
// emergency cycles too, so there is no risk of a finalizer allocating
// short strings mid-shrink — see the Open Question this resolves in
// DESIGN.md).
func (g *GlobalState) checkSizes() {
	if g.gcKind == kindEmergency {
		return
	}
	oldDebt := g.debt
	if g.strt.nuse < g.strt.size/4 && g.strt.size > minStrTabSize {
		g.strt.resize(g.strt.size / 2)
	}
	g.estimate += g.debt - oldDebt
}

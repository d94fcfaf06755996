// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component F (part 1) — weak-table and ephemeron convergence (spec
// §4.5, §4.3.3).

// isCleared reports whether v can be cleared from a weak table (spec
// §4.2's iscleared): non-collectable values are never removed;
// strings behave as values (never weak, so never cleared — and
// marking them here piggybacks the "strings are never removed"
// exception into the same call every caller already makes); anything
// else is cleared iff it is still white.
func (g *GlobalState) isCleared(v Value) bool {
	if !v.IsCollectable() {
		return false
	}
	if v.Kind == KString {
		g.markObject(v.Obj)
		return false
	}
	return isWhite(v.Obj)
}

// convergeEphemerons implements spec §4.4.1 step 5/9: repeatedly drain
// the ephemeron list, retraversing each table; any pass that marked
// something propagates those marks and then re-drains the whole
// ephemeron list, since a newly-marked key can turn a white->white
// entry in some other ephemeron table live.
func (g *GlobalState) convergeEphemerons() {
	for {
		next := g.ephemeron
		g.ephemeron = nil
		changed := false
		for next != nil {
			t := next.(*Table)
			next = t.gclist
			if g.traverseEphemeron(t) {
				g.propagateAll()
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// clearKeys implements spec §4.4.1 step 10 / clearkeys: for every
// table on list l (up to, but not including, stop), remove entries
// whose key is unmarked.
func clearKeys(g *GlobalState, l gcObject, stop gcObject) {
	for l != stop {
		t := l.(*Table)
		for i := range t.Nodes {
			n := &t.Nodes[i]
			if n.Value.Kind != KNil && g.isCleared(n.Key) {
				n.Value = Nil
			}
			if n.Value.Kind == KNil {
				removeEntry(n)
			}
		}
		l = t.gclist
	}
}

// clearValues implements spec §4.4.1 step 6/10 / clearvalues: for
// every table on list l up to stop, nil out array and hash values
// whose referent was collected.
func clearValues(g *GlobalState, l gcObject, stop gcObject) {
	for l != stop {
		t := l.(*Table)
		for i := range t.Array {
			if g.isCleared(t.Array[i]) {
				t.Array[i] = Nil
			}
		}
		for i := range t.Nodes {
			n := &t.Nodes[i]
			if n.Value.Kind != KNil && g.isCleared(n.Value) {
				n.Value = Nil
				removeEntry(n)
			}
		}
		l = t.gclist
	}
}

// remarkUpvalues implements spec §4.3.3: walk twups. Threads still
// gray and holding open upvalues stay on the list as they are; their
// stacks are traversed again when atomic drains grayagain. Every other
// thread (not marked, or without open upvalues) is unlinked from twups
// and self-linked, with inTWUps=false, so a subsequent open-upvalue
// creation knows to re-insert it, and each of its upvalues flagged
// "touched" has its value re-marked.
func (g *GlobalState) remarkUpvalues() {
	pp := &g.twups
	for *pp != nil {
		thread := *pp
		if isBlack(thread) {
			panic(newInvariantViolation("remarkUpvalues: thread is black"))
		}
		if isGray(thread) && len(thread.OpenUpvals) > 0 {
			pp = &thread.twups
			continue
		}
		// Thread is not marked, or has no open upvalues: drop it.
		*pp = thread.twups
		thread.twups = thread
		thread.inTWUps = false

		for _, uv := range thread.OpenUpvals {
			if uv.touched {
				g.markValue(uv.Get())
				uv.touched = false
			}
		}
	}
}

// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component F (part 2) — the finalizer engine (spec §4.6).

// Finalizer is a user-supplied routine run exactly once when an
// object with a registered finalizer becomes unreachable. It receives
// the object being finalized; any panic it raises is recovered and
// wrapped as a FinalizerError by gcTM.
type Finalizer func(o gcObject) error

// finalizers maps an object to its registered finalizer. Lua finds
// the finalizer through the object's metatable's __gc field; this
// package keeps the same "does it have one" shape but as an explicit
// registry, since __gc lookup is a table-internals concern out of
// this core's scope (spec §1).
type finalizers struct {
	byObject map[gcObject]Finalizer
}

func (f *finalizers) get(o gcObject) (Finalizer, bool) {
	if f.byObject == nil {
		return nil, false
	}
	fn, ok := f.byObject[o]
	return fn, ok
}

// RegisterFinalizer implements spec §4.6/§6's "Finalization
// registration": attaching a finalizer to an object not yet finalized
// moves it from allgc to finobj. Calling it again on an
// already-finalized object (FINALIZED bit set) is a no-op, matching
// luaC_checkfinalizer's "obj. is already marked" guard.
func (g *GlobalState) RegisterFinalizer(o gcObject, fn Finalizer) {
	h := o.gcHeader()
	if h.marked&bitFinalized != 0 {
		return
	}
	if g.fin.byObject == nil {
		g.fin.byObject = make(map[gcObject]Finalizer)
	}
	g.fin.byObject[o] = fn

	if g.issweepPhase() {
		makeWhite(g, o)
		ownNext := &h.next
		g.removeFromAllGC(o)
		if g.sweepCursor == ownNext {
			g.sweepCursor = g.sweepToLive(ownNext)
		}
	} else {
		g.removeFromAllGC(o)
	}
	h.next = g.finObj
	g.finObj = o
	h.marked |= bitFinalized
}

// removeFromAllGC splices o out of allgc by linear search, mirroring
// luaC_checkfinalizer's search loop. allgc is singly linked with no
// parent pointer cached, so this is O(n) exactly as in the source
// collector.
func (g *GlobalState) removeFromAllGC(o gcObject) {
	pp := &g.allGC
	for *pp != o {
		if *pp == nil {
			panic(newInvariantViolation("removeFromAllGC: object not found in allgc"))
		}
		pp = &(*pp).gcHeader().next
	}
	*pp = o.gcHeader().next
}

// findLast returns the address of the last 'next' link in p's chain,
// so separateToBeFnz can append while preserving order (spec §4.6
// FIFO requirement; lgc.c: findlast).
func findLast(head *gcObject) *gcObject {
	p := head
	for *p != nil {
		p = &(*p).gcHeader().next
	}
	return p
}

// separateToBeFnz implements spec §4.4.1 step 7 / lgc.c's
// separatetobefnz: move objects from finobj to the end of tobefnz.
// When all is false, only white (unreachable) objects move; when
// true (full shutdown drain), everything moves.
func (g *GlobalState) separateToBeFnz(all bool) {
	pp := &g.finObj
	lastNext := findLast(&g.toBeFnz)
	for *pp != nil {
		curr := *pp
		h := curr.gcHeader()
		if !(isWhite(curr) || all) {
			pp = &h.next
			continue
		}
		*pp = h.next
		h.next = *lastNext
		*lastNext = curr
		lastNext = &h.next
	}
}

// udata2Finalize dequeues the head of tobefnz, returns it to allgc
// (resurrection), clears the finalized bit, and — if still in a sweep
// phase — sweeps it white immediately (spec §4.6 / lgc.c:
// udata2finalize).
func (g *GlobalState) udata2Finalize() gcObject {
	o := g.toBeFnz
	h := o.gcHeader()
	g.toBeFnz = h.next
	h.next = g.allGC
	g.allGC = o
	h.marked &^= bitFinalized
	if g.issweepPhase() {
		makeWhite(g, o)
	}
	return o
}

// gcTM runs exactly one finalizer (spec §4.6 / lgc.c: GCTM). Finalizer
// execution disables GC re-entry (gcRunning) for its duration,
// matching §4.6's "temporarily disables debug hooks and GC re-entry."
// propagateErrors controls whether a finalizer error surfaces to the
// caller or is swallowed — set to false during the shutdown drain
// (spec §7).
func (g *GlobalState) gcTM(propagateErrors bool) error {
	o := g.udata2Finalize()
	fn, ok := g.fin.get(o)
	if !ok {
		return nil
	}

	wasRunning := g.gcRunning
	g.gcRunning = false
	defer func() { g.gcRunning = wasRunning }()

	err := runProtected(fn, o)
	if err != nil && propagateErrors {
		return newFinalizerError(err)
	}
	return nil
}

// runProtected calls fn under recover, turning a panic into an error
// — the Go stand-in for Lua's protected call (luaD_pcall) around a
// finalizer invocation.
func runProtected(fn Finalizer, o gcObject) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = newInvariantViolation("finalizer panicked: recovered non-error value")
			}
		}
	}()
	return fn(o)
}

// runAFewFinalizers calls up to gcFinNum pending finalizers (spec
// §4.4 CALL_FIN row), doubling gcFinNum for next time if there is
// still work left, matching lgc.c's runafewfinalizers back-off.
func (g *GlobalState) runAFewFinalizers() (int, error) {
	n := 0
	for g.toBeFnz != nil && n < g.gcFinNum {
		if err := g.gcTM(true); err != nil {
			return n, err
		}
		n++
	}
	if g.toBeFnz == nil {
		g.gcFinNum = 0
	} else {
		g.gcFinNum *= 2
	}
	return n, nil
}

// callAllPendingFinalizers drains tobefnz unconditionally, discarding
// any finalizer errors — used only during full teardown (spec §4.6 /
// lgc.c: callallpendingfinalizers), where propagating an error would
// leave the VM half-destroyed.
func (g *GlobalState) callAllPendingFinalizers() {
	for g.toBeFnz != nil {
		_ = g.gcTM(false)
	}
}

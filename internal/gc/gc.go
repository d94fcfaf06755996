// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component E — the GC state machine (spec §4.4).

// sweepMaxPerStep bounds how many objects a single sweep work unit
// examines, the Go analogue of Lua's GCSWEEPMAX.
const sweepMaxPerStep = 25

// sweepCost and finalizeCost approximate the "work" one swept object
// or one finalizer call costs, for pacing purposes (spec §4.4's
// GCSWEEPCOST / GCFINALIZECOST).
const sweepCost = 48
const finalizeCost = 48

// Start enables the collector (it begins accumulating debt-triggered
// steps). Stop disables it; allocations still happen but Step becomes
// a no-op until Start is called again (spec §6).
func (g *GlobalState) Start() { g.gcRunning = true }
func (g *GlobalState) Stop()  { g.gcRunning = false }
func (g *GlobalState) Running() bool { return g.gcRunning }

// freeObject releases the Go-level references an object holds so its
// memory becomes collectable by the host Go runtime, and performs any
// bookkeeping specific to its kind (spec §4.4's sweep freeobj,
// lgc.c): a short string must unchain itself from the string table.
func (g *GlobalState) freeObject(o gcObject) {
	switch t := o.(type) {
	case *ShortString:
		g.strt.remove(t)
		g.reallocate(t.Len()+17, 0)
	case *LongString:
		g.reallocate(t.Len()+24, 0)
	case *UserData:
		g.reallocate(t.Size, 0)
	case *Table:
		g.reallocate(64, 0)
	case *LClosure:
		g.reallocate(32+len(t.Upvalues)*8, 0)
	case *CClosure:
		g.reallocate(32+len(t.Upvalues)*16, 0)
	case *Proto:
		g.reallocate(96, 0)
	case *Thread:
		g.reallocate(64+len(t.Stack)*24, 0)
	}
}

// sweepList sweeps up to count elements from the list headed at *p,
// freeing objects still marked with the other (stale) white and
// recoloring survivors to current-white (spec §4.4.1's sweeplist).
// It returns a pointer to where sweeping should resume, or nil if the
// list is exhausted.
func (g *GlobalState) sweepList(p *gcObject, count int) *gcObject {
	ow := g.otherWhite()
	white := g.currentWhite

	for *p != nil && count > 0 {
		count--
		curr := *p
		h := curr.gcHeader()
		if h.marked&ow&whiteBits != 0 {
			*p = h.next
			g.freeObject(curr)
		} else {
			h.marked = (h.marked & maskColors) | white
			p = &h.next
		}
	}
	if *p == nil {
		return nil
	}
	return p
}

// freeList unconditionally frees every object in the list headed at
// *p, regardless of color — used only by FreeAllObjects, where the
// whole heap is going away and the white-bit dance sweepList relies on
// no longer applies (spec §6 teardown / lgc.c: freelist).
func (g *GlobalState) freeList(p *gcObject) {
	for *p != nil {
		curr := *p
		*p = curr.gcHeader().next
		g.freeObject(curr)
	}
}

// sweepToLive advances p until it points at a live object or the list
// ends (spec §4.4.1's sweeptolive, used when finalizer registration
// needs to keep the sweep cursor valid after removing its target).
func (g *GlobalState) sweepToLive(p *gcObject) *gcObject {
	old := p
	for {
		p = g.sweepList(p, 1)
		if p != old {
			return p
		}
	}
}

// entersweep begins the first sweep phase (spec §4.4.1's entersweep):
// it points the sweep cursor just past allgc's head so newly-created
// objects created between now and the real sweep are not skipped.
func (g *GlobalState) entersweep() {
	g.gcState = PhaseSweepAllGC
	g.sweepCursor = g.sweepList(&g.allGC, 1)
}

// FreeAllObjects implements spec §6 teardown: finalize everything,
// then free every object on allgc, finobj and fixedgc with freeList,
// regardless of color. Used when the VM itself is shutting down.
func (g *GlobalState) FreeAllObjects() {
	g.gcState = PhaseSweepEnd // block any further collection from starting
	g.separateToBeFnz(true)
	g.callAllPendingFinalizers()
	g.freeList(&g.allGC)
	g.freeList(&g.finObj)
	g.freeList(&g.fixedGC)
}

// atomic runs the indivisible atomic protocol (spec §4.4.1). The
// collector must never be preempted mid-call: this is the one point
// where invariant I1 may be briefly inconsistent as the two whites are
// about to flip.
func (g *GlobalState) atomic() int64 {
	grayAgain := g.grayAgain
	g.gcState = PhaseAtomic
	g.memTrav = 0

	// 1. Re-mark running/registered roots — the API may have mutated
	// the registry or a type metatable since PAUSE ran.
	if g.MainThread != nil {
		g.markObject(g.MainThread)
	}
	g.markValue(g.Registry)
	g.markMetatables()

	// 2. Re-mark upvalues touched by (maybe) dead threads.
	g.remarkUpvalues()

	// 3. Drain gray.
	g.propagateAll()
	work := g.memTrav

	// 4. Drain grayagain (not recounted into work: it was already
	// traversed once during propagate).
	g.gray = grayAgain
	g.propagateAll()

	g.memTrav = 0
	// 5. Converge ephemerons.
	g.convergeEphemerons()

	// 6. Clear weak values now that everything strongly reachable is marked.
	clearValues(g, g.weak, nil)
	clearValues(g, g.allWeak, nil)
	origWeak, origAllWeak := g.weak, g.allWeak
	work += g.memTrav

	// 7. Separate unreachable finalizable objects into tobefnz.
	g.separateToBeFnz(false)
	g.gcFinNum = 1

	// 8. Resurrect: being-finalized objects are reachable (the VM must
	// run their __gc), so mark them and redrain.
	g.markBeingFnz()
	g.propagateAll()
	g.memTrav = 0

	// 9. Re-converge ephemerons, now including resurrected objects.
	g.convergeEphemerons()

	// 10. Remove dead entries from weak tables, including the tails
	// that resurrection may have added.
	clearKeys(g, g.ephemeron, nil)
	clearKeys(g, g.allWeak, nil)
	clearValues(g, g.weak, origWeak)
	clearValues(g, g.allWeak, origAllWeak)

	// 11. Sweep the string address cache of dead references.
	g.clearCache()

	// 12. Flip current-white.
	g.currentWhite = g.otherWhite()
	work += g.memTrav
	g.cycleSeq++
	return work
}

func (g *GlobalState) sweepStep(nextState gcPhase, nextList *gcObject) int64 {
	if g.sweepCursor != nil {
		oldDebt := g.debt
		g.sweepCursor = g.sweepList(g.sweepCursor, sweepMaxPerStep)
		g.estimate += g.debt - oldDebt
		if g.sweepCursor != nil {
			return sweepMaxPerStep * sweepCost
		}
	}
	g.gcState = nextState
	g.sweepCursor = nextList
	return 0
}

// singleStep performs exactly one work unit and returns the amount of
// "work" it performed, for pacing purposes (spec §4.4's transition
// table).
func (g *GlobalState) singleStep() int64 {
	switch g.gcState {
	case PhasePause:
		g.memTrav = int64(g.strt.size) * 8
		g.restartCollection()
		g.gcState = PhasePropagate
		return g.memTrav

	case PhasePropagate:
		g.memTrav = 0
		if g.gray == nil {
			// An empty root set leaves nothing to traverse.
			g.gcState = PhaseAtomic
			return 0
		}
		g.propagateMark()
		if g.gray == nil {
			g.gcState = PhaseAtomic
		}
		return g.memTrav

	case PhaseAtomic:
		g.propagateAll() // ensure gray is empty before the indivisible protocol runs
		work := g.atomic()
		g.entersweep()
		g.estimate = g.totalBytes
		return work

	case PhaseSweepAllGC:
		return g.sweepStep(PhaseSweepFinObj, &g.finObj)

	case PhaseSweepFinObj:
		return g.sweepStep(PhaseSweepToBeFnz, &g.toBeFnz)

	case PhaseSweepToBeFnz:
		return g.sweepStep(PhaseSweepEnd, nil)

	case PhaseSweepEnd:
		if g.MainThread != nil {
			makeWhite(g, g.MainThread)
		}
		g.checkSizes()
		g.gcState = PhaseCallFin
		return 0

	case PhaseCallFin:
		if g.toBeFnz != nil && g.gcKind != kindEmergency {
			n, err := g.runAFewFinalizers()
			if err != nil {
				pkgLog.WithError(err).Warn("gc: finalizer error")
			}
			return int64(n) * finalizeCost
		}
		g.gcState = PhasePause
		return 0

	default:
		panic(newInvariantViolation("singleStep: unknown gc state"))
	}
}

// RunTilState advances the collector until it reaches a phase in
// mask (spec §4.4.3's luaC_runtilstate).
func (g *GlobalState) RunTilState(mask func(gcPhase) bool) {
	for !mask(g.gcState) {
		g.singleStep()
	}
}

// Step performs a basic GC step when the collector is running (spec
// §4.4.2, §6). It repeats singleStep calls, paying down debt, until
// either debt has gone sufficiently negative (a full step's worth of
// "credit" banked) or the state machine returns to PAUSE.
func (g *GlobalState) Step() {
	debt := g.getDebt()
	if !g.gcRunning {
		g.setDebt(-gcStepSize * 10) // avoid being called too often while stopped
		return
	}
	for {
		work := g.singleStep()
		debt -= work
		if !(debt > -gcStepSize && g.gcState != PhasePause) {
			break
		}
	}
	if g.gcState == PhasePause {
		g.setPause()
	} else {
		g.setDebt(debt / g.stepMul * stepMulAdj)
		if _, err := g.runAFewFinalizers(); err != nil {
			pkgLog.WithError(err).Warn("gc: finalizer error")
		}
	}
}

// AllocAndStep is the mutator's normal allocation path (spec §2): it
// updates debt via reallocate and, if debt has gone positive, invokes
// Step to perform collector work. NewTable, NewString and the other
// constructors only add to debt; they never call Step themselves, so
// collector work happens only through AllocAndStep, Step or FullGC.
func (g *GlobalState) AllocAndStep(oldSize, newSize int) error {
	if err := g.reallocate(oldSize, newSize); err != nil {
		return err
	}
	if g.debt > 0 {
		g.Step()
	}
	return nil
}

// fullGC is the shared implementation behind FullGC; isEmergency
// additionally suppresses finalizers and stack shrinking for the
// duration (spec §4.4.3).
func (g *GlobalState) fullGC(isEmergency bool) {
	if isEmergency {
		g.gcKind = kindEmergency
	}
	if g.keepInvariant() {
		// There may be black objects already; sweep everything back to
		// white before starting a fresh cycle, since white hasn't
		// changed and nothing would otherwise be collected.
		g.entersweep()
	}
	isPause := func(p gcPhase) bool { return p == PhasePause }
	notPause := func(p gcPhase) bool { return p != PhasePause }
	isCallFin := func(p gcPhase) bool { return p == PhaseCallFin }

	g.RunTilState(isPause)      // finish any pending cycle
	g.RunTilState(notPause)     // start a new one
	g.RunTilState(isCallFin)    // run up to (not through) finalizers
	g.RunTilState(isPause)      // finish collection

	g.gcKind = kindNormal
	g.setPause()
}

// FullGC runs a full collection cycle to completion (spec §4.4.3,
// §6). Setting emergency suppresses finalizers and stack shrinking —
// used by the allocator shim's emergency retry path (spec §4.1).
func (g *GlobalState) FullGC(emergency bool) {
	g.fullGC(emergency)
}

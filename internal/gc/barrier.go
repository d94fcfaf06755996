// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component G — write barriers (spec §4.7).
//
// Every mutator write of a collectable pointer into an already-
// reachable object must flow through one of these, enforcing
// invariant I1: outside the atomic phase, no black object holds a
// direct reference to a current-white object.

// keepInvariant reports whether the collector is in a phase where I1
// must hold (propagate or atomic): the two phases where "the
// invariant is being kept" in Lua's terminology.
func (g *GlobalState) keepInvariant() bool {
	return g.gcState == PhasePropagate || g.gcState == PhaseAtomic
}

func (g *GlobalState) issweepPhase() bool {
	switch g.gcState {
	case PhaseSweepAllGC, PhaseSweepFinObj, PhaseSweepToBeFnz, PhaseSweepEnd:
		return true
	default:
		return false
	}
}

// NeedsBarrier is spec §9's uniform hook: the predicate every mutator
// write of a reference field should consult before doing any barrier
// work at all. It is cheap (two header reads) and lets callers skip
// the no-op case without duplicating the isBlack/isWhite checks
// inline at every call site.
func NeedsBarrier(owner gcObject, newChild gcObject) bool {
	return isBlack(owner) && isWhite(newChild)
}

// BarrierForward is the forward write barrier (spec §4.7): owner is
// black, newChild is white. During propagate/atomic, immediately mark
// the child to restore the invariant. During sweep, instead downgrade
// owner back to current-white so no further barrier fires for it this
// cycle — the sweeper will revisit it shortly anyway.
func (g *GlobalState) BarrierForward(owner gcObject, newChild gcObject) {
	if !isBlack(owner) || !isWhite(newChild) {
		return
	}
	if g.keepInvariant() {
		g.reallyMark(newChild)
	} else {
		makeWhite(g, owner)
	}
}

// BarrierBack is the backward write barrier (spec §4.7): cheaper than
// repeated forward barriers when many writes land on the same
// container (e.g. bulk table inserts). It flips owner back to gray and
// re-links it into grayagain for a full retraversal.
func (g *GlobalState) BarrierBack(owner container) {
	if !isBlack(owner) {
		return
	}
	black2gray(owner)
	linkGCList(&g.grayAgain, owner)
}

// BarrierUpvalue handles a write to a *closed* upvalue (spec §4.7).
// Upvalues are shared across closures with unknown individual colors,
// so rather than tracking every owner we conservatively mark the new
// value whenever the collector is keeping the invariant; it is a
// no-op during sweep, matching the upstream luaC_upvalbarrier_.
func (g *GlobalState) BarrierUpvalue(uv *Upvalue, newValue Value) {
	if uv.IsOpen() {
		return // open upvalues alias the thread's stack; traversal covers them
	}
	if !newValue.IsCollectable() || !isWhite(newValue.Obj) {
		return
	}
	if g.keepInvariant() {
		g.reallyMark(newValue.Obj)
	}
}

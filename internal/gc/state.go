// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// gcPhase is one of the GC state machine's states (spec §4.4). It is
// the Go translation of Lua's GCSpause..GCScallfin enum.
type gcPhase uint8

const (
	PhasePause gcPhase = iota
	PhasePropagate
	PhaseAtomic
	PhaseSweepAllGC
	PhaseSweepFinObj
	PhaseSweepToBeFnz
	PhaseSweepEnd
	PhaseCallFin
)

func (p gcPhase) String() string {
	switch p {
	case PhasePause:
		return "pause"
	case PhasePropagate:
		return "propagate"
	case PhaseAtomic:
		return "atomic"
	case PhaseSweepAllGC:
		return "sweep-allgc"
	case PhaseSweepFinObj:
		return "sweep-finobj"
	case PhaseSweepToBeFnz:
		return "sweep-tobefnz"
	case PhaseSweepEnd:
		return "sweep-end"
	case PhaseCallFin:
		return "call-fin"
	default:
		return "unknown"
	}
}

type gcKind uint8

const (
	kindNormal gcKind = iota
	kindEmergency
)

// AllocFunc is the single embedder-supplied allocation callback (spec
// §4.1/§6): the "reallocate" entry point. It is told the old and new
// logical sizes of a block and returns an error when the underlying
// allocator cannot satisfy the request. The collector does not manage
// raw memory itself — Go's own allocator does that — this callback
// exists so an embedder can fail allocations deterministically (to
// drive the emergency-GC-and-retry path, spec §4.1) and so debt
// accounting has true byte deltas to work with.
type AllocFunc func(oldSize, newSize int) error

// GlobalState is the single process-wide bag of collector state —
// spec §9's "one GlobalState bag, handed into every GC entry point; no
// module-level singletons." Every exported entry point in this
// package takes a *GlobalState explicitly.
type GlobalState struct {
	// Object lists (spec §3.2). allGC/finObj/toBeFnz/fixedGC are
	// threaded through objHeader.next; ownership is exclusive.
	allGC   gcObject
	finObj  gcObject
	toBeFnz gcObject
	fixedGC gcObject

	// Transient worklists, threaded through container.gclist.
	// Membership here is additive, not exclusive.
	gray      gcObject
	grayAgain gcObject
	weak      gcObject
	ephemeron gcObject
	allWeak   gcObject

	twups *Thread

	currentWhite colorBits
	gcState      gcPhase
	gcKind       gcKind
	gcRunning    bool
	inEmergency  bool
	gcFinNum     int
	memTrav      int64
	sweepCursor  *gcObject

	// Roots.
	MainThread *Thread
	Registry   Value
	Metatables [numTags]*Table

	// String subsystem (spec §3.4/§3.5).
	strt     stringTable
	strcache stringCache
	seed     uint32
	memErrMsg *ShortString

	// Pacing (spec §3.3).
	totalBytes int64
	debt       int64
	estimate   int64
	pause      int64 // percent; default 200 (= 2x estimate)
	stepMul    int64 // percent; default 200 (= 1x after /STEPMULADJ)

	alloc AllocFunc

	fin finalizers

	cycleSeq uint64
}

const (
	defaultPause   = 200
	defaultStepMul = 200

	pauseAdj    = 100
	stepMulAdj  = 200
	gcStepSize  = 1 << 10 // 1KB of "work" per minimal step, scaled like Lua's GCSTEPSIZE

	minStrTabSize = 128
	maxShortLen   = 40
)

// NewGlobalState constructs a GlobalState ready for use: the string
// table is sized, the out-of-memory sentinel is interned and fixed,
// and pacing defaults match spec §3.3 (pause=200, stepmul=200).
func NewGlobalState(alloc AllocFunc, seed uint32) *GlobalState {
	g := &GlobalState{
		currentWhite: bitWhite0,
		pause:        defaultPause,
		stepMul:      defaultStepMul,
		alloc:        alloc,
		seed:         seed,
	}
	g.strt.init(g)
	g.memErrMsg = g.InternShort("not enough memory")
	g.fix(g.memErrMsg)
	g.strcache.init(g.memErrMsg)
	return g
}

// CountBytes returns the collector's accounting of the VM's total
// memory footprint. reallocate adds every size change to totalBytes as
// well as to debt, so totalBytes alone is that footprint; debt is
// pacing state that setDebt overwrites.
func (g *GlobalState) CountBytes() int64 { return g.totalBytes }

// fix pulls o out of allgc and into fixedgc permanently — it will
// never again be considered for collection (spec §4.2's memErrMsg use,
// generalized per SPEC_FULL's supplemented luaC_fix). o must currently
// be the head of allgc.
func (g *GlobalState) fix(o gcObject) {
	h := o.gcHeader()
	if g.allGC != o {
		panic(newInvariantViolation("fix: object is not the head of allgc"))
	}
	white2gray(o) // fixed objects are gray forever: never swept, never blackened
	g.allGC = h.next
	h.next = g.fixedGC
	g.fixedGC = o
	h.marked |= bitFixed
}

func linkList(head *gcObject, o gcObject) {
	o.gcHeader().next = *head
	*head = o
}

func linkGCList(head *gcObject, o container) {
	*o.gcListSlot() = *head
	*head = o
}

// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component D — root & traversal functions (spec §4.3).

// markValue marks v's referent if v is collectable and currently
// white. This is the entry point every traverser uses on a Value
// slot — the Go analogue of Lua's markvalue macro.
func (g *GlobalState) markValue(v Value) {
	if v.isWhite() {
		g.reallyMark(v.Obj)
	}
}

// markObject marks o if it is currently white. Used where the caller
// already knows it is holding a gcObject, not a Value (e.g.
// metatables, prototypes).
func (g *GlobalState) markObject(o gcObject) {
	if o != nil && isWhite(o) {
		g.reallyMark(o)
	}
}

// reallyMark is spec §4.3.1's reallymark: white -> gray for every
// object, immediately blackened for the three scalar kinds (short
// string, long string, userdata) and linked onto the gray worklist
// for the five container kinds. Userdata tail-iterates into its user
// value instead of recursing, bounding stack depth at O(1) per spec
// §5's recursion-bounds requirement.
func (g *GlobalState) reallyMark(o gcObject) {
	for {
		white2gray(o)
		switch h := o.gcHeader(); h.tag {
		case tagShortString:
			gray2black(o)
			g.memTrav += int64(o.(*ShortString).Len()) + 17
			return
		case tagLongString:
			gray2black(o)
			g.memTrav += int64(o.(*LongString).Len()) + 24
			return
		case tagUserData:
			u := o.(*UserData)
			if u.Metatable != nil {
				g.markObject(u.Metatable)
			}
			gray2black(o)
			g.memTrav += int64(u.Size)
			if u.UserValue.isWhite() {
				o = u.UserValue.Obj
				continue // tail-iterate instead of recursing
			}
			return
		case tagTable:
			linkGCList(&g.gray, o.(*Table))
			return
		case tagLClosure:
			linkGCList(&g.gray, o.(*LClosure))
			return
		case tagCClosure:
			linkGCList(&g.gray, o.(*CClosure))
			return
		case tagProto:
			linkGCList(&g.gray, o.(*Proto))
			return
		case tagThread:
			linkGCList(&g.gray, o.(*Thread))
			return
		default:
			panic(newInvariantViolation("reallyMark: unknown tag"))
		}
	}
}

// markMetatables marks the per-type metatables (spec §4.4 PAUSE row
// and atomic step 1).
func (g *GlobalState) markMetatables() {
	for _, mt := range g.Metatables {
		if mt != nil {
			g.markObject(mt)
		}
	}
}

// markBeingFnz marks every object still queued in tobefnz — left over
// from a previous cycle, or resurrected by this one (spec §4.3.1
// markbeingfnz, used by restartCollection and by the atomic
// protocol's resurrection step).
func (g *GlobalState) markBeingFnz() {
	for o := g.toBeFnz; o != nil; o = o.gcHeader().next {
		g.markObject(o)
	}
}

// restartCollection resets the transient worklists and marks the root
// set: main thread, registry, type metatables, and any being-finalized
// leftovers (spec §4.4 PAUSE row).
func (g *GlobalState) restartCollection() {
	g.gray, g.grayAgain = nil, nil
	g.weak, g.allWeak, g.ephemeron = nil, nil, nil

	if g.MainThread != nil {
		g.markObject(g.MainThread)
	}
	g.markValue(g.Registry)
	g.markMetatables()
	g.markBeingFnz()
}

// ---- container traversers (spec §4.3.2) ----

// gnodeLast-equivalent: tableNode slices are traversed in full; there
// is no separate array/hash split to bound beyond t.Array/t.Nodes
// themselves.

func removeEntry(n *tableNode) {
	// A dead (empty-value) entry whose key is an unmarked collectable
	// is tombstoned so the key's memory can be reclaimed while the
	// node's slot keeps the table's iteration order intact (spec §4.5
	// tombstoning).
	if n.Key.IsCollectable() && isWhite(n.Key.Obj) {
		n.Key = DeadKey
	}
}

func (g *GlobalState) traverseStrongTable(t *Table) int64 {
	for i := range t.Array {
		g.markValue(t.Array[i])
	}
	var size int64
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.Value.Kind == KNil {
			removeEntry(n)
		} else {
			g.markValue(n.Key)
			g.markValue(n.Value)
		}
		size += nodeCost
	}
	return int64(len(t.Array))*valueCost + size
}

// traverseWeakValue implements spec §4.5's weak-value-only handling:
// mark keys strongly, never mark values. During propagate it must be
// retraversed in atomic (grayagain); in atomic, if it might still hold
// a white value, it is linked into weak for clearing.
func (g *GlobalState) traverseWeakValue(t *Table) {
	hasClears := len(t.Array) > 0 // array part may hold white values; don't bother checking now
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.Value.Kind == KNil {
			removeEntry(n)
			continue
		}
		g.markValue(n.Key)
		if !hasClears && g.isCleared(n.Value) {
			hasClears = true
		}
	}
	if g.gcState == PhasePropagate {
		linkGCList(&g.grayAgain, t)
	} else if hasClears {
		linkGCList(&g.weak, t)
	}
}

// traverseEphemeron implements spec §4.5's weak-key handling: a value
// is strongly marked only if its key is already marked. Returns true
// if marking anything this pass — callers use that to know
// convergence must continue.
func (g *GlobalState) traverseEphemeron(t *Table) bool {
	marked := false
	hasClears := false
	hasWW := false

	for i := range t.Array {
		if t.Array[i].isWhite() {
			marked = true
			g.reallyMark(t.Array[i].Obj)
		}
	}
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.Value.Kind == KNil {
			removeEntry(n)
			continue
		}
		if g.isCleared(n.Key) {
			hasClears = true
			if n.Value.isWhite() {
				hasWW = true
			}
		} else if n.Value.isWhite() {
			marked = true
			g.reallyMark(n.Value.Obj)
		}
	}

	if g.gcState == PhasePropagate {
		linkGCList(&g.grayAgain, t)
	} else if hasWW {
		linkGCList(&g.ephemeron, t)
	} else if hasClears {
		linkGCList(&g.allWeak, t)
	}
	return marked
}

const (
	valueCost = 16
	nodeCost  = 32
)

// traverseTable is spec §4.3.2's Table dispatch: route to
// strong/weak-value/ephemeron/fully-weak handling depending on the
// metatable's cached __mode field.
func (g *GlobalState) traverseTable(t *Table) int64 {
	if t.Metatable != nil {
		g.markObject(t.Metatable)
	}
	mode := t.Mode()
	weakKey := false
	weakValue := false
	for _, c := range mode {
		switch c {
		case 'k':
			weakKey = true
		case 'v':
			weakValue = true
		}
	}
	if weakKey || weakValue {
		black2gray(t) // keep table gray; it is not strongly traversed here
		switch {
		case !weakKey:
			g.traverseWeakValue(t)
		case !weakValue:
			g.traverseEphemeron(t)
		default:
			linkGCList(&g.allWeak, t) // fully weak: nothing to traverse now
		}
		return 0
	}
	return nodeCost*int64(len(t.Nodes)) + valueCost*int64(len(t.Array)) + g.traverseStrongTable(t)
}

// traverseProto implements spec §4.3.2's Prototype traversal: source
// name, constants, nested protos, upvalue names, local-variable names,
// and dropping the cache pointer if it is white so the cached closure
// can itself be collected.
func (g *GlobalState) traverseProto(p *Proto) int64 {
	if p.Cache != nil && isWhite(p.Cache) {
		p.Cache = nil
	}
	if p.Source != nil {
		g.markObject(p.Source)
	}
	for _, k := range p.Constants {
		g.markValue(k)
	}
	for _, nested := range p.Protos {
		if nested != nil {
			g.markObject(nested)
		}
	}
	for _, uv := range p.Upvalues {
		if uv.Name != nil {
			g.markObject(uv.Name)
		}
	}
	for _, lv := range p.LocVars {
		if lv.Name != nil {
			g.markObject(lv.Name)
		}
	}
	return int64(96 + len(p.Constants)*valueCost + len(p.Protos)*8 +
		len(p.Upvalues)*8 + len(p.LocVars)*8)
}

func (g *GlobalState) traverseCClosure(c *CClosure) int64 {
	for _, v := range c.Upvalues {
		g.markValue(v)
	}
	return int64(32 + len(c.Upvalues)*16)
}

// traverseLClosure implements spec §4.3.2's Light closure rule: open
// upvalues are flagged "touched" for batch remarking (remarkUpvalues)
// rather than marked directly, UNLESS we are already in atomic (no
// more batching opportunities left).
func (g *GlobalState) traverseLClosure(c *LClosure) int64 {
	if c.Proto != nil {
		g.markObject(c.Proto)
	}
	for _, uv := range c.Upvalues {
		if uv == nil {
			continue
		}
		if uv.IsOpen() && g.gcState != PhaseAtomic {
			uv.touched = true
		} else {
			g.markValue(uv.Get())
		}
	}
	return int64(32 + len(c.Upvalues)*8)
}

// traverseThread implements spec §4.3.2's Thread rule: mark the live
// stack slots [0, Top); re-link into grayagain (threads never stay
// black until atomic, since their stack can change between steps). In
// atomic, additionally nil-clear the unused tail and shrink the stack
// outside of emergency mode.
func (g *GlobalState) traverseThread(th *Thread) int64 {
	for i := 0; i < th.Top; i++ {
		g.markValue(th.Stack[i])
	}
	if g.gcState == PhaseAtomic {
		for i := th.Top; i < len(th.Stack); i++ {
			th.Stack[i] = Nil
		}
		if !th.isInTWUps() && len(th.OpenUpvals) > 0 {
			th.twups = g.twups
			g.twups = th
			th.inTWUps = true
		}
		if g.gcKind != kindEmergency {
			g.shrinkStack(th)
		}
	}
	return int64(64 + len(th.Stack)*24)
}

// shrinkStack is a light stand-in for the interpreter's real stack
// resizing policy (out of this core's scope beyond "the collector may
// ask a thread to shrink its stack outside emergency cycles", spec
// §4.3.2). It halves unused capacity beyond the live top, down to a
// floor, and is a no-op otherwise.
func (g *GlobalState) shrinkStack(th *Thread) {
	const floor = 32
	cap := len(th.Stack)
	if cap <= floor || th.Top*2 >= cap {
		return
	}
	newCap := cap / 2
	if newCap < floor {
		newCap = floor
	}
	if newCap < th.Top {
		newCap = th.Top
	}
	shrunk := make([]Value, newCap)
	copy(shrunk, th.Stack[:th.Top])
	th.Stack = shrunk
}

// propagateMark is spec §4.3.2/§4.3.3's propagatemark: pop one gray
// object, blacken it, and traverse it, accumulating the bytes
// traversed into memTrav. Threads are the one container kind that is
// immediately regrayed into grayagain rather than staying black,
// since their stacks can change between steps.
func (g *GlobalState) propagateMark() {
	o := g.gray
	if o == nil {
		panic(newInvariantViolation("propagateMark: gray list is empty"))
	}
	if !isGray(o) {
		panic(newInvariantViolation("propagateMark: head of gray is not gray"))
	}
	gray2black(o)

	var size int64
	switch h := o.gcHeader(); h.tag {
	case tagTable:
		t := o.(*Table)
		g.gray = t.gclist
		size = g.traverseTable(t)
	case tagLClosure:
		c := o.(*LClosure)
		g.gray = c.gclist
		size = g.traverseLClosure(c)
	case tagCClosure:
		c := o.(*CClosure)
		g.gray = c.gclist
		size = g.traverseCClosure(c)
	case tagThread:
		th := o.(*Thread)
		g.gray = th.gclist
		linkGCList(&g.grayAgain, th)
		black2gray(o)
		size = g.traverseThread(th)
	case tagProto:
		p := o.(*Proto)
		g.gray = p.gclist
		size = g.traverseProto(p)
	default:
		panic(newInvariantViolation("propagateMark: non-container on gray list"))
	}
	g.memTrav += size
}

// propagateAll drains the gray worklist completely (spec §4.3.2
// propagateall).
func (g *GlobalState) propagateAll() {
	for g.gray != nil {
		g.propagateMark()
	}
}

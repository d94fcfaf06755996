// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Component A — the allocator shim (spec §4.1).
//
// Go objects are always allocated by make()/new() in this
// implementation — there is no raw reallocate-style block resize to
// perform, because the host language already owns memory management.
// What this shim reproduces faithfully is the *protocol* around
// allocation that the rest of the collector depends on: every
// allocation updates debt, and a failing embedder-supplied allocator
// gets exactly one emergency full GC before the failure is allowed to
// surface as ErrOutOfMemory.

// reallocate is the Go analogue of luaM_realloc_: it updates debt for
// every successful size change and retries once through an emergency
// collection on failure. newSize == 0 models a pure free.
func (g *GlobalState) reallocate(oldSize, newSize int) error {
	if newSize == 0 {
		g.debt += int64(-oldSize)
		g.totalBytes -= int64(oldSize)
		return nil
	}
	if g.alloc != nil {
		if err := g.alloc(oldSize, newSize); err != nil {
			pkgLog.WithError(err).Warn("gc: allocation failed, running emergency collection")
			g.fullGC(true)
			if err2 := g.alloc(oldSize, newSize); err2 != nil {
				return ErrOutOfMemory
			}
		}
	}
	delta := int64(newSize - oldSize)
	g.debt += delta
	g.totalBytes += delta
	return nil
}

// newObject allocates size bytes for a collectable of the given tag,
// links it at the head of allgc, and colors it current-white. New
// objects never need a write barrier on creation (spec §4.7): they
// are born white and are not yet reachable from any black object
// until the mutator stores a reference to them somewhere, at which
// point the barrier on *that* store (not this allocation) applies.
func (g *GlobalState) newObject(tag typeTag, size int, o gcObject) error {
	if err := g.reallocate(0, size); err != nil {
		return err
	}
	h := o.gcHeader()
	h.tag = tag
	h.marked = g.currentWhite
	h.next = g.allGC
	g.allGC = o
	return nil
}

// NewTable allocates a fresh table, empty, with no metatable.
func (g *GlobalState) NewTable() (*Table, error) {
	t := &Table{}
	const baseSize = 64 // opaque accounting cost; real size depends on array/hash growth
	if err := g.newObject(tagTable, baseSize, t); err != nil {
		return nil, err
	}
	return t, nil
}

// NewUserData allocates a userdata object of the given logical size.
func (g *GlobalState) NewUserData(size int) (*UserData, error) {
	u := &UserData{Size: size}
	if err := g.newObject(tagUserData, size, u); err != nil {
		return nil, err
	}
	return u, nil
}

// NewLClosure allocates a scripted closure over proto with nups
// (initially nil) upvalue slots.
func (g *GlobalState) NewLClosure(proto *Proto, nups int) (*LClosure, error) {
	c := &LClosure{Proto: proto, Upvalues: make([]*Upvalue, nups)}
	if err := g.newObject(tagLClosure, 32+nups*8, c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCClosure allocates a native closure wrapping fn with nups
// upvalue slots.
func (g *GlobalState) NewCClosure(fn NativeFunc, nups int) (*CClosure, error) {
	c := &CClosure{Fn: fn, Upvalues: make([]Value, nups)}
	if err := g.newObject(tagCClosure, 32+nups*16, c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewProto allocates an empty prototype.
func (g *GlobalState) NewProto() (*Proto, error) {
	p := &Proto{}
	if err := g.newObject(tagProto, 96, p); err != nil {
		return nil, err
	}
	return p, nil
}

// NewThread allocates a fresh coroutine with the given initial stack
// capacity.
func (g *GlobalState) NewThread(stackSize int) (*Thread, error) {
	th := &Thread{Stack: make([]Value, stackSize)}
	th.twups = th // self-linked: not in GlobalState.twups yet
	if err := g.newObject(tagThread, 64+stackSize*24, th); err != nil {
		return nil, err
	}
	return th, nil
}

// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// ShortString is a hash-consed, interned string up to maxShortLen
// bytes. Its hash is computed once, at intern time, and never changes
// (spec §3.4). It carries no outgoing references, so reallymark
// blackens it immediately (spec §4.3.1).
type ShortString struct {
	objHeader
	hash   uint32
	length uint8
	hnext  *ShortString // next string in this bucket's chain (strtable.go)
	data   string
}

func (s *ShortString) String() string { return s.data }
func (s *ShortString) Len() int       { return int(s.length) }
func (s *ShortString) Hash() uint32   { return s.hash }

func (s *ShortString) gcHeader() *objHeader { return &s.objHeader }

// LongString bypasses interning: every call to NewLong allocates a
// fresh object. Its hash is lazy — computed on first observation and
// cached via the 'hashed' flag, the Go analogue of Lua's TString.extra
// bit (spec §3.4, §4.2 new_long).
type LongString struct {
	objHeader
	hash   uint32
	hashed bool
	length int
	data   string
}

func (s *LongString) String() string { return s.data }
func (s *LongString) Len() int       { return s.length }

func (s *LongString) gcHeader() *objHeader { return &s.objHeader }

// Equal implements spec §3.4's "compared by content or identity":
// pointer identity first (cheap), content comparison only on mismatch.
func (s *LongString) Equal(o *LongString) bool {
	if s == o {
		return true
	}
	return s.length == o.length && s.data == o.data
}

// Hash returns the string's hash, computing and caching it on first
// call (lstring.c: luaS_hashlongstr).
func (s *LongString) Hash(seed uint32) uint32 {
	if !s.hashed {
		s.hash = hashBytes(s.data, seed)
		s.hashed = true
	}
	return s.hash
}

// UserData wraps an embedder-owned value. Traversal visits its
// metatable and its single user value (spec §4.3.1): the only
// collectable with a metatable of its own outside of Table.
type UserData struct {
	objHeader
	Metatable *Table
	UserValue Value
	Size      int
}

func (u *UserData) gcHeader() *objHeader { return &u.objHeader }

// tableNode is one hash-part slot. Out of scope per spec §1 is a real
// open-addressed hash table; what the collector needs is exactly
// this: a key/value pair it can mark, clear, and tombstone without
// disturbing slot order (spec §4.5's tombstoning requirement that the
// "probe chain remains walkable").
type tableNode struct {
	Key   Value
	Value Value
}

// Table is Wisp's array+hash table. __mode is cached on the metatable
// read during traversal so the strong/weak-value/ephemeron/fully-weak
// branch doesn't need to look the metatable up twice per cycle.
type Table struct {
	objHeader
	gclist    gcObject
	Metatable *Table
	Array     []Value
	Nodes     []tableNode
	modeField string
}

func (t *Table) gcHeader() *objHeader  { return &t.objHeader }
func (t *Table) gcListSlot() *gcObject { return &t.gclist }

// Mode returns the table's weak-mode string ("", "k", "v", or "kv"),
// read from its metatable's __mode field if any.
func (t *Table) Mode() string {
	if t.Metatable == nil {
		return ""
	}
	return t.Metatable.modeField
}

// modeField is metatable-only storage for __mode; kept separate from
// the generic Nodes slice because every weak-table traversal reads it
// and a dedicated field avoids a linear scan of the metatable's own
// hash part on every cycle.
func (t *Table) SetModeField(mode string) { t.modeField = mode }

// Upvalue is a closure's captured variable. It is not itself tagged
// with a typeTag — spec §3.1 enumerates exactly eight header
// variants, and upvalues are not one of them, they are only ever
// reached through an LClosure. Open upvalues alias a live thread's
// stack slot; closed upvalues own their Value outright.
type Upvalue struct {
	open    bool
	touched bool // set by traverseLClosure, consumed by remarkUpvalues
	thread  *Thread
	index   int
	closed  Value
}

func NewOpenUpvalue(th *Thread, index int) *Upvalue {
	return &Upvalue{open: true, thread: th, index: index}
}

func NewClosedUpvalue(v Value) *Upvalue {
	return &Upvalue{open: false, closed: v}
}

func (u *Upvalue) IsOpen() bool { return u.open }

// Get reads the upvalue's current value, following into the owning
// thread's stack while open.
func (u *Upvalue) Get() Value {
	if u.open {
		return u.thread.Stack[u.index]
	}
	return u.closed
}

// Set writes the upvalue's value. Callers that might be writing a
// collectable pointer into an object the collector considers
// reachable must follow with BarrierUpvalue (spec §4.7).
func (u *Upvalue) Set(v Value) {
	if u.open {
		u.thread.Stack[u.index] = v
		return
	}
	u.closed = v
}

// Close snapshots the current stack value and detaches the upvalue
// from its thread, turning it into an ordinary closed upvalue. Called
// by the interpreter's stack-unwind path; included here because it
// determines which barrier (propagate-time touch vs. close-time copy)
// applies to the value it captures.
func (u *Upvalue) Close() {
	if !u.open {
		return
	}
	u.closed = u.thread.Stack[u.index]
	u.open = false
	u.thread = nil
}

// LClosure is a scripted ("light") closure: a prototype plus captured
// upvalues.
type LClosure struct {
	objHeader
	gclist   gcObject
	Proto    *Proto
	Upvalues []*Upvalue
}

func (c *LClosure) gcHeader() *objHeader  { return &c.objHeader }
func (c *LClosure) gcListSlot() *gcObject { return &c.gclist }

// CClosure is a native ("heavy") closure: upvalues only, backed by a
// host-language function the interpreter invokes directly.
type CClosure struct {
	objHeader
	gclist   gcObject
	Upvalues []Value
	Fn       NativeFunc
}

// NativeFunc is the host callback a CClosure wraps. The VM's call
// convention (argument/return marshaling) is outside this core's
// scope; the GC only needs to know CClosure holds Values to trace.
type NativeFunc func(*Thread) int

func (c *CClosure) gcHeader() *objHeader  { return &c.objHeader }
func (c *CClosure) gcListSlot() *gcObject { return &c.gclist }

// UpvalDesc names one of a prototype's upvalues, for traversal and
// for the compiler's own bookkeeping (out of this core's scope beyond
// the name string the GC must keep alive).
type UpvalDesc struct {
	Name *ShortString
}

// LocVar names one of a prototype's local variables, kept only for
// debug info the GC must trace (spec §4.3.2 Prototype: "local-variable
// names").
type LocVar struct {
	Name *ShortString
}

// Proto is a compiled function prototype: constants, nested protos,
// and the debug-info strings the compiler attaches. Everything beyond
// what the GC traverses (bytecode, line info semantics) is out of
// scope and modeled only as opaque sizes.
type Proto struct {
	objHeader
	gclist     gcObject
	Source     *LongString
	Constants  []Value
	Protos     []*Proto
	Upvalues   []UpvalDesc
	LocVars    []LocVar
	Cache      *LClosure // cached closure for this proto; collectable if white
	CodeSize   int       // opaque — bytecode lives in the interpreter's domain
	LineInfoSz int
}

func (p *Proto) gcHeader() *objHeader  { return &p.objHeader }
func (p *Proto) gcListSlot() *gcObject { return &p.gclist }

// Thread is a coroutine: its own Value stack, its open upvalues, and
// the twups linkage used to find "threads that currently hold open
// upvalues" (spec §3.2).
type Thread struct {
	objHeader
	gclist     gcObject
	Stack      []Value
	Top        int
	OpenUpvals []*Upvalue

	twups   *Thread // next thread in GlobalState.twups, or self when not linked
	inTWUps bool
}

func (t *Thread) gcHeader() *objHeader  { return &t.objHeader }
func (t *Thread) gcListSlot() *gcObject { return &t.gclist }

// isInTWUps reports whether the thread is currently linked into
// GlobalState.twups. Lua encodes this by self-linking th->twups = th
// when removed (lgc.c: remarkupvals); this package keeps the self-link
// too (NewThread, remarkUpvalues) but answers from the explicit
// inTWUps bool.
func (t *Thread) isInTWUps() bool { return t.inTWUps }

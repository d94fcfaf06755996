// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *GlobalState {
	t.Helper()
	g := NewGlobalState(nil, 0xC0FFEE)
	th, err := g.NewThread(64)
	require.NoError(t, err)
	g.MainThread = th
	g.Registry = Nil
	return g
}

func TestInternStability(t *testing.T) {
	g := newTestState(t)
	a := g.InternShort("hello")
	b := g.InternShort("hello")
	require.Same(t, a, b, "interning the same bytes twice must return the same object")

	c := g.InternShort("world")
	require.NotSame(t, a, c)
}

func TestInternSurvivesFullCycle(t *testing.T) {
	g := newTestState(t)
	s := g.InternShort("survivor")
	g.Registry = objValue(KString, s)

	g.FullGC(false)

	again := g.InternShort("survivor")
	require.Same(t, s, again, "a reachable interned string must not be replaced across a cycle")
}

func TestUnreachableShortStringIsRemovedFromTable(t *testing.T) {
	g := newTestState(t)
	s := g.InternShort("transient")
	slot := lmod(s.hash, g.strt.size)
	found := false
	for p := g.strt.hash[slot]; p != nil; p = p.hnext {
		if p == s {
			found = true
		}
	}
	require.True(t, found)

	g.Registry = Nil
	g.FullGC(false)

	for p := g.strt.hash[slot]; p != nil; p = p.hnext {
		require.NotSame(t, s, p, "dead short string must be unchained from its bucket on sweep")
	}
}

func TestLongStringBypassesInterning(t *testing.T) {
	g := newTestState(t)
	long := make([]byte, maxShortLen+1)
	for i := range long {
		long[i] = 'x'
	}
	v1, err := g.NewString(string(long))
	require.NoError(t, err)
	v2, err := g.NewString(string(long))
	require.NoError(t, err)
	require.NotSame(t, v1.Obj, v2.Obj, "long strings are never deduplicated")
}

func TestWeakValueTableClearsOnUnreachableValue(t *testing.T) {
	g := newTestState(t)

	wt, err := g.NewTable()
	require.NoError(t, err)
	mt, err := g.NewTable()
	require.NoError(t, err)
	mt.SetModeField("v")
	wt.Metatable = mt

	ud, err := g.NewUserData(8)
	require.NoError(t, err)
	wt.Nodes = append(wt.Nodes, tableNode{Key: NumberValue(1), Value: objValue(KUserData, ud)})

	g.Registry = objValue(KTable, wt)

	g.FullGC(false)

	require.Equal(t, KNil, wt.Nodes[0].Value.Kind, "weak-value entry must be cleared once its value is unreachable")
}

func TestEphemeronClearsOnUnreachableKey(t *testing.T) {
	g := newTestState(t)

	wt, err := g.NewTable()
	require.NoError(t, err)
	mt, err := g.NewTable()
	require.NoError(t, err)
	mt.SetModeField("k")
	wt.Metatable = mt

	key, err := g.NewUserData(8)
	require.NoError(t, err)
	value, err := g.NewUserData(8)
	require.NoError(t, err)
	wt.Nodes = append(wt.Nodes, tableNode{Key: objValue(KUserData, key), Value: objValue(KUserData, value)})

	g.Registry = objValue(KTable, wt)

	g.FullGC(false)

	require.Equal(t, KNil, wt.Nodes[0].Value.Kind, "ephemeron entry must be cleared once its key is unreachable")
}

func TestEphemeronKeepsEntryWhenKeyReachable(t *testing.T) {
	g := newTestState(t)

	wt, err := g.NewTable()
	require.NoError(t, err)
	mt, err := g.NewTable()
	require.NoError(t, err)
	mt.SetModeField("k")
	wt.Metatable = mt

	key, err := g.NewUserData(8)
	require.NoError(t, err)
	value, err := g.NewUserData(8)
	require.NoError(t, err)
	wt.Nodes = append(wt.Nodes, tableNode{Key: objValue(KUserData, key), Value: objValue(KUserData, value)})

	// The key is reachable both through the weak table and through the
	// root set directly.
	root, err := g.NewTable()
	require.NoError(t, err)
	root.Array = append(root.Array, objValue(KUserData, key))

	holder, err := g.NewTable()
	require.NoError(t, err)
	holder.Array = []Value{objValue(KTable, wt), objValue(KTable, root)}
	g.Registry = objValue(KTable, holder)

	g.FullGC(false)

	require.Equal(t, KUserData, wt.Nodes[0].Value.Kind, "ephemeron entry must survive while its key stays reachable")
}

func TestFinalizerRunsOnceAndResurrectsThenDies(t *testing.T) {
	g := newTestState(t)

	ud, err := g.NewUserData(8)
	require.NoError(t, err)

	calls := 0
	var resurrectHolder *Table
	g.RegisterFinalizer(ud, func(o gcObject) error {
		calls++
		resurrectHolder.Array[0] = objValue(KUserData, o.(*UserData))
		return nil
	})

	holder, err := g.NewTable()
	require.NoError(t, err)
	holder.Array = []Value{Nil}
	resurrectHolder = holder
	g.Registry = objValue(KTable, holder)

	// ud has no strong reference before the first cycle; the finalizer
	// is the sole remaining path to it.
	g.FullGC(false)
	require.Equal(t, 1, calls, "finalizer must run exactly once when the object becomes unreachable")
	require.Equal(t, KUserData, holder.Array[0].Kind, "resurrecting the object from its finalizer must keep it alive")

	// Drop the resurrecting reference; a second cycle must not run the
	// finalizer again.
	holder.Array[0] = Nil
	g.FullGC(false)
	require.Equal(t, 1, calls, "a finalizer must never run twice for the same object")
	for o := g.allGC; o != nil; o = o.gcHeader().next {
		require.NotSame(t, ud, o, "an unreachable, already-finalized object must be freed")
	}
}

func TestFinalizerErrorIsReportedNotFatal(t *testing.T) {
	g := newTestState(t)

	ud, err := g.NewUserData(8)
	require.NoError(t, err)
	g.RegisterFinalizer(ud, func(o gcObject) error {
		return ErrOutOfMemory
	})
	g.Registry = Nil

	require.NotPanics(t, func() {
		g.FullGC(false)
	}, "a finalizer error must not panic the collector")
}

func TestPacingSingleStepDebtBounded(t *testing.T) {
	g := newTestState(t)
	g.Registry = Nil
	g.Start()

	g.restartCollection()
	g.gcState = PhasePropagate
	for i := 0; i < 50; i++ {
		tbl, err := g.NewTable()
		require.NoError(t, err)
		tbl.Array = append(tbl.Array, NumberValue(float64(i)))
	}

	debtBefore := g.debt
	g.Step()
	require.GreaterOrEqual(t, g.debt, debtBefore-gcStepSize*100, "a single Step must not swing debt unboundedly")
}

func TestSetPauseAndStepMulReturnPreviousValue(t *testing.T) {
	g := newTestState(t)
	old := g.SetPause(300)
	require.Equal(t, defaultPause, old)
	require.Equal(t, int64(300), g.pause)

	oldMul := g.SetStepMul(50)
	require.Equal(t, defaultStepMul, oldMul)
	require.Equal(t, int64(50), g.stepMul)
}

func TestEmergencyFullGCSuppressesFinalizers(t *testing.T) {
	g := newTestState(t)

	ud, err := g.NewUserData(8)
	require.NoError(t, err)
	ran := false
	g.RegisterFinalizer(ud, func(o gcObject) error {
		ran = true
		return nil
	})
	g.Registry = Nil

	g.FullGC(true)
	require.False(t, ran, "emergency collection must not run finalizers during the cycle")

	// A subsequent normal cycle (or explicit drain) still runs it.
	g.gcKind = kindNormal
	g.callAllPendingFinalizers()
	require.True(t, ran)
}

func TestOutOfMemoryRetriesOnceThenFails(t *testing.T) {
	failing := false
	attempts := 0
	g := NewGlobalState(func(oldSize, newSize int) error {
		if !failing {
			return nil
		}
		attempts++
		return ErrOutOfMemory
	}, 1)

	failing = true
	_, err := g.NewTable()
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, 2, attempts, "allocator must be retried exactly once after an emergency collection")
}

func TestWriteBarrierForwardMarksWhiteChildDuringPropagate(t *testing.T) {
	g := newTestState(t)
	g.restartCollection()
	g.gcState = PhasePropagate

	owner, err := g.NewTable()
	require.NoError(t, err)
	gray2black(owner)

	child, err := g.NewUserData(8)
	require.NoError(t, err)
	require.True(t, isWhite(child))

	g.BarrierForward(owner, child)
	require.False(t, isWhite(child), "forward barrier must mark a white child reachable from a black owner")
}

func TestWriteBarrierBackRegraysOwner(t *testing.T) {
	g := newTestState(t)
	g.restartCollection()
	g.gcState = PhasePropagate

	owner, err := g.NewTable()
	require.NoError(t, err)
	white2gray(owner)
	gray2black(owner)

	g.BarrierBack(owner)
	require.True(t, isGray(owner), "backward barrier must regray the owner for retraversal")
}

func TestNeedsBarrierPredicate(t *testing.T) {
	g := newTestState(t)
	owner, err := g.NewTable()
	require.NoError(t, err)
	child, err := g.NewTable()
	require.NoError(t, err)

	require.False(t, NeedsBarrier(owner, child), "two white objects need no barrier")
	gray2black(owner)
	require.True(t, NeedsBarrier(owner, child))
}

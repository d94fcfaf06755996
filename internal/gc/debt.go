// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

// Pacing math (spec §3.3, §4.4.2).

// setDebt assigns the collector's debt counter directly — used both
// by setPause (to schedule the next cycle) and by Step's "convert
// leftover work units back to bytes" tail.
func (g *GlobalState) setDebt(debt int64) {
	g.debt = debt
}

// setPause computes the next cycle's start threshold from the last
// cycle's estimate (spec §4.4.2): threshold = estimate * pause / 100,
// then debt = total_bytes - threshold. A larger pause value delays
// the next cycle further past the current live-set estimate.
func (g *GlobalState) setPause() {
	estimate := g.estimate / pauseAdj
	if estimate <= 0 {
		estimate = 1
	}
	threshold := estimate * g.pause
	g.setDebt(g.totalBytes - threshold)
}

// getDebt converts the raw byte debt into "work units" scaled by
// stepmul, clamped to non-negative (spec §4.4.2 / lgc.c: getdebt).
func (g *GlobalState) getDebt() int64 {
	debt := g.debt
	if debt <= 0 {
		return 0
	}
	debt = debt/stepMulAdj + 1
	return debt * g.stepMul
}

// SetPause sets the pause multiplier (percent; default 200) that
// scales how long the collector waits after a cycle before starting
// the next one (spec §3.3, §6).
func (g *GlobalState) SetPause(p int) int {
	old := int(g.pause)
	g.pause = int64(p)
	return old
}

// SetStepMul sets the step multiplier (percent; default 200) that
// scales how much collector work each allocated byte of debt buys
// (spec §3.3, §6).
func (g *GlobalState) SetStepMul(m int) int {
	old := int(g.stepMul)
	g.stepMul = int64(m)
	return old
}

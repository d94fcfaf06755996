// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command wispgc-demo drives the collector through an allocate/intern/
// collect lifecycle outside of a full interpreter, so its pacing and
// sweep behavior can be observed in isolation.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wisplang/wisp/internal/gc"
)

func main() {
	var (
		tables  = flag.Int("tables", 1000, "number of throwaway tables to allocate")
		strs    = flag.Int("strings", 5000, "number of short-string literals to intern")
		pause   = flag.Int("pause", 200, "collector pause percentage")
		stepMul = flag.Int("stepmul", 200, "collector step multiplier percentage")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	gc.SetLogger(log)

	if err := run(*tables, *strs, *pause, *stepMul, log); err != nil {
		log.WithError(err).Error("wispgc-demo failed")
		os.Exit(1)
	}
}

func run(numTables, numStrings, pause, stepMul int, log *logrus.Logger) error {
	g := gc.NewGlobalState(nil, 0xDEADBEEF)
	g.SetPause(pause)
	g.SetStepMul(stepMul)
	g.Start()

	root, err := g.NewTable()
	if err != nil {
		return errors.Wrap(err, "allocating root table")
	}
	g.Registry = gc.Nil
	_ = root

	for i := 0; i < numStrings; i++ {
		lit := fmt.Sprintf("literal-%d", i%64) // bounded vocabulary, so interning actually dedups
		if _, err := g.NewString(lit); err != nil {
			return errors.Wrap(err, "interning literal")
		}
	}

	for i := 0; i < numTables; i++ {
		t, err := g.NewTable()
		if err != nil {
			return errors.Wrap(err, "allocating scratch table")
		}
		_ = t // intentionally dropped immediately: the next cycle should reclaim it
		if err := g.AllocAndStep(0, 64); err != nil {
			return errors.Wrap(err, "stepping collector")
		}
	}

	log.WithFields(logrus.Fields{
		"bytes": g.CountBytes(),
	}).Info("before final collection")

	g.FullGC(false)

	log.WithFields(logrus.Fields{
		"bytes": g.CountBytes(),
	}).Info("after final collection")

	return nil
}

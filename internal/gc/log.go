// Copyright 2024 The Wisp Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"io"

	"github.com/sirupsen/logrus"
)

// pkgLog is the package-level logger used for collector diagnostics.
// The collector logs two things, both at Warn level with the error
// attached: an allocation failure that triggers an emergency
// collection, and a finalizer error. Phase transitions and pacing
// decisions are not logged. The Go runtime gates this kind of output
// behind GODEBUG=gctrace=1 and println; we gate it behind a
// replaceable logrus.FieldLogger instead.
var pkgLog logrus.FieldLogger = func() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}()

// SetLogger replaces the collector's logger. Passing nil installs a
// logger that discards everything.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		pkgLog = discard
		return
	}
	pkgLog = l
}

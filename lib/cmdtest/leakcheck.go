// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if anything is written to os.Stdout or
// os.Stderr instead of the stdout and stderr passed to a
// cmd.Handler. The resource connector parses a script's stdout as
// JSON, so a stray log line there breaks it.
//
// Usage:
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... run commands
//	}
func LeakCheck(c *check.C) func() {
	var tmpfiles [2]*os.File
	for i := range tmpfiles {
		f, err := os.CreateTemp(c.MkDir(), "leak")
		c.Assert(err, check.IsNil)
		tmpfiles[i] = f
	}
	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = tmpfiles[0], tmpfiles[1]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for i, name := range []string{"stdout", "stderr"} {
			f := tmpfiles[i]
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", name))
			f.Close()
		}
	}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// package cmd defines a RunFunc type, representing a process that can
// be invoked from a command line.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"rsc.io/getopt"
)

// A RunFunc runs a command with the given args, and returns an exit
// code.
type RunFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

// RunCommand implements Handler.
func (f RunFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// A Handler is anything that can run as a subcommand.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// Version is a Handler that prints the program name and version
// to stdout.
type Version string

func (v Version) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if f := strings.Fields(prog); len(f) > 0 {
		// Drop the "version" subcommand.
		prog = f[0]
	}
	fmt.Fprintf(stdout, "%s %s (%s)\n", filepath.Base(prog), v, runtime.Version())
	return 0
}

// Multi is a Handler that looks up its first argument in a map, and
// invokes the resulting Handler with the remaining args.
//
// Example:
//
//	os.Exit(Multi(map[string]Handler{
//	        "foobar": RunFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
//	                fmt.Fprintln(stdout, args[0])
//	                return 2
//	        }),
//	}).RunCommand("/usr/bin/multi", []string{"foobar", "baz"}, os.Stdin, os.Stdout, os.Stderr))
//
// ...prints "baz" and exits 2.
type Multi map[string]Handler

func (m Multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s command [args]\n", prog)
		m.Usage(stderr)
		return 2
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		fmt.Fprintf(stderr, "usage: %s command [args]\n", prog)
		m.Usage(stderr)
		return 0
	}
	cmd, ok := m[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unrecognized command %q\n", args[0])
		m.Usage(stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

// Usage prints the available subcommands.
func (m Multi) Usage(stderr io.Writer) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Alternate spellings like "--version" don't
			// belong in the summary.
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	for _, sc := range subcommands {
		fmt.Fprintf(stderr, "    %s\n", sc)
	}
}

// FlagSet is the subset of flag.FlagSet methods ParseFlags uses. It
// is satisfied by *flag.FlagSet and *getopt.FlagSet.
type FlagSet interface {
	Init(string, flag.ErrorHandling)
	Args() []string
	NArg() int
	Parse([]string) error
	SetOutput(io.Writer)
	PrintDefaults()
}

// NewFlagSet returns a flag set that accepts both "-f x" and
// "--file=x" forms. Register short names with Alias.
func NewFlagSet() *getopt.FlagSet {
	return getopt.NewFlagSet("", flag.ContinueOnError)
}

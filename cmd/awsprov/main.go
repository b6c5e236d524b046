// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/awsprov.git/lib/cmd"
	"git.arvados.org/awsprov.git/lib/hostfactory"
)

var (
	version = "dev"
	handler = func() cmd.Multi {
		m := cmd.Multi{
			"version":   cmd.Version(version),
			"-version":  cmd.Version(version),
			"--version": cmd.Version(version),
		}
		for name, h := range hostfactory.Command {
			m[name] = h
		}
		return m
	}()
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

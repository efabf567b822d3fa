// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Command rcall runs shell commands and named operations on local and
// remote hosts.
//
// Usage:
//
//	rcall sh -H web1 -- uptime
//	rcall call -H web1 -H web2 jread config.json
//
// See --help for all commands.
package main

import (
	"os"

	"github.com/toeirei/rcall/core"
	"github.com/toeirei/rcall/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		cli.PrintError(os.Stderr, err)
		if code, ok := core.ExitCode(err); ok && code > 0 {
			os.Exit(code)
		}
		os.Exit(1)
	}
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package shell

import (
	"fmt"
	"strings"
)

// CommandError reports a command that exited non-zero (or could not be run)
// while IgnoreErrors was off.
type CommandError struct {
	// Host is empty for local commands.
	Host     string
	Command  string
	ExitCode int
	// Output is the captured stdout, Stderr the retained tail of stderr.
	Output string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	where := "local"
	if e.Host != "" {
		where = e.Host
	}
	msg := fmt.Sprintf("command failed on %s with exit code %d", where, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

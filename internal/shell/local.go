// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/toeirei/rcall/internal/logging"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ExecMiddleware intercepts commands the interpreter would otherwise exec.
type ExecMiddleware = func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc

// Local runs commands in-process on the mvdan.cc/sh interpreter. Programs
// that are not shell builtins are still exec'd from PATH unless a
// middleware handles them first.
type Local struct {
	// Env is appended to the process environment.
	Env []string
	// Middlewares run before the default exec handler, in order.
	Middlewares []ExecMiddleware
}

// Run executes command in dir and returns captured stdout.
func (l *Local) Run(ctx context.Context, command, dir string, o Options) (string, error) {
	script := Compose(command, dir, o)
	logging.Debugf("shell: local run in %q: %s", dir, command)

	prog, err := syntax.NewParser().Parse(strings.NewReader(script), "rcall")
	if err != nil {
		return "", &CommandError{Command: command, ExitCode: 2, Err: fmt.Errorf("parse: %w", err)}
	}

	capture, stdout, stderr, errTail := o.Writers()
	env := append(os.Environ(), l.Env...)
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, stdout, stderr),
	}
	if len(l.Middlewares) > 0 {
		opts = append(opts, interp.ExecHandlers(l.Middlewares...))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return "", &CommandError{Command: command, ExitCode: 1, Err: fmt.Errorf("create interpreter: %w", err)}
	}

	runErr := runner.Run(ctx, prog)
	if runErr == nil {
		return capture.String(), nil
	}
	code := 1
	var status interp.ExitStatus
	if errors.As(runErr, &status) {
		code = int(status)
		runErr = nil
	}
	if o.IgnoreErrors && runErr == nil {
		logging.Debugf("shell: ignoring exit code %d of %q", code, command)
		return capture.String(), nil
	}
	return capture.String(), &CommandError{
		Command:  command,
		ExitCode: code,
		Output:   capture.String(),
		Stderr:   errTail.String(),
		Err:      runErr,
	}
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package shell composes and runs shell commands for an execution target.
// Local commands run in-process on the mvdan.cc/sh interpreter; remote
// commands are composed here and handed to a transport.
package shell

import (
	"io"
	"os"
)

// DefaultMaxOutputBytes bounds captured output when Options.MaxOutputBytes is zero.
const DefaultMaxOutputBytes = 1 << 30

// EnvDir is the per-working-directory environment created by environment
// bootstrap. Its activate script is sourced before every command unless
// Options.NoEnv is set.
const EnvDir = ".rcall-env"

// Options controls a single shell invocation.
type Options struct {
	// Quiet suppresses echoing output to Echo/EchoErr.
	Quiet bool
	// Wrap runs the command inside an interactive bash so profile setup runs.
	Wrap bool
	// MaxOutputBytes keeps only the trailing N bytes of captured stdout.
	MaxOutputBytes int
	// IgnoreErrors treats a non-zero exit as success.
	IgnoreErrors bool
	// NoEnv skips sourcing the working directory's environment.
	NoEnv bool
	// Echo and EchoErr receive live output when Quiet is false. They default
	// to os.Stdout and os.Stderr.
	Echo    io.Writer
	EchoErr io.Writer
}

// Option mutates Options.
type Option func(*Options)

// Quiet suppresses echoing.
func Quiet() Option { return func(o *Options) { o.Quiet = true } }

// Wrap runs the command in an interactive bash.
func Wrap() Option { return func(o *Options) { o.Wrap = true } }

// MaxOutput caps captured output at n bytes.
func MaxOutput(n int) Option { return func(o *Options) { o.MaxOutputBytes = n } }

// IgnoreErrors returns captured output even on a non-zero exit.
func IgnoreErrors() Option { return func(o *Options) { o.IgnoreErrors = true } }

// NoEnv skips environment activation.
func NoEnv() Option { return func(o *Options) { o.NoEnv = true } }

// EchoTo sends live output to w (both streams).
func EchoTo(w io.Writer) Option {
	return func(o *Options) { o.Echo, o.EchoErr = w, w }
}

// Apply folds opts over a zero Options.
func Apply(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o Options) limit() int {
	if o.MaxOutputBytes <= 0 {
		return DefaultMaxOutputBytes
	}
	return o.MaxOutputBytes
}

// Writers returns the capture buffer and the stdout/stderr writers a runner
// should attach to the process.
func (o Options) Writers() (capture *TailBuffer, stdout, stderr io.Writer, errTail *TailBuffer) {
	capture = NewTailBuffer(o.limit())
	errTail = NewTailBuffer(stderrTailBytes)
	stdout, stderr = capture, errTail
	if !o.Quiet {
		echo, echoErr := o.Echo, o.EchoErr
		if echo == nil {
			echo = os.Stdout
		}
		if echoErr == nil {
			echoErr = os.Stderr
		}
		stdout = io.MultiWriter(capture, echo)
		stderr = io.MultiWriter(errTail, echoErr)
	}
	return capture, stdout, stderr, errTail
}

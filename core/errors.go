// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"errors"

	"github.com/toeirei/rcall/internal/dispatch"
	"github.com/toeirei/rcall/internal/environment"
	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/wire"
)

type (
	// CommandError is a shell command that exited non-zero.
	CommandError = shell.CommandError
	// ProtocolError is a remote call whose result could not be obtained or
	// that the operation itself failed.
	ProtocolError = dispatch.ProtocolError
	// SerializationError is a value outside the transportable kinds, or an
	// undecodable payload.
	SerializationError = wire.SerializationError
	// Report lists what EnsureEnvironment changed.
	Report = environment.Report
)

// IsCommandFailure reports whether err contains a *CommandError.
func IsCommandFailure(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// IsProtocolFailure reports whether err contains a *ProtocolError.
func IsProtocolFailure(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsSerializationFailure reports whether err contains a *SerializationError.
func IsSerializationFailure(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// ExitCode returns the exit code carried by err, if any.
func ExitCode(err error) (int, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode, true
	}
	return 0, false
}

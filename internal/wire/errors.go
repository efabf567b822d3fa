// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package wire

import "fmt"

// SerializationError reports a value outside the closed kind set or a
// malformed encoded payload.
type SerializationError struct {
	// Path locates the offending value ("args[1].name") or names the codec
	// stage ("frame", "cbor", "zstd", "base64") for decode failures.
	Path   string
	Kind   string
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	msg := "serialization failed at " + e.Path
	if e.Kind != "" {
		msg += fmt.Sprintf(" (%s)", e.Kind)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

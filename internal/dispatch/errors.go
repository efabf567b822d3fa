// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package dispatch

import "fmt"

// ProtocolError reports a remote call whose result could not be obtained,
// or whose result carries an operation failure from the target.
type ProtocolError struct {
	Host   string
	TxID   string
	Op     string
	Reason string
	// Remote is the operation's error message when the target reported one.
	Remote string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("dispatch %s on %s (tx %s): %s", e.Op, e.Host, e.TxID, e.Reason)
	if e.Remote != "" {
		msg += ": " + e.Remote
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

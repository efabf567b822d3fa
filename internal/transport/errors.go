// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"errors"
	"strings"
)

// ErrHostKeySuccessfullyRetrieved is returned by the key-capturing callback
// to stop the handshake once the key is captured.
var ErrHostKeySuccessfullyRetrieved = errors.New("rcall: successfully retrieved host key")

// ErrUnknownHostKey is returned when a host presents a key the store has
// never seen and trust-on-first-use is off.
var ErrUnknownHostKey = errors.New("unknown host key")

// ErrHostKeyMismatch is returned when a host presents a key different from
// the stored one.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// IsConnectionTimeoutError reports whether err looks like a dial or I/O timeout.
func IsConnectionTimeoutError(err error) bool {
	return containsAny(err, "timeout", "deadline exceeded")
}

// IsConnectionRefusedError reports whether the host could not be reached.
func IsConnectionRefusedError(err error) bool {
	return containsAny(err, "connection refused", "no route to host", "network is unreachable")
}

// IsAuthenticationError reports whether the SSH handshake rejected our credentials.
func IsAuthenticationError(err error) bool {
	return containsAny(err, "unable to authenticate", "authentication failed", "permission denied")
}

func containsAny(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

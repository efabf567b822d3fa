// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/toeirei/rcall/core"
	"github.com/toeirei/rcall/internal/i18n"
	"github.com/toeirei/rcall/internal/transport"
)

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

// PrintError writes the FormatError rendering of err to w, styled for
// terminals that support colour.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, errorStyle.Render(FormatError(err)))
}

// FormatError renders err for the terminal. Command and dispatch failures
// get a localized one-line summary naming the host.
func FormatError(err error) string {
	var ce *core.CommandError
	if errors.As(err, &ce) {
		if ce.ExitCode < 0 && ce.Err != nil {
			if msg, ok := connectionFailure(hostLabel(ce.Host), ce.Err); ok {
				return msg
			}
		}
		msg := i18n.T("error.command_failed", hostLabel(ce.Host), ce.ExitCode)
		if tail := lastLine(ce.Stderr); tail != "" {
			msg += ": " + tail
		}
		return msg
	}
	var pe *core.ProtocolError
	if errors.As(err, &pe) {
		reason := pe.Reason
		if pe.Remote != "" {
			reason += ": " + pe.Remote
		} else if pe.Err != nil {
			reason += ": " + pe.Err.Error()
		}
		return i18n.T("error.protocol", hostLabel(pe.Host), reason)
	}
	return i18n.T("error.generic", err)
}

// connectionFailure names the common reasons a host could not be reached.
func connectionFailure(host string, err error) (string, bool) {
	switch {
	case errors.Is(err, transport.ErrUnknownHostKey):
		return i18n.T("error.unknown_host_key", host, host), true
	case transport.IsAuthenticationError(err):
		return i18n.T("error.auth_failed", host), true
	case transport.IsConnectionRefusedError(err):
		return i18n.T("error.unreachable", host), true
	case transport.IsConnectionTimeoutError(err):
		return i18n.T("error.timeout", host), true
	}
	return "", false
}

func hostLabel(h string) string {
	if h == "" {
		return "local"
	}
	return h
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import "github.com/toeirei/rcall/internal/shell"

// ShellOption configures one Shell call.
type ShellOption = shell.Option

// Shell options.
var (
	Quiet        = shell.Quiet
	Wrap         = shell.Wrap
	MaxOutput    = shell.MaxOutput
	IgnoreErrors = shell.IgnoreErrors
	NoEnv        = shell.NoEnv
	EchoTo       = shell.EchoTo
)

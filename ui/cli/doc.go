// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli implements the rcall command-line tool with Cobra. Commands
// stay thin: they load configuration, open a core.Client and print what it
// returns.
package cli

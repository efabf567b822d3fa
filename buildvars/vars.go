// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package buildvars holds values injected at link time.
package buildvars

// Version is set via `-ldflags -X github.com/toeirei/rcall/buildvars.Version=...`.
// It is empty for local builds.
var Version string

// VersionOrDefault returns Version, or def when Version is unset.
func VersionOrDefault(def string) string {
	if len(Version) > 0 {
		return Version
	}
	return def
}

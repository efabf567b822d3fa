// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transport provides the two primitives the dispatch core is built
// on: running a shell command on a host and copying files between a host and
// the local machine. The SSH implementation uses golang.org/x/crypto/ssh
// sessions for commands and github.com/pkg/sftp for files.
package transport // import "github.com/toeirei/rcall/internal/transport"

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/toeirei/rcall/internal/shell"
)

// Runner executes command on addr after changing into dir.
type Runner interface {
	Run(ctx context.Context, addr, command, dir string, o shell.Options) (string, error)
}

// Copier moves files between locations. Copy is direction-agnostic: either
// side may be local (empty Host) or remote.
type Copier interface {
	Copy(ctx context.Context, src, dst Location) error
	Remove(ctx context.Context, loc Location) error
}

// Transport is the full primitive set for remote hosts.
type Transport interface {
	Runner
	Copier
	Close() error
}

// Location is a path on a host. An empty Host is the local machine.
// Remote paths may start with "~/" for the remote home directory.
type Location struct {
	Host string
	Path string
}

// Local returns a Location on the local machine.
func Local(path string) Location { return Location{Path: path} }

// Remote returns a Location on host.
func Remote(host, path string) Location { return Location{Host: host, Path: path} }

// IsLocal reports whether l refers to the local machine.
func (l Location) IsLocal() bool { return l.Host == "" }

// String renders l in scp/rsync form.
func (l Location) String() string {
	if l.IsLocal() {
		return l.Path
	}
	return l.Host + ":" + l.Path
}

// ParseLocation parses "host:path" or a plain local path. A colon that
// appears after a slash belongs to the path.
func ParseLocation(s string) Location {
	i := strings.IndexByte(s, ':')
	if i <= 0 || strings.ContainsRune(s[:i], '/') {
		return Location{Path: s}
	}
	// Bracketed IPv6 hosts: "[::1]:path".
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]:"); end > 0 {
			return Location{Host: s[:end+1], Path: s[end+2:]}
		}
	}
	return Location{Host: s[:i], Path: s[i+1:]}
}

// Addr is a parsed host identifier of the form [user@]host[:port].
type Addr struct {
	User string
	Host string
	Port string
}

// ParseAddr splits s into its parts. Missing parts are left empty.
func ParseAddr(s string) (Addr, error) {
	if s == "" {
		return Addr{}, fmt.Errorf("empty host identifier")
	}
	var a Addr
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		a.User, s = s[:at], s[at+1:]
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		a.Host, a.Port = host, port
	} else {
		a.Host = strings.Trim(s, "[]")
	}
	if a.Host == "" {
		return Addr{}, fmt.Errorf("host identifier %q has no host", s)
	}
	return a, nil
}

// IsLoopback reports whether the host identifier names the local machine.
// Loopback identifiers are normalized to local execution.
func IsLoopback(s string) bool {
	if s == "" {
		return true
	}
	a, err := ParseAddr(s)
	if err != nil {
		return false
	}
	if strings.EqualFold(a.Host, "localhost") {
		return true
	}
	ip := net.ParseIP(a.Host)
	return ip != nil && ip.IsLoopback()
}

// sftpPath maps a "~"-relative remote path to the form sftp expects: SFTP
// sessions start in the login user's home directory.
func sftpPath(p string) string {
	switch {
	case p == "~" || p == "~/":
		return "."
	case strings.HasPrefix(p, "~/"):
		return p[2:]
	}
	return p
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/toeirei/rcall/internal/dispatch"
	"github.com/toeirei/rcall/internal/environment"
	"github.com/toeirei/rcall/internal/identity"
	"github.com/toeirei/rcall/internal/shell"
)

// HostOption configures a Host.
type HostOption func(*Host)

// WithRuntimeVersion pins the host's companion to a versioned install.
func WithRuntimeVersion(v string) HostOption {
	return func(h *Host) { h.RuntimeVersion = v }
}

// Host is one execution target: the local machine when Addr is empty,
// otherwise an SSH host.
type Host struct {
	Addr           string
	Dir            string
	RuntimeVersion string

	client *Client

	idMu     sync.Mutex
	identity string
}

// IsLocal reports whether operations run in-process.
func (h *Host) IsLocal() bool { return h.Addr == "" }

// String names the host for messages and records.
func (h *Host) String() string {
	if h.IsLocal() {
		return "local"
	}
	return h.Addr
}

// Members implements Context.
func (h *Host) Members() []*Host { return []*Host{h} }

// Concurrency implements Context.
func (h *Host) Concurrency() int { return 1 }

// Ops implements Context.
func (h *Host) Ops() Ops { return Ops{c: h} }

// Shell runs command in the host's working directory and returns its
// captured standard output. A non-zero exit fails with *CommandError unless
// IgnoreErrors is given.
func (h *Host) Shell(ctx context.Context, command string, opts ...ShellOption) (string, error) {
	t, err := h.client.transportFor(h.Addr)
	if err != nil {
		return "", err
	}
	o := shell.Apply(opts...)
	if o.Echo == nil && h.client.opts.Echo != nil {
		o.Echo, o.EchoErr = h.client.opts.Echo, h.client.opts.Echo
	}
	return t.Run(ctx, h.Addr, command, h.Dir, o)
}

// Dispatch runs the named operation on the host and returns its result.
func (h *Host) Dispatch(ctx context.Context, op string, args []any, kwargs map[string]any) (any, error) {
	return h.client.dispatcher.Call(ctx, h.Addr, h.Dir, h.companion(), op, args, kwargs)
}

func (h *Host) companion() string {
	if h.RuntimeVersion != "" {
		return dispatch.CompanionFor(h.RuntimeVersion)
	}
	return h.client.opts.Companion
}

// Handle returns a handle for p resolved against the working directory.
func (h *Host) Handle(p string) Handle {
	return Handle{Host: h, Path: h.resolve(p)}
}

// resolve joins relative paths onto the working directory. Absolute paths
// pass through. Remote "~" paths stay symbolic for the target to expand.
func (h *Host) resolve(p string) string {
	if h.IsLocal() {
		p = expandLocal(p)
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		dir := expandLocal(h.Dir)
		if dir == "" {
			dir, _ = os.Getwd()
		}
		return filepath.Join(dir, p)
	}
	if strings.HasPrefix(p, "/") || p == "~" || strings.HasPrefix(p, "~/") {
		return path.Clean(p)
	}
	dir := h.Dir
	if dir == "" {
		dir = "~"
	}
	return path.Join(dir, p)
}

func expandLocal(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Identity returns the host's persistent identity, creating it on first
// use. The value is cached for the lifetime of h.
func (h *Host) Identity(ctx context.Context) (string, error) {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	if h.identity != "" {
		return h.identity, nil
	}
	t, err := h.client.transportFor(h.Addr)
	if err != nil {
		return "", err
	}
	svc := identity.Service{Transport: t, TempDir: h.client.opts.TempDir}
	id, err := svc.Get(ctx, h.Addr)
	if err != nil {
		return "", err
	}
	h.identity = id
	h.client.recordIdentity(ctx, h.String(), id)
	return id, nil
}

// EnsureEnvironment installs the companion and creates the working
// directory environment when they are missing. It is safe to repeat.
func (h *Host) EnsureEnvironment(ctx context.Context) (Report, error) {
	t, err := h.client.transportFor(h.Addr)
	if err != nil {
		return Report{}, err
	}
	return environment.Ensure(ctx, t, environment.Spec{
		Addr:            h.Addr,
		Dir:             h.Dir,
		RuntimeVersion:  h.RuntimeVersion,
		CompanionBinary: h.client.opts.CompanionBinary,
	})
}

// EnvOption configures an environment created by Host.Env.
type EnvOption func(*environment.Spec)

// WithGit clones url into the environment directory. An existing checkout
// and any local changes in it are replaced by a fresh clone.
func WithGit(url string) EnvOption {
	return func(s *environment.Spec) { s.Git = url }
}

// WithBranch checks out branch instead of the repository default.
func WithBranch(branch string) EnvOption {
	return func(s *environment.Spec) { s.Branch = branch }
}

// Env returns a host rooted at the subdirectory name of h's working
// directory, prepared with EnsureEnvironment and optionally populated from
// a git repository. The returned host shares h's client and connection.
func (h *Host) Env(ctx context.Context, name string, opts ...EnvOption) (*Host, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return nil, fmt.Errorf("invalid environment name %q", name)
	}
	t, err := h.client.transportFor(h.Addr)
	if err != nil {
		return nil, err
	}
	env := &Host{Addr: h.Addr, Dir: h.resolve(name), RuntimeVersion: h.RuntimeVersion, client: h.client}
	spec := environment.Spec{
		Addr:            env.Addr,
		Dir:             env.Dir,
		RuntimeVersion:  env.RuntimeVersion,
		CompanionBinary: h.client.opts.CompanionBinary,
	}
	for _, o := range opts {
		o(&spec)
	}
	if _, err := environment.Ensure(ctx, t, spec); err != nil {
		return nil, err
	}
	return env, nil
}

// Close drops the pooled connection of a remote host. Other hosts sharing
// the client are unaffected.
func (h *Host) Close() error {
	if h.IsLocal() {
		return nil
	}
	if d, ok := h.client.remote.(interface{ Disconnect(string) error }); ok {
		return d.Disconnect(h.Addr)
	}
	return nil
}

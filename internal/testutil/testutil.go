// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil holds hand-written fakes shared by package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/toeirei/rcall/internal/dispatch"
	"github.com/toeirei/rcall/internal/ops"
	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/transport"
	"github.com/toeirei/rcall/internal/wire"
)

// FakeTransport records calls and delegates to optional hooks. Without a
// hook, Run returns "" and Copy/Remove succeed.
type FakeTransport struct {
	RunFunc    func(ctx context.Context, addr, command, dir string, o shell.Options) (string, error)
	CopyFunc   func(ctx context.Context, src, dst transport.Location) error
	RemoveFunc func(ctx context.Context, loc transport.Location) error

	mu       sync.Mutex
	Commands []string
	Copies   [][2]transport.Location
	Removed  []transport.Location
	Closed   bool
}

func (f *FakeTransport) Run(ctx context.Context, addr, command, dir string, o shell.Options) (string, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, command)
	f.mu.Unlock()
	if f.RunFunc != nil {
		return f.RunFunc(ctx, addr, command, dir, o)
	}
	return "", nil
}

func (f *FakeTransport) Copy(ctx context.Context, src, dst transport.Location) error {
	f.mu.Lock()
	f.Copies = append(f.Copies, [2]transport.Location{src, dst})
	f.mu.Unlock()
	if f.CopyFunc != nil {
		return f.CopyFunc(ctx, src, dst)
	}
	return nil
}

func (f *FakeTransport) Remove(ctx context.Context, loc transport.Location) error {
	f.mu.Lock()
	f.Removed = append(f.Removed, loc)
	f.mu.Unlock()
	if f.RemoveFunc != nil {
		return f.RemoveFunc(ctx, loc)
	}
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Calls returns how many Run, Copy and Remove calls were made.
func (f *FakeTransport) Calls() (runs, copies, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Commands), len(f.Copies), len(f.Removed)
}

// NewLoopback returns a loopback transport whose shell serves companion
// invocations in-process from reg, so the full remote protocol runs
// without an SSH server.
func NewLoopback(reg *ops.Registry, codec wire.Codec) *transport.Loopback {
	return &transport.Loopback{Shell: shell.Local{Middlewares: []shell.ExecMiddleware{
		dispatch.CompanionMiddleware(reg, codec, dispatch.DefaultCompanion),
	}}}
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MemberError reports which member of a fan-out failed.
type MemberError struct {
	Index int
	Host  string
	Err   error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("member %d (%s): %v", e.Index, e.Host, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }

// Multi broadcasts calls over an ordered set of hosts. Results are indexed
// like the members, whatever order the calls finish in.
type Multi struct {
	members []*Host
	limit   int
}

// NewMulti returns a fan-out over members. limit bounds how many members
// run at once; 0 means no bound.
func NewMulti(limit int, members ...*Host) *Multi {
	return &Multi{members: append([]*Host(nil), members...), limit: limit}
}

// Members implements Context.
func (m *Multi) Members() []*Host { return append([]*Host(nil), m.members...) }

// Concurrency implements Context.
func (m *Multi) Concurrency() int { return m.limit }

// Ops implements Context.
func (m *Multi) Ops() Ops { return Ops{c: m} }

// Shell runs command on every member.
func (m *Multi) Shell(ctx context.Context, command string, opts ...ShellOption) ([]string, error) {
	return m.Ops().Shell(ctx, command, opts...)
}

// Dispatch runs op on every member.
func (m *Multi) Dispatch(ctx context.Context, op string, args []any, kwargs map[string]any) ([]any, error) {
	return m.Ops().Dispatch(ctx, op, args, kwargs)
}

// Identity returns every member's identity.
func (m *Multi) Identity(ctx context.Context) ([]string, error) {
	return m.Ops().Identity(ctx)
}

// Handle resolves p on every member.
func (m *Multi) Handle(p string) []Handle {
	out := make([]Handle, len(m.members))
	for i, h := range m.members {
		out[i] = h.Handle(p)
	}
	return out
}

// EnsureEnvironment bootstraps every member.
func (m *Multi) EnsureEnvironment(ctx context.Context) ([]Report, error) {
	return fanOut(ctx, m, func(ctx context.Context, h *Host) (Report, error) {
		return h.EnsureEnvironment(ctx)
	})
}

// Env prepares the environment name on every member and returns the group
// of environment hosts, in member order.
func (m *Multi) Env(ctx context.Context, name string, opts ...EnvOption) (*Multi, error) {
	hosts, err := fanOut(ctx, m, func(ctx context.Context, h *Host) (*Host, error) {
		return h.Env(ctx, name, opts...)
	})
	if err != nil {
		return nil, err
	}
	return NewMulti(m.limit, hosts...), nil
}

// Close disconnects every member.
func (m *Multi) Close() error {
	var errs []error
	for _, h := range m.members {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fanOut calls fn for every member of c concurrently and places each
// result at its member's index. The first failure cancels the others and
// is returned as a *MemberError.
func fanOut[T any](ctx context.Context, c Context, fn func(context.Context, *Host) (T, error)) ([]T, error) {
	members := c.Members()
	out := make([]T, len(members))
	g, gctx := errgroup.WithContext(ctx)
	if n := c.Concurrency(); n > 0 {
		g.SetLimit(n)
	}
	for i, h := range members {
		g.Go(func() error {
			v, err := fn(gctx, h)
			if err != nil {
				return &MemberError{Index: i, Host: h.String(), Err: err}
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

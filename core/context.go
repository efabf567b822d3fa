// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import "context"

// Context is anything operations can target: a single Host or a Multi.
// Both expose the same operation set through Ops.
type Context interface {
	// Members returns the hosts in result order.
	Members() []*Host
	// Concurrency bounds how many members run at once; 0 means no bound.
	Concurrency() int
	Ops() Ops
}

var (
	_ Context = (*Host)(nil)
	_ Context = (*Multi)(nil)
)

// Ops runs the operation set over a Context. Every method returns one
// result per member, in member order.
type Ops struct {
	c Context
}

// OpsOf returns the operations of c.
func OpsOf(c Context) Ops { return Ops{c: c} }

func (o Ops) handles(p string) func(*Host) Handle {
	return func(h *Host) Handle { return h.Handle(p) }
}

// Shell runs command on every member.
func (o Ops) Shell(ctx context.Context, command string, opts ...ShellOption) ([]string, error) {
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (string, error) {
		return h.Shell(ctx, command, opts...)
	})
}

// Dispatch runs a named operation on every member.
func (o Ops) Dispatch(ctx context.Context, op string, args []any, kwargs map[string]any) ([]any, error) {
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (any, error) {
		return h.Dispatch(ctx, op, args, kwargs)
	})
}

// Identity returns every member's identity.
func (o Ops) Identity(ctx context.Context) ([]string, error) {
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (string, error) {
		return h.Identity(ctx)
	})
}

// Hostname returns every member's host name.
func (o Ops) Hostname(ctx context.Context) ([]string, error) {
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (string, error) {
		v, err := h.Dispatch(ctx, "hostname", nil, nil)
		if err != nil {
			return "", err
		}
		return asString(v)
	})
}

// Read returns the contents of p on every member.
func (o Ops) Read(ctx context.Context, p string) ([]string, error) {
	at := o.handles(p)
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (string, error) {
		return at(h).Read(ctx)
	})
}

// Write replaces p with data on every member.
func (o Ops) Write(ctx context.Context, p, data string) error {
	at := o.handles(p)
	_, err := fanOut(ctx, o.c, func(ctx context.Context, h *Host) (struct{}, error) {
		return struct{}{}, at(h).Write(ctx, data)
	})
	return err
}

// ReadJSON decodes p as JSON on every member.
func (o Ops) ReadJSON(ctx context.Context, p string) ([]any, error) {
	at := o.handles(p)
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (any, error) {
		return at(h).ReadJSON(ctx)
	})
}

// WriteJSON writes v as JSON to p on every member.
func (o Ops) WriteJSON(ctx context.Context, p string, v any) error {
	at := o.handles(p)
	_, err := fanOut(ctx, o.c, func(ctx context.Context, h *Host) (struct{}, error) {
		return struct{}{}, at(h).WriteJSON(ctx, v)
	})
	return err
}

// ReadYAML decodes p as YAML on every member.
func (o Ops) ReadYAML(ctx context.Context, p string) ([]any, error) {
	at := o.handles(p)
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (any, error) {
		return at(h).ReadYAML(ctx)
	})
}

// WriteYAML writes v as YAML to p on every member.
func (o Ops) WriteYAML(ctx context.Context, p string, v any) error {
	at := o.handles(p)
	_, err := fanOut(ctx, o.c, func(ctx context.Context, h *Host) (struct{}, error) {
		return struct{}{}, at(h).WriteYAML(ctx, v)
	})
	return err
}

// ReadCSV reads p as CSV on every member.
func (o Ops) ReadCSV(ctx context.Context, p string, colnames ...string) ([][]map[string]any, error) {
	at := o.handles(p)
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) ([]map[string]any, error) {
		return at(h).ReadCSV(ctx, colnames...)
	})
}

// WriteCSV writes rows to p on every member.
func (o Ops) WriteCSV(ctx context.Context, p string, rows []map[string]any, colnames ...string) error {
	at := o.handles(p)
	_, err := fanOut(ctx, o.c, func(ctx context.Context, h *Host) (struct{}, error) {
		return struct{}{}, at(h).WriteCSV(ctx, rows, colnames...)
	})
	return err
}

// List lists the directory p on every member.
func (o Ops) List(ctx context.Context, p string) ([][]string, error) {
	at := o.handles(p)
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) ([]string, error) {
		return at(h).List(ctx)
	})
}

// Exists reports per member whether p exists.
func (o Ops) Exists(ctx context.Context, p string) ([]bool, error) {
	at := o.handles(p)
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (bool, error) {
		return at(h).Exists(ctx)
	})
}

// Remove deletes p on every member.
func (o Ops) Remove(ctx context.Context, p string) error {
	at := o.handles(p)
	_, err := fanOut(ctx, o.c, func(ctx context.Context, h *Host) (struct{}, error) {
		return struct{}{}, at(h).Remove(ctx)
	})
	return err
}

// Fetch downloads url to p on every member.
func (o Ops) Fetch(ctx context.Context, url, p string) ([]int64, error) {
	at := o.handles(p)
	return fanOut(ctx, o.c, func(ctx context.Context, h *Host) (int64, error) {
		return at(h).Fetch(ctx, url)
	})
}

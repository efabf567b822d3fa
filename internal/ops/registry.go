// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package ops holds the named operations a dispatcher can route to. The same
// registry serves in-process calls and the companion command on a target
// host, so an operation behaves identically wherever it runs.
package ops // import "github.com/toeirei/rcall/internal/ops"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Func implements one operation. args and kwargs hold canonical wire values.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// ErrUnknownOp is returned for names that are not registered.
var ErrUnknownOp = errors.New("unknown operation")

// Registry maps operation names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Func)}
}

// Register adds or replaces op.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
}

// Lookup returns the implementation of name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOp, name)
	}
	return fn, nil
}

// Names lists registered operations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the shared registry holding the built-in operations.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
		RegisterBuiltins(defaultReg)
	})
	return defaultReg
}

type dirKey struct{}

// WithDir returns a context whose relative operation paths resolve against dir.
func WithDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, dirKey{}, dir)
}

// Resolve expands a leading "~" and joins relative paths onto the directory
// carried by ctx (or the process working directory).
func Resolve(ctx context.Context, p string) (string, error) {
	p, err := expandHome(p)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	dir, _ := ctx.Value(dirKey{}).(string)
	if dir == "" {
		return p, nil
	}
	if dir, err = expandHome(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, p), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p[1:], "/")), nil
}

// ArgError reports a missing or mistyped operation argument.
type ArgError struct {
	Name string
	Want string
	Got  any
}

func (e *ArgError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("argument %s: missing %s", e.Name, e.Want)
	}
	return fmt.Sprintf("argument %s: want %s, got %T", e.Name, e.Want, e.Got)
}

func stringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", &ArgError{Name: name, Want: "string"}
	}
	s, ok := args[i].(string)
	if !ok {
		return "", &ArgError{Name: name, Want: "string", Got: args[i]}
	}
	return s, nil
}

func optStringArg(args []any, i int, def string) (string, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return stringArg(args, i, fmt.Sprintf("args[%d]", i))
}

func valueArg(args []any, i int, name string) (any, error) {
	if i >= len(args) {
		return nil, &ArgError{Name: name, Want: "value"}
	}
	return args[i], nil
}

func boolKwarg(kwargs map[string]any, name string, def bool) (bool, error) {
	v, ok := kwargs[name]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ArgError{Name: name, Want: "bool", Got: v}
	}
	return b, nil
}

func stringsKwarg(kwargs map[string]any, name string) ([]string, error) {
	v, ok := kwargs[name]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &ArgError{Name: name, Want: "list of strings", Got: v}
	}
	out := make([]string, len(list))
	for i, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, &ArgError{Name: fmt.Sprintf("%s[%d]", name, i), Want: "string", Got: e}
		}
		out[i] = s
	}
	return out, nil
}

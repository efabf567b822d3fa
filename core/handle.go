// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/toeirei/rcall/internal/transport"
)

// Handle is an absolute path on one host. The zero value is unusable.
type Handle struct {
	Host *Host
	Path string
}

// String renders the handle as host:path, or just the path when local.
func (h Handle) String() string { return h.Location().String() }

// Location returns the handle as a transport location.
func (h Handle) Location() transport.Location {
	return transport.Location{Host: h.Host.Addr, Path: h.Path}
}

// Join returns a handle for a path below h.
func (h Handle) Join(elem ...string) Handle {
	if h.Host.IsLocal() {
		return Handle{Host: h.Host, Path: filepath.Join(append([]string{h.Path}, elem...)...)}
	}
	return Handle{Host: h.Host, Path: path.Join(append([]string{h.Path}, elem...)...)}
}

func (h Handle) call(ctx context.Context, op string, extra []any, kwargs map[string]any) (any, error) {
	return h.Host.Dispatch(ctx, op, append([]any{h.Path}, extra...), kwargs)
}

// Read returns the file contents.
func (h Handle) Read(ctx context.Context) (string, error) {
	v, err := h.call(ctx, "fread", nil, nil)
	if err != nil {
		return "", err
	}
	return asString(v)
}

// Write replaces the file contents.
func (h Handle) Write(ctx context.Context, data string) error {
	_, err := h.call(ctx, "fwrite", []any{data}, nil)
	return err
}

// Append adds data to the end of the file, creating it if needed.
func (h Handle) Append(ctx context.Context, data string) error {
	_, err := h.call(ctx, "fwrite", []any{data}, map[string]any{"append": true})
	return err
}

// ReadJSON decodes the file as JSON.
func (h Handle) ReadJSON(ctx context.Context) (any, error) {
	return h.call(ctx, "jread", nil, nil)
}

// WriteJSON encodes v as JSON into the file.
func (h Handle) WriteJSON(ctx context.Context, v any) error {
	_, err := h.call(ctx, "jwrite", []any{v}, nil)
	return err
}

// ReadYAML decodes the file as YAML.
func (h Handle) ReadYAML(ctx context.Context) (any, error) {
	return h.call(ctx, "yread", nil, nil)
}

// WriteYAML encodes v as YAML into the file.
func (h Handle) WriteYAML(ctx context.Context, v any) error {
	_, err := h.call(ctx, "ywrite", []any{v}, nil)
	return err
}

// ReadCSV returns one map per record. Without colnames the first record is
// the header. Files ending in .tsv are tab separated.
func (h Handle) ReadCSV(ctx context.Context, colnames ...string) ([]map[string]any, error) {
	var kw map[string]any
	if len(colnames) > 0 {
		kw = map[string]any{"colnames": colnames}
	}
	v, err := h.call(ctx, "csvread", nil, kw)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("csvread %s: unexpected result %T", h, v)
	}
	rows := make([]map[string]any, len(list))
	for i, e := range list {
		if rows[i], ok = e.(map[string]any); !ok {
			return nil, fmt.Errorf("csvread %s: row %d is %T", h, i, e)
		}
	}
	return rows, nil
}

// WriteCSV writes rows with a header line. Without colnames the columns
// are the sorted keys of the first row.
func (h Handle) WriteCSV(ctx context.Context, rows []map[string]any, colnames ...string) error {
	var kw map[string]any
	if len(colnames) > 0 {
		kw = map[string]any{"colnames": colnames}
	}
	_, err := h.call(ctx, "csvwrite", []any{rows}, kw)
	return err
}

// List returns the entries of the directory in natural order.
func (h Handle) List(ctx context.Context) ([]string, error) {
	v, err := h.call(ctx, "ls", nil, nil)
	if err != nil {
		return nil, err
	}
	return asStrings(v)
}

// Exists reports whether the path exists.
func (h Handle) Exists(ctx context.Context) (bool, error) {
	v, err := h.call(ctx, "exists", nil, nil)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("exists %s: unexpected result %T", h, v)
	}
	return b, nil
}

// Remove deletes the path recursively. A missing path is not an error.
func (h Handle) Remove(ctx context.Context) error {
	_, err := h.call(ctx, "rm", nil, nil)
	return err
}

// Rename moves the file to to, resolved like Host.Handle, and returns the
// new handle.
func (h Handle) Rename(ctx context.Context, to string) (Handle, error) {
	dst := h.Host.Handle(to)
	if _, err := h.call(ctx, "mv", []any{dst.Path}, nil); err != nil {
		return Handle{}, err
	}
	return dst, nil
}

// Fetch downloads url into the file and returns the number of bytes
// written.
func (h Handle) Fetch(ctx context.Context, url string) (int64, error) {
	v, err := h.Host.Dispatch(ctx, "fetch", []any{url, h.Path}, nil)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("fetch %s: unexpected result %T", h, v)
	}
	return n, nil
}

// CopyTo copies the file to dst, which may be on another host.
func (h Handle) CopyTo(ctx context.Context, dst Handle) error {
	return h.Host.client.copier().Copy(ctx, h.Location(), dst.Location())
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected result %T, want string", v)
	}
	return s, nil
}

func asStrings(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result %T, want list", v)
	}
	out := make([]string, len(list))
	for i, e := range list {
		s, err := asString(e)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/toeirei/rcall/internal/shell"
)

// Loopback is a Transport that treats every host as the local machine.
// Commands run on the in-process shell and copies are plain file copies.
// Tests use it to drive the full remote protocol without an SSH server.
type Loopback struct {
	Shell shell.Local
}

// Run implements Runner. addr is only used for error reporting.
func (l *Loopback) Run(ctx context.Context, addr, command, dir string, o shell.Options) (string, error) {
	if dir != "" {
		d, err := expandHome(dir)
		if err != nil {
			return "", err
		}
		dir = d
	}
	out, err := l.Shell.Run(ctx, command, dir, o)
	var ce *shell.CommandError
	if errors.As(err, &ce) && addr != "" {
		ce.Host = addr
	}
	return out, err
}

// Copy implements Copier. Hosts are ignored.
func (l *Loopback) Copy(ctx context.Context, src, dst Location) error {
	r, mode, err := openLocal(src.Path)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	defer func() { _ = r.Close() }()
	if err := writeLocal(ctx, dst.Path, r, mode); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Remove implements Copier.
func (l *Loopback) Remove(ctx context.Context, loc Location) error {
	return removeLocal(loc.Path)
}

// Close implements Transport.
func (l *Loopback) Close() error { return nil }

// expandHome resolves a leading "~" against the local home directory.
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

func openLocal(p string) (io.ReadCloser, os.FileMode, error) {
	path, err := expandHome(p)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	mode := os.FileMode(0o644)
	if fi, err := f.Stat(); err == nil {
		mode = fi.Mode().Perm()
	}
	return f, mode, nil
}

func writeLocal(ctx context.Context, p string, r io.Reader, mode os.FileMode) error {
	path, err := expandHome(p)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, ctxReader{ctx, r}); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

func removeLocal(p string) error {
	path, err := expandHome(p)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/toeirei/rcall/internal/logging"
	"github.com/toeirei/rcall/internal/ops"
	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/wire"
	"mvdan.cc/sh/v3/interp"
)

// Serve is the companion side of a remote call: it decodes text, runs the
// operation in dir and writes the encoded result file. An operation failure
// is reported inside the result record; only envelope and I/O problems are
// returned.
func Serve(ctx context.Context, reg *ops.Registry, codec wire.Codec, text, dir string) error {
	env, err := codec.DecodeEnvelope(text)
	if err != nil {
		return err
	}
	if env.TxID == "" || env.ResultPath == "" {
		return fmt.Errorf("envelope for %q has no transfer slot", env.Op)
	}

	res := wire.Result{TxID: env.TxID}
	v, opErr := runOp(ctx, reg, dir, env)
	if opErr != nil {
		logging.Debugf("dispatch: %s failed: %v", env.Op, opErr)
		res.Error = opErr.Error()
	} else {
		res.Value = v
	}
	out, err := codec.EncodeResult(res)
	if err != nil {
		// The value could not be encoded; report that instead.
		res.Value, res.Error = nil, err.Error()
		if out, err = codec.EncodeResult(res); err != nil {
			return err
		}
	}

	target := env.ResultPath
	if !filepath.IsAbs(target) && dir != "" {
		target = filepath.Join(dir, target)
	}
	return writeAtomic(target, []byte(out))
}

func runOp(ctx context.Context, reg *ops.Registry, dir string, env wire.Envelope) (any, error) {
	fn, err := reg.Lookup(env.Op)
	if err != nil {
		return nil, err
	}
	v, err := fn(ops.WithDir(ctx, dir), env.Args, env.Kwargs)
	if err != nil {
		return nil, err
	}
	return wire.Normalize(v)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// CompanionMiddleware serves "<companion> dispatch <text>" inside the local
// shell interpreter instead of exec'ing a binary. Any command whose base
// name matches the companion's is intercepted.
func CompanionMiddleware(reg *ops.Registry, codec wire.Codec, companion string) shell.ExecMiddleware {
	base := filepath.Base(companion)
	return func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			if len(args) < 2 || filepath.Base(args[0]) != base || args[1] != "dispatch" {
				return next(ctx, args)
			}
			hc := interp.HandlerCtx(ctx)
			if len(args) != 3 {
				fmt.Fprintln(hc.Stderr, "usage: dispatch <envelope>")
				return interp.ExitStatus(2)
			}
			if err := Serve(ctx, reg, codec, args[2], hc.Dir); err != nil {
				fmt.Fprintln(hc.Stderr, err)
				return interp.ExitStatus(1)
			}
			return nil
		}
	}
}

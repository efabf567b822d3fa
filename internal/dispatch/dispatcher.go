// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package dispatch routes named operations to the local registry or, for
// remote hosts, through the companion program: the call is encoded into a
// shell argument, run on the target, and its result file copied back.
package dispatch // import "github.com/toeirei/rcall/internal/dispatch"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/toeirei/rcall/internal/logging"
	"github.com/toeirei/rcall/internal/ops"
	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/transport"
	"github.com/toeirei/rcall/internal/wire"
)

// DefaultCompanion is where the companion lives on a target without a
// pinned runtime version.
const DefaultCompanion = "~/.rcall/bin/rcall"

// CompanionFor returns the companion path for a runtime version.
func CompanionFor(version string) string {
	if version == "" {
		return DefaultCompanion
	}
	return "~/.rcall/versions/" + version + "/rcall"
}

// cleanupTimeout bounds the removal of transfer files after a call.
const cleanupTimeout = 30 * time.Second

// CallRecord describes one finished remote call for auditing.
type CallRecord struct {
	TxID     string
	Host     string
	Op       string
	Outcome  string
	Detail   string
	Duration time.Duration
}

// Auditor receives a record for every remote call.
type Auditor interface {
	LogCall(ctx context.Context, rec CallRecord) error
}

// Dispatcher routes calls. The zero value dispatches locally using the
// default registry; remote calls need Transport.
type Dispatcher struct {
	Registry  *ops.Registry
	Transport transport.Transport
	Codec     wire.Codec
	Arena     *Arena
	// Auditor is optional.
	Auditor Auditor
}

func (d *Dispatcher) registry() *ops.Registry {
	if d.Registry != nil {
		return d.Registry
	}
	return ops.Default()
}

func (d *Dispatcher) arena() *Arena {
	if d.Arena != nil {
		return d.Arena
	}
	return defaultArena
}

// Call runs op on host in dir. An empty host runs in-process.
func (d *Dispatcher) Call(ctx context.Context, host, dir, companion, op string, args []any, kwargs map[string]any) (any, error) {
	if host == "" {
		return d.Local(ctx, dir, op, args, kwargs)
	}
	return d.Remote(ctx, host, dir, companion, op, args, kwargs)
}

// Local runs op in-process. Arguments and the result pass through the same
// canonicalization as a remote call, so both paths return identical values.
func (d *Dispatcher) Local(ctx context.Context, dir, op string, args []any, kwargs map[string]any) (any, error) {
	args, kwargs, err := wire.NormalizeArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	fn, err := d.registry().Lookup(op)
	if err != nil {
		return nil, err
	}
	v, err := fn(ops.WithDir(ctx, dir), args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return wire.Normalize(v)
}

// Remote runs op on host through the companion at companion
// (DefaultCompanion when empty).
func (d *Dispatcher) Remote(ctx context.Context, host, dir, companion, op string, args []any, kwargs map[string]any) (v any, err error) {
	if d.Transport == nil {
		return nil, fmt.Errorf("dispatch %s on %s: no transport configured", op, host)
	}
	if companion == "" {
		companion = DefaultCompanion
	}
	arena := d.arena()
	slot, err := arena.Acquire(dir)
	if err != nil {
		return nil, fmt.Errorf("allocate transfer slot: %w", err)
	}
	defer arena.Release(slot)

	start := time.Now()
	defer func() { d.audit(ctx, slot, host, op, start, err) }()

	text, err := d.Codec.EncodeEnvelope(wire.Envelope{
		Op:         op,
		Args:       args,
		Kwargs:     kwargs,
		TxID:       slot.TxID,
		ResultPath: slot.ResultName,
	})
	if err != nil {
		return nil, err
	}

	command := shell.QuotePath(companion) + " dispatch " + shell.Quote(text)
	logging.Debugf("dispatch: %s on %s (tx %s, %d bytes)", op, host, slot.TxID, len(text))
	if _, err := d.Transport.Run(ctx, host, command, dir, shell.Options{Quiet: true}); err != nil {
		return nil, err
	}

	defer d.cleanup(ctx, host, slot)
	perr := func(reason string, cause error) error {
		return &ProtocolError{Host: host, TxID: slot.TxID, Op: op, Reason: reason, Err: cause}
	}

	if err := d.Transport.Copy(ctx, transport.Remote(host, slot.RemotePath), transport.Local(slot.LocalPath)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, perr("result file missing", err)
		}
		return nil, perr("retrieve result file", err)
	}
	raw, err := os.ReadFile(slot.LocalPath)
	if err != nil {
		return nil, perr("read result file", err)
	}
	if len(raw) == 0 {
		return nil, perr("result file empty", nil)
	}
	res, err := d.Codec.DecodeResult(string(raw))
	if err != nil {
		return nil, err
	}
	if res.TxID != slot.TxID {
		return nil, perr(fmt.Sprintf("result belongs to transaction %s", res.TxID), nil)
	}
	if res.Error != "" {
		return nil, &ProtocolError{Host: host, TxID: slot.TxID, Op: op, Reason: "operation failed", Remote: res.Error}
	}
	return res.Value, nil
}

// cleanup removes both transfer files independently. Failures are logged
// and never replace the call's outcome.
func (d *Dispatcher) cleanup(ctx context.Context, host string, slot *Slot) {
	if err := os.Remove(slot.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warnf("dispatch: remove local result %s: %v", slot.LocalPath, err)
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := d.Transport.Remove(rctx, transport.Remote(host, slot.RemotePath)); err != nil {
		logging.Warnf("dispatch: remove remote result %s on %s: %v", slot.RemotePath, host, err)
	}
}

func (d *Dispatcher) audit(ctx context.Context, slot *Slot, host, op string, start time.Time, err error) {
	if d.Auditor == nil {
		return
	}
	rec := CallRecord{TxID: slot.TxID, Host: host, Op: op, Outcome: "ok", Duration: time.Since(start)}
	if err != nil {
		rec.Outcome, rec.Detail = "error", err.Error()
	}
	if aerr := d.Auditor.LogCall(context.WithoutCancel(ctx), rec); aerr != nil {
		logging.Warnf("dispatch: audit %s: %v", slot.TxID, aerr)
	}
}

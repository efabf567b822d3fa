// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/toeirei/rcall/internal/config"
	"github.com/toeirei/rcall/internal/db"
	"github.com/toeirei/rcall/internal/dispatch"
	"github.com/toeirei/rcall/internal/logging"
	"github.com/toeirei/rcall/internal/ops"
	"github.com/toeirei/rcall/internal/transport"
	"github.com/toeirei/rcall/internal/wire"
)

// Store is the persistence a Client records into. *db.Store implements it.
type Store interface {
	RecordIdentity(ctx context.Context, hostname, identity string) error
	LogCall(ctx context.Context, rec db.CallAudit) error
}

// Options configures NewClient. Every field is optional.
type Options struct {
	// Transport reaches remote hosts. Without one, only local hosts work.
	Transport transport.Transport
	// Registry defaults to ops.Default().
	Registry *ops.Registry
	Codec    wire.Codec
	// Store receives identities and the call audit log.
	Store Store
	// Echo receives live shell output of non-quiet commands; os.Stdout and
	// os.Stderr when nil.
	Echo io.Writer
	// Companion overrides dispatch.DefaultCompanion for hosts without a
	// runtime version.
	Companion string
	// CompanionBinary is pushed by EnsureEnvironment; the running
	// executable when empty.
	CompanionBinary string
	// FanoutLimit bounds concurrent members of a Multi; 0 is unbounded.
	FanoutLimit int
	// TempDir holds transfer artifacts; os.TempDir when empty.
	TempDir string
}

// Client owns the collaborators shared by its hosts.
type Client struct {
	opts       Options
	remote     transport.Transport
	local      *transport.Loopback
	dispatcher *dispatch.Dispatcher
	closers    []func() error
}

// NewClient returns a Client over the given collaborators.
func NewClient(o Options) *Client {
	arena := dispatch.DefaultArena()
	if o.TempDir != "" {
		arena = dispatch.NewArena(o.TempDir)
	}
	d := &dispatch.Dispatcher{
		Registry:  o.Registry,
		Transport: o.Transport,
		Codec:     o.Codec,
		Arena:     arena,
	}
	if o.Store != nil {
		d.Auditor = storeAuditor{o.Store}
	}
	return &Client{
		opts:       o,
		remote:     o.Transport,
		local:      &transport.Loopback{},
		dispatcher: d,
	}
}

// Open builds a Client from configuration: it opens the store, and an SSH
// pool that verifies host keys against it. Close releases both.
func Open(cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Database.Type == db.TypeSQLite && cfg.Database.Dsn != ":memory:" && !isURI(cfg.Database.Dsn) {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Dsn), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := db.Open(cfg.Database.Type, cfg.Database.Dsn)
	if err != nil {
		return nil, err
	}
	pool := transport.NewPool(cfg.ConnectionConfig(), store)
	c := NewClient(Options{
		Transport:       pool,
		Codec:           wire.Codec{CompressThreshold: cfg.Dispatch.CompressThreshold},
		Store:           store,
		Companion:       cfg.Dispatch.Companion,
		CompanionBinary: cfg.Dispatch.CompanionBinary,
		FanoutLimit:     cfg.Fanout.Limit,
	})
	c.closers = append(c.closers, pool.Close, store.Close)
	return c, nil
}

func isURI(dsn string) bool { return strings.HasPrefix(dsn, "file:") }

// Host returns a Host for addr ("[user@]host[:port]"). Empty and loopback
// addresses run locally. dir is the working directory; empty means the
// process working directory locally and the login directory remotely.
func (c *Client) Host(addr, dir string, opts ...HostOption) *Host {
	if transport.IsLoopback(addr) {
		addr = ""
	}
	h := &Host{Addr: addr, Dir: dir, client: c}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Multi returns a fan-out over addrs sharing dir, bounded by the client's
// FanoutLimit.
func (c *Client) Multi(dir string, addrs ...string) *Multi {
	members := make([]*Host, len(addrs))
	for i, a := range addrs {
		members[i] = c.Host(a, dir)
	}
	return NewMulti(c.opts.FanoutLimit, members...)
}

// Registry returns the operation registry calls are routed to.
func (c *Client) Registry() *ops.Registry {
	if c.opts.Registry != nil {
		return c.opts.Registry
	}
	return ops.Default()
}

// Close releases pooled connections and the store when the client opened
// them.
func (c *Client) Close() error {
	var errs []error
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) transportFor(addr string) (transport.Transport, error) {
	if addr == "" {
		return c.local, nil
	}
	if c.remote == nil {
		return nil, fmt.Errorf("host %s: no remote transport configured", addr)
	}
	return c.remote, nil
}

// copier moves files between any two locations.
func (c *Client) copier() transport.Copier {
	if c.remote != nil {
		return c.remote
	}
	return c.local
}

func (c *Client) recordIdentity(ctx context.Context, host, id string) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.RecordIdentity(ctx, host, id); err != nil {
		logging.Warnf("core: record identity of %s: %v", host, err)
	}
}

// storeAuditor adapts a Store to dispatch.Auditor.
type storeAuditor struct{ s Store }

func (a storeAuditor) LogCall(ctx context.Context, rec dispatch.CallRecord) error {
	return a.s.LogCall(ctx, db.CallAudit{
		TxID:       rec.TxID,
		Hostname:   rec.Host,
		Op:         rec.Op,
		Outcome:    rec.Outcome,
		Detail:     rec.Detail,
		DurationMS: rec.Duration.Milliseconds(),
	})
}

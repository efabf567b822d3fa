// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// KnownHostModel maps known_hosts.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string `bun:"hostname,pk"`
	Key           string `bun:"key"`
}

// HostIdentityModel maps host_identities.
type HostIdentityModel struct {
	bun.BaseModel `bun:"table:host_identities"`
	Hostname      string    `bun:"hostname,pk"`
	Identity      string    `bun:"identity"`
	FetchedAt     time.Time `bun:"fetched_at"`
}

// CallAudit is one row of call_audit.
type CallAudit struct {
	bun.BaseModel `bun:"table:call_audit"`
	ID            int64     `bun:"id,pk,autoincrement"`
	TxID          string    `bun:"tx_id"`
	Hostname      string    `bun:"hostname"`
	Op            string    `bun:"op"`
	Outcome       string    `bun:"outcome"`
	Detail        string    `bun:"detail"`
	DurationMS    int64     `bun:"duration_ms"`
	CreatedAt     time.Time `bun:"created_at"`
}

// Store is the Bun-backed persistence layer.
type Store struct {
	bun    *bun.DB
	dbType string
}

// Type returns the database type the store was opened with.
func (s *Store) Type() string { return s.dbType }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.bun.Close() }

// upsert inserts model, replacing the non-key columns on conflict.
func (s *Store) upsert(ctx context.Context, model any, columns ...string) error {
	q := s.bun.NewInsert().Model(model)
	if s.dbType == TypeMySQL {
		q = q.On("DUPLICATE KEY UPDATE")
		for _, c := range columns {
			q = q.Set("? = VALUES(?)", bun.Ident(c), bun.Ident(c))
		}
	} else {
		q = q.On("CONFLICT (hostname) DO UPDATE")
		for _, c := range columns {
			q = q.Set("? = EXCLUDED.?", bun.Ident(c), bun.Ident(c))
		}
	}
	_, err := q.Exec(ctx)
	return MapDBError(err)
}

// GetKnownHostKey returns the trusted key for hostname, or "" when none is stored.
func (s *Store) GetKnownHostKey(ctx context.Context, hostname string) (string, error) {
	var kh KnownHostModel
	err := s.bun.NewSelect().Model(&kh).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return kh.Key, nil
}

// AddKnownHostKey stores or replaces the trusted key for hostname.
func (s *Store) AddKnownHostKey(ctx context.Context, hostname, key string) error {
	if hostname == "" || key == "" {
		return fmt.Errorf("hostname and key are required")
	}
	return s.upsert(ctx, &KnownHostModel{Hostname: hostname, Key: key}, "key")
}

// RecordIdentity caches the identity last fetched from hostname.
func (s *Store) RecordIdentity(ctx context.Context, hostname, identity string) error {
	m := &HostIdentityModel{Hostname: hostname, Identity: identity, FetchedAt: time.Now().UTC()}
	return s.upsert(ctx, m, "identity", "fetched_at")
}

// GetIdentity returns the cached identity of hostname. ok is false when
// none has been recorded.
func (s *Store) GetIdentity(ctx context.Context, hostname string) (identity string, fetchedAt time.Time, ok bool, err error) {
	var m HostIdentityModel
	err = s.bun.NewSelect().Model(&m).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, err
	}
	return m.Identity, m.FetchedAt, true, nil
}

// LogCall appends rec to the audit log. CreatedAt defaults to now.
func (s *Store) LogCall(ctx context.Context, rec CallAudit) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = 0
	_, err := s.bun.NewInsert().Model(&rec).ExcludeColumn("id").Exec(ctx)
	return MapDBError(err)
}

// RecentCalls returns up to limit audit rows, newest first, optionally
// restricted to one host.
func (s *Store) RecentCalls(ctx context.Context, hostname string, limit int) ([]CallAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []CallAudit
	q := s.bun.NewSelect().Model(&rows).OrderExpr("created_at DESC, id DESC").Limit(limit)
	if hostname != "" {
		q = q.Where("hostname = ?", hostname)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

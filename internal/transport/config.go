// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import "time"

// Default timeouts for SSH operations.
const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultCommandTimeout    = 0 // unbounded; callers bound commands with their context
	DefaultSFTPTimeout       = 2 * time.Minute
	DefaultPort              = "22"
)

// HostKeyPolicy selects how server host keys are verified.
type HostKeyPolicy string

const (
	// HostKeyStore checks keys against the rcall store (see internal/db).
	HostKeyStore HostKeyPolicy = "store"
	// HostKeyKnownHosts checks keys against an OpenSSH known_hosts file.
	HostKeyKnownHosts HostKeyPolicy = "known_hosts"
	// HostKeyInsecure accepts any key. Only meant for tests and throwaway VMs.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// ConnectionConfig holds SSH connection settings shared by all hosts of a Pool.
type ConnectionConfig struct {
	User       string
	Port       string
	KeyFile    string
	Passphrase string

	HostKeyPolicy  HostKeyPolicy
	KnownHostsFile string
	// TrustOnFirstUse records unknown host keys instead of rejecting them
	// under HostKeyStore.
	TrustOnFirstUse bool

	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	SFTPTimeout       time.Duration
}

// DefaultConnectionConfig returns a ConnectionConfig with default timeouts
// and the store host key policy.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Port:              DefaultPort,
		HostKeyPolicy:     HostKeyStore,
		ConnectionTimeout: DefaultConnectionTimeout,
		CommandTimeout:    DefaultCommandTimeout,
		SFTPTimeout:       DefaultSFTPTimeout,
	}
}

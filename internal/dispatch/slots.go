// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package dispatch

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/toeirei/rcall/internal/logging"
)

// ResultPrefix names result files on both sides of a call.
const ResultPrefix = ".dispatch.result."

// Slot is the transfer state of one remote call: the result file the
// companion writes and the local artifact it is pulled into.
type Slot struct {
	TxID string
	// ResultName is relative to the companion's working directory.
	ResultName string
	// RemotePath is ResultName as seen by the copy primitive.
	RemotePath string
	LocalPath  string
}

// Arena tracks in-flight slots so interrupted calls can clean up their
// local artifacts.
type Arena struct {
	tmpDir string

	mu    sync.Mutex
	slots map[string]*Slot
}

// NewArena returns an arena placing local artifacts in tmpDir
// (os.TempDir when empty).
func NewArena(tmpDir string) *Arena {
	return &Arena{tmpDir: tmpDir, slots: make(map[string]*Slot)}
}

var defaultArena = NewArena("")

// DefaultArena is the process-wide arena the signal handler drains.
func DefaultArena() *Arena { return defaultArena }

// Acquire allocates a slot for a call running in remoteDir.
func (a *Arena) Acquire(remoteDir string) (*Slot, error) {
	txid := uuid.NewString()
	local, err := TempName(a.tmpDir, txid)
	if err != nil {
		return nil, err
	}
	name := ResultPrefix + txid
	remote := name
	if remoteDir != "" {
		remote = path.Join(remoteDir, name)
	}
	s := &Slot{TxID: txid, ResultName: name, RemotePath: remote, LocalPath: local}

	a.mu.Lock()
	a.slots[txid] = s
	a.mu.Unlock()
	return s, nil
}

// Release forgets s. Its files must already be cleaned up.
func (a *Arena) Release(s *Slot) {
	a.mu.Lock()
	delete(a.slots, s.TxID)
	a.mu.Unlock()
}

// InFlight returns the number of slots not yet released.
func (a *Arena) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// CleanupAll removes the local artifact of every in-flight slot and clears
// the arena. Remote result files are left to their owning calls.
func (a *Arena) CleanupAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, s := range a.slots {
		if err := os.Remove(s.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	a.slots = make(map[string]*Slot)
	return errors.Join(errs...)
}

// TempName returns a local artifact path for txid with a random suffix.
func TempName(dir, txid string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return filepath.Join(dir, ResultPrefix+txid+"."+hex.EncodeToString(b[:])), nil
}

var signalHandlerOnce sync.Once

// InstallSignalHandler removes local artifacts of in-flight calls on SIGINT
// or SIGTERM, then exits. Repeated calls are no-ops.
func InstallSignalHandler() {
	signalHandlerOnce.Do(func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			if err := defaultArena.CleanupAll(); err != nil {
				logging.Warnf("dispatch: cleanup after %s: %v", sig, err)
			}
			os.Exit(130)
		}()
	})
}

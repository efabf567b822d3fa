// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package identity manages the persistent random identifier stored in a
// host's home directory. The identifier is created at most once and never
// changes afterwards.
package identity // import "github.com/toeirei/rcall/internal/identity"

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/toeirei/rcall/internal/logging"
	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/transport"
)

// FileName is the identity file, relative to the home directory.
const FileName = ".dispatch.identity"

// Length is the number of characters in an identity.
const Length = 32

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ErrInvalidIdentity is returned when the stored identity is malformed.
var ErrInvalidIdentity = errors.New("invalid identity")

// Service ensures and fetches identities through a transport. An empty
// host address is the local machine.
type Service struct {
	Transport transport.Transport
	// TempDir holds fetched copies; os.TempDir when empty.
	TempDir string
}

// Generate returns a fresh identity from crypto/rand.
func Generate() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate identity: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Valid reports whether s is a well-formed identity.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// Ensure creates the identity file on addr unless it already exists. The
// value is staged in a private file and published with a hard link, which
// fails when another caller got there first, so an existing identity is
// never replaced. An empty file, left behind by an interrupted write, counts
// as missing and is replaced by renaming the staged file over it.
func (s *Service) Ensure(ctx context.Context, addr string) error {
	id, err := Generate()
	if err != nil {
		return err
	}
	stage, err := Generate()
	if err != nil {
		return err
	}
	staging := FileName + ".stage." + stage
	script := strings.Join([]string{
		"if [ -s " + FileName + " ]; then exit 0; fi",
		"printf '%s' " + id + " > " + staging + " && chmod 600 " + staging + " || exit 1",
		"if ! ln " + staging + " " + FileName + " 2>/dev/null && [ ! -s " + FileName + " ]; then mv -f " + staging + " " + FileName + "; fi",
		"rm -f " + staging,
		"[ -s " + FileName + " ]",
	}, "\n")
	if _, err := s.Transport.Run(ctx, addr, script, "~", shell.Options{Quiet: true, NoEnv: true}); err != nil {
		return fmt.Errorf("ensure identity on %s: %w", hostLabel(addr), err)
	}
	return nil
}

// Fetch reads the identity of addr by copying the file to a local
// temporary.
func (s *Service) Fetch(ctx context.Context, addr string) (string, error) {
	f, err := os.CreateTemp(s.TempDir, FileName+".*")
	if err != nil {
		return "", fmt.Errorf("fetch identity: %w", err)
	}
	tmp := f.Name()
	_ = f.Close()
	defer func() {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warnf("identity: remove %s: %v", tmp, err)
		}
	}()

	src := transport.Location{Host: addr, Path: "~/" + FileName}
	if err := s.Transport.Copy(ctx, src, transport.Local(tmp)); err != nil {
		return "", fmt.Errorf("fetch identity from %s: %w", hostLabel(addr), err)
	}
	raw, err := os.ReadFile(tmp)
	if err != nil {
		return "", fmt.Errorf("fetch identity: %w", err)
	}
	id := strings.TrimSpace(string(raw))
	if !Valid(id) {
		return "", fmt.Errorf("%w on %s: %q", ErrInvalidIdentity, hostLabel(addr), id)
	}
	return id, nil
}

// Get ensures and then fetches the identity of addr.
func (s *Service) Get(ctx context.Context, addr string) (string, error) {
	if err := s.Ensure(ctx, addr); err != nil {
		return "", err
	}
	return s.Fetch(ctx, addr)
}

func hostLabel(addr string) string {
	if addr == "" {
		return "local"
	}
	return addr
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/toeirei/rcall/internal/logging"
	"github.com/toeirei/rcall/internal/shell"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// KnownHostStore persists trusted host keys. Keys are in authorized_keys form
// ("ssh-ed25519 AAAA...") and hosts are normalized with knownhosts.Normalize.
type KnownHostStore interface {
	GetKnownHostKey(ctx context.Context, host string) (string, error)
	AddKnownHostKey(ctx context.Context, host, key string) error
}

// sessionRunner is the part of an SSH session used to run a script.
type sessionRunner interface {
	Run(script string, stdout, stderr io.Writer) error
	Close() error
}

// sshClientIface is the part of an SSH client the pool needs.
type sshClientIface interface {
	NewSession() (sessionRunner, error)
	Close() error
}

// remoteFS is the file API used for copies. *sftp.Client satisfies it via sftpFS.
type remoteFS interface {
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Stat(path string) (os.FileInfo, error)
	Chmod(path string, mode os.FileMode) error
	Remove(path string) error
	Close() error
}

type clientAdapter struct{ c *ssh.Client }

func (a clientAdapter) NewSession() (sessionRunner, error) {
	s, err := a.c.NewSession()
	if err != nil {
		return nil, err
	}
	return sessionAdapter{s}, nil
}

func (a clientAdapter) Close() error { return a.c.Close() }

type sessionAdapter struct{ s *ssh.Session }

func (a sessionAdapter) Run(script string, stdout, stderr io.Writer) error {
	a.s.Stdout, a.s.Stderr = stdout, stderr
	return a.s.Run(script)
}

func (a sessionAdapter) Close() error { return a.s.Close() }

type sftpFS struct{ c *sftp.Client }

func (f sftpFS) Open(p string) (io.ReadCloser, error)    { return f.c.Open(p) }
func (f sftpFS) Create(p string) (io.WriteCloser, error) { return f.c.Create(p) }
func (f sftpFS) Stat(p string) (os.FileInfo, error)      { return f.c.Stat(p) }
func (f sftpFS) Chmod(p string, mode os.FileMode) error  { return f.c.Chmod(p, mode) }
func (f sftpFS) Remove(p string) error                   { return f.c.Remove(p) }
func (f sftpFS) Close() error                            { return f.c.Close() }

// Package-level hooks, swapped in tests.
var (
	sshDial = func(network, addr string, cfg *ssh.ClientConfig) (sshClientIface, error) {
		c, err := ssh.Dial(network, addr, cfg)
		if err != nil {
			return nil, err
		}
		return clientAdapter{c}, nil
	}
	newSftpClient = func(c sshClientIface) (remoteFS, error) {
		ca, ok := c.(clientAdapter)
		if !ok {
			return nil, fmt.Errorf("sftp requires a real ssh client, got %T", c)
		}
		s, err := sftp.NewClient(ca.c)
		if err != nil {
			return nil, err
		}
		return sftpFS{s}, nil
	}
	sshAgentGetter   = getSSHAgent
	passphrasePrompt = promptPassphrase
)

// Pool keeps one SSH connection per host address and implements Transport.
// It is safe for concurrent use.
type Pool struct {
	cfg  ConnectionConfig
	keys KnownHostStore

	signerOnce sync.Once
	signer     ssh.Signer
	signerErr  error

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	dialOnce sync.Once
	client   sshClientIface
	dialErr  error

	fsOnce sync.Once
	fs     remoteFS
	fsErr  error
}

// NewPool returns a Pool. keys may be nil unless cfg uses HostKeyStore.
func NewPool(cfg ConnectionConfig, keys KnownHostStore) *Pool {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.SFTPTimeout <= 0 {
		cfg.SFTPTimeout = DefaultSFTPTimeout
	}
	if cfg.HostKeyPolicy == "" {
		cfg.HostKeyPolicy = HostKeyStore
	}
	return &Pool{cfg: cfg, keys: keys, conns: make(map[string]*conn)}
}

// Run implements Runner. The script composed by shell.Compose is executed by
// the remote login shell.
func (p *Pool) Run(ctx context.Context, addr, command, dir string, o shell.Options) (string, error) {
	c, err := p.conn(ctx, addr)
	if err != nil {
		return "", &shell.CommandError{Host: addr, Command: command, ExitCode: -1, Err: err}
	}
	if p.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CommandTimeout)
		defer cancel()
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return "", &shell.CommandError{Host: addr, Command: command, ExitCode: -1, Err: fmt.Errorf("open session: %w", err)}
	}
	defer func() { _ = sess.Close() }()

	capture, stdout, stderr, errTail := o.Writers()
	script := shell.Compose(command, dir, o)
	logging.Debugf("transport: run on %s in %q: %s", addr, dir, command)

	done := make(chan error, 1)
	go func() { done <- sess.Run(script, stdout, stderr) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = sess.Close()
		return capture.String(), &shell.CommandError{
			Host: addr, Command: command, ExitCode: -1,
			Output: capture.String(), Stderr: errTail.String(), Err: ctx.Err(),
		}
	}
	if runErr == nil {
		return capture.String(), nil
	}

	code := -1
	var status interface{ ExitStatus() int }
	if errors.As(runErr, &status) {
		code = status.ExitStatus()
		if o.IgnoreErrors {
			logging.Debugf("transport: ignoring exit code %d on %s", code, addr)
			return capture.String(), nil
		}
		runErr = nil
	}
	return capture.String(), &shell.CommandError{
		Host:     addr,
		Command:  command,
		ExitCode: code,
		Output:   capture.String(),
		Stderr:   errTail.String(),
		Err:      runErr,
	}
}

// Copy implements Copier.
func (p *Pool) Copy(ctx context.Context, src, dst Location) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SFTPTimeout)
	defer cancel()

	var (
		r    io.ReadCloser
		mode os.FileMode = 0o644
		err  error
	)
	if src.IsLocal() {
		r, mode, err = openLocal(src.Path)
	} else {
		var fs remoteFS
		if fs, err = p.fs(ctx, src.Host); err == nil {
			rp := sftpPath(src.Path)
			if fi, serr := fs.Stat(rp); serr == nil {
				mode = fi.Mode().Perm()
			}
			r, err = fs.Open(rp)
		}
	}
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	defer func() { _ = r.Close() }()

	if dst.IsLocal() {
		err = writeLocal(ctx, dst.Path, r, mode)
	} else {
		err = p.writeRemote(ctx, dst, r, mode)
	}
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (p *Pool) writeRemote(ctx context.Context, dst Location, r io.Reader, mode os.FileMode) error {
	fs, err := p.fs(ctx, dst.Host)
	if err != nil {
		return err
	}
	rp := sftpPath(dst.Path)
	w, err := fs.Create(rp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, ctxReader{ctx, r}); err != nil {
		_ = w.Close()
		_ = fs.Remove(rp)
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return fs.Chmod(rp, mode)
}

// Remove implements Copier. A missing file is not an error.
func (p *Pool) Remove(ctx context.Context, loc Location) error {
	if loc.IsLocal() {
		return removeLocal(loc.Path)
	}
	fs, err := p.fs(ctx, loc.Host)
	if err != nil {
		return err
	}
	if err := fs.Remove(sftpPath(loc.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", loc, err)
	}
	return nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	var errs []error
	for addr, c := range conns {
		if err := c.close(addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the pooled connection to addr, if any. The next call
// for addr dials again.
func (p *Pool) Disconnect(addr string) error {
	p.mu.Lock()
	c, ok := p.conns[addr]
	delete(p.conns, addr)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.close(addr)
}

func (c *conn) close(addr string) error {
	if c.fs != nil {
		_ = c.fs.Close()
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			return fmt.Errorf("close %s: %w", addr, err)
		}
	}
	return nil
}

func (p *Pool) fs(ctx context.Context, addr string) (remoteFS, error) {
	c, err := p.conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.fsOnce.Do(func() {
		c.fs, c.fsErr = newSftpClient(c.client)
		if c.fsErr != nil {
			c.fsErr = fmt.Errorf("failed to create sftp client for %s: %w", addr, c.fsErr)
		}
	})
	return c.fs, c.fsErr
}

// conn returns the pooled connection for addr, dialing it on first use.
// Concurrent callers for the same host share one handshake; a failed dial
// is forgotten so the next call retries.
func (p *Pool) conn(ctx context.Context, addr string) (*conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	c, ok := p.conns[addr]
	if !ok {
		c = &conn{}
		p.conns[addr] = c
	}
	p.mu.Unlock()

	c.dialOnce.Do(func() { c.client, c.dialErr = p.dial(addr) })
	if c.dialErr != nil {
		p.mu.Lock()
		if p.conns[addr] == c {
			delete(p.conns, addr)
		}
		p.mu.Unlock()
		return nil, c.dialErr
	}
	return c, nil
}

func (p *Pool) dial(addr string) (sshClientIface, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	userName := firstNonEmpty(a.User, p.cfg.User, currentUser())
	port := firstNonEmpty(a.Port, p.cfg.Port, DefaultPort)
	target := net.JoinHostPort(a.Host, port)

	hostKeyCallback, err := p.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	newConfig := func(auth ssh.AuthMethod) *ssh.ClientConfig {
		return &ssh.ClientConfig{
			User:            userName,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: hostKeyCallback,
			Timeout:         p.cfg.ConnectionTimeout,
		}
	}

	var finalErr error

	// Attempt 1: the configured private key.
	if p.cfg.KeyFile != "" {
		signer, err := p.loadSigner()
		if err != nil {
			return nil, err
		}
		client, err := sshDial("tcp", target, newConfig(ssh.PublicKeys(signer)))
		if err == nil {
			logging.Debugf("transport: connected to %s with key file", target)
			return client, nil
		}
		if !IsAuthenticationError(err) {
			return nil, fmt.Errorf("connection to %s failed: %w", target, err)
		}
		finalErr = err
	}

	// Attempt 2: the SSH agent.
	agentClient := sshAgentGetter()
	if agentClient == nil {
		if finalErr != nil {
			return nil, fmt.Errorf("key authentication to %s failed, and no SSH agent available for fallback: %w", target, finalErr)
		}
		return nil, fmt.Errorf("no authentication method available for %s (no key file configured and no ssh agent found)", target)
	}
	client, err := sshDial("tcp", target, newConfig(ssh.PublicKeysCallback(agentClient.Signers)))
	if err != nil {
		return nil, fmt.Errorf("connection to %s with ssh agent failed: %w", target, err)
	}
	logging.Debugf("transport: connected to %s with ssh agent", target)
	return client, nil
}

func (p *Pool) loadSigner() (ssh.Signer, error) {
	p.signerOnce.Do(func() {
		path, err := expandHome(p.cfg.KeyFile)
		if err != nil {
			p.signerErr = err
			return
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			p.signerErr = fmt.Errorf("read key file: %w", err)
			return
		}
		p.signer, err = ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			pass := []byte(p.cfg.Passphrase)
			if len(pass) == 0 {
				if pass, err = passphrasePrompt(path); err != nil {
					p.signerErr = err
					return
				}
			}
			p.signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, pass)
		}
		if err != nil {
			p.signerErr = fmt.Errorf("unable to parse private key %s: %w", path, err)
		}
	})
	return p.signer, p.signerErr
}

func (p *Pool) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch p.cfg.HostKeyPolicy {
	case HostKeyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-in
	case HostKeyKnownHosts:
		file := p.cfg.KnownHostsFile
		if file == "" {
			file = "~/.ssh/known_hosts"
		}
		path, err := expandHome(file)
		if err != nil {
			return nil, err
		}
		return knownhosts.New(path)
	case HostKeyStore:
		if p.keys == nil {
			return nil, fmt.Errorf("host key policy %q requires a host key store", HostKeyStore)
		}
		return storeCallback(p.keys, p.cfg.TrustOnFirstUse), nil
	}
	return nil, fmt.Errorf("unknown host key policy %q", p.cfg.HostKeyPolicy)
}

// storeCallback verifies presented keys against store.
func storeCallback(store KnownHostStore, tofu bool) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host := knownhosts.Normalize(hostname)
		presented := string(ssh.MarshalAuthorizedKey(key))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		known, err := store.GetKnownHostKey(ctx, host)
		if err != nil {
			return fmt.Errorf("failed to query known hosts store: %w", err)
		}
		if known == "" {
			if !tofu {
				return fmt.Errorf("%w for %s. run 'rcall trust-host' to add it", ErrUnknownHostKey, host)
			}
			logging.Warnf("transport: trusting new host key for %s (%s)", host, ssh.FingerprintSHA256(key))
			return store.AddKnownHostKey(ctx, host, presented)
		}
		if known != presented {
			return fmt.Errorf("%w for %s: remote presented %s. This could be a man-in-the-middle attack",
				ErrHostKeyMismatch, host, ssh.FingerprintSHA256(key))
		}
		return nil
	}
}

// GetRemoteHostKey connects to addr only to capture its host key.
func GetRemoteHostKey(addr string) (ssh.PublicKey, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(a.Host, firstNonEmpty(a.Port, DefaultPort))
	keyChan := make(chan ssh.PublicKey, 1)
	cfg := &ssh.ClientConfig{
		User: "rcall-keyscan",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyChan <- key
			return ErrHostKeySuccessfullyRetrieved
		},
		Timeout: 5 * time.Second,
	}
	client, err := sshDial("tcp", target, cfg)
	if err == nil {
		_ = client.Close()
		return nil, fmt.Errorf("ssh handshake with %s succeeded unexpectedly, could not retrieve key", target)
	}
	if errors.Is(err, ErrHostKeySuccessfullyRetrieved) || containsAny(err, ErrHostKeySuccessfullyRetrieved.Error()) {
		select {
		case k := <-keyChan:
			return k, nil
		default:
		}
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
}

// NormalizeHost renders addr the way host keys are stored.
func NormalizeHost(addr string) string {
	a, err := ParseAddr(addr)
	if err != nil {
		return addr
	}
	return knownhosts.Normalize(net.JoinHostPort(a.Host, firstNonEmpty(a.Port, DefaultPort)))
}

func promptPassphrase(keyFile string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("key %s is encrypted and no passphrase is configured", keyFile)
	}
	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", filepath.Base(keyFile))
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return pass, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

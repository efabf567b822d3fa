// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package environment prepares a host for remote calls: it installs the
// companion program and creates the working directory with its activation
// script. Every step checks before acting, so Ensure can run any number of
// times.
package environment // import "github.com/toeirei/rcall/internal/environment"

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/toeirei/rcall/internal/dispatch"
	"github.com/toeirei/rcall/internal/logging"
	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/transport"
)

// Spec describes the environment a host should have.
type Spec struct {
	// Addr is the host; empty means the local machine, where the companion
	// runs in-process and nothing is installed.
	Addr string
	Dir  string
	// RuntimeVersion pins the companion to ~/.rcall/versions/<version>.
	RuntimeVersion string
	// CompanionBinary is the local file pushed to hosts lacking the
	// companion. Defaults to the running executable.
	CompanionBinary string
	// Git, when set, is cloned fresh into Dir on every Ensure. Local
	// changes in Dir are discarded; the activation script is kept.
	Git    string
	Branch string
}

// Report lists what Ensure changed.
type Report struct {
	InstalledCompanion bool
	InstalledVersion   bool
	CreatedEnv         bool
	SyncedSource       bool
}

// Changed reports whether anything was installed or created.
func (r Report) Changed() bool {
	return r.InstalledCompanion || r.InstalledVersion || r.CreatedEnv || r.SyncedSource
}

// Ensure brings the host described by spec up to date.
func Ensure(ctx context.Context, t transport.Transport, spec Spec) (Report, error) {
	var rep Report
	if spec.RuntimeVersion != "" {
		if _, err := semver.NewVersion(spec.RuntimeVersion); err != nil {
			return rep, fmt.Errorf("invalid runtime version %q: %w", spec.RuntimeVersion, err)
		}
	}
	if spec.Git != "" && spec.Dir == "" {
		return rep, fmt.Errorf("git source %s needs a directory", spec.Git)
	}
	if spec.Branch != "" && spec.Git == "" {
		return rep, fmt.Errorf("branch %q given without a git source", spec.Branch)
	}
	remote := spec.Addr != ""

	if remote && spec.RuntimeVersion != "" {
		installed, err := ensureCompanion(ctx, t, spec, dispatch.CompanionFor(spec.RuntimeVersion))
		if err != nil {
			return rep, err
		}
		rep.InstalledVersion = installed
	}

	if spec.Git != "" {
		if err := syncSource(ctx, t, spec); err != nil {
			return rep, err
		}
		rep.SyncedSource = true
	}

	if spec.Dir != "" {
		created, err := ensureEnvDir(ctx, t, spec)
		if err != nil {
			return rep, err
		}
		rep.CreatedEnv = created
	}

	if remote {
		installed, err := ensureCompanion(ctx, t, spec, dispatch.DefaultCompanion)
		if err != nil {
			return rep, err
		}
		rep.InstalledCompanion = installed
	}
	return rep, nil
}

// run executes a setup script from the login directory without activation.
func run(ctx context.Context, t transport.Transport, addr, script string) (string, error) {
	return t.Run(ctx, addr, script, "", shell.Options{Quiet: true, NoEnv: true})
}

func ensureCompanion(ctx context.Context, t transport.Transport, spec Spec, target string) (bool, error) {
	out, err := run(ctx, t, spec.Addr, "if [ -x "+shell.QuotePath(target)+" ]; then echo present; else echo missing; fi")
	if err != nil {
		return false, fmt.Errorf("check companion on %s: %w", spec.Addr, err)
	}
	if strings.TrimSpace(out) == "present" {
		return false, nil
	}

	bin := spec.CompanionBinary
	if bin == "" {
		if bin, err = os.Executable(); err != nil {
			return false, fmt.Errorf("locate companion binary: %w", err)
		}
	}
	logging.Infof("environment: installing companion %s on %s", target, spec.Addr)
	if _, err := run(ctx, t, spec.Addr, "mkdir -p "+shell.QuotePath(path.Dir(target))); err != nil {
		return false, fmt.Errorf("create companion directory on %s: %w", spec.Addr, err)
	}
	if err := t.Copy(ctx, transport.Local(bin), transport.Remote(spec.Addr, target)); err != nil {
		return false, fmt.Errorf("install companion on %s: %w", spec.Addr, err)
	}
	if _, err := run(ctx, t, spec.Addr, "chmod 755 "+shell.QuotePath(target)); err != nil {
		return false, fmt.Errorf("install companion on %s: %w", spec.Addr, err)
	}
	return true, nil
}

// ActivateScript is the content of <dir>/.rcall-env/activate.
func ActivateScript(version string) string {
	bin := `"$HOME/.rcall/bin"`
	if version != "" {
		bin = `"$HOME/.rcall/versions/` + version + `"`
	}
	return "# created by rcall\n" +
		"export RCALL_ENV=\"$PWD\"\n" +
		"export PATH=" + bin + ":\"$PATH\"\n"
}

func ensureEnvDir(ctx context.Context, t transport.Transport, spec Spec) (bool, error) {
	dir := shell.QuotePath(spec.Dir)
	activate := shell.EnvDir + "/activate"
	script := strings.Join([]string{
		"mkdir -p " + dir + " && cd " + dir + " || exit 1",
		"if [ -f " + activate + " ]; then echo present; exit 0; fi",
		"mkdir -p " + shell.EnvDir + " || exit 1",
		"printf '%s\\n'" + quoteLines(ActivateScript(spec.RuntimeVersion)) + " > " + activate + " || exit 1",
		"echo created",
	}, "\n")
	out, err := run(ctx, t, spec.Addr, script)
	if err != nil {
		return false, fmt.Errorf("prepare %s on %s: %w", spec.Dir, hostLabel(spec.Addr), err)
	}
	return strings.TrimSpace(out) == "created", nil
}

// syncSource replaces the contents of spec.Dir with a fresh clone of
// spec.Git. The clone lands in a temporary directory first, so a failed
// clone leaves Dir untouched.
func syncSource(ctx context.Context, t transport.Transport, spec Spec) error {
	clone := "git clone -q"
	if spec.Branch != "" {
		clone += " --branch " + shell.Quote(spec.Branch)
	}
	clone += " -- " + shell.Quote(spec.Git) + ` "$tmp/src"`
	script := strings.Join([]string{
		`tmp=$(mktemp -d) || exit 1`,
		"if ! " + clone + `; then rm -rf "$tmp"; exit 1; fi`,
		"mkdir -p " + shell.QuotePath(spec.Dir) + " && cd " + shell.QuotePath(spec.Dir) + ` || { rm -rf "$tmp"; exit 1; }`,
		"find . -mindepth 1 -maxdepth 1 ! -name " + shell.EnvDir + " -exec rm -rf {} +",
		`cp -a "$tmp/src/." .`,
		`rc=$?`,
		`rm -rf "$tmp"`,
		`exit $rc`,
	}, "\n")
	logging.Infof("environment: syncing %s into %s on %s", spec.Git, spec.Dir, hostLabel(spec.Addr))
	if _, err := run(ctx, t, spec.Addr, script); err != nil {
		return fmt.Errorf("sync %s into %s on %s: %w", spec.Git, spec.Dir, hostLabel(spec.Addr), err)
	}
	return nil
}

// quoteLines quotes each line separately so the result stays portable to
// shells without $'...' quoting.
func quoteLines(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(s, "\n"), "\n") {
		b.WriteString(" ")
		b.WriteString(shell.Quote(line))
	}
	return b.String()
}

func hostLabel(addr string) string {
	if addr == "" {
		return "local"
	}
	return addr
}

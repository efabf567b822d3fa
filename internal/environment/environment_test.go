// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package environment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/testutil"
	"github.com/toeirei/rcall/internal/transport"
)

func setup(t *testing.T) (home, bin string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	bin = filepath.Join(t.TempDir(), "rcall")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\necho companion\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return home, bin
}

func TestEnsureRemoteIsIdempotent(t *testing.T) {
	home, bin := setup(t)
	lb := &transport.Loopback{}
	spec := Spec{Addr: "box", Dir: "~/work", RuntimeVersion: "1.2.3", CompanionBinary: bin}
	ctx := context.Background()

	rep, err := Ensure(ctx, lb, spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !rep.InstalledCompanion || !rep.InstalledVersion || !rep.CreatedEnv {
		t.Fatalf("first run report %+v", rep)
	}
	for _, p := range []string{".rcall/bin/rcall", ".rcall/versions/1.2.3/rcall"} {
		fi, err := os.Stat(filepath.Join(home, p))
		if err != nil {
			t.Fatalf("%s not installed: %v", p, err)
		}
		if fi.Mode().Perm()&0o100 == 0 {
			t.Errorf("%s is not executable", p)
		}
	}
	activate, err := os.ReadFile(filepath.Join(home, "work", shell.EnvDir, "activate"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(activate), `.rcall/versions/1.2.3`) {
		t.Errorf("activate script = %q", activate)
	}

	rep, err = Ensure(ctx, lb, spec)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Changed() {
		t.Fatalf("second run changed something: %+v", rep)
	}
}

func TestEnsureLocalInstallsNothing(t *testing.T) {
	home, _ := setup(t)
	dir := filepath.Join(t.TempDir(), "proj")
	rep, err := Ensure(context.Background(), &transport.Loopback{}, Spec{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if rep.InstalledCompanion || rep.InstalledVersion || !rep.CreatedEnv {
		t.Fatalf("report %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(home, ".rcall")); !os.IsNotExist(err) {
		t.Fatalf("local ensure installed a companion: %v", err)
	}

	// Commands in the directory now see the environment.
	var l shell.Local
	out, err := l.Run(context.Background(), `echo "$RCALL_ENV"`, dir, shell.Apply(shell.Quiet()))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != dir {
		t.Fatalf("RCALL_ENV = %q, want %q", out, dir)
	}
}

func TestEnsureRejectsBadVersion(t *testing.T) {
	setup(t)
	if _, err := Ensure(context.Background(), &transport.Loopback{}, Spec{Addr: "box", RuntimeVersion: "not a version"}); err == nil {
		t.Fatal("expected error for invalid version")
	}
}

func TestEnsureSyncsGitSource(t *testing.T) {
	home, bin := setup(t)
	repo := testutil.GitRepo(t)
	lb := &transport.Loopback{}
	ctx := context.Background()
	spec := Spec{Addr: "box", Dir: "~/envs/exp", Git: repo, Branch: "feature", CompanionBinary: bin}
	dir := filepath.Join(home, "envs", "exp")

	rep, err := Ensure(ctx, lb, spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !rep.SyncedSource || !rep.CreatedEnv {
		t.Fatalf("report %+v", rep)
	}
	for _, name := range []string{"main.txt", "feature.txt", ".git", filepath.Join(shell.EnvDir, "activate")} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s missing after sync: %v", name, err)
		}
	}

	// A repeat discards local changes and keeps the activation script.
	if err := os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.txt"), []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, err = Ensure(ctx, lb, spec)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.SyncedSource || rep.CreatedEnv {
		t.Fatalf("second report %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(dir, "scratch.txt")); !os.IsNotExist(err) {
		t.Fatalf("scratch file survived the sync: %v", err)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, "main.txt")); string(b) != "main\n" {
		t.Fatalf("main.txt = %q", b)
	}
	if _, err := os.Stat(filepath.Join(dir, shell.EnvDir, "activate")); err != nil {
		t.Fatalf("activate script lost: %v", err)
	}
}

func TestEnsureGitFailureLeavesDir(t *testing.T) {
	home, _ := setup(t)
	testutil.GitRepo(t)
	dir := filepath.Join(home, "keep")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	spec := Spec{Dir: dir, Git: filepath.Join(home, "no-such-repo")}
	if _, err := Ensure(context.Background(), &transport.Loopback{}, spec); err == nil {
		t.Fatal("expected clone failure")
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Fatalf("failed clone touched the directory: %v", err)
	}
}

func TestEnsureGitNeedsDir(t *testing.T) {
	setup(t)
	lb := &transport.Loopback{}
	if _, err := Ensure(context.Background(), lb, Spec{Git: "https://example.com/x.git"}); err == nil {
		t.Fatal("expected error for git source without directory")
	}
	if _, err := Ensure(context.Background(), lb, Spec{Dir: "/tmp/x", Branch: "dev"}); err == nil {
		t.Fatal("expected error for branch without git source")
	}
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// GitRepo creates a repository whose "main" branch holds main.txt and whose
// "feature" branch adds feature.txt. The test is skipped without git.
func GitRepo(t testing.TB) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		base := []string{"-C", dir, "-c", "user.name=rcall", "-c", "user.email=rcall@example.com", "-c", "commit.gpgsign=false"}
		if out, err := exec.Command("git", append(base, args...)...).CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	git("init", "-q")
	git("symbolic-ref", "HEAD", "refs/heads/main")
	write("main.txt", "main\n")
	git("add", "main.txt")
	git("commit", "-q", "-m", "main")
	git("checkout", "-q", "-b", "feature")
	write("feature.txt", "feature\n")
	git("add", "feature.txt")
	git("commit", "-q", "-m", "feature")
	git("checkout", "-q", "main")
	return dir
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/toeirei/rcall/internal/db"
	"github.com/toeirei/rcall/internal/identity"
	"github.com/toeirei/rcall/internal/ops"
	"github.com/toeirei/rcall/internal/testutil"
	"github.com/toeirei/rcall/internal/wire"
)

type recordingStore struct {
	mu         sync.Mutex
	identities map[string]string
	calls      []db.CallAudit
}

func (s *recordingStore) RecordIdentity(_ context.Context, host, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identities == nil {
		s.identities = map[string]string{}
	}
	s.identities[host] = id
	return nil
}

func (s *recordingStore) LogCall(_ context.Context, rec db.CallAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rec)
	return nil
}

// newTestClient returns a client whose "remote" hosts are served by the
// loopback transport, with HOME pointed at a fresh directory.
func newTestClient(t *testing.T) (*Client, *recordingStore) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	store := &recordingStore{}
	c := NewClient(Options{
		Transport: testutil.NewLoopback(ops.Default(), wire.Codec{}),
		Store:     store,
		Echo:      io.Discard,
		TempDir:   t.TempDir(),
	})
	return c, store
}

func TestHandlePathResolution(t *testing.T) {
	c := NewClient(Options{})
	tests := []struct {
		name, addr, dir, path, want string
	}{
		{"remote relative", "box", "/a/b", "c/d", "/a/b/c/d"},
		{"remote absolute", "box", "/a/b", "/x/y", "/x/y"},
		{"remote no dir", "box", "", "notes.txt", "~/notes.txt"},
		{"remote home", "box", "/a/b", "~/x", "~/x"},
		{"remote home dir", "box", "~/work", "c", "~/work/c"},
		{"local relative", "", "/a/b", "c/d", "/a/b/c/d"},
		{"local absolute", "", "/a/b", "/x/y", "/x/y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Host(tt.addr, tt.dir).Handle(tt.path).Path
			if got != tt.want {
				t.Errorf("Handle(%q) in %q = %q, want %q", tt.path, tt.dir, got, tt.want)
			}
		})
	}

	home := t.TempDir()
	t.Setenv("HOME", home)
	if got := c.Host("", "").Handle("~/x").Path; got != filepath.Join(home, "x") {
		t.Errorf("local ~ expansion = %q", got)
	}
}

func TestLoopbackAddressesAreLocal(t *testing.T) {
	c := NewClient(Options{})
	for _, addr := range []string{"", "localhost", "127.0.0.1", "::1", "root@localhost:22", "[::1]:2222"} {
		if h := c.Host(addr, ""); !h.IsLocal() {
			t.Errorf("%q should be local, got addr %q", addr, h.Addr)
		}
	}
	if c.Host("box", "").IsLocal() {
		t.Error("box should be remote")
	}
}

func TestRoundTripTransparency(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	dir := t.TempDir()
	local := c.Host("", dir)
	remote := c.Host("box", dir)

	doc := map[string]any{
		"name":  "rcall",
		"count": 3,
		"ratio": 0.5,
		"tags":  []string{"a", "b"},
		"nil":   nil,
	}
	if err := local.Handle("doc.json").WriteJSON(ctx, doc); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	lv, err := local.Handle("doc.json").ReadJSON(ctx)
	if err != nil {
		t.Fatalf("local ReadJSON: %v", err)
	}
	rv, err := remote.Handle("doc.json").ReadJSON(ctx)
	if err != nil {
		t.Fatalf("remote ReadJSON: %v", err)
	}
	if !reflect.DeepEqual(lv, rv) {
		t.Fatalf("local and remote results differ:\nlocal  %#v\nremote %#v", lv, rv)
	}
	if m := rv.(map[string]any); m["count"] != int64(3) {
		t.Errorf("count = %#v, want int64(3)", m["count"])
	}

	rows := []map[string]any{{"host": "a", "n": "1"}, {"host": "b", "n": "2"}}
	if err := remote.Handle("hosts.csv").WriteCSV(ctx, rows, "host", "n"); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lr, err := local.Handle("hosts.csv").ReadCSV(ctx)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if !reflect.DeepEqual(lr, rows) {
		t.Errorf("ReadCSV = %#v", lr)
	}
}

func TestHandleFileOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	h := c.Host("box", t.TempDir())

	f := h.Handle("a.txt")
	if ok, err := f.Exists(ctx); err != nil || ok {
		t.Fatalf("Exists before write: %v %v", ok, err)
	}
	if err := f.Write(ctx, "one\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Append(ctx, "two\n"); err != nil {
		t.Fatal(err)
	}
	got, err := f.Read(ctx)
	if err != nil || got != "one\ntwo\n" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	if _, err := h.Handle("file10").Rename(ctx, "x"); err == nil {
		t.Error("renaming a missing file should fail")
	}
	for _, n := range []string{"file10", "file2"} {
		if err := h.Handle(n).Write(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	names, err := h.Handle(".").List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a.txt", "file2", "file10"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List = %v, want %v", names, want)
	}
	moved, err := f.Rename(ctx, "b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := moved.Remove(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := moved.Exists(ctx); ok {
		t.Error("file still exists after Remove")
	}
}

func TestHandleCopyTo(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	src := c.Host("box", t.TempDir()).Handle("src.txt")
	dst := c.Host("", t.TempDir()).Handle("dst.txt")
	if err := src.Write(ctx, "payload"); err != nil {
		t.Fatal(err)
	}
	if err := src.CopyTo(ctx, dst); err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	if got, err := dst.Read(ctx); err != nil || got != "payload" {
		t.Fatalf("copied content = %q, %v", got, err)
	}
}

func TestShellErrorSurfacing(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	for _, h := range []*Host{c.Host("", t.TempDir()), c.Host("box", t.TempDir())} {
		_, err := h.Shell(ctx, "echo out; exit 3", Quiet())
		if !IsCommandFailure(err) {
			t.Fatalf("%s: expected CommandError, got %v", h, err)
		}
		if code, ok := ExitCode(err); !ok || code != 3 {
			t.Errorf("%s: exit code = %d, %v", h, code, ok)
		}
		out, err := h.Shell(ctx, "echo out; exit 3", Quiet(), IgnoreErrors())
		if err != nil {
			t.Fatalf("%s: IgnoreErrors still failed: %v", h, err)
		}
		if out != "out\n" {
			t.Errorf("%s: output = %q", h, out)
		}
	}
}

func TestShellRunsInDir(t *testing.T) {
	c, _ := newTestClient(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("here"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := c.Host("", dir).Shell(context.Background(), "cat marker", Quiet())
	if err != nil || out != "here" {
		t.Fatalf("Shell = %q, %v", out, err)
	}
}

func TestFanOutPreservesOrder(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	var hosts []*Host
	for i := 0; i < 3; i++ {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "id"), []byte(strconv.Itoa(i)), 0o644); err != nil {
			t.Fatal(err)
		}
		addr := ""
		if i%2 == 1 {
			addr = "box"
		}
		hosts = append(hosts, c.Host(addr, dir))
	}
	m := NewMulti(2, hosts...)

	got, err := m.Shell(ctx, "cat id", Quiet())
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results", len(got))
	}
	for i, h := range hosts {
		want, err := h.Shell(ctx, "cat id", Quiet())
		if err != nil {
			t.Fatal(err)
		}
		if got[i] != want || want != strconv.Itoa(i) {
			t.Errorf("result %d = %q, want %q", i, got[i], want)
		}
	}

	reads, err := m.Ops().Read(ctx, "id")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(reads, []string{"0", "1", "2"}) {
		t.Errorf("Read = %v", reads)
	}
	handles := m.Handle("id")
	for i, h := range handles {
		if h.Host != hosts[i] {
			t.Errorf("handle %d belongs to the wrong host", i)
		}
	}
}

func TestFanOutReportsFailingMember(t *testing.T) {
	c, _ := newTestClient(t)
	dirs := []string{t.TempDir(), t.TempDir(), t.TempDir()}
	if err := os.WriteFile(filepath.Join(dirs[0], "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dirs[2], "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewMulti(0, c.Host("", dirs[0]), c.Host("box", dirs[1]), c.Host("", dirs[2]))

	_, err := m.Shell(context.Background(), "cat f", Quiet())
	var me *MemberError
	if !errors.As(err, &me) {
		t.Fatalf("expected MemberError, got %v", err)
	}
	if me.Index != 1 || me.Host != "box" {
		t.Errorf("failing member = %d (%s), want 1 (box)", me.Index, me.Host)
	}
	if !IsCommandFailure(err) {
		t.Error("MemberError should unwrap to the CommandError")
	}
}

func TestSingleHostOpsMatchMethods(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	h := c.Host("box", t.TempDir())
	for _, cx := range []Context{h, NewMulti(0, h)} {
		if err := cx.Ops().WriteYAML(ctx, "v.yaml", map[string]any{"k": "v"}); err != nil {
			t.Fatal(err)
		}
		got, err := cx.Ops().ReadYAML(ctx, "v.yaml")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, []any{map[string]any{"k": "v"}}) {
			t.Errorf("ReadYAML = %#v", got)
		}
		exists, err := OpsOf(cx).Exists(ctx, "v.yaml")
		if err != nil || !reflect.DeepEqual(exists, []bool{true}) {
			t.Errorf("Exists = %v, %v", exists, err)
		}
	}
}

func TestIdentityIdempotentAndRecorded(t *testing.T) {
	c, store := newTestClient(t)
	ctx := context.Background()

	local := c.Host("", "")
	first, err := local.Identity(ctx)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if !identity.Valid(first) {
		t.Fatalf("invalid identity %q", first)
	}
	// A fresh Host for the same machine re-reads the file.
	again, err := c.Host("localhost", "").Identity(ctx)
	if err != nil || again != first {
		t.Fatalf("second identity = %q, %v; want %q", again, err, first)
	}
	// The loopback "remote" shares HOME, so it sees the same file.
	remote, err := c.Host("box", "").Identity(ctx)
	if err != nil || remote != first {
		t.Fatalf("remote identity = %q, %v", remote, err)
	}
	if store.identities["local"] != first || store.identities["box"] != first {
		t.Errorf("recorded identities = %v", store.identities)
	}

	ids, err := NewMulti(0, c.Host("", ""), c.Host("box", "")).Identity(ctx)
	if err != nil || !reflect.DeepEqual(ids, []string{first, first}) {
		t.Errorf("Multi identity = %v, %v", ids, err)
	}
}

func TestDispatchRejectsBeforeTransport(t *testing.T) {
	ft := &testutil.FakeTransport{}
	c := NewClient(Options{Transport: ft, TempDir: t.TempDir()})
	_, err := c.Host("box", "/srv").Dispatch(context.Background(), "fwrite", []any{"f", make(chan int)}, nil)
	if !IsSerializationFailure(err) {
		t.Fatalf("expected SerializationError, got %v", err)
	}
	if runs, copies, removes := ft.Calls(); runs+copies+removes != 0 {
		t.Fatalf("transport used: %d runs, %d copies, %d removes", runs, copies, removes)
	}
	_, err = c.Host("", "").Dispatch(context.Background(), "fwrite", []any{"f", func() {}}, nil)
	if !IsSerializationFailure(err) {
		t.Fatalf("local path: expected SerializationError, got %v", err)
	}
}

func TestRemoteOperationFailureIsProtocolError(t *testing.T) {
	c, store := newTestClient(t)
	_, err := c.Host("box", t.TempDir()).Handle("missing.txt").Read(context.Background())
	if !IsProtocolFailure(err) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	var pe *ProtocolError
	_ = errors.As(err, &pe)
	if !strings.Contains(pe.Remote, "missing.txt") {
		t.Errorf("remote message = %q", pe.Remote)
	}
	if len(store.calls) != 1 || store.calls[0].Hostname != "box" || store.calls[0].Op != "fread" {
		t.Fatalf("audit = %+v", store.calls)
	}
	if store.calls[0].Outcome == "ok" {
		t.Error("failed call audited as ok")
	}
}

func TestRemoteWithoutTransport(t *testing.T) {
	c := NewClient(Options{})
	if _, err := c.Host("box", "").Shell(context.Background(), "true"); err == nil {
		t.Fatal("expected an error without a remote transport")
	}
}

func TestEnsureEnvironmentLocal(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "work")
	h := c.Host("", dir)

	rep, err := h.EnsureEnvironment(ctx)
	if err != nil {
		t.Fatalf("EnsureEnvironment: %v", err)
	}
	if !rep.CreatedEnv || rep.InstalledCompanion {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(dir, ".rcall-env", "activate")); err != nil {
		t.Fatalf("activate script missing: %v", err)
	}
	rep, err = h.EnsureEnvironment(ctx)
	if err != nil || rep.Changed() {
		t.Fatalf("second run = %+v, %v", rep, err)
	}
}

func TestEnvFromGitSource(t *testing.T) {
	c, _ := newTestClient(t)
	repo := testutil.GitRepo(t)
	ctx := context.Background()
	base := t.TempDir()
	h := c.Host("", base)

	e, err := h.Env(ctx, "exp", WithGit(repo), WithBranch("feature"))
	if err != nil {
		t.Fatalf("Env: %v", err)
	}
	if e.Dir != filepath.Join(base, "exp") {
		t.Fatalf("Dir = %q", e.Dir)
	}
	out, err := e.Shell(ctx, "cat feature.txt; echo \"$RCALL_ENV\"", Quiet())
	if err != nil {
		t.Fatal(err)
	}
	if want := "feature\n" + e.Dir + "\n"; out != want {
		t.Fatalf("out = %q, want %q", out, want)
	}

	// Environments nest inside environments.
	inner, err := e.Env(ctx, "inner")
	if err != nil {
		t.Fatal(err)
	}
	if inner.Dir != filepath.Join(base, "exp", "inner") {
		t.Fatalf("inner Dir = %q", inner.Dir)
	}
	if _, err := os.Stat(filepath.Join(inner.Dir, ".rcall-env", "activate")); err != nil {
		t.Fatalf("inner environment not prepared: %v", err)
	}
}

func TestEnvRejectsBadNames(t *testing.T) {
	c, _ := newTestClient(t)
	h := c.Host("", t.TempDir())
	for _, name := range []string{"", ".", "..", "a/b"} {
		if _, err := h.Env(context.Background(), name); err == nil {
			t.Errorf("Env(%q) succeeded", name)
		}
	}
}

type disconnectRecorder struct {
	testutil.FakeTransport
	addrs []string
}

func (d *disconnectRecorder) Disconnect(addr string) error {
	d.addrs = append(d.addrs, addr)
	return nil
}

func TestCloseDisconnectsRemoteHosts(t *testing.T) {
	tr := &disconnectRecorder{}
	c := NewClient(Options{Transport: tr})
	m := NewMulti(0, c.Host("a", ""), c.Host("", ""), c.Host("b", ""))
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tr.addrs, []string{"a", "b"}) {
		t.Errorf("disconnected %v", tr.addrs)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/toeirei/rcall/internal/ops"
	"github.com/toeirei/rcall/internal/shell"
	"github.com/toeirei/rcall/internal/transport"
	"github.com/toeirei/rcall/internal/wire"
)

// fakeTransport is a minimal Transport whose behavior is set per test.
type fakeTransport struct {
	run    func(command string) error
	copy   func(src, dst transport.Location) error
	remove func(loc transport.Location) error

	runs, copies, removes int
}

func (f *fakeTransport) Run(_ context.Context, _, command, _ string, _ shell.Options) (string, error) {
	f.runs++
	if f.run != nil {
		return "", f.run(command)
	}
	return "", nil
}

func (f *fakeTransport) Copy(_ context.Context, src, dst transport.Location) error {
	f.copies++
	if f.copy != nil {
		return f.copy(src, dst)
	}
	return nil
}

func (f *fakeTransport) Remove(_ context.Context, loc transport.Location) error {
	f.removes++
	if f.remove != nil {
		return f.remove(loc)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type recordingAuditor struct{ recs []CallRecord }

func (a *recordingAuditor) LogCall(_ context.Context, rec CallRecord) error {
	a.recs = append(a.recs, rec)
	return nil
}

func testRegistry() *ops.Registry {
	reg := ops.NewRegistry()
	ops.RegisterBuiltins(reg)
	reg.Register("echo", func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		return map[string]any{"args": args, "kwargs": kwargs}, nil
	})
	reg.Register("boom", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("the goose escaped")
	})
	return reg
}

// loopback returns a dispatcher whose "remote" calls run the full protocol
// against the local machine.
func loopback(t *testing.T) *Dispatcher {
	t.Helper()
	reg := testRegistry()
	codec := wire.Codec{}
	lb := &transport.Loopback{Shell: shell.Local{Middlewares: []shell.ExecMiddleware{
		CompanionMiddleware(reg, codec, DefaultCompanion),
	}}}
	return &Dispatcher{Registry: reg, Transport: lb, Codec: codec, Arena: NewArena(t.TempDir())}
}

func TestTempNameUnique(t *testing.T) {
	dir := t.TempDir()
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		name, err := TempName(dir, "tx")
		if err != nil {
			t.Fatal(err)
		}
		if seen[name] {
			t.Fatalf("duplicate temp name %s after %d generations", name, i)
		}
		if !strings.HasPrefix(filepath.Base(name), ResultPrefix+"tx.") {
			t.Fatalf("unexpected name %s", name)
		}
		seen[name] = true
	}
}

func TestArena(t *testing.T) {
	a := NewArena(t.TempDir())
	s1, err := a.Acquire("~/work")
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := a.Acquire("")
	if s1.TxID == s2.TxID || s1.LocalPath == s2.LocalPath {
		t.Fatal("slots must be unique")
	}
	if s1.RemotePath != "~/work/"+ResultPrefix+s1.TxID || s2.RemotePath != s2.ResultName {
		t.Fatalf("remote paths %q %q", s1.RemotePath, s2.RemotePath)
	}
	if err := os.WriteFile(s1.LocalPath, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if a.InFlight() != 2 {
		t.Fatalf("in flight = %d", a.InFlight())
	}
	if err := a.CleanupAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s1.LocalPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("artifact survived CleanupAll")
	}
	if a.InFlight() != 0 {
		t.Fatal("arena not cleared")
	}
}

func TestRoundTripTransparency(t *testing.T) {
	d := loopback(t)
	ctx := context.Background()
	dir := t.TempDir()

	values := []struct {
		args   []any
		kwargs map[string]any
	}{
		{nil, nil},
		{[]any{"goose", int64(1), 2.5, true, nil}, nil},
		{[]any{int32(7), float32(0.5), []string{"a", "b"}}, map[string]any{"n": uint8(3)}},
		{[]any{map[string]any{"nested": []any{map[string]any{"deep": int64(-1)}}}}, map[string]any{"k": []any{}}},
		{[]any{strings.Repeat("honk ", 1000)}, nil},
	}
	for i, v := range values {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			local, err := d.Local(ctx, dir, "echo", v.args, v.kwargs)
			if err != nil {
				t.Fatalf("local: %v", err)
			}
			remote, err := d.Remote(ctx, "box", dir, "", "echo", v.args, v.kwargs)
			if err != nil {
				t.Fatalf("remote: %v", err)
			}
			if !reflect.DeepEqual(local, remote) {
				t.Fatalf("local %#v != remote %#v", local, remote)
			}
		})
	}
}

func TestRemoteFileOpsAndCleanup(t *testing.T) {
	d := loopback(t)
	ctx := context.Background()
	dir := t.TempDir()

	value := map[string]any{"honk": int64(1)}
	if _, err := d.Remote(ctx, "box", dir, "", "jwrite", []any{"goose.json", value}, nil); err != nil {
		t.Fatal(err)
	}
	got, err := d.Remote(ctx, "box", dir, "", "jread", []any{"goose.json"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	local, _ := d.Local(ctx, dir, "jread", []any{"goose.json"}, nil)
	if !reflect.DeepEqual(got, value) || !reflect.DeepEqual(local, value) {
		t.Fatalf("remote %#v local %#v", got, local)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ResultPrefix) {
			t.Errorf("remote result file left behind: %s", e.Name())
		}
	}
	entries, _ = os.ReadDir(d.Arena.tmpDir)
	if len(entries) != 0 {
		t.Errorf("local artifacts left behind: %d", len(entries))
	}
	if d.Arena.InFlight() != 0 {
		t.Errorf("slots still in flight: %d", d.Arena.InFlight())
	}
}

func TestRemoteOperationError(t *testing.T) {
	d := loopback(t)
	_, err := d.Remote(context.Background(), "box", t.TempDir(), "", "boom", nil, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Remote != "the goose escaped" || pe.Host != "box" {
		t.Fatalf("unexpected error %#v", pe)
	}

	_, err = d.Remote(context.Background(), "box", t.TempDir(), "", "no-such-op", nil, nil)
	if !errors.As(err, &pe) || !strings.Contains(pe.Remote, "unknown operation") {
		t.Fatalf("expected unknown operation, got %v", err)
	}
}

func TestBinaryContentRejectedOnBothPaths(t *testing.T) {
	d := loopback(t)
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blob"), []byte("\xff\xfea\x80"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := d.Local(ctx, dir, "fread", []any{"blob"}, nil)
	var se *wire.SerializationError
	if !errors.As(err, &se) || !strings.Contains(se.Reason, "UTF-8") {
		t.Fatalf("local: expected UTF-8 SerializationError, got %v", err)
	}

	_, err = d.Remote(ctx, "box", dir, "", "fread", []any{"blob"}, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) || !strings.Contains(pe.Remote, "not valid UTF-8") {
		t.Fatalf("remote: expected the companion to refuse the result, got %v", err)
	}

	if _, err := d.Remote(ctx, "box", dir, "", "fwrite", []any{"out", "\xff"}, nil); !errors.As(err, &se) {
		t.Fatalf("remote: binary argument should fail before transport, got %v", err)
	}
}

func TestRemoteRejectsBeforeTransport(t *testing.T) {
	ft := &fakeTransport{}
	d := &Dispatcher{Transport: ft, Arena: NewArena(t.TempDir())}
	_, err := d.Remote(context.Background(), "box", "", "", "fwrite", []any{"x", struct{}{}}, nil)
	var se *wire.SerializationError
	if !errors.As(err, &se) {
		t.Fatalf("expected SerializationError, got %v", err)
	}
	if se.Path != "args[1]" {
		t.Errorf("path = %q", se.Path)
	}
	if ft.runs+ft.copies+ft.removes != 0 {
		t.Fatal("transport was used for a rejected call")
	}
	if _, err := d.Local(context.Background(), "", "fwrite", []any{"x", make(chan int)}, nil); !errors.As(err, &se) {
		t.Fatalf("local path should reject too, got %v", err)
	}
}

func TestRemoteCommandFailureSkipsFiles(t *testing.T) {
	ft := &fakeTransport{run: func(string) error {
		return &shell.CommandError{Host: "box", ExitCode: 127}
	}}
	d := &Dispatcher{Transport: ft, Arena: NewArena(t.TempDir())}
	_, err := d.Remote(context.Background(), "box", "", "", "hostname", nil, nil)
	var ce *shell.CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 127 {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if ft.copies != 0 || ft.removes != 0 {
		t.Fatalf("file operations after failed command: %d copies, %d removes", ft.copies, ft.removes)
	}
}

func TestRemoteMissingAndEmptyResult(t *testing.T) {
	ft := &fakeTransport{copy: func(src, dst transport.Location) error {
		return fmt.Errorf("copy: %w", os.ErrNotExist)
	}}
	d := &Dispatcher{Transport: ft, Arena: NewArena(t.TempDir())}
	_, err := d.Remote(context.Background(), "box", "", "", "hostname", nil, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Reason != "result file missing" {
		t.Fatalf("expected missing result, got %v", err)
	}

	ft.copy = func(src, dst transport.Location) error { return os.WriteFile(dst.Path, nil, 0o600) }
	_, err = d.Remote(context.Background(), "box", "", "", "hostname", nil, nil)
	if !errors.As(err, &pe) || pe.Reason != "result file empty" {
		t.Fatalf("expected empty result, got %v", err)
	}
	if ft.removes != 2 {
		t.Fatalf("remote cleanup should run after each pull, got %d", ft.removes)
	}
}

func TestRemoteCorruptResult(t *testing.T) {
	ft := &fakeTransport{copy: func(src, dst transport.Location) error {
		return os.WriteFile(dst.Path, []byte("not-a-frame!"), 0o600)
	}}
	d := &Dispatcher{Transport: ft, Arena: NewArena(t.TempDir())}
	_, err := d.Remote(context.Background(), "box", "", "", "hostname", nil, nil)
	var se *wire.SerializationError
	if !errors.As(err, &se) {
		t.Fatalf("expected SerializationError, got %v", err)
	}
}

func TestCleanupFailureDoesNotMaskResult(t *testing.T) {
	codec := wire.Codec{}
	var txid string
	ft := &fakeTransport{
		run: func(command string) error {
			fields := strings.Fields(command)
			env, err := codec.DecodeEnvelope(strings.Trim(fields[len(fields)-1], "'"))
			txid = env.TxID
			return err
		},
		copy: func(src, dst transport.Location) error {
			out, err := codec.EncodeResult(wire.Result{TxID: txid, Value: "ok"})
			if err != nil {
				return err
			}
			return os.WriteFile(dst.Path, []byte(out), 0o600)
		},
		remove: func(transport.Location) error { return errors.New("permission denied") },
	}
	aud := &recordingAuditor{}
	d := &Dispatcher{Transport: ft, Arena: NewArena(t.TempDir()), Auditor: aud}
	v, err := d.Remote(context.Background(), "box", "", "", "hostname", nil, nil)
	if err != nil || v != "ok" {
		t.Fatalf("Remote = %v, %v", v, err)
	}
	if len(aud.recs) != 1 || aud.recs[0].Outcome != "ok" || aud.recs[0].TxID != txid {
		t.Fatalf("audit records %#v", aud.recs)
	}
}

func TestServeWritesErrorRecord(t *testing.T) {
	dir := t.TempDir()
	codec := wire.Codec{}
	text, err := codec.EncodeEnvelope(wire.Envelope{Op: "boom", TxID: "t1", ResultPath: ResultPrefix + "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := Serve(context.Background(), testRegistry(), codec, text, dir); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, ResultPrefix+"t1"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := codec.DecodeResult(string(raw))
	if err != nil {
		t.Fatal(err)
	}
	if res.TxID != "t1" || res.Error != "the goose escaped" || res.Value != nil {
		t.Fatalf("result %#v", res)
	}

	if err := Serve(context.Background(), testRegistry(), codec, "garbage", dir); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCompanionFor(t *testing.T) {
	if CompanionFor("") != DefaultCompanion {
		t.Fatal("empty version should use default companion")
	}
	if got := CompanionFor("1.2.3"); got != "~/.rcall/versions/1.2.3/rcall" {
		t.Fatalf("CompanionFor = %q", got)
	}
}

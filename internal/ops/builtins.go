// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package ops

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegisterBuiltins adds the standard file and host operations to r.
func RegisterBuiltins(r *Registry) {
	r.Register("fread", fread)
	r.Register("fwrite", fwrite)
	r.Register("jread", jread)
	r.Register("jwrite", jwrite)
	r.Register("yread", yread)
	r.Register("ywrite", ywrite)
	r.Register("csvread", csvread)
	r.Register("csvwrite", csvwrite)
	r.Register("ls", ls)
	r.Register("rm", rm)
	r.Register("mv", mv)
	r.Register("exists", exists)
	r.Register("fetch", fetch)
	r.Register("hostname", hostname)
}

func pathArg(ctx context.Context, args []any, i int) (string, error) {
	p, err := stringArg(args, i, fmt.Sprintf("args[%d]", i))
	if err != nil {
		return "", err
	}
	return Resolve(ctx, p)
}

func readFile(ctx context.Context, args []any) ([]byte, string, error) {
	path, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, "", err
	}
	b, err := os.ReadFile(path)
	return b, path, err
}

func writeFile(path string, data []byte, appendMode bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// fread(path) -> string
func fread(ctx context.Context, args []any, _ map[string]any) (any, error) {
	b, _, err := readFile(ctx, args)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// fwrite(path, content, append=false)
func fwrite(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	path, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, 1, "args[1]")
	if err != nil {
		return nil, err
	}
	appendMode, err := boolKwarg(kwargs, "append", false)
	if err != nil {
		return nil, err
	}
	return nil, writeFile(path, []byte(content), appendMode)
}

// jread(path) -> value
func jread(ctx context.Context, args []any, _ map[string]any) (any, error) {
	b, path, err := readFile(ctx, args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse json %s: %w", path, err)
	}
	return fromJSON(v), nil
}

// fromJSON turns json.Number into int64 when integral, float64 otherwise.
func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = fromJSON(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = fromJSON(t[k])
		}
	}
	return v
}

// jwrite(path, value)
func jwrite(ctx context.Context, args []any, _ map[string]any) (any, error) {
	path, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, err
	}
	v, err := valueArg(args, 1, "args[1]")
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return nil, writeFile(path, b, false)
}

// yread(path) -> value
func yread(ctx context.Context, args []any, _ map[string]any) (any, error) {
	b, path, err := readFile(ctx, args)
	if err != nil {
		return nil, err
	}
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}
	return v, nil
}

// ywrite(path, value)
func ywrite(ctx context.Context, args []any, _ map[string]any) (any, error) {
	path, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, err
	}
	v, err := valueArg(args, 1, "args[1]")
	if err != nil {
		return nil, err
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return nil, writeFile(path, b, false)
}

func csvComma(path string) rune {
	if strings.HasSuffix(path, ".tsv") {
		return '\t'
	}
	return ','
}

// csvread(path, colnames=nil) -> list of maps. Without colnames the first
// row is the header. Short rows are padded with nil.
func csvread(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	b, path, err := readFile(ctx, args)
	if err != nil {
		return nil, err
	}
	cols, err := stringsKwarg(kwargs, "colnames")
	if err != nil {
		return nil, err
	}
	rd := csv.NewReader(bytes.NewReader(b))
	rd.Comma = csvComma(path)
	rd.FieldsPerRecord = -1
	records, err := rd.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv %s: %w", path, err)
	}
	if len(cols) == 0 {
		if len(records) == 0 {
			return []any{}, nil
		}
		cols, records = records[0], records[1:]
	}
	rows := make([]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if i < len(rec) {
				row[c] = rec[i]
			} else {
				row[c] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// csvwrite(path, rows, colnames=nil). Without colnames the sorted keys of
// the first row are used. Every row must have exactly those keys.
func csvwrite(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	path, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, err
	}
	v, err := valueArg(args, 1, "args[1]")
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &ArgError{Name: "args[1]", Want: "list of maps", Got: v}
	}
	cols, err := stringsKwarg(kwargs, "colnames")
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(list))
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, &ArgError{Name: fmt.Sprintf("args[1][%d]", i), Want: "map", Got: e}
		}
		rows[i] = m
	}
	if len(cols) == 0 && len(rows) > 0 {
		for k := range rows[0] {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = csvComma(path)
	if err := w.Write(cols); err != nil {
		return nil, err
	}
	for i, row := range rows {
		if len(row) != len(cols) {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), len(cols))
		}
		rec := make([]string, len(cols))
		for j, c := range cols {
			cell, ok := row[c]
			if !ok {
				return nil, fmt.Errorf("row %d is missing column %q", i, c)
			}
			if rec[j], err = csvCell(cell); err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, c, err)
			}
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return nil, writeFile(path, buf.Bytes(), false)
}

func csvCell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	}
	return "", fmt.Errorf("cannot write %T to csv", v)
}

// ls(path=".") -> naturally sorted names, hidden entries excluded.
func ls(ctx context.Context, args []any, _ map[string]any) (any, error) {
	p, err := optStringArg(args, 0, ".")
	if err != nil {
		return nil, err
	}
	if p, err = Resolve(ctx, p); err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []any{filepath.Base(p)}, nil
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	SortNatural(names)
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out, nil
}

// rm(path, missing_ok=true) removes recursively.
func rm(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	path, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, err
	}
	missingOK, err := boolKwarg(kwargs, "missing_ok", true)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && missingOK {
			return nil, nil
		}
		return nil, err
	}
	return nil, os.RemoveAll(path)
}

// mv(src, dst)
func mv(ctx context.Context, args []any, _ map[string]any) (any, error) {
	src, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, err
	}
	dst, err := pathArg(ctx, args, 1)
	if err != nil {
		return nil, err
	}
	return nil, os.Rename(src, dst)
}

// exists(path) -> bool
func exists(ctx context.Context, args []any, _ map[string]any) (any, error) {
	path, err := pathArg(ctx, args, 0)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return nil, err
}

// fetch(url, path) -> bytes written
func fetch(ctx context.Context, args []any, _ map[string]any) (any, error) {
	url, err := stringArg(args, 0, "args[0]")
	if err != nil {
		return nil, err
	}
	path, err := pathArg(ctx, args, 1)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return n, nil
}

// hostname() -> string
func hostname(context.Context, []any, map[string]any) (any, error) {
	return os.Hostname()
}

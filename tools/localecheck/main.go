// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// localecheck verifies that every i18n.T key used in the source exists in
// the primary locale, that the other locales carry the same keys, and that
// translations keep the printf verbs of the primary message.
//
//	go run ./tools/localecheck
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "en.yaml"
)

var (
	keyCall = regexp.MustCompile(`i18n\.T\("([^"]+)"`)
	verb    = regexp.MustCompile(`%[-+# 0]*[0-9]*(?:\.[0-9]+)?[a-zA-Z%]`)
)

// report collects findings; problems fail the run, warnings do not.
type report struct {
	problems []string
	warnings []string
}

func main() {
	r, err := check(".", localesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "localecheck: %v\n", err)
		os.Exit(2)
	}
	r.print(os.Stdout)
	if len(r.problems) > 0 {
		os.Exit(1)
	}
}

func check(root, locales string) (*report, error) {
	used, err := findUsedKeys(root)
	if err != nil {
		return nil, err
	}
	primary, err := loadLocale(filepath.Join(root, locales, primaryLocale))
	if err != nil {
		return nil, fmt.Errorf("primary locale: %w", err)
	}
	r := &report{}
	for _, k := range sortedKeys(used) {
		if _, ok := primary[k]; !ok {
			r.problems = append(r.problems, fmt.Sprintf("missing in %s: %s (%s)", primaryLocale, k, used[k]))
		}
	}
	for _, k := range sortedKeys(primary) {
		if _, ok := used[k]; !ok {
			r.warnings = append(r.warnings, "unused: "+k)
		}
	}

	files, err := filepath.Glob(filepath.Join(root, locales, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	for _, f := range files {
		name := filepath.Base(f)
		if name == primaryLocale {
			continue
		}
		other, err := loadLocale(f)
		if err != nil {
			r.problems = append(r.problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		for _, k := range sortedKeys(primary) {
			msg, ok := other[k]
			if !ok {
				r.problems = append(r.problems, fmt.Sprintf("missing in %s: %s", name, k))
				continue
			}
			if want, got := verbs(primary[k]), verbs(msg); want != got {
				r.problems = append(r.problems, fmt.Sprintf("%s: %s uses %q, %s uses %q", name, k, got, primaryLocale, want))
			}
		}
		for _, k := range sortedKeys(other) {
			if _, ok := primary[k]; !ok {
				r.warnings = append(r.warnings, fmt.Sprintf("only in %s: %s", name, k))
			}
		}
	}
	return r, nil
}

func (r *report) print(w io.Writer) {
	for _, p := range r.problems {
		fmt.Fprintln(w, "error:", p)
	}
	for _, p := range r.warnings {
		fmt.Fprintln(w, "warning:", p)
	}
	if len(r.problems) == 0 {
		fmt.Fprintln(w, "locales are consistent")
	}
}

// findUsedKeys maps each i18n.T key in non-test Go files under root to the
// first place it is used.
func findUsedKeys(root string) (map[string]string, error) {
	keys := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "tools" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for i, line := range strings.Split(string(content), "\n") {
			for _, m := range keyCall.FindAllStringSubmatch(line, -1) {
				if _, seen := keys[m[1]]; !seen {
					keys[m[1]] = fmt.Sprintf("%s:%d", path, i+1)
				}
			}
		}
		return nil
	})
	return keys, err
}

// loadLocale reads a flat message file: keys map straight to strings.
func loadLocale(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]string
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// verbs returns the printf verbs of msg in order, "%%" excluded.
func verbs(msg string) string {
	var out []string
	for _, v := range verb.FindAllString(msg, -1) {
		if v != "%%" {
			out = append(out, v)
		}
	}
	return strings.Join(out, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

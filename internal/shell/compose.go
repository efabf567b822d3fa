// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package shell

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Quote shell-quotes s for bash. It falls back to single-quote escaping for
// input the syntax package refuses (such as NUL bytes, which no shell can
// carry anyway).
func Quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return q
}

// QuotePath quotes p while leaving a leading "~" or "~/" unquoted so the
// target shell still expands it to the home directory.
func QuotePath(p string) string {
	switch {
	case p == "~":
		return "~"
	case strings.HasPrefix(p, "~/"):
		rest := p[2:]
		if rest == "" {
			return "~/"
		}
		return "~/" + Quote(rest)
	}
	return Quote(p)
}

// Compose builds the script run for command in dir: change directory,
// activate the directory environment, then run the command (optionally
// inside an interactive bash).
func Compose(command, dir string, o Options) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString("cd ")
		b.WriteString(QuotePath(dir))
		b.WriteString(" || exit 1\n")
	}
	if !o.NoEnv {
		b.WriteString("if [ -f " + EnvDir + "/activate ]; then . ./" + EnvDir + "/activate; fi\n")
	}
	if o.Wrap {
		b.WriteString("bash -ic ")
		b.WriteString(Quote(command))
	} else {
		b.WriteString(command)
	}
	b.WriteString("\n")
	return b.String()
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	goyaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/toeirei/rcall/core"
	"github.com/toeirei/rcall/internal/db"
	"github.com/toeirei/rcall/internal/i18n"
	"github.com/toeirei/rcall/internal/transport"
)

func newShCmd() *cobra.Command {
	var (
		tf           targetFlags
		quiet        bool
		ignoreErrors bool
		maxOutput    int
		wrap         bool
		noEnv        bool
	)
	cmd := &cobra.Command{
		Use:   "sh [flags] -- COMMAND",
		Short: "Run a shell command on one or more hosts",
		Long: `Runs COMMAND with /bin/sh semantics in the working directory of every
target. With a single target the output is streamed live. With several,
each host's captured output is printed under a header once all finished.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			var opts []core.ShellOption
			if ignoreErrors {
				opts = append(opts, core.IgnoreErrors())
			}
			if maxOutput > 0 {
				opts = append(opts, core.MaxOutput(maxOutput))
			}
			if wrap {
				opts = append(opts, core.Wrap())
			}
			if noEnv {
				opts = append(opts, core.NoEnv())
			}
			out := cmd.OutOrStdout()
			return withClient(func(c *core.Client) error {
				hosts := tf.resolve(c)
				if len(hosts) == 1 {
					if quiet {
						opts = append(opts, core.Quiet())
					} else {
						opts = append(opts, core.EchoTo(out))
					}
					res, err := hosts[0].Shell(cmd.Context(), command, opts...)
					if quiet {
						fmt.Fprint(out, res)
					}
					return err
				}
				m := core.NewMulti(appConfig.Fanout.Limit, hosts...)
				res, err := m.Shell(cmd.Context(), command, append(opts, core.Quiet())...)
				if err != nil {
					return err
				}
				for i, h := range hosts {
					printHeader(out, h)
					fmt.Fprint(out, res[i])
					if res[i] != "" && !strings.HasSuffix(res[i], "\n") {
						fmt.Fprintln(out)
					}
				}
				return nil
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not stream output; print it when the command finishes")
	cmd.Flags().BoolVar(&ignoreErrors, "ignore-errors", false, "do not fail on a non-zero exit status")
	cmd.Flags().IntVar(&maxOutput, "max-output", 0, "keep only the last N bytes of captured output")
	cmd.Flags().BoolVar(&wrap, "wrap", false, "run the command through a login shell")
	cmd.Flags().BoolVar(&noEnv, "no-env", false, "do not activate the working directory environment")
	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		tf     targetFlags
		kwargs []string
		raw    bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "call OP [ARG...]",
		Short: "Run a named operation on one or more hosts",
		Long: `Runs the named operation OP with positional ARGs and --kw name=value
keyword arguments. Arguments are parsed as YAML scalars, lists or maps
(so JSON works too) unless --raw is given.`,
		Example: `  rcall call fread notes.txt
  rcall call -H web1 -H web2 jread config.json -o yaml
  rcall call fwrite out.txt hello --kw append=true`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := args[0]
			pos, err := parseArgs(args[1:], raw)
			if err != nil {
				return err
			}
			kw, err := parseKwargs(kwargs, raw)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return withClient(func(c *core.Client) error {
				ctx := tf.context(c)
				res, err := core.OpsOf(ctx).Dispatch(cmd.Context(), op, pos, kw)
				if err != nil {
					return err
				}
				members := ctx.Members()
				for i, v := range res {
					if len(members) > 1 {
						printHeader(out, members[i])
					}
					if err := printValue(out, v, output); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().StringArrayVar(&kwargs, "kw", nil, "keyword argument as name=value; repeatable")
	cmd.Flags().BoolVar(&raw, "raw", false, "pass arguments as plain strings")
	cmd.Flags().StringVarP(&output, "output", "o", "json", `result format ("json", "yaml", "text")`)
	return cmd
}

// parseArg reads s as YAML. Plain scalars that YAML reads as strings keep
// their exact text, so whitespace and trailing comments survive.
func parseArg(s string, raw bool) (any, error) {
	if raw {
		return s, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, errors.New(i18n.T("call.bad_argument", s, err))
	}
	if len(doc.Content) == 0 {
		return s, nil
	}
	n := doc.Content[0]
	if n.Kind == yaml.ScalarNode && n.Style == 0 && n.ShortTag() == "!!str" {
		return s, nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, errors.New(i18n.T("call.bad_argument", s, err))
	}
	return v, nil
}

func parseArgs(in []string, raw bool) ([]any, error) {
	out := make([]any, 0, len(in))
	for _, s := range in {
		v, err := parseArg(s, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseKwargs(in []string, raw bool) (map[string]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(in))
	for _, kv := range in {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("keyword argument %q must be name=value", kv)
		}
		v, err := parseArg(value, raw)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func printValue(w io.Writer, v any, format string) error {
	switch format {
	case "yaml":
		b, err := goyaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "text":
		switch t := v.(type) {
		case string:
			fmt.Fprint(w, t)
			if !strings.HasSuffix(t, "\n") {
				fmt.Fprintln(w)
			}
		case []byte:
			_, err := w.Write(t)
			return err
		case nil:
		default:
			fmt.Fprintln(w, t)
		}
		return nil
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp SRC DST",
		Short: "Copy a file between hosts",
		Long: `Copies one file. SRC and DST are local paths or host:path, as with scp.
Relative remote paths start in the login directory, relative local paths
in the current directory.`,
		Example: "  rcall cp web1:logs/app.log ./app.log\n  rcall cp web1:data.csv web2:data.csv",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := transport.ParseLocation(args[0]), transport.ParseLocation(args[1])
			return withClient(func(c *core.Client) error {
				from := c.Host(src.Host, "").Handle(src.Path)
				to := c.Host(dst.Host, "").Handle(dst.Path)
				if err := from.CopyTo(cmd.Context(), to); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cp.done", from.String(), to.String()))
				return nil
			})
		},
	}
}

func newIdentityCmd() *cobra.Command {
	var (
		tf           targetFlags
		cached       bool
		showHostname bool
	)
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the persistent identity of hosts",
		Long: `Prints each target's identity, creating it on first use.

--cached answers from the local store without contacting the hosts and
shows when each identity was last fetched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if cached {
				return withStore(func(s *db.Store) error {
					return printCachedIdentities(cmd.Context(), out, s, tf.hosts)
				})
			}
			return withClient(func(c *core.Client) error {
				ctx := tf.context(c)
				ids, err := core.OpsOf(ctx).Identity(cmd.Context())
				if err != nil {
					return err
				}
				var names []string
				if showHostname {
					if names, err = core.OpsOf(ctx).Hostname(cmd.Context()); err != nil {
						return err
					}
				}
				for i, h := range ctx.Members() {
					if names != nil {
						fmt.Fprintln(out, i18n.T("identity.with_hostname", h.String(), ids[i], names[i]))
						continue
					}
					fmt.Fprintln(out, i18n.T("identity.line", h.String(), ids[i]))
				}
				return nil
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&cached, "cached", false, "read identities recorded in the store instead of asking the hosts")
	cmd.Flags().BoolVar(&showHostname, "hostname", false, "also print the host name each target reports")
	cmd.MarkFlagsMutuallyExclusive("cached", "hostname")
	return cmd
}

func printCachedIdentities(ctx context.Context, w io.Writer, s *db.Store, addrs []string) error {
	if len(addrs) == 0 {
		addrs = []string{""}
	}
	for _, a := range addrs {
		if transport.IsLoopback(a) {
			a = ""
		}
		host := hostLabel(a)
		id, fetched, ok, err := s.GetIdentity(ctx, host)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, i18n.T("identity.not_cached", host))
			continue
		}
		fmt.Fprintln(w, i18n.T("identity.cached", host, id, humanize.Time(fetched)))
	}
	return nil
}

func newEnvCmd() *cobra.Command {
	var (
		tf          targetFlags
		git, branch string
	)
	cmd := &cobra.Command{
		Use:   "env [NAME]",
		Short: "Install the companion and create the working directory environment",
		Long: `Makes sure every target has the rcall companion (at the pinned runtime
version, if any) and an environment in the working directory. Repeating
the command changes nothing.

With NAME, the environment is the subdirectory NAME of the working
directory. --git fills it with a fresh clone of a repository on every run;
local changes in it are discarded.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 && (git != "" || branch != "") {
				return errors.New(i18n.T("env.needs_name"))
			}
			return withClient(func(c *core.Client) error {
				m := core.NewMulti(appConfig.Fanout.Limit, tf.resolve(c)...)
				if len(args) == 1 {
					var opts []core.EnvOption
					if git != "" {
						opts = append(opts, core.WithGit(git))
					}
					if branch != "" {
						opts = append(opts, core.WithBranch(branch))
					}
					envs, err := m.Env(cmd.Context(), args[0], opts...)
					if err != nil {
						return err
					}
					for _, h := range envs.Members() {
						fmt.Fprintln(out, i18n.T("env.ready", h.Dir, h.String()))
					}
					return nil
				}
				hosts := m.Members()
				reps, err := m.EnsureEnvironment(cmd.Context())
				if err != nil {
					return err
				}
				for i, h := range hosts {
					r := reps[i]
					if !r.Changed() {
						fmt.Fprintln(out, i18n.T("env.unchanged", h.String()))
						continue
					}
					if r.InstalledCompanion {
						fmt.Fprintln(out, i18n.T("env.installed_companion", h.String()))
					}
					if r.InstalledVersion {
						fmt.Fprintln(out, i18n.T("env.installed_version", h.RuntimeVersion, h.String()))
					}
					if r.CreatedEnv {
						dir := h.Dir
						if dir == "" {
							dir = "~"
						}
						fmt.Fprintln(out, i18n.T("env.created", dir, h.String()))
					}
				}
				return nil
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&git, "git", "", "clone this repository into the environment")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to check out with --git")
	return cmd
}

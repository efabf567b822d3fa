// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/rcall/internal/config"
	"github.com/toeirei/rcall/internal/db"
	"github.com/toeirei/rcall/internal/dispatch"
	"github.com/toeirei/rcall/internal/i18n"
	"github.com/toeirei/rcall/internal/ops"
	"github.com/toeirei/rcall/internal/transport"
	"github.com/toeirei/rcall/internal/wire"
)

var getRemoteHostKey = transport.GetRemoteHostKey

func newOpsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List the named operations",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, i18n.T("ops.header"))
			for _, name := range ops.Default().Names() {
				fmt.Fprintln(out, "  "+name)
			}
		},
	}
}

func newTrustHostCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "trust-host ADDR",
		Short: "Fetch and trust a host's SSH key",
		Long: `Connects to ADDR only to read its host key, prints the fingerprint and,
after confirmation, stores the key so later connections verify against it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			key, err := getRemoteHostKey(addr)
			if err != nil {
				return fmt.Errorf("could not get host key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, i18n.T("trust.presented", addr, ssh.FingerprintSHA256(key)))
			if !yes {
				answer := promptForConfirmation(cmd.InOrStdin(), out, "Trust this key? (yes/no): ")
				if answer != "yes" && answer != "y" {
					return errors.New("host key not trusted")
				}
			}
			return withStore(func(s *db.Store) error {
				host := transport.NormalizeHost(addr)
				if err := s.AddKnownHostKey(cmd.Context(), host, string(ssh.MarshalAuthorizedKey(key))); err != nil {
					return fmt.Errorf("failed to save host key: %w", err)
				}
				fmt.Fprintln(out, i18n.T("trust.added", host))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "trust without asking")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var (
		host  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent remote calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(s *db.Store) error {
				rows, err := s.RecentCalls(cmd.Context(), host, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(rows) == 0 {
					fmt.Fprintln(out, i18n.T("audit.empty"))
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, i18n.T("audit.header"))
				for _, r := range rows {
					outcome := r.Outcome
					if r.Detail != "" {
						outcome += ": " + r.Detail
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						humanize.Time(r.CreatedAt), r.Hostname, r.Op, outcome,
						time.Duration(r.DurationMS)*time.Millisecond, r.TxID)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&host, "host", "H", "", "only calls to this host")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of rows")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var system, force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to rcall.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.GetConfigPath(system)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			written, err := config.WriteConfigFile(&appConfig, system)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("config.written", written))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&system, "system", false, "write the system-wide file instead of the user file")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database housekeeping",
	}
	var timeout time.Duration
	maintain := &cobra.Command{
		Use:   "maintain",
		Short: "Run engine-specific maintenance (VACUUM, ANALYZE, OPTIMIZE)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return withStore(func(s *db.Store) error {
				if err := s.RunMaintenance(ctx); err != nil {
					return fmt.Errorf("db maintenance failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("db.maintained"))
				return nil
			})
		},
	}
	maintain.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "maximum time for maintenance")
	cmd.AddCommand(maintain)
	return cmd
}

// newDispatchCmd is the companion entry point the dispatcher invokes on a
// target as "<companion> dispatch <envelope>".
func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "dispatch ENVELOPE",
		Short:       "Serve one encoded operation call (companion use)",
		Hidden:      true,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			return dispatch.Serve(cmd.Context(), ops.Default(), wire.Codec{}, args[0], dir)
		},
	}
}

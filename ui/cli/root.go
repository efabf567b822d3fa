// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toeirei/rcall/buildvars"
	"github.com/toeirei/rcall/core"
	"github.com/toeirei/rcall/internal/config"
	"github.com/toeirei/rcall/internal/db"
	"github.com/toeirei/rcall/internal/dispatch"
	"github.com/toeirei/rcall/internal/i18n"
	"github.com/toeirei/rcall/internal/logging"
)

var version = "dev"   // set by the linker
var gitCommit = "dev" // short commit SHA, set by the linker

var cfgFile string
var appConfig config.Config

// Hooks replaced by tests.
var (
	openClient = core.Open
	openStore  = func(cfg config.Config) (*db.Store, error) {
		return db.Open(cfg.Database.Type, cfg.Database.Dsn)
	}
)

// skipSetup marks commands that must not load configuration, such as the
// companion entry point.
const skipSetup = "rcall/skip-setup"

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rcall",
		Short: "Run commands and named operations on local and remote hosts",
		Long: `rcall runs shell commands and named operations (file, JSON, YAML and CSV
access, listing, fetching) on the local machine or on SSH hosts with the
same syntax. Remote operations are executed by the rcall companion on the
target. Several hosts are addressed concurrently.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
	cmd.Version = resolveVersion(nil)

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/rcall/rcall.yaml)")
	pf.String("database.type", "", `database type ("sqlite", "postgres", "mysql")`)
	pf.String("database.dsn", "", "database connection string")
	pf.String("language", "", `message language ("en", "de")`)
	pf.String("log.level", "", `log level ("debug", "info", "warn", "error")`)

	cmd.AddCommand(
		newShCmd(),
		newCallCmd(),
		newCpCmd(),
		newIdentityCmd(),
		newEnvCmd(),
		newOpsCmd(),
		newTrustHostCmd(),
		newAuditCmd(),
		newConfigCmd(),
		newDBCmd(),
		newDispatchCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI and returns the command's error. The caller owns the
// process exit.
func Execute() error {
	dispatch.InstallSignalHandler()
	err := NewRootCmd().Execute()
	if cerr := dispatch.DefaultArena().CleanupAll(); cerr != nil {
		logging.Warnf("cleanup of transfer files: %v", cerr)
	}
	return err
}

func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipSetup] == "true" {
		return nil
	}
	var file *string
	if cfgFile != "" {
		file = &cfgFile
	}
	c, err := config.LoadConfig[config.Config](cmd, config.Defaults(), file)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	appConfig = c
	i18n.Init(appConfig.Language)
	if err := logging.SetLevel(appConfig.Log.Level); err != nil {
		logging.Warnf("%v", err)
	}
	logging.Debugf("cli: database %s, fan-out limit %d", appConfig.Database.Type, appConfig.Fanout.Limit)
	return nil
}

// withClient opens a client for the loaded configuration and closes it
// after fn.
func withClient(fn func(*core.Client) error) error {
	c, err := openClient(appConfig)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			logging.Warnf("close client: %v", cerr)
		}
	}()
	return fn(c)
}

// withStore opens the configured store for commands that need nothing else.
func withStore(fn func(*db.Store) error) error {
	s, err := openStore(appConfig)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// promptForConfirmation prints prompt and reads one line from in.
func promptForConfirmation(in io.Reader, out io.Writer, prompt string) string {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(line))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{skipSetup: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rcall %s\n", resolveVersion(nil))
		},
	}
}

// resolveVersion prefers the linker-provided version, then module build
// info, then the commit.
func resolveVersion(info *debug.BuildInfo) string {
	v := buildvars.VersionOrDefault(version)
	if v != "dev" {
		return v
	}
	if info == nil {
		if bi, ok := debug.ReadBuildInfo(); ok {
			info = bi
		}
	}
	if info != nil && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	if gitCommit != "dev" && gitCommit != "" {
		return gitCommit
	}
	return v
}

// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/toeirei/rcall/core"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// targetFlags are shared by every command that addresses hosts.
type targetFlags struct {
	hosts          []string
	dir            string
	runtimeVersion string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.hosts, "host", "H", nil, "target host as [user@]host[:port]; repeat for several (default: local)")
	cmd.Flags().StringVarP(&f.dir, "dir", "C", "", "working directory on the target")
	cmd.Flags().StringVar(&f.runtimeVersion, "runtime-version", "", "companion runtime version to use on remote hosts")
}

// resolve returns the hosts the flags name, the local host when none.
func (f *targetFlags) resolve(c *core.Client) []*core.Host {
	addrs := f.hosts
	if len(addrs) == 0 {
		addrs = []string{""}
	}
	var opts []core.HostOption
	if f.runtimeVersion != "" {
		opts = append(opts, core.WithRuntimeVersion(f.runtimeVersion))
	}
	hosts := make([]*core.Host, len(addrs))
	for i, a := range addrs {
		hosts[i] = c.Host(a, f.dir, opts...)
	}
	return hosts
}

// context returns a single host, or a fan-out when several are named.
func (f *targetFlags) context(c *core.Client) core.Context {
	hosts := f.resolve(c)
	if len(hosts) == 1 {
		return hosts[0]
	}
	return core.NewMulti(appConfig.Fanout.Limit, hosts...)
}

func printHeader(w io.Writer, h *core.Host) {
	fmt.Fprintln(w, headerStyle.Render("== "+h.String()+" =="))
}

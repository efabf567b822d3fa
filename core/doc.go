// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package core is the public face of rcall. A Client hands out Hosts, each
// naming the local machine or one SSH target plus an optional working
// directory. Operations run the same way on either: shell commands, named
// operations routed through the dispatcher, file handles and the host
// identity. A Multi broadcasts those calls over several hosts concurrently
// and returns results in member order.
//
// Environment bootstrap is explicit: call EnsureEnvironment before the
// first dispatch to a fresh host.
package core // import "github.com/toeirei/rcall/core"

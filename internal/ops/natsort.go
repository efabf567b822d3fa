// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package ops

import (
	"sort"

	"github.com/maruel/natural"
)

// SortNatural sorts names so embedded numbers compare by value:
// "file2" < "file10". Names that compare equal keep their order.
func SortNatural(names []string) {
	sort.SliceStable(names, func(i, j int) bool { return natural.Less(names[i], names[j]) })
}

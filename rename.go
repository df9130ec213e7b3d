// Copyright (C) The Seqlens Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package seqlens

import (
	"fmt"
	"strings"
)

// RenameSamples applies rewrite to every sample identifier. The
// rewrite must be injective over the samples actually present: a
// collision would merge two key groups and break broadcast
// consistency, so it is fatal and the table is left unchanged.
func (t *AbundanceTable) RenameSamples(rewrite func(string) string) error {
	renamed := make([]string, len(t.Samples))
	seen := make(map[string]string, len(t.Samples))
	for i, s := range t.Samples {
		r := rewrite(s)
		if prev, dup := seen[r]; dup {
			return fmt.Errorf("sample identifier collision after rewrite: %q and %q both become %q", prev, s, r)
		}
		seen[r] = s
		renamed[i] = r
	}
	t.Samples = renamed
	return t.reindex()
}

// TrimPrefix returns a rewrite that strips a literal prefix from
// sample names. Applying it twice is a no-op once the prefix is gone.
func TrimPrefix(prefix string) func(string) string {
	return func(s string) string { return strings.TrimPrefix(s, prefix) }
}

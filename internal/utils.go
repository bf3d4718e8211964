// Copyright © 2026 Genome Research Limited
//
//  This file is part of wmq.
//
//  wmq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wmq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wmq. If not, see <http://www.gnu.org/licenses/>.

package internal

// this file has general utility functions

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/inconshreveable/log15"
)

// TildaToHome converts a path beginning with ~/ to the absolute path based in
// the current home directory. If that cannot be determined, path is returned
// unaltered.
func TildaToHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimLeft(path, "~/"))
}

// LogPanic is for use in goroutines, so that panics are logged at the Crit
// level with a stack trace. It must be deferred directly. If die is true, the
// process exits non-zero after logging, otherwise the panic is swallowed.
func LogPanic(logger log15.Logger, desc string, die bool) {
	if err := recover(); err != nil {
		logger.Crit(desc+" panic", "err", err, "stack", string(debug.Stack()))

		if die {
			os.Exit(1)
		}
	}
}

// SortMapKeysByIntValue sorts the keys of a map[string]int by its values,
// reversed if you supply true as the second arg. Keys with equal values are
// sorted by name.
func SortMapKeysByIntValue(imap map[string]int, reverse bool) []string {
	keys := make([]string, 0, len(imap))
	for key := range imap {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		vi, vj := imap[keys[i]], imap[keys[j]]
		if vi == vj {
			return keys[i] < keys[j]
		}
		if reverse {
			return vi > vj
		}
		return vi < vj
	})

	return keys
}

// DedupSortStrings returns a sorted copy of the given slice with duplicates
// and empty strings removed.
func DedupSortStrings(s []string) []string {
	seen := make(map[string]bool, len(s))
	var out []string
	for _, str := range s {
		if str == "" || seen[str] {
			continue
		}
		seen[str] = true
		out = append(out, str)
	}
	sort.Strings(out)
	return out
}

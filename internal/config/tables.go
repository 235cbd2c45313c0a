package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode"
)

type selection struct {
	tables   []string
	exclude  []string
	partials map[string]string
}

// selectTables resolves --tables, --groups and --exclude against the file.
//
// A --tables value containing whitespace is not a table name but a partial
// for the first named table, so `-t users "WHERE org_id = 7"` syncs a filtered
// users table.
func selectTables(fc fileConfig, flags Flags) (selection, error) {
	sel := selection{partials: make(map[string]string)}

	var partialArgs []string
	for _, arg := range flags.Tables {
		if strings.IndexFunc(arg, unicode.IsSpace) >= 0 {
			partialArgs = append(partialArgs, strings.TrimSpace(arg))
			continue
		}
		sel.tables = union(sel.tables, SplitList(arg))
	}
	if len(partialArgs) > 0 && len(sel.tables) > 0 {
		sel.partials[sel.tables[0]] = partialArgs[0]
	}

	for _, arg := range flags.Groups {
		for _, name := range SplitList(arg) {
			group, ok := fc.Groups[name]
			if !ok {
				return sel, fmt.Errorf("%w: %s (groups must be defined in the config file before they can be referenced)", ErrUnknownGroup, name)
			}
			sel.tables = union(sel.tables, group)
		}
	}

	if len(flags.Exclude) > 0 {
		for _, arg := range flags.Exclude {
			sel.exclude = union(sel.exclude, SplitList(arg))
		}
	} else {
		for name, tc := range fc.Tables {
			if tc != nil && tc.Dump != nil && !*tc.Dump {
				sel.exclude = append(sel.exclude, name)
			}
		}
		sort.Strings(sel.exclude)
	}

	return sel, nil
}

// SplitList splits a comma separated flag value, dropping empty entries.
// Values containing whitespace are returned whole.
func SplitList(s string) []string {
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return []string{s}
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ResolveTargets returns the tables a run should touch given the remote table
// list. With no explicit selection every remote table is used, minus the
// exclusions unless includeExcluded is set.
func (c *Config) ResolveTargets(remote []string, includeExcluded bool) ([]string, []string) {
	if len(c.Tables) > 0 {
		var missing []string
		for _, t := range c.Tables {
			if !slices.Contains(remote, t) {
				missing = append(missing, t)
			}
		}
		return append([]string(nil), c.Tables...), missing
	}

	var targets []string
	for _, t := range remote {
		if includeExcluded || !slices.Contains(c.Exclude, t) {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func union(a, b []string) []string {
	for _, v := range b {
		if !slices.Contains(a, v) {
			a = append(a, v)
		}
	}
	return a
}

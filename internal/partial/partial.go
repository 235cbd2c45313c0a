// Package partial resolves per-table row filters that reference the filtered
// rows of other tables.
//
// A partial such as
//
//	WHERE user_id IN (SELECT id FROM {{ users }})
//
// depends on the users partial. The resolver orders tables so that every
// dependency precedes its dependents, rewrites the {{ name }} markers to bare
// table names and builds the WITH prologue that brings each dependency's
// filtered rows into scope.
package partial

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/willibrandon/pgrab/internal/sqlbuild"
)

// ErrCyclicDependency is returned when partials reference each other in a cycle.
var ErrCyclicDependency = errors.New("cyclic dependency in partials")

var refPattern = regexp.MustCompile(`\{{2}\s*(\w+)\s*\}{2}`)

// DependencyEntry is one table in dependency order together with the ordered
// CTE chain it needs.
type DependencyEntry struct {
	Table        string
	Dependencies []string
}

// Resolution is the output of Resolve.
type Resolution struct {
	// Order lists every table in dependency order.
	Order []DependencyEntry
	// Partials holds the filters with {{ name }} markers rewritten.
	Partials map[string]string
	// WithStatements maps each configured table to its CTE prologue, or "".
	WithStatements map[string]string
}

// References returns the distinct table names a partial refers to, in order
// of first appearance.
func References(partial string) []string {
	var refs []string
	for _, m := range refPattern.FindAllStringSubmatch(partial, -1) {
		if !slices.Contains(refs, m[1]) {
			refs = append(refs, m[1])
		}
	}
	return refs
}

// Rewrite replaces every {{ name }} marker with the bare table name.
func Rewrite(partial string) string {
	return refPattern.ReplaceAllString(partial, "$1")
}

// Resolve orders the partials and builds their WITH prologues. It fails with
// ErrCyclicDependency before producing any SQL when the references form a cycle.
//
// A referenced table with no partial of its own is treated as unfiltered.
func Resolve(partials map[string]string, schema string) (*Resolution, error) {
	deps := make(map[string][]string, len(partials))
	for table, p := range partials {
		deps[table] = References(p)
	}
	for _, refs := range deps {
		for _, ref := range refs {
			if _, ok := deps[ref]; !ok {
				deps[ref] = nil
			}
		}
	}

	order, err := sortTables(deps)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Order:          order,
		Partials:       make(map[string]string, len(partials)),
		WithStatements: make(map[string]string, len(partials)),
	}
	for table, p := range partials {
		res.Partials[table] = Rewrite(p)
	}

	for _, entry := range order {
		if _, configured := partials[entry.Table]; !configured {
			continue
		}
		res.WithStatements[entry.Table] = withStatement(entry.Dependencies, res.Partials, schema)
	}
	return res, nil
}

// sortTables is Kahn's algorithm over the reference graph. Candidates are
// taken in name order so the result is deterministic.
func sortTables(deps map[string][]string) ([]DependencyEntry, error) {
	pending := make([]string, 0, len(deps))
	for table := range deps {
		pending = append(pending, table)
	}
	sort.Strings(pending)

	ordered := make([]DependencyEntry, 0, len(deps))
	position := make(map[string]int, len(deps))

	for len(pending) > 0 {
		next := -1
		for i, table := range pending {
			if allOrdered(deps[table], position) {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(pending, ", "))
		}

		table := pending[next]
		pending = slices.Delete(pending, next, next+1)

		closure := map[string]bool{}
		expand(deps[table], deps, closure)

		// Keep the closure in global order so each CTE only refers to earlier ones.
		var chain []string
		for _, e := range ordered {
			if closure[e.Table] {
				chain = append(chain, e.Table)
			}
		}

		position[table] = len(ordered)
		ordered = append(ordered, DependencyEntry{Table: table, Dependencies: chain})
	}
	return ordered, nil
}

func allOrdered(refs []string, position map[string]int) bool {
	for _, r := range refs {
		if _, ok := position[r]; !ok {
			return false
		}
	}
	return true
}

func expand(refs []string, deps map[string][]string, seen map[string]bool) {
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		expand(deps[r], deps, seen)
	}
}

func withStatement(chain []string, partials map[string]string, schema string) string {
	if len(chain) == 0 {
		return ""
	}
	ctes := make([]string, len(chain))
	for i, dep := range chain {
		sel := sqlbuild.Join("SELECT * FROM", sqlbuild.Table(schema, dep), partials[dep])
		ctes[i] = fmt.Sprintf("%s AS (%s)", dep, sel)
	}
	return "WITH " + strings.Join(ctes, ", ")
}

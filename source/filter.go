package source

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TableFilter selects which tables of the change feed are watched.
// Patterns are globs; an empty pattern list matches everything. Tables in
// the always set are admitted regardless of the patterns, so narrowing the
// watch list cannot cut off tables the relay itself depends on.
type TableFilter struct {
	globs  []glob.Glob
	always map[string]struct{}
}

// NewTableFilter compiles watch patterns into a filter.
func NewTableFilter(patterns, always []string) (*TableFilter, error) {
	filter := &TableFilter{
		globs:  make([]glob.Glob, 0, len(patterns)),
		always: make(map[string]struct{}, len(always)),
	}
	for _, table := range always {
		filter.always[table] = struct{}{}
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}

	return filter, nil
}

// Match returns true if the table matches the configured patterns or is
// always admitted.
func (f *TableFilter) Match(table string) bool {
	if _, ok := f.always[table]; ok {
		return true
	}
	if len(f.globs) == 0 {
		return true
	}

	for _, g := range f.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

package events

import (
	"fmt"
	"path"
	"slices"

	"github.com/edgeflare/pgtable/pkg/table"
)

// Filter selects the entity types a sink receives. Entries are glob
// patterns as accepted by path.Match, e.g. "sales.*".
type Filter struct {
	Entities        []string `mapstructure:"entities"`
	ExcludeEntities []string `mapstructure:"excludeEntities"`
}

// Validate checks every pattern.
func (f *Filter) Validate() error {
	for _, p := range slices.Concat(f.Entities, f.ExcludeEntities) {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("invalid entity pattern %q: %w", p, err)
		}
	}
	return nil
}

// Match reports whether notifications of entity pass the filter. A nil
// filter passes everything; exclusions win over inclusions.
func (f *Filter) Match(entity table.EntityType) bool {
	if f == nil {
		return true
	}
	if matchAny(f.ExcludeEntities, string(entity)) {
		return false
	}
	return len(f.Entities) == 0 || matchAny(f.Entities, string(entity))
}

func matchAny(patterns []string, name string) bool {
	return slices.ContainsFunc(patterns, func(p string) bool {
		ok, _ := path.Match(p, name)
		return ok
	})
}

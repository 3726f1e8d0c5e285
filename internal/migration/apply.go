package migration

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/spacesync/internal/ir"
)

// Apply runs m over every document tree and returns the migrated trees.
// The input is not modified. Steps run in order; a step restricted to
// document ids only touches those documents.
func Apply(m ir.Migration, docs map[string]ir.Map) (map[string]ir.Map, error) {
	if errs := Validate(m); len(errs) > 0 {
		return nil, fmt.Errorf("migration %s: %w", m.Name, errs[0])
	}
	out := make(map[string]ir.Map, len(docs))
	for id, tree := range docs {
		migrated := tree.Clone()
		for _, step := range m.Steps {
			if len(step.Documents) > 0 && !slices.Contains(step.Documents, id) {
				continue
			}
			if err := applyStep(migrated, step); err != nil {
				return nil, fmt.Errorf("migration %s on %s: %w", m.Name, id, err)
			}
		}
		out[id] = migrated
	}
	return out, nil
}

func applyStep(tree ir.Map, step ir.MigrationStep) error {
	switch step.Op {
	case ir.MigrateRename:
		v, ok := lookup(tree, step.Path)
		if !ok {
			return nil
		}
		if err := store(tree, step.To, v); err != nil {
			return err
		}
		remove(tree, step.Path)
	case ir.MigrateCopy:
		v, ok := lookup(tree, step.Path)
		if !ok {
			return nil
		}
		return store(tree, step.To, ir.Clone(v))
	case ir.MigrateSetDefault:
		if _, ok := lookup(tree, step.Path); ok {
			return nil
		}
		return store(tree, step.Path, ir.Clone(step.Value))
	case ir.MigrateDrop:
		remove(tree, step.Path)
	}
	return nil
}

func lookup(tree ir.Map, path string) (ir.Value, bool) {
	segs := strings.Split(path, ".")
	cur := tree
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(ir.Map)
		if !ok {
			return nil, false
		}
		cur = next
	}
	v, ok := cur[segs[len(segs)-1]]
	return v, ok
}

// store writes v at path, creating intermediate maps. It fails if an
// intermediate segment holds a non-map value.
func store(tree ir.Map, path string, v ir.Value) error {
	segs := strings.Split(path, ".")
	cur := tree
	for _, seg := range segs[:len(segs)-1] {
		existing, present := cur[seg]
		if !present {
			next := ir.Map{}
			cur[seg] = next
			cur = next
			continue
		}
		next, ok := existing.(ir.Map)
		if !ok {
			return fmt.Errorf("path %q: %s is not a map", path, seg)
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
	return nil
}

func remove(tree ir.Map, path string) {
	segs := strings.Split(path, ".")
	cur := tree
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(ir.Map)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

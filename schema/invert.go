package schema

import (
	"fmt"
	"sort"
)

// Propagation maps a model name to the relationship names along which
// authorization travels away from it. The engine follows these edges from a
// granted context toward the rows it covers; the rewriter needs the same
// information pointing the other way, which Invert computes.
type Propagation map[string][]string

// Invert flips a propagation schema: for every declared edge it resolves
// the inverse relationship on the target model and records it there.
//
// For a declared edge Country.departments (to-many), the inversion yields
// Department.country (to-one), so the result maps "Department" to
// {"country"}. Inverting twice restores the original schema whenever every
// declared relation has a back-reference.
func (reg *Registry) Invert(p Propagation) (Propagation, error) {
	inv := make(Propagation)
	seen := make(map[string]map[string]bool)
	for name, relNames := range p {
		model, ok := reg.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: propagation schema names %q", ErrUnknownModel, name)
		}
		for _, relName := range relNames {
			rel, ok := model.Relationship(relName)
			if !ok {
				return nil, fmt.Errorf("%w: propagation schema names %s.%s", ErrUnknownRelation, name, relName)
			}
			invRel, err := reg.Inverse(rel)
			if err != nil {
				return nil, err
			}
			target := rel.target.Name
			if seen[target] == nil {
				seen[target] = make(map[string]bool)
			}
			if seen[target][invRel.Name] {
				continue
			}
			seen[target][invRel.Name] = true
			inv[target] = append(inv[target], invRel.Name)
		}
	}
	for _, names := range inv {
		sort.Strings(names)
	}
	return inv, nil
}

// Explode builds every dotted path that can be formed from model by
// following the inverted propagation schema. The result drives the default
// path checker synthesized for an action with no registered checker: each
// path leads from a row toward the contexts that may carry its grants.
//
// Self-recursive edges contribute a single segment; the traversal engine
// expands them to a fixpoint at run time, so enumerating them here would
// only duplicate work (and never terminate).
func (reg *Registry) Explode(inv Propagation, model string) []string {
	var explore func(name string, onPath map[string]bool) []string
	explore = func(name string, onPath map[string]bool) []string {
		if onPath[name] {
			return nil
		}
		onPath[name] = true
		defer delete(onPath, name)

		var paths []string
		children := append([]string(nil), inv[name]...)
		sort.Strings(children)
		for _, relName := range children {
			m := reg.byName[name]
			rel, ok := m.Relationship(relName)
			if !ok {
				continue
			}
			paths = append(paths, relName)
			if rel.SelfRecursive {
				continue
			}
			for _, sub := range explore(rel.target.Name, onPath) {
				paths = append(paths, relName+"."+sub)
			}
		}
		return paths
	}
	paths := explore(model, map[string]bool{})
	sort.Strings(paths)
	return paths
}

package relauth

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/giusedb/relauth/schema"
)

// Tree is a compacted path tree: dotted segments map to subtrees, nil
// marks a leaf. Paths sharing a prefix are folded so the shared edges are
// traversed once.
type Tree map[string]Tree

// Treefy folds dotted paths into a Tree. Paths are grouped by their first
// segment and singleton chains are collapsed back into dotted keys, so
// {"a.b.c", "a.b.d"} becomes {"a.b": {"c": nil, "d": nil}}.
func Treefy(paths ...string) Tree {
	split := make([][]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		split = append(split, strings.Split(p, "."))
	}
	sort.Slice(split, func(i, j int) bool {
		return strings.Join(split[i], ".") < strings.Join(split[j], ".")
	})
	return commonPath(split)
}

func commonPath(paths [][]string) Tree {
	any := false
	for _, p := range paths {
		if len(p) > 0 {
			any = true
			break
		}
	}
	if !any {
		return nil
	}
	grouped := make(Tree)
	for i := 0; i < len(paths); {
		if len(paths[i]) == 0 {
			i++
			continue
		}
		head := paths[i][0]
		var tails [][]string
		for ; i < len(paths) && len(paths[i]) > 0 && paths[i][0] == head; i++ {
			tails = append(tails, paths[i][1:])
		}
		grouped[head] = commonPath(tails)
	}
	// Collapse singleton chains: a node with exactly one child becomes a
	// dotted segment, keeping the tree as shallow as the paths allow.
	for key, sub := range grouped {
		if len(sub) != 1 {
			continue
		}
		for childKey, childSub := range sub {
			delete(grouped, key)
			grouped[key+"."+childKey] = childSub
		}
	}
	return grouped
}

// sortedKeys returns the tree's segments in stable order.
func (t Tree) sortedKeys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// visitFn receives each value reached during a traversal together with its
// depth (path segments walked so far). Returning stop=true ends the walk.
type visitFn func(v Value, depth int) (stop bool, err error)

// asContextSet normalizes a traversal value for the next step. Scalars
// cannot be traversed further.
func asContextSet(v Value) (ContextSet, bool) {
	switch t := v.(type) {
	case Context:
		return t.Set(), true
	case ContextSet:
		return t, !t.Empty()
	}
	return ContextSet{}, false
}

// resolveEdge resolves one attribute for a batch of same-model rows,
// returning the reached value per source id. Results are memoized per edge
// under "traverse:<table>.<attribute>" keyed by row id; misses are fetched
// with a single batched query. Self-recursive relationships resolve to
// their transitive fixpoint: the full ancestor (to-one) or descendant
// (to-many) set of each row.
func (a *Auth) resolveEdge(ctx context.Context, set ContextSet, attr string) (map[int64]Value, error) {
	if set.Empty() {
		return nil, nil
	}
	model := set.Model
	rel, isRel := model.Relationship(attr)
	if !isRel && !model.HasColumn(attr) && attr != model.PK {
		return nil, fmt.Errorf("%w: %s has no attribute %q", ErrSchemaResolution, model.Name, attr)
	}

	key := keyTraverse + model.Table + "." + attr
	rc := requestCacheFrom(ctx)
	resolved := make(map[int64]Value, set.Len())
	var missing []int64

	// Per-request tier, then the shared tier in one round trip.
	var sharedMiss []int64
	for _, id := range set.IDs {
		field := key + "\x00" + strconv.FormatInt(id, 10)
		if blob, ok := rc.get(field); ok {
			if v, ok := decodeEdgeValue(blob, rel); ok {
				resolved[id] = v
			}
			continue
		}
		sharedMiss = append(sharedMiss, id)
	}
	if a.kv != nil && len(sharedMiss) > 0 {
		fields := make([]string, len(sharedMiss))
		for i, id := range sharedMiss {
			fields[i] = strconv.FormatInt(id, 10)
		}
		blobs, err := a.kv.HMGet(ctx, key, fields...)
		if err != nil {
			a.log.WithError(err).WithField("key", key).Debug("shared cache read failed")
			blobs = make([][]byte, len(sharedMiss))
		}
		for i, id := range sharedMiss {
			if blobs[i] == nil {
				missing = append(missing, id)
				continue
			}
			rc.set(key+"\x00"+fields[i], blobs[i])
			if v, ok := decodeEdgeValue(blobs[i], rel); ok {
				resolved[id] = v
			}
		}
	} else {
		missing = sharedMiss
	}

	if len(missing) > 0 {
		fresh, err := a.queryEdge(ctx, NewContextSet(model, missing...), rel, attr)
		if err != nil {
			return nil, err
		}
		payload := make(map[string][]byte, len(missing))
		for _, id := range missing {
			v, ok := fresh[id]
			blob := encodeNil()
			if ok {
				blob = encodeEdgeValue(v)
				resolved[id] = v
			}
			field := strconv.FormatInt(id, 10)
			payload[field] = blob
			rc.set(key+"\x00"+field, blob)
		}
		if a.kv != nil {
			if err := a.kv.HSet(ctx, key, payload); err != nil {
				a.log.WithError(err).WithField("key", key).Debug("shared cache write failed")
			}
		}
	}
	return resolved, nil
}

// encodeEdgeValue serializes a traversal value to its cache blob: an
// integer for scalars and single contexts, an integer set for batches.
func encodeEdgeValue(v Value) []byte {
	switch t := v.(type) {
	case Context:
		return encodeInt(t.ID)
	case ContextSet:
		return encodeIntSet(t.IDs)
	case Scalars:
		if len(t) == 1 {
			return encodeInt(t[0])
		}
		return encodeIntSet(t)
	}
	return encodeNil()
}

// decodeEdgeValue interprets a cache blob in the light of the edge's kind.
func decodeEdgeValue(blob []byte, rel *schema.Relationship) (Value, bool) {
	if len(blob) == 0 || blob[0] == blobNil {
		return nil, false
	}
	if rel == nil {
		switch blob[0] {
		case blobInt:
			v, err := decodeInt(blob)
			if err != nil {
				return nil, false
			}
			return Scalars{v}, true
		case blobIntSet:
			ids, err := decodeIntSet(blob)
			if err != nil {
				return nil, false
			}
			return Scalars(ids), true
		}
		return nil, false
	}
	target := rel.TargetModel()
	switch blob[0] {
	case blobInt:
		v, err := decodeInt(blob)
		if err != nil {
			return nil, false
		}
		return Context{Model: target, ID: v}, true
	case blobIntSet:
		ids, err := decodeIntSet(blob)
		if err != nil || len(ids) == 0 {
			return nil, false
		}
		return NewContextSet(target, ids...), true
	}
	return nil, false
}

// queryEdge fetches one edge from the database for a batch of source ids.
func (a *Auth) queryEdge(ctx context.Context, set ContextSet, rel *schema.Relationship, attr string) (map[int64]Value, error) {
	if rel == nil {
		return a.queryColumnEdge(ctx, set, attr)
	}
	if rel.SelfRecursive {
		return a.queryRecursiveEdge(ctx, set, rel)
	}
	return a.queryRelationEdge(ctx, set, rel)
}

func (a *Auth) queryColumnEdge(ctx context.Context, set ContextSet, col string) (map[int64]Value, error) {
	m := set.Model
	query := "SELECT " + m.PK + ", " + col + " FROM " + m.Table +
		" WHERE " + m.PK + " IN (" + placeholders(1, len(set.IDs)) + ")"
	rows, err := a.db.QueryContext(ctx, query, int64Args(set.IDs)...)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", m.Table, col, err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int64]Value)
	for rows.Next() {
		var id int64
		var v *int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		if v != nil {
			out[id] = Scalars{*v}
		}
	}
	return out, rows.Err()
}

func (a *Auth) queryRelationEdge(ctx context.Context, set ContextSet, rel *schema.Relationship) (map[int64]Value, error) {
	m := set.Model
	target := rel.TargetModel()
	var query string
	switch rel.Direction {
	case schema.ToOne:
		query = "SELECT " + m.PK + ", " + rel.LocalColumn + " FROM " + m.Table +
			" WHERE " + m.PK + " IN (" + placeholders(1, len(set.IDs)) + ")"
	case schema.ToMany:
		query = "SELECT " + rel.RemoteColumn + ", " + target.PK + " FROM " + target.Table +
			" WHERE " + rel.RemoteColumn + " IN (" + placeholders(1, len(set.IDs)) + ")" +
			" ORDER BY " + rel.RemoteColumn + ", " + target.PK
	case schema.ManyToMany:
		query = "SELECT " + rel.SecondaryLocal + ", " + rel.SecondaryRemote + " FROM " + rel.SecondaryTable +
			" WHERE " + rel.SecondaryLocal + " IN (" + placeholders(1, len(set.IDs)) + ")" +
			" ORDER BY " + rel.SecondaryLocal + ", " + rel.SecondaryRemote
	}
	rows, err := a.db.QueryContext(ctx, query, int64Args(set.IDs)...)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", m.Table, rel.Name, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]Value)
	for rows.Next() {
		var src int64
		var dst *int64
		if err := rows.Scan(&src, &dst); err != nil {
			return nil, err
		}
		if dst == nil {
			continue
		}
		if rel.Direction == schema.ToOne {
			out[src] = Context{Model: target, ID: *dst}
			continue
		}
		prev, _ := out[src].(ContextSet)
		merged, err := prev.Union(Context{Model: target, ID: *dst}.Set())
		if err != nil {
			return nil, err
		}
		out[src] = merged
	}
	return out, rows.Err()
}

// queryRecursiveEdge expands a self-recursive edge to its fixpoint: one
// step at a time over the whole frontier, stopping when a step yields no
// new ids. To-one edges collect each row's ancestor chain, to-many edges
// the full descendant set.
func (a *Auth) queryRecursiveEdge(ctx context.Context, set ContextSet, rel *schema.Relationship) (map[int64]Value, error) {
	// reached[id] accumulates every row reachable from id; frontier maps a
	// currently-explored row back to the source ids it serves.
	reached := make(map[int64]map[int64]struct{}, set.Len())
	frontier := make(map[int64][]int64, set.Len())
	for _, id := range set.IDs {
		reached[id] = make(map[int64]struct{})
		frontier[id] = []int64{id}
	}

	step := func(ids []int64) (map[int64][]int64, error) {
		stepSet := NewContextSet(set.Model, ids...)
		raw, err := a.queryRelationEdge(ctx, stepSet, rel)
		if err != nil {
			return nil, err
		}
		out := make(map[int64][]int64, len(raw))
		for src, v := range raw {
			switch t := v.(type) {
			case Context:
				out[src] = []int64{t.ID}
			case ContextSet:
				out[src] = t.IDs
			}
		}
		return out, nil
	}

	for len(frontier) > 0 {
		ids := make([]int64, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, id)
		}
		next, err := step(ids)
		if err != nil {
			return nil, err
		}
		newFrontier := make(map[int64][]int64)
		for cur, sources := range frontier {
			for _, hit := range next[cur] {
				for _, src := range sources {
					if _, seen := reached[src][hit]; seen {
						continue
					}
					reached[src][hit] = struct{}{}
					newFrontier[hit] = append(newFrontier[hit], src)
				}
			}
		}
		frontier = newFrontier
	}

	target := rel.TargetModel()
	out := make(map[int64]Value, len(reached))
	for src, hits := range reached {
		if len(hits) == 0 {
			continue
		}
		ids := make([]int64, 0, len(hits))
		for id := range hits {
			ids = append(ids, id)
		}
		out[src] = NewContextSet(target, ids...)
	}
	return out, nil
}

// Traverse walks a dotted attribute path from start, calling fn for every
// aggregated value reached at depth >= skip. Traversal stops early when a
// segment resolves to nothing or fn asks to stop.
func (a *Auth) Traverse(ctx context.Context, start Value, path string, skip int, fn visitFn) (bool, error) {
	current := start
	segments := strings.Split(path, ".")
	for depth, seg := range segments {
		set, ok := asContextSet(current)
		if !ok {
			break
		}
		resolved, err := a.resolveEdge(ctx, set, seg)
		if err != nil {
			return false, err
		}
		agg, err := aggregate(resolved)
		if err != nil {
			return false, err
		}
		if agg == nil {
			break
		}
		current = agg
		if depth+1 >= skip {
			stop, err := fn(agg, depth+1)
			if err != nil || stop {
				return stop, err
			}
		}
	}
	return false, nil
}

// aggregate merges per-source edge values into one value for the whole
// frontier: context sets union, scalars concatenate.
func aggregate(resolved map[int64]Value) (Value, error) {
	var set ContextSet
	var scalars Scalars
	for _, v := range resolved {
		switch t := v.(type) {
		case Context:
			merged, err := set.Union(t.Set())
			if err != nil {
				return nil, err
			}
			set = merged
		case ContextSet:
			merged, err := set.Union(t)
			if err != nil {
				return nil, err
			}
			set = merged
		case Scalars:
			scalars = append(scalars, t...)
		}
	}
	if len(scalars) > 0 {
		return Scalars(dedupeSorted(scalars)), nil
	}
	if !set.Empty() {
		return set, nil
	}
	return nil, nil
}

// TreeTraverse drives a compacted path tree from start: the start value
// itself is yielded first (the record is its own context), then every
// subtree re-enters at each intermediate value with the skip budget
// reduced by the segment length.
func (a *Auth) TreeTraverse(ctx context.Context, start Value, tree Tree, skip int, fn visitFn) (bool, error) {
	if skip <= 0 {
		if stop, err := fn(start, 0); err != nil || stop {
			return stop, err
		}
	}
	return a.treeWalk(ctx, start, tree, skip, fn)
}

func (a *Auth) treeWalk(ctx context.Context, start Value, tree Tree, skip int, fn visitFn) (bool, error) {
	for _, seg := range tree.sortedKeys() {
		sub := tree[seg]
		segLen := strings.Count(seg, ".") + 1
		stopped, err := a.Traverse(ctx, start, seg, skip, func(v Value, depth int) (bool, error) {
			if stop, err := fn(v, depth); err != nil || stop {
				return stop, err
			}
			if depth == segLen && sub != nil {
				return a.treeWalk(ctx, v, sub, skip-segLen, fn)
			}
			return false, nil
		})
		if err != nil || stopped {
			return stopped, err
		}
	}
	return false, nil
}

// projectBack maps permitted ids backwards through a run of path segments:
// given rows of the last segment's target, it returns the rows of the
// run's first model that reach them. Self-recursive segments project to
// their transitive closure, seeds included - a grant on a folder covers
// the folder itself and everything below it.
func (a *Auth) projectBack(ctx context.Context, permitted ContextSet, run []*schema.Relationship) (ContextSet, error) {
	current := permitted
	for i := len(run) - 1; i >= 0; i-- {
		rel := run[i]
		inv, err := a.schema.Inverse(rel)
		if err != nil {
			return ContextSet{}, fmt.Errorf("%w: %v", ErrSchemaResolution, err)
		}
		if current.Empty() {
			return ContextSet{}, nil
		}
		resolved, err := a.resolveEdge(ctx, current, inv.Name)
		if err != nil {
			return ContextSet{}, err
		}
		agg, err := aggregate(resolved)
		if err != nil {
			return ContextSet{}, err
		}
		next, _ := asContextSet(agg)
		if rel.SelfRecursive {
			// The granted rows cover themselves as well as their subtree.
			next, err = next.Union(current)
			if err != nil {
				return ContextSet{}, err
			}
		}
		current = next
	}
	return current, nil
}

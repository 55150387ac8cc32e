package relauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/giusedb/relauth/schema"
)

// Checker decides authorization and drives query rewriting. Every node of
// the combinator tree answers the same two questions consistently: is this
// concrete record permitted, and which join/where fragments restrict a
// query to permitted rows only.
//
// The engine is passed explicitly to all three operations; checkers carry
// no back-reference and are safe to share.
type Checker interface {
	// Evaluate reports whether the record is permitted for a user with the
	// given groups, judged against the roles resolved for the action.
	Evaluate(ctx context.Context, a *Auth, uid int64, groups, roles IDSet, rec Context) (bool, error)

	// Joins returns the relations a query over target must outer-join so
	// that Where can restrict it, or one of the degenerate answers:
	// AlwaysTrue (no restriction at all) and Impossible (no row qualifies).
	Joins(ctx context.Context, a *Auth, groups IDSet, target *schema.Model) (JoinSpec, error)

	// Where returns the predicate over the joined attributes.
	Where(ctx context.Context, a *Auth, uid int64, groups IDSet, target *schema.Model) (Predicate, error)
}

// JoinKind classifies a JoinSpec.
type JoinKind int

const (
	// JoinRelations carries an ordered list of relations to outer-join.
	JoinRelations JoinKind = iota

	// JoinAlways means the checker passes for every row: no join, no filter.
	JoinAlways

	// JoinImpossible means no row can pass: the query collapses to false.
	JoinImpossible
)

// JoinStep is one relation hop to be joined, from the declaring model.
type JoinStep struct {
	From *schema.Model
	Rel  *schema.Relationship
}

func (s JoinStep) key() string {
	return s.From.Table + "." + s.Rel.Name
}

// clauses renders the step as SQL join clauses. Many-to-many steps expand
// to two: the association table and the target.
func (s JoinStep) clauses() []joinClause {
	from := s.From
	rel := s.Rel
	target := rel.TargetModel()
	switch rel.Direction {
	case schema.ToOne:
		return []joinClause{{
			kind:  "LEFT OUTER JOIN",
			table: target.Table,
			on:    target.Table + "." + rel.RemoteColumn + " = " + from.Table + "." + rel.LocalColumn,
		}}
	case schema.ToMany:
		return []joinClause{{
			kind:  "LEFT OUTER JOIN",
			table: target.Table,
			on:    target.Table + "." + rel.RemoteColumn + " = " + from.Table + "." + rel.LocalColumn,
		}}
	case schema.ManyToMany:
		return []joinClause{
			{
				kind:  "LEFT OUTER JOIN",
				table: rel.SecondaryTable,
				on:    rel.SecondaryTable + "." + rel.SecondaryLocal + " = " + from.Table + "." + from.PK,
			},
			{
				kind:  "LEFT OUTER JOIN",
				table: target.Table,
				on:    target.Table + "." + target.PK + " = " + rel.SecondaryTable + "." + rel.SecondaryRemote,
			},
		}
	}
	return nil
}

// JoinSpec is a checker's join requirement.
type JoinSpec struct {
	Kind  JoinKind
	Steps []JoinStep
}

// dedupSteps keeps the first occurrence of each step, in declaration order.
func dedupSteps(steps []JoinStep) []JoinStep {
	seen := make(map[string]bool, len(steps))
	out := steps[:0:0]
	for _, s := range steps {
		if seen[s.key()] {
			continue
		}
		seen[s.key()] = true
		out = append(out, s)
	}
	return out
}

// ---------------------------------------------------------------------------
// Path

type pathChecker struct {
	permission string
	paths      []string

	once sync.Once
	tree Tree
}

// Path checks the permission along relationship paths: the record is
// permitted when any context reached from it - itself included - carries a
// role bearing the permission for one of the user's groups. Paths sharing
// prefixes are folded and traversed once.
func Path(permission string, paths ...string) Checker {
	return &pathChecker{permission: permission, paths: paths}
}

func (p *pathChecker) pathTree() Tree {
	p.once.Do(func() { p.tree = Treefy(p.paths...) })
	return p.tree
}

func (p *pathChecker) Evaluate(ctx context.Context, a *Auth, _ int64, groups, roles IDSet, rec Context) (bool, error) {
	if len(groups) == 0 || len(roles) == 0 {
		return false, nil
	}
	return a.TreeTraverse(ctx, rec, p.pathTree(), 0, func(v Value, _ int) (bool, error) {
		set, ok := asContextSet(v)
		if !ok {
			return false, nil
		}
		for _, c := range set.Contexts() {
			for gid := range groups {
				ctxRoles, err := a.contextualRoles(ctx, gid, c)
				if err != nil {
					return false, err
				}
				if ctxRoles.Intersects(roles) {
					return true, nil
				}
			}
		}
		return false, nil
	})
}

// rewrite computes the join steps and the aggregated filter for a query
// over target. For every declared path it walks the schema segment by
// segment; whenever a step's model has permitted contexts it emits an
// id-list filter there. A step inside a self-recursive run cannot be
// joined: the emitted join stops at the pre-recursion prefix and the
// permitted ids are projected back through the inverted edges into a
// finite id list at the join point.
func (p *pathChecker) rewrite(ctx context.Context, a *Auth, groups IDSet, target *schema.Model) ([]JoinStep, Predicate, error) {
	permitted := make(map[string]ContextSet)
	sets, err := a.contextsByPermissionGroups(ctx, groups, p.permission)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range sets {
		permitted[s.Model.Name] = s
	}

	var (
		steps []JoinStep
		preds []Predicate
	)
	// Permitted ids are constant per model, so one filter per emission
	// point is enough no matter how many paths reach it.
	emitted := make(map[string]bool)

	// The target itself is a reachable context.
	if s, ok := permitted[target.Name]; ok {
		emitted[target.Name] = true
		preds = append(preds, ColIn(target.Table+"."+target.PK, s.IDs))
	}

	for _, path := range p.paths {
		rels, col, err := a.schema.Walk(target, path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrSchemaResolution, err)
		}
		if col != "" {
			return nil, nil, fmt.Errorf("%w: path %q of permission %q ends in column %q",
				ErrSchemaResolution, path, p.permission, col)
		}

		firstRec := -1
		for i, rel := range rels {
			if rel.SelfRecursive {
				firstRec = i
				break
			}
		}

		for i, rel := range rels {
			model := rel.TargetModel()
			s, ok := permitted[model.Name]
			if !ok {
				continue
			}
			if firstRec == -1 || i < firstRec {
				if emitted[model.Name] {
					continue
				}
				emitted[model.Name] = true
				for _, step := range rels[:i+1] {
					steps = append(steps, JoinStep{From: step.Owner(), Rel: step})
				}
				preds = append(preds, ColIn(model.Table+"."+model.PK, s.IDs))
				continue
			}
			// Permitted contexts at or beyond the recursion: project them
			// back into ids of the model where the recursive run starts.
			key := model.Name + ">" + rels[firstRec].Owner().Name
			if emitted[key] {
				continue
			}
			emitted[key] = true
			projected, err := a.projectBack(ctx, s, rels[firstRec:i+1])
			if err != nil {
				return nil, nil, err
			}
			if projected.Empty() {
				continue
			}
			joinModel := rels[firstRec].Owner()
			for _, step := range rels[:firstRec] {
				steps = append(steps, JoinStep{From: step.Owner(), Rel: step})
			}
			preds = append(preds, ColIn(joinModel.Table+"."+joinModel.PK, projected.IDs))
		}
	}

	return dedupSteps(steps), AnyOf(preds...), nil
}

func (p *pathChecker) Joins(ctx context.Context, a *Auth, groups IDSet, target *schema.Model) (JoinSpec, error) {
	steps, pred, err := p.rewrite(ctx, a, groups, target)
	if err != nil {
		return JoinSpec{}, err
	}
	if _, isFalse := pred.(falsePred); isFalse {
		return JoinSpec{Kind: JoinImpossible}, nil
	}
	return JoinSpec{Kind: JoinRelations, Steps: steps}, nil
}

func (p *pathChecker) Where(ctx context.Context, a *Auth, _ int64, groups IDSet, target *schema.Model) (Predicate, error) {
	_, pred, err := p.rewrite(ctx, a, groups, target)
	return pred, err
}

// ---------------------------------------------------------------------------
// Owner / Group

type ownerChecker struct {
	path     string
	groupRef bool
}

// Owner accepts records whose attribute along the path is the user's id.
// The path's leading segments are relations, the terminal one a column:
// Owner("department.country.president_id") accepts rows whose country is
// presided over by the user.
func Owner(path string) Checker {
	return &ownerChecker{path: path}
}

// Group is Owner with the terminal column compared against the user's
// groups instead of the user's id.
func Group(path string) Checker {
	return &ownerChecker{path: path, groupRef: true}
}

func (o *ownerChecker) walk(a *Auth, target *schema.Model) ([]*schema.Relationship, string, error) {
	rels, col, err := a.schema.Walk(target, o.path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSchemaResolution, err)
	}
	if col == "" {
		return nil, "", fmt.Errorf("%w: owner path %q must end in a column", ErrSchemaResolution, o.path)
	}
	return rels, col, nil
}

func (o *ownerChecker) Evaluate(ctx context.Context, a *Auth, uid int64, groups, _ IDSet, rec Context) (bool, error) {
	if _, _, err := o.walk(a, rec.Model); err != nil {
		return false, err
	}
	depth := 1
	for _, c := range o.path {
		if c == '.' {
			depth++
		}
	}
	matched := false
	_, err := a.Traverse(ctx, rec, o.path, depth, func(v Value, _ int) (bool, error) {
		scalars, ok := v.(Scalars)
		if !ok {
			return false, nil
		}
		if o.groupRef {
			for _, s := range scalars {
				if groups.Contains(s) {
					matched = true
					return true, nil
				}
			}
			return false, nil
		}
		if scalars.Contains(uid) {
			matched = true
			return true, nil
		}
		return false, nil
	})
	return matched, err
}

func (o *ownerChecker) Joins(_ context.Context, a *Auth, _ IDSet, target *schema.Model) (JoinSpec, error) {
	rels, _, err := o.walk(a, target)
	if err != nil {
		return JoinSpec{}, err
	}
	steps := make([]JoinStep, 0, len(rels))
	for _, rel := range rels {
		steps = append(steps, JoinStep{From: rel.Owner(), Rel: rel})
	}
	return JoinSpec{Kind: JoinRelations, Steps: steps}, nil
}

func (o *ownerChecker) Where(_ context.Context, a *Auth, uid int64, groups IDSet, target *schema.Model) (Predicate, error) {
	rels, col, err := o.walk(a, target)
	if err != nil {
		return nil, err
	}
	last := target
	if len(rels) > 0 {
		last = rels[len(rels)-1].TargetModel()
	}
	if o.groupRef {
		return ColIn(last.Table+"."+col, groups.Sorted()), nil
	}
	return ColEq(last.Table+"."+col, uid), nil
}

// ---------------------------------------------------------------------------
// Global

type globalChecker struct {
	permission string
}

// Global accepts independent of the record: either the permission is
// globally flagged and the user holds any role bearing it, or one of the
// user's groups holds such a role granted at the global context.
func Global(permission string) Checker {
	return &globalChecker{permission: permission}
}

func (g *globalChecker) decide(ctx context.Context, a *Auth, groups IDSet) (bool, error) {
	roles, err := a.resolvePermission(ctx, g.permission)
	if err != nil {
		return false, err
	}
	if len(roles) == 0 || len(groups) == 0 {
		return false, nil
	}
	globals, err := a.globalPermissions(ctx)
	if err != nil {
		return false, err
	}
	if globals[g.permission] {
		return a.hasAnyRole(ctx, groups, roles)
	}
	for gid := range groups {
		ctxRoles, err := a.contextualRoles(ctx, gid, GlobalContext)
		if err != nil {
			return false, err
		}
		if ctxRoles.Intersects(roles) {
			return true, nil
		}
	}
	return false, nil
}

func (g *globalChecker) Evaluate(ctx context.Context, a *Auth, _ int64, groups, _ IDSet, _ Context) (bool, error) {
	return g.decide(ctx, a, groups)
}

func (g *globalChecker) Joins(ctx context.Context, a *Auth, groups IDSet, _ *schema.Model) (JoinSpec, error) {
	ok, err := g.decide(ctx, a, groups)
	if err != nil {
		return JoinSpec{}, err
	}
	if ok {
		return JoinSpec{Kind: JoinAlways}, nil
	}
	return JoinSpec{Kind: JoinImpossible}, nil
}

func (g *globalChecker) Where(context.Context, *Auth, int64, IDSet, *schema.Model) (Predicate, error) {
	return True(), nil
}

// ---------------------------------------------------------------------------
// Combinators

type orChecker struct{ children []Checker }
type andChecker struct{ children []Checker }
type notChecker struct{ child Checker }

// Or passes when any child passes. Joins union, wheres disjoin.
func Or(children ...Checker) Checker {
	return &orChecker{children: children}
}

// And passes when every child passes. Joins union, wheres conjoin.
func And(children ...Checker) Checker {
	return &andChecker{children: children}
}

// Not inverts its child. Rewriting Not over a Path checker is undefined -
// its inverse would need negative existential joins - so queries through
// such a checker fall back to per-row evaluation.
func Not(child Checker) Checker {
	return &notChecker{child: child}
}

func (o *orChecker) Evaluate(ctx context.Context, a *Auth, uid int64, groups, roles IDSet, rec Context) (bool, error) {
	for _, c := range o.children {
		ok, err := c.Evaluate(ctx, a, uid, groups, roles, rec)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (o *orChecker) Joins(ctx context.Context, a *Auth, groups IDSet, target *schema.Model) (JoinSpec, error) {
	var steps []JoinStep
	impossible := true
	for _, c := range o.children {
		spec, err := c.Joins(ctx, a, groups, target)
		if err != nil {
			return JoinSpec{}, err
		}
		switch spec.Kind {
		case JoinAlways:
			return JoinSpec{Kind: JoinAlways}, nil
		case JoinImpossible:
		default:
			impossible = false
			steps = append(steps, spec.Steps...)
		}
	}
	if impossible {
		return JoinSpec{Kind: JoinImpossible}, nil
	}
	return JoinSpec{Kind: JoinRelations, Steps: dedupSteps(steps)}, nil
}

func (o *orChecker) Where(ctx context.Context, a *Auth, uid int64, groups IDSet, target *schema.Model) (Predicate, error) {
	preds := make([]Predicate, 0, len(o.children))
	for _, c := range o.children {
		// A child that cannot restrict any row contributes nothing; a child
		// that passes unconditionally lifts the whole disjunction to True.
		spec, err := c.Joins(ctx, a, groups, target)
		if err != nil {
			return nil, err
		}
		switch spec.Kind {
		case JoinAlways:
			return True(), nil
		case JoinImpossible:
			continue
		}
		p, err := c.Where(ctx, a, uid, groups, target)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return AnyOf(preds...), nil
}

func (n *andChecker) Evaluate(ctx context.Context, a *Auth, uid int64, groups, roles IDSet, rec Context) (bool, error) {
	for _, c := range n.children {
		ok, err := c.Evaluate(ctx, a, uid, groups, roles, rec)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (n *andChecker) Joins(ctx context.Context, a *Auth, groups IDSet, target *schema.Model) (JoinSpec, error) {
	var steps []JoinStep
	for _, c := range n.children {
		spec, err := c.Joins(ctx, a, groups, target)
		if err != nil {
			return JoinSpec{}, err
		}
		switch spec.Kind {
		case JoinImpossible:
			return JoinSpec{Kind: JoinImpossible}, nil
		case JoinAlways:
		default:
			steps = append(steps, spec.Steps...)
		}
	}
	return JoinSpec{Kind: JoinRelations, Steps: dedupSteps(steps)}, nil
}

func (n *andChecker) Where(ctx context.Context, a *Auth, uid int64, groups IDSet, target *schema.Model) (Predicate, error) {
	preds := make([]Predicate, 0, len(n.children))
	for _, c := range n.children {
		spec, err := c.Joins(ctx, a, groups, target)
		if err != nil {
			return nil, err
		}
		switch spec.Kind {
		case JoinImpossible:
			return False(), nil
		case JoinAlways:
			continue
		}
		p, err := c.Where(ctx, a, uid, groups, target)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return AllOf(preds...), nil
}

func (n *notChecker) Evaluate(ctx context.Context, a *Auth, uid int64, groups, roles IDSet, rec Context) (bool, error) {
	ok, err := n.child.Evaluate(ctx, a, uid, groups, roles, rec)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// containsPath reports whether any node of the subtree is a Path checker.
func containsPath(c Checker) bool {
	switch t := c.(type) {
	case *pathChecker:
		return true
	case *orChecker:
		for _, child := range t.children {
			if containsPath(child) {
				return true
			}
		}
	case *andChecker:
		for _, child := range t.children {
			if containsPath(child) {
				return true
			}
		}
	case *notChecker:
		return containsPath(t.child)
	}
	return false
}

func (n *notChecker) Joins(ctx context.Context, a *Auth, groups IDSet, target *schema.Model) (JoinSpec, error) {
	if containsPath(n.child) {
		return JoinSpec{}, fmt.Errorf("%w: Not over a Path checker", ErrNotRewritable)
	}
	spec, err := n.child.Joins(ctx, a, groups, target)
	if err != nil {
		return JoinSpec{}, err
	}
	switch spec.Kind {
	case JoinAlways:
		return JoinSpec{Kind: JoinImpossible}, nil
	case JoinImpossible:
		return JoinSpec{Kind: JoinAlways}, nil
	}
	return spec, nil
}

func (n *notChecker) Where(ctx context.Context, a *Auth, uid int64, groups IDSet, target *schema.Model) (Predicate, error) {
	if containsPath(n.child) {
		return nil, fmt.Errorf("%w: Not over a Path checker", ErrNotRewritable)
	}
	p, err := n.child.Where(ctx, a, uid, groups, target)
	if err != nil {
		return nil, err
	}
	return Negate(p), nil
}

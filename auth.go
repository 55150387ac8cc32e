package relauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/giusedb/relauth/schema"
)

// Auth is the authorization engine facade. It wires the schema registry,
// the grant store, the traversal engine, and the checker table together
// behind the operations applications call.
//
// An Auth is safe for concurrent use. The checker table is the only
// mutable state: an append-only lazy cache, checked and filled under a
// mutex so two goroutines never race an initialization.
type Auth struct {
	db     Querier
	schema *schema.Registry
	kv     KV
	log    logrus.FieldLogger

	propagation    schema.Propagation
	invPropagation schema.Propagation

	mu      sync.Mutex
	actions map[string]Checker // "<model>\x00<action>"
}

// Option configures an Auth.
type Option func(*Auth)

// WithKV sets the shared cache tier. Without it only the per-request tier
// is used and every miss recomputes from the database.
func WithKV(kv KV) Option {
	return func(a *Auth) { a.kv = kv }
}

// WithLogger sets the engine's logger. Defaults to the logrus standard
// logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Auth) { a.log = log }
}

// WithPropagation declares the edges authorization travels along: model
// name to relationship names. Its inversion - needed by the rewriter and
// by default checkers - is computed and validated at construction.
func WithPropagation(p schema.Propagation) Option {
	return func(a *Auth) { a.propagation = p }
}

// WithActions registers explicit checkers per model and action. Pairs not
// registered here get a default synthesized on first use.
func WithActions(actions map[string]map[string]Checker) Option {
	return func(a *Auth) {
		for model, byAction := range actions {
			for action, checker := range byAction {
				a.actions[model+"\x00"+action] = checker
			}
		}
	}
}

// New builds the engine over a database handle and a schema registry.
// The propagation schema, when given, is inverted eagerly so that a
// schema mistake surfaces at startup, not at the first check.
func New(db Querier, reg *schema.Registry, opts ...Option) (*Auth, error) {
	a := &Auth{
		db:      db,
		schema:  reg,
		log:     logrus.StandardLogger(),
		actions: make(map[string]Checker),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.propagation == nil {
		a.propagation = schema.Propagation{}
	}
	inv, err := reg.Invert(a.propagation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaResolution, err)
	}
	a.invPropagation = inv
	return a, nil
}

// Schema returns the engine's schema registry.
func (a *Auth) Schema() *schema.Registry { return a.schema }

// ContextFor builds a context for a row of the named model.
func (a *Auth) ContextFor(modelName string, id int64) (Context, error) {
	m, ok := a.schema.Model(modelName)
	if !ok {
		return Context{}, fmt.Errorf("%w: model %q", ErrSchemaResolution, modelName)
	}
	return Context{Model: m, ID: id}, nil
}

// actionChecker returns the checker registered for (model, action),
// synthesizing and memoizing the default on first use: the action is
// accepted globally, or found along any inverted propagation path from
// the model.
func (a *Auth) actionChecker(model, action string) Checker {
	key := model + "\x00" + action
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.actions[key]; ok {
		return c
	}
	paths := a.schema.Explode(a.invPropagation, model)
	c := Or(Global(action), Path(action, paths...))
	a.actions[key] = c
	return c
}

// deny logs an internal failure and converts it into a denial. Context
// cancellation is the exception: it propagates, the caller is going away.
func (a *Auth) deny(ctx context.Context, op string, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	a.log.WithError(err).WithField("op", op).Warn("authorization lookup failed, denying")
	return false, nil
}

// Can reports whether the user may perform the action on the record.
// Internal lookup failures deny rather than propagate.
func (a *Auth) Can(ctx context.Context, uid int64, action string, rec Context) (bool, error) {
	if rec.Model == nil {
		return false, fmt.Errorf("%w: record context has no model", ErrAmbiguousTarget)
	}
	groups, err := a.userGroups(ctx, uid)
	if err != nil {
		return a.deny(ctx, "can", err)
	}
	roles, err := a.resolvePermission(ctx, action)
	if err != nil {
		return a.deny(ctx, "can", err)
	}
	checker := a.actionChecker(rec.Model.Name, action)
	ok, err := checker.Evaluate(ctx, a, uid, groups, roles, rec)
	if err != nil {
		return a.deny(ctx, "can", err)
	}
	return ok, nil
}

// HasPermission reports whether the user holds the permission directly in
// the given context: some group of theirs has a role bearing it granted
// exactly there. No propagation is consulted.
func (a *Auth) HasPermission(ctx context.Context, uid int64, permission string, c Context) (bool, error) {
	roles, err := a.resolvePermission(ctx, permission)
	if err != nil {
		return a.deny(ctx, "has_permission", err)
	}
	groups, err := a.userGroups(ctx, uid)
	if err != nil {
		return a.deny(ctx, "has_permission", err)
	}
	for gid := range groups {
		ctxRoles, err := a.contextualRoles(ctx, gid, c)
		if err != nil {
			return a.deny(ctx, "has_permission", err)
		}
		if ctxRoles.Intersects(roles) {
			return true, nil
		}
	}
	return false, nil
}

// ContextsByPermission returns every non-global context where the user
// holds the permission, batched per model.
func (a *Auth) ContextsByPermission(ctx context.Context, uid int64, permission string) ([]ContextSet, error) {
	groups, err := a.userGroups(ctx, uid)
	if err != nil {
		return nil, err
	}
	return a.contextsByPermissionGroups(ctx, groups, permission)
}

// ContextsByPermissionGroups is ContextsByPermission for a precomputed
// group set.
func (a *Auth) ContextsByPermissionGroups(ctx context.Context, groups IDSet, permission string) ([]ContextSet, error) {
	return a.contextsByPermissionGroups(ctx, groups, permission)
}

// ObjectsWithPermission returns the contexts of every existing row the
// user holds the permission on, verifying each granted id against its
// table - grants may outlive the rows they pointed at.
func (a *Auth) ObjectsWithPermission(ctx context.Context, uid int64, permission string) ([]Context, error) {
	sets, err := a.ContextsByPermission(ctx, uid, permission)
	if err != nil {
		return nil, err
	}
	var out []Context
	for _, s := range sets {
		m := s.Model
		query := "SELECT " + m.PK + " FROM " + m.Table +
			" WHERE " + m.PK + " IN (" + placeholders(1, len(s.IDs)) + ") ORDER BY " + m.PK
		rows, err := a.db.QueryContext(ctx, query, int64Args(s.IDs)...)
		if err != nil {
			return nil, fmt.Errorf("objects with permission: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, Context{Model: m, ID: id})
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AccessibleQuery rewrites a select over a target model into one returning
// only rows the user may perform the action on. The caller's columns,
// joins, and ordering are preserved; the rewrite appends left outer joins
// (skipping ones already present) and a WHERE conjunct.
//
// Degenerate checkers collapse cleanly: a checker that passes everywhere
// returns the query untouched, one that passes nowhere returns it
// constrained to WHERE FALSE. A checker whose rewrite is undefined falls
// back to evaluating every row of the target and filtering by id list.
func (a *Auth) AccessibleQuery(ctx context.Context, uid int64, q *SelectQuery, action string) (*SelectQuery, error) {
	model, ok := a.schema.ModelByTable(q.Table())
	if !ok {
		return nil, fmt.Errorf("%w: table %q", ErrAmbiguousTarget, q.Table())
	}
	checker := a.actionChecker(model.Name, action)
	groups, err := a.userGroups(ctx, uid)
	if err != nil {
		return nil, err
	}

	spec, err := checker.Joins(ctx, a, groups, model)
	if err != nil {
		if IsNotRewritableErr(err) {
			return a.rewriteByEvaluation(ctx, uid, q, model, action, checker, groups)
		}
		return nil, err
	}
	switch spec.Kind {
	case JoinAlways:
		return q, nil
	case JoinImpossible:
		return q.clone().Where(False()), nil
	}

	out := q.clone()
	for _, step := range spec.Steps {
		for _, clause := range step.clauses() {
			if out.hasJoin(clause.table, clause.on) {
				continue
			}
			out.joins = append(out.joins, clause)
		}
	}
	pred, err := checker.Where(ctx, a, uid, groups, model)
	if err != nil {
		if IsNotRewritableErr(err) {
			return a.rewriteByEvaluation(ctx, uid, q, model, action, checker, groups)
		}
		return nil, err
	}
	if _, isTrue := pred.(truePred); !isTrue {
		out.Where(pred)
	}
	return out, nil
}

// rewriteByEvaluation is the fallback for non-rewritable checkers: every
// row of the target is evaluated and the query is constrained to the
// permitted id list.
func (a *Auth) rewriteByEvaluation(ctx context.Context, uid int64, q *SelectQuery,
	model *schema.Model, action string, checker Checker, groups IDSet) (*SelectQuery, error) {
	roles, err := a.resolvePermission(ctx, action)
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, "SELECT "+model.PK+" FROM "+model.Table+" ORDER BY "+model.PK)
	if err != nil {
		return nil, fmt.Errorf("rewrite fallback: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var allowed []int64
	for _, id := range ids {
		ok, err := checker.Evaluate(ctx, a, uid, groups, roles, Context{Model: model, ID: id})
		if err != nil {
			return nil, err
		}
		if ok {
			allowed = append(allowed, id)
		}
	}
	return q.clone().Where(ColIn(model.Table+"."+model.PK, allowed)), nil
}

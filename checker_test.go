package relauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giusedb/relauth/schema"
)

// stubChecker returns canned answers, for exercising the combinators
// without a database.
type stubChecker struct {
	ok   bool
	spec JoinSpec
	pred Predicate
}

func (s stubChecker) Evaluate(context.Context, *Auth, int64, IDSet, IDSet, Context) (bool, error) {
	return s.ok, nil
}

func (s stubChecker) Joins(context.Context, *Auth, IDSet, *schema.Model) (JoinSpec, error) {
	return s.spec, nil
}

func (s stubChecker) Where(context.Context, *Auth, int64, IDSet, *schema.Model) (Predicate, error) {
	return s.pred, nil
}

func TestCombinatorEvaluate(t *testing.T) {
	ctx := context.Background()
	yes := stubChecker{ok: true}
	no := stubChecker{ok: false}

	cases := []struct {
		name    string
		checker Checker
		want    bool
	}{
		{"or short-circuits true", Or(no, yes), true},
		{"or all false", Or(no, no), false},
		{"and all true", And(yes, yes), true},
		{"and one false", And(yes, no), false},
		{"not flips", Not(no), true},
		{"nested", Or(And(yes, no), Not(yes)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.checker.Evaluate(ctx, nil, 1, nil, nil, Context{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCombinatorJoins(t *testing.T) {
	ctx := context.Background()
	reg := geoRegistry(t)
	city, _ := reg.Model("City")
	person, _ := reg.Model("Person")
	cityRel, _ := person.Relationship("city")
	jobRel, _ := person.Relationship("job")

	cityStep := JoinStep{From: person, Rel: cityRel}
	jobStep := JoinStep{From: person, Rel: jobRel}
	relCity := stubChecker{spec: JoinSpec{Kind: JoinRelations, Steps: []JoinStep{cityStep}}, pred: ColEq("city.mayor_id", int64(1))}
	relBoth := stubChecker{spec: JoinSpec{Kind: JoinRelations, Steps: []JoinStep{cityStep, jobStep}}, pred: ColIn("job.id", []int64{4})}
	always := stubChecker{spec: JoinSpec{Kind: JoinAlways}, pred: True()}
	impossible := stubChecker{spec: JoinSpec{Kind: JoinImpossible}, pred: False()}

	t.Run("or unions and dedups", func(t *testing.T) {
		spec, err := Or(relCity, relBoth).Joins(ctx, nil, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinRelations, spec.Kind)
		assert.Equal(t, []JoinStep{cityStep, jobStep}, spec.Steps)
	})

	t.Run("or lifts on always", func(t *testing.T) {
		spec, err := Or(impossible, always, relCity).Joins(ctx, nil, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinAlways, spec.Kind)
	})

	t.Run("or of impossibles is impossible", func(t *testing.T) {
		spec, err := Or(impossible, impossible).Joins(ctx, nil, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinImpossible, spec.Kind)
	})

	t.Run("and collapses on impossible", func(t *testing.T) {
		spec, err := And(relCity, impossible).Joins(ctx, nil, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinImpossible, spec.Kind)
	})

	t.Run("and unions the rest", func(t *testing.T) {
		spec, err := And(relCity, always, relBoth).Joins(ctx, nil, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinRelations, spec.Kind)
		assert.Equal(t, []JoinStep{cityStep, jobStep}, spec.Steps)
	})

	t.Run("not flips the degenerates", func(t *testing.T) {
		spec, err := Not(always).Joins(ctx, nil, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinImpossible, spec.Kind)

		spec, err = Not(impossible).Joins(ctx, nil, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinAlways, spec.Kind)
	})
}

func TestCombinatorWhere(t *testing.T) {
	ctx := context.Background()
	reg := geoRegistry(t)
	city, _ := reg.Model("City")

	owner := stubChecker{spec: JoinSpec{Kind: JoinRelations}, pred: ColEq("city.mayor_id", int64(1))}
	granted := stubChecker{spec: JoinSpec{Kind: JoinRelations}, pred: ColIn("city.id", []int64{3})}
	always := stubChecker{spec: JoinSpec{Kind: JoinAlways}, pred: True()}
	impossible := stubChecker{spec: JoinSpec{Kind: JoinImpossible}, pred: False()}

	pred, err := Or(owner, granted).Where(ctx, nil, 1, nil, city)
	require.NoError(t, err)
	assert.Equal(t, AnyOf(ColEq("city.mayor_id", int64(1)), ColIn("city.id", []int64{3})), pred)

	pred, err = Or(impossible, granted).Where(ctx, nil, 1, nil, city)
	require.NoError(t, err)
	assert.Equal(t, ColIn("city.id", []int64{3}), pred, "impossible children contribute nothing")

	pred, err = Or(always, owner).Where(ctx, nil, 1, nil, city)
	require.NoError(t, err)
	assert.Equal(t, True(), pred)

	pred, err = And(owner, granted).Where(ctx, nil, 1, nil, city)
	require.NoError(t, err)
	assert.Equal(t, AllOf(ColEq("city.mayor_id", int64(1)), ColIn("city.id", []int64{3})), pred)

	pred, err = And(impossible, owner).Where(ctx, nil, 1, nil, city)
	require.NoError(t, err)
	assert.Equal(t, False(), pred)

	pred, err = Not(owner).Where(ctx, nil, 1, nil, city)
	require.NoError(t, err)
	assert.Equal(t, Negate(ColEq("city.mayor_id", int64(1))), pred)
}

func TestNotOverPathRefusesRewrite(t *testing.T) {
	ctx := context.Background()
	reg := geoRegistry(t)
	city, _ := reg.Model("City")

	_, err := Not(Path("read", "department")).Joins(ctx, nil, nil, city)
	require.ErrorIs(t, err, ErrNotRewritable)

	_, err = Not(Or(stubChecker{}, Path("read"))).Where(ctx, nil, 1, nil, city)
	require.ErrorIs(t, err, ErrNotRewritable)

	// Not over anything path-free still rewrites, and per-row evaluation
	// stays available either way.
	ok, err := Not(Path("read", "department")).Evaluate(ctx, nil, 1, nil, nil, Context{})
	require.NoError(t, err)
	assert.True(t, ok, "empty groups never pass a path check, so the negation does")
}

func TestOwnerEvaluate(t *testing.T) {
	reg := geoRegistry(t)
	auth, mock, ctx := newTestAuth(t, reg)
	city, _ := reg.Model("City")
	palermo := Context{Model: city, ID: 3}

	rows := "SELECT id, mayor_id FROM city WHERE id IN ($1)"
	mock.ExpectQuery(rows).WithArgs(int64(3)).
		WillReturnRows(mockRows([]string{"id", "mayor_id"}, [][]any{{3, 1}}))

	checker := Owner("mayor_id")

	ok, err := checker.Evaluate(ctx, auth, 1, nil, nil, palermo)
	require.NoError(t, err)
	assert.True(t, ok, "alice is the mayor")

	ok, err = checker.Evaluate(ctx, auth, 2, nil, nil, palermo)
	require.NoError(t, err)
	assert.False(t, ok, "bob is not")
}

func TestOwnerEvaluateAlongPath(t *testing.T) {
	reg := geoRegistry(t)
	auth, mock, ctx := newTestAuth(t, reg)
	city, _ := reg.Model("City")
	palermo := Context{Model: city, ID: 3}

	expectToOne(mock, "city", "id", "department_id", []int64{3}, [][2]any{{3, 2}})
	expectToOne(mock, "department", "id", "country_id", []int64{2}, [][2]any{{2, 1}})
	mock.ExpectQuery("SELECT id, president_id FROM country WHERE id IN ($1)").
		WithArgs(int64(1)).
		WillReturnRows(mockRows([]string{"id", "president_id"}, [][]any{{1, 2}}))

	checker := Owner("department.country.president_id")

	ok, err := checker.Evaluate(ctx, auth, 2, nil, nil, palermo)
	require.NoError(t, err)
	assert.True(t, ok, "bob presides over Italy")

	ok, err = checker.Evaluate(ctx, auth, 1, nil, nil, palermo)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOwnerRewrite(t *testing.T) {
	reg := geoRegistry(t)
	auth, _, ctx := newTestAuth(t, reg)
	city, _ := reg.Model("City")
	person, _ := reg.Model("Person")

	t.Run("terminal column on the target", func(t *testing.T) {
		spec, err := Owner("mayor_id").Joins(ctx, auth, nil, city)
		require.NoError(t, err)
		assert.Equal(t, JoinRelations, spec.Kind)
		assert.Empty(t, spec.Steps)

		pred, err := Owner("mayor_id").Where(ctx, auth, 1, nil, city)
		require.NoError(t, err)
		assert.Equal(t, ColEq("city.mayor_id", int64(1)), pred)
	})

	t.Run("leading relations become joins", func(t *testing.T) {
		spec, err := Owner("city.mayor_id").Joins(ctx, auth, nil, person)
		require.NoError(t, err)
		require.Len(t, spec.Steps, 1)
		assert.Equal(t, "city", spec.Steps[0].Rel.Name)

		pred, err := Owner("city.mayor_id").Where(ctx, auth, 1, nil, person)
		require.NoError(t, err)
		assert.Equal(t, ColEq("city.mayor_id", int64(1)), pred)
	})

	t.Run("group variant compares against the groups", func(t *testing.T) {
		pred, err := Group("city.mayor_id").Where(ctx, auth, 1, NewIDSet(1000, 1002), person)
		require.NoError(t, err)
		assert.Equal(t, ColIn("city.mayor_id", []int64{1000, 1002}), pred)
	})

	t.Run("path not ending in a column is rejected", func(t *testing.T) {
		_, err := Owner("city").Where(ctx, auth, 1, nil, person)
		require.ErrorIs(t, err, ErrSchemaResolution)
	})
}

func TestGlobalEvaluate(t *testing.T) {
	reg := geoRegistry(t)

	t.Run("globally flagged permission with any role", func(t *testing.T) {
		auth, mock, ctx := newTestAuth(t, reg)
		expectPermissionRoles(mock, "admin", 5)
		expectGlobalPermissions(mock, "admin")
		mock.ExpectQuery("SELECT 1 FROM role_grants WHERE group_id IN ($1) AND role_id IN ($2) LIMIT 1").
			WithArgs(int64(10), int64(5)).
			WillReturnRows(mockRows([]string{"?column?"}, [][]any{{1}}))

		ok, err := Global("admin").Evaluate(ctx, auth, 1, NewIDSet(10), nil, Context{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("role granted at the global context", func(t *testing.T) {
		auth, mock, ctx := newTestAuth(t, reg)
		expectPermissionRoles(mock, "read", 7)
		expectGlobalPermissions(mock)
		expectContextRoles(mock, 10, "global", 0, 7)

		ok, err := Global("read").Evaluate(ctx, auth, 1, NewIDSet(10), nil, Context{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("nothing global", func(t *testing.T) {
		auth, mock, ctx := newTestAuth(t, reg)
		expectPermissionRoles(mock, "read", 7)
		expectGlobalPermissions(mock)
		expectContextRoles(mock, 10, "global", 0)

		ok, err := Global("read").Evaluate(ctx, auth, 1, NewIDSet(10), nil, Context{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("permission with no roles", func(t *testing.T) {
		auth, mock, ctx := newTestAuth(t, reg)
		expectPermissionRoles(mock, "read")

		ok, err := Global("read").Evaluate(ctx, auth, 1, NewIDSet(10), nil, Context{})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPathEvaluateReachesGrantedContext(t *testing.T) {
	reg := geoRegistry(t)
	auth, mock, ctx := newTestAuth(t, reg)
	city, _ := reg.Model("City")

	// Palermo(3) -> Sicily(2) -> Italy(1); the grant sits on Italy.
	expectContextRoles(mock, 10, "city", 3)
	expectToOne(mock, "city", "id", "department_id", []int64{3}, [][2]any{{3, 2}})
	expectContextRoles(mock, 10, "department", 2)
	expectToOne(mock, "department", "id", "country_id", []int64{2}, [][2]any{{2, 1}})
	expectContextRoles(mock, 10, "country", 1, 100)

	checker := Path("read", "department", "department.country")
	ok, err := checker.Evaluate(ctx, auth, 1, NewIDSet(10), NewIDSet(100), Context{Model: city, ID: 3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPathEvaluateStopsWherePathStops(t *testing.T) {
	reg := geoRegistry(t)
	auth, mock, ctx := newTestAuth(t, reg)
	city, _ := reg.Model("City")

	// Same data, but the path stops at the department: the Italy grant is
	// out of reach.
	expectContextRoles(mock, 10, "city", 3)
	expectToOne(mock, "city", "id", "department_id", []int64{3}, [][2]any{{3, 2}})
	expectContextRoles(mock, 10, "department", 2)

	checker := Path("read", "department")
	ok, err := checker.Evaluate(ctx, auth, 1, NewIDSet(10), NewIDSet(100), Context{Model: city, ID: 3})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPathEvaluateDirectGrant(t *testing.T) {
	reg := geoRegistry(t)
	auth, mock, ctx := newTestAuth(t, reg)
	country, _ := reg.Model("Country")

	expectContextRoles(mock, 10, "country", 1, 100)

	// An empty path still accepts the record's own context.
	checker := Path("read")
	ok, err := checker.Evaluate(ctx, auth, 1, NewIDSet(10), NewIDSet(100), Context{Model: country, ID: 1})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPathEvaluateNoGroupsOrRoles(t *testing.T) {
	reg := geoRegistry(t)
	auth, _, ctx := newTestAuth(t, reg)
	country, _ := reg.Model("Country")

	checker := Path("read", "departments")
	ok, err := checker.Evaluate(ctx, auth, 1, NewIDSet(), NewIDSet(100), Context{Model: country, ID: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.Evaluate(ctx, auth, 1, NewIDSet(10), NewIDSet(), Context{Model: country, ID: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

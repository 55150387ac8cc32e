package relauth

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/giusedb/relauth/schema"
)

// geoModels builds the Country -> Department -> City -> Person scenario
// used throughout the tests, with Job and Hobby hanging off Person.
func geoModels() []*schema.Model {
	country := &schema.Model{
		Name:    "Country",
		Table:   "country",
		Columns: []schema.Column{{Name: "name"}, {Name: "president_id"}},
		Relationships: []*schema.Relationship{
			{Name: "departments", Target: "Department", Direction: schema.ToMany, RemoteColumn: "country_id"},
		},
	}
	department := &schema.Model{
		Name:    "Department",
		Table:   "department",
		Columns: []schema.Column{{Name: "name"}, {Name: "president_id"}, {Name: "country_id"}},
		Relationships: []*schema.Relationship{
			{Name: "country", Target: "Country", Direction: schema.ToOne, LocalColumn: "country_id"},
			{Name: "cities", Target: "City", Direction: schema.ToMany, RemoteColumn: "department_id"},
		},
	}
	city := &schema.Model{
		Name:    "City",
		Table:   "city",
		Columns: []schema.Column{{Name: "name"}, {Name: "mayor_id"}, {Name: "department_id"}},
		Relationships: []*schema.Relationship{
			{Name: "department", Target: "Department", Direction: schema.ToOne, LocalColumn: "department_id"},
			{Name: "people", Target: "Person", Direction: schema.ToMany, RemoteColumn: "city_id"},
		},
	}
	person := &schema.Model{
		Name:    "Person",
		Table:   "person",
		Columns: []schema.Column{{Name: "name"}, {Name: "city_id"}, {Name: "job_id"}, {Name: "hobby_id"}},
		Relationships: []*schema.Relationship{
			{Name: "city", Target: "City", Direction: schema.ToOne, LocalColumn: "city_id"},
			{Name: "job", Target: "Job", Direction: schema.ToOne, LocalColumn: "job_id"},
			{Name: "hobby", Target: "Hobby", Direction: schema.ToOne, LocalColumn: "hobby_id"},
		},
	}
	job := &schema.Model{
		Name:    "Job",
		Table:   "job",
		Columns: []schema.Column{{Name: "name"}},
		Relationships: []*schema.Relationship{
			{Name: "people", Target: "Person", Direction: schema.ToMany, RemoteColumn: "job_id"},
		},
	}
	hobby := &schema.Model{
		Name:    "Hobby",
		Table:   "hobby",
		Columns: []schema.Column{{Name: "name"}},
		Relationships: []*schema.Relationship{
			{Name: "people", Target: "Person", Direction: schema.ToMany, RemoteColumn: "hobby_id"},
		},
	}
	return []*schema.Model{country, department, city, person, job, hobby}
}

func geoRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(geoModels()...)
	require.NoError(t, err)
	return reg
}

// geoPropagation is the canonical propagation schema over the geo models.
func geoPropagation() schema.Propagation {
	return schema.Propagation{
		"Country":    {"departments"},
		"Department": {"cities"},
	}
}

// fsRegistry builds the filesystem scenario: a self-recursive Folder tree
// with files hanging off folders.
func fsRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	folder := &schema.Model{
		Name:    "Folder",
		Table:   "folder",
		Columns: []schema.Column{{Name: "name"}, {Name: "parent_id"}},
		Relationships: []*schema.Relationship{
			{Name: "parent", Target: "Folder", Direction: schema.ToOne, LocalColumn: "parent_id", BackRef: "children"},
			{Name: "children", Target: "Folder", Direction: schema.ToMany, RemoteColumn: "parent_id", BackRef: "parent"},
		},
	}
	file := &schema.Model{
		Name:    "File",
		Table:   "file",
		Columns: []schema.Column{{Name: "name"}, {Name: "folder_id"}},
		Relationships: []*schema.Relationship{
			{Name: "folder", Target: "Folder", Direction: schema.ToOne, LocalColumn: "folder_id"},
		},
	}
	reg, err := schema.NewRegistry(folder, file)
	require.NoError(t, err)
	return reg
}

// newTestAuth wires an engine over sqlmock with an in-process shared cache
// and a request cache, so each distinct cached read hits the database
// exactly once and expectations stay flat. Group membership is not cached:
// every call that needs it issues its own query.
func newTestAuth(t *testing.T, reg *schema.Registry, opts ...Option) (*Auth, sqlmock.Sqlmock, context.Context) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)

	kv, err := NewMemoryKV(256)
	require.NoError(t, err)

	auth, err := New(db, reg, append([]Option{WithKV(kv)}, opts...)...)
	require.NoError(t, err)
	return auth, mock, WithRequestCache(context.Background())
}

func expectUserGroups(mock sqlmock.Sqlmock, uid int64, gids ...int64) {
	rows := sqlmock.NewRows([]string{"group_id"})
	for _, gid := range gids {
		rows.AddRow(gid)
	}
	mock.ExpectQuery("SELECT group_id FROM memberships WHERE user_id = $1").
		WithArgs(uid).WillReturnRows(rows)
}

func expectPermissionRoles(mock sqlmock.Sqlmock, name string, roleIDs ...int64) {
	rows := sqlmock.NewRows([]string{"role_id"})
	for _, id := range roleIDs {
		rows.AddRow(id)
	}
	mock.ExpectQuery("SELECT rp.role_id FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id WHERE p.name = $1").
		WithArgs(name).WillReturnRows(rows)
}

func expectGlobalPermissions(mock sqlmock.Sqlmock, names ...string) {
	rows := sqlmock.NewRows([]string{"name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	mock.ExpectQuery("SELECT name FROM permissions WHERE is_global").WillReturnRows(rows)
}

func expectContextRoles(mock sqlmock.Sqlmock, gid int64, table string, id int64, roleIDs ...int64) {
	rows := sqlmock.NewRows([]string{"role_id"})
	for _, rid := range roleIDs {
		rows.AddRow(rid)
	}
	mock.ExpectQuery("SELECT role_id FROM role_grants WHERE group_id = $1 AND context_table = $2 AND context_id = $3").
		WithArgs(gid, table, id).WillReturnRows(rows)
}

// expectToOne mocks a to-one edge resolution, pairs being (source id,
// foreign key) tuples; a nil fk marks an absent referent.
func expectToOne(mock sqlmock.Sqlmock, table, pk, fk string, args []int64, pairs [][2]any) {
	rows := sqlmock.NewRows([]string{pk, fk})
	for _, p := range pairs {
		rows.AddRow(p[0], p[1])
	}
	mock.ExpectQuery("SELECT "+pk+", "+fk+" FROM "+table+" WHERE "+pk+" IN ("+testPlaceholders(len(args))+")").
		WithArgs(int64Args(args)...).WillReturnRows(rows)
}

func testPlaceholders(n int) string {
	return placeholders(1, n)
}

func mockRows(cols []string, rows [][]any) *sqlmock.Rows {
	out := sqlmock.NewRows(cols)
	for _, r := range rows {
		vals := make([]driver.Value, len(r))
		for i, v := range r {
			vals[i] = v
		}
		out.AddRow(vals...)
	}
	return out
}

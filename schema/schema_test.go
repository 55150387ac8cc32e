package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	country := &Model{
		Name:    "Country",
		Table:   "country",
		Columns: []Column{{Name: "name"}},
		Relationships: []*Relationship{
			{Name: "departments", Target: "Department", Direction: ToMany, RemoteColumn: "country_id"},
		},
	}
	department := &Model{
		Name:    "Department",
		Table:   "department",
		Columns: []Column{{Name: "name"}, {Name: "country_id"}},
		Relationships: []*Relationship{
			{Name: "country", Target: "Country", Direction: ToOne, LocalColumn: "country_id"},
			{Name: "cities", Target: "City", Direction: ToMany, RemoteColumn: "department_id"},
		},
	}
	city := &Model{
		Name:    "City",
		Table:   "city",
		Columns: []Column{{Name: "name"}, {Name: "department_id"}},
		Relationships: []*Relationship{
			{Name: "department", Target: "Department", Direction: ToOne, LocalColumn: "department_id"},
		},
	}
	folder := &Model{
		Name:    "Folder",
		Table:   "folder",
		Columns: []Column{{Name: "name"}, {Name: "parent_id"}},
		Relationships: []*Relationship{
			{Name: "parent", Target: "Folder", Direction: ToOne, LocalColumn: "parent_id", BackRef: "children"},
			{Name: "children", Target: "Folder", Direction: ToMany, RemoteColumn: "parent_id", BackRef: "parent"},
		},
	}
	reg, err := NewRegistry(country, department, city, folder)
	require.NoError(t, err)
	return reg
}

func TestRegistryIndexes(t *testing.T) {
	reg := testRegistry(t)

	m, ok := reg.Model("Country")
	require.True(t, ok)
	assert.Equal(t, "country", m.Table)
	assert.Equal(t, "id", m.PK)

	byTable, ok := reg.ModelByTable("department")
	require.True(t, ok)
	assert.Equal(t, "Department", byTable.Name)

	_, ok = reg.Model("Continent")
	assert.False(t, ok)
}

func TestRelationshipDefaults(t *testing.T) {
	reg := testRegistry(t)

	dep, _ := reg.Model("Department")
	country, ok := dep.Relationship("country")
	require.True(t, ok)
	assert.Equal(t, "id", country.RemoteColumn, "to-one remote column defaults to the target PK")
	assert.False(t, country.SelfRecursive)

	countryModel, _ := reg.Model("Country")
	departments, _ := countryModel.Relationship("departments")
	assert.Equal(t, "id", departments.LocalColumn, "to-many local column defaults to the owner PK")
}

func TestSelfRecursiveDetection(t *testing.T) {
	reg := testRegistry(t)

	folder, _ := reg.Model("Folder")
	parent, _ := folder.Relationship("parent")
	children, _ := folder.Relationship("children")
	assert.True(t, parent.SelfRecursive)
	assert.True(t, children.SelfRecursive)

	city, _ := reg.Model("City")
	department, _ := city.Relationship("department")
	assert.False(t, department.SelfRecursive)
}

func TestRegistryRejectsUnknownTarget(t *testing.T) {
	_, err := NewRegistry(&Model{
		Name:  "Orphan",
		Table: "orphan",
		Relationships: []*Relationship{
			{Name: "nowhere", Target: "Missing", Direction: ToOne, LocalColumn: "missing_id"},
		},
	})
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestRegistryRejectsBadBackRef(t *testing.T) {
	a := &Model{
		Name:  "A",
		Table: "a",
		Relationships: []*Relationship{
			{Name: "b", Target: "B", Direction: ToOne, LocalColumn: "b_id", BackRef: "nope"},
		},
	}
	b := &Model{Name: "B", Table: "b"}
	_, err := NewRegistry(a, b)
	require.ErrorIs(t, err, ErrUnknownRelation)
}

func TestInverseByColumnMatch(t *testing.T) {
	reg := testRegistry(t)

	countryModel, _ := reg.Model("Country")
	departments, _ := countryModel.Relationship("departments")
	inv, err := reg.Inverse(departments)
	require.NoError(t, err)
	assert.Equal(t, "country", inv.Name)

	dep, _ := reg.Model("Department")
	country, _ := dep.Relationship("country")
	inv, err = reg.Inverse(country)
	require.NoError(t, err)
	assert.Equal(t, "departments", inv.Name)
}

func TestInverseByBackRef(t *testing.T) {
	reg := testRegistry(t)

	folder, _ := reg.Model("Folder")
	parent, _ := folder.Relationship("parent")
	inv, err := reg.Inverse(parent)
	require.NoError(t, err)
	assert.Equal(t, "children", inv.Name)
}

func TestInverseMissing(t *testing.T) {
	// A one-sided edge: the target declares nothing pointing back.
	a := &Model{
		Name:  "Ticket",
		Table: "ticket",
		Relationships: []*Relationship{
			{Name: "queue", Target: "Queue", Direction: ToOne, LocalColumn: "queue_id"},
		},
	}
	b := &Model{Name: "Queue", Table: "queue"}
	reg, err := NewRegistry(a, b)
	require.NoError(t, err)

	ticket, _ := reg.Model("Ticket")
	queue, _ := ticket.Relationship("queue")
	_, err = reg.Inverse(queue)
	require.ErrorIs(t, err, ErrNoInverse)
}

func TestWalk(t *testing.T) {
	reg := testRegistry(t)
	city, _ := reg.Model("City")

	rels, col, err := reg.Walk(city, "department.country")
	require.NoError(t, err)
	assert.Empty(t, col)
	require.Len(t, rels, 2)
	assert.Equal(t, "Department", rels[0].TargetModel().Name)
	assert.Equal(t, "Country", rels[1].TargetModel().Name)

	rels, col, err = reg.Walk(city, "department.country.name")
	require.NoError(t, err)
	assert.Equal(t, "name", col)
	assert.Len(t, rels, 2)

	_, _, err = reg.Walk(city, "department.nope")
	require.ErrorIs(t, err, ErrUnknownAttribute)

	_, _, err = reg.Walk(city, "name.department")
	require.ErrorIs(t, err, ErrUnknownRelation, "column segment must be last")
}

func TestInvert(t *testing.T) {
	reg := testRegistry(t)

	inv, err := reg.Invert(Propagation{
		"Country":    {"departments"},
		"Department": {"cities"},
	})
	require.NoError(t, err)
	assert.Equal(t, Propagation{
		"Department": {"country"},
		"City":       {"department"},
	}, inv)
}

func TestInvertRoundTrip(t *testing.T) {
	reg := testRegistry(t)

	original := Propagation{
		"Country":    {"departments"},
		"Department": {"cities"},
	}
	inv, err := reg.Invert(original)
	require.NoError(t, err)
	back, err := reg.Invert(inv)
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestInvertUnknownRelation(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.Invert(Propagation{"Country": {"provinces"}})
	require.ErrorIs(t, err, ErrUnknownRelation)

	_, err = reg.Invert(Propagation{"Continent": {"countries"}})
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestExplode(t *testing.T) {
	reg := testRegistry(t)

	inv, err := reg.Invert(Propagation{
		"Country":    {"departments"},
		"Department": {"cities"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"department", "department.country"}, reg.Explode(inv, "City"))
	assert.Equal(t, []string{"country"}, reg.Explode(inv, "Department"))
	assert.Empty(t, reg.Explode(inv, "Country"))
}

func TestExplodeSelfRecursive(t *testing.T) {
	reg := testRegistry(t)

	inv, err := reg.Invert(Propagation{"Folder": {"children"}})
	require.NoError(t, err)

	// A self-recursive edge contributes one segment; the traversal engine
	// expands it at run time.
	assert.Equal(t, []string{"parent"}, reg.Explode(inv, "Folder"))
}

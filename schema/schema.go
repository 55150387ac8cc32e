// Package schema provides the relationship metadata registry for relauth.
//
// The engine never reflects over application structs. Instead, applications
// declare their relational metadata - models, columns, and relationships -
// and the registry indexes it for the traversal engine and the query
// rewriter. This mirrors how an ORM mapper exposes its configuration:
// local/remote columns, association tables, direction, and back-references.
//
// # Declaring models
//
//	country := &schema.Model{
//	    Name:    "Country",
//	    Table:   "country",
//	    Columns: []schema.Column{{Name: "name"}},
//	}
//	department := &schema.Model{
//	    Name:    "Department",
//	    Table:   "department",
//	    Columns: []schema.Column{{Name: "name"}, {Name: "country_id"}},
//	    Relationships: []*schema.Relationship{
//	        {Name: "country", Target: "Country", Direction: schema.ToOne, LocalColumn: "country_id"},
//	    },
//	}
//	reg, err := schema.NewRegistry(country, department)
//
// Back-references are resolved at registry construction: either declared
// explicitly via BackRef, or discovered by matching the foreign-key columns
// of the two sides. Self-recursive relationships (a model referencing its
// own table, like a folder's parent) are detected automatically and flagged,
// because both the traversal engine and the query rewriter treat them
// specially.
//
// The package is dependency-free by design: it is imported by the runtime
// engine and by application model declarations alike.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Direction describes how a relationship reaches its target rows.
type Direction int

const (
	// ToOne follows a foreign key on the owning table to a single target
	// row (many-to-one in ORM terms).
	ToOne Direction = iota

	// ToMany follows a foreign key on the target table back to the owning
	// row, yielding zero or more targets (one-to-many).
	ToMany

	// ManyToMany routes through a secondary association table carrying a
	// foreign key to each side.
	ManyToMany
)

// String returns the lowercase name of the direction.
func (d Direction) String() string {
	switch d {
	case ToOne:
		return "to-one"
	case ToMany:
		return "to-many"
	case ManyToMany:
		return "many-to-many"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// Column describes a plain (non-relationship) attribute of a model.
type Column struct {
	Name string
}

// Relationship describes one edge of the relational graph.
//
// Column usage depends on Direction:
//   - ToOne: LocalColumn is the foreign key on the owning table;
//     RemoteColumn defaults to the target's primary key.
//   - ToMany: RemoteColumn is the foreign key on the target table pointing
//     back at the owner; LocalColumn defaults to the owner's primary key.
//   - ManyToMany: SecondaryTable holds SecondaryLocal (FK to the owner) and
//     SecondaryRemote (FK to the target).
type Relationship struct {
	Name      string
	Target    string // target model name
	Direction Direction

	LocalColumn  string
	RemoteColumn string

	SecondaryTable  string
	SecondaryLocal  string
	SecondaryRemote string

	// BackRef names the inverse relationship on the target model. When
	// empty, the registry attempts to discover it by column matching.
	BackRef string

	// SelfRecursive is set by the registry when the edge's target table is
	// the owning model's own table.
	SelfRecursive bool

	owner  *Model
	target *Model
}

// TargetModel returns the resolved target model. Valid after the owning
// registry has been constructed.
func (r *Relationship) TargetModel() *Model {
	return r.target
}

// Owner returns the model declaring this relationship.
func (r *Relationship) Owner() *Model {
	return r.owner
}

// Model describes one mapped table.
type Model struct {
	Name  string
	Table string

	// PK is the primary key column; defaults to "id".
	PK string

	Columns       []Column
	Relationships []*Relationship

	columns map[string]Column
	rels    map[string]*Relationship
}

// Relationship returns the named relationship, if declared.
func (m *Model) Relationship(name string) (*Relationship, bool) {
	r, ok := m.rels[name]
	return r, ok
}

// HasColumn reports whether name is a declared plain column.
func (m *Model) HasColumn(name string) bool {
	_, ok := m.columns[name]
	return ok
}

// Registry is the indexed, immutable view of the relational metadata.
// It is safe to share across goroutines after construction.
type Registry struct {
	byName  map[string]*Model
	byTable map[string]*Model
	names   []string
}

// NewRegistry indexes the given models, resolves relationship targets and
// back-references, and flags self-recursive edges.
func NewRegistry(models ...*Model) (*Registry, error) {
	reg := &Registry{
		byName:  make(map[string]*Model, len(models)),
		byTable: make(map[string]*Model, len(models)),
	}
	for _, m := range models {
		if m.Name == "" || m.Table == "" {
			return nil, fmt.Errorf("schema: model needs both a name and a table, got %q/%q", m.Name, m.Table)
		}
		if _, dup := reg.byName[m.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate model %q", m.Name)
		}
		if _, dup := reg.byTable[m.Table]; dup {
			return nil, fmt.Errorf("schema: duplicate table %q", m.Table)
		}
		if m.PK == "" {
			m.PK = "id"
		}
		m.columns = make(map[string]Column, len(m.Columns))
		for _, c := range m.Columns {
			m.columns[c.Name] = c
		}
		m.rels = make(map[string]*Relationship, len(m.Relationships))
		for _, r := range m.Relationships {
			if _, dup := m.rels[r.Name]; dup {
				return nil, fmt.Errorf("schema: duplicate relationship %s.%s", m.Name, r.Name)
			}
			r.owner = m
			m.rels[r.Name] = r
		}
		reg.byName[m.Name] = m
		reg.byTable[m.Table] = m
		reg.names = append(reg.names, m.Name)
	}
	sort.Strings(reg.names)

	for _, m := range models {
		for _, r := range m.Relationships {
			target, ok := reg.byName[r.Target]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s targets %q", ErrUnknownModel, m.Name, r.Name, r.Target)
			}
			r.target = target
			r.SelfRecursive = target.Table == m.Table
			if err := defaultColumns(r); err != nil {
				return nil, err
			}
		}
	}

	// Back-references can only be verified once every target is resolved.
	for _, m := range models {
		for _, r := range m.Relationships {
			if r.BackRef == "" {
				continue
			}
			if _, ok := r.target.rels[r.BackRef]; !ok {
				return nil, fmt.Errorf("%w: %s.%s back-ref %q not declared on %s",
					ErrUnknownRelation, m.Name, r.Name, r.BackRef, r.Target)
			}
		}
	}

	return reg, nil
}

// defaultColumns fills the implied side of each edge.
func defaultColumns(r *Relationship) error {
	switch r.Direction {
	case ToOne:
		if r.LocalColumn == "" {
			return fmt.Errorf("schema: to-one relationship %s.%s needs a local column", r.owner.Name, r.Name)
		}
		if r.RemoteColumn == "" {
			r.RemoteColumn = r.target.PK
		}
	case ToMany:
		if r.RemoteColumn == "" {
			return fmt.Errorf("schema: to-many relationship %s.%s needs a remote column", r.owner.Name, r.Name)
		}
		if r.LocalColumn == "" {
			r.LocalColumn = r.owner.PK
		}
	case ManyToMany:
		if r.SecondaryTable == "" || r.SecondaryLocal == "" || r.SecondaryRemote == "" {
			return fmt.Errorf("schema: many-to-many relationship %s.%s needs a secondary table and both foreign keys",
				r.owner.Name, r.Name)
		}
	default:
		return fmt.Errorf("schema: relationship %s.%s has invalid direction %d", r.owner.Name, r.Name, int(r.Direction))
	}
	return nil
}

// Model returns a model by name.
func (reg *Registry) Model(name string) (*Model, bool) {
	m, ok := reg.byName[name]
	return m, ok
}

// ModelByTable returns a model by its table name.
func (reg *Registry) ModelByTable(table string) (*Model, bool) {
	m, ok := reg.byTable[table]
	return m, ok
}

// Models returns all registered models in name order.
func (reg *Registry) Models() []*Model {
	out := make([]*Model, 0, len(reg.names))
	for _, n := range reg.names {
		out = append(out, reg.byName[n])
	}
	return out
}

// Inverse resolves the relationship on rel's target model that walks the
// same edge in the opposite direction. The declared BackRef wins; otherwise
// the inverse is discovered by matching foreign-key columns, the way a
// mapper pairs a relation with its back-populated twin.
func (reg *Registry) Inverse(rel *Relationship) (*Relationship, error) {
	if rel.BackRef != "" {
		inv, ok := rel.target.rels[rel.BackRef]
		if !ok {
			return nil, fmt.Errorf("%w: back-ref %q on %s", ErrUnknownRelation, rel.BackRef, rel.target.Name)
		}
		return inv, nil
	}
	for _, cand := range rel.target.Relationships {
		if cand.target != rel.owner {
			continue
		}
		switch {
		case rel.Direction == ToOne && cand.Direction == ToMany && cand.RemoteColumn == rel.LocalColumn:
			return cand, nil
		case rel.Direction == ToMany && cand.Direction == ToOne && cand.LocalColumn == rel.RemoteColumn:
			return cand, nil
		case rel.Direction == ManyToMany && cand.Direction == ManyToMany &&
			cand.SecondaryTable == rel.SecondaryTable &&
			cand.SecondaryLocal == rel.SecondaryRemote &&
			cand.SecondaryRemote == rel.SecondaryLocal:
			return cand, nil
		}
	}
	return nil, fmt.Errorf("%w: no inverse for %s.%s", ErrNoInverse, rel.owner.Name, rel.Name)
}

// Walk resolves a dotted attribute path starting at model. Every leading
// segment must be a relationship; the final segment may be a relationship
// or a plain column. The returned steps carry the relationship for each
// relational segment; a trailing column segment is returned separately.
func (reg *Registry) Walk(model *Model, path string) ([]*Relationship, string, error) {
	var rels []*Relationship
	cur := model
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if rel, ok := cur.Relationship(seg); ok {
			rels = append(rels, rel)
			cur = rel.target
			continue
		}
		if cur.HasColumn(seg) || seg == cur.PK {
			if i != len(segments)-1 {
				return nil, "", fmt.Errorf("%w: column %q of %s is not last in path %q",
					ErrUnknownRelation, seg, cur.Name, path)
			}
			return rels, seg, nil
		}
		return nil, "", fmt.Errorf("%w: %s has no attribute %q (path %q)", ErrUnknownAttribute, cur.Name, seg, path)
	}
	return rels, "", nil
}

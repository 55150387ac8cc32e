package relauth

import (
	"fmt"
	"strings"
)

// Predicate is a composable WHERE fragment. Checkers build predicates, the
// rewriter conjoins them onto the outgoing query, and SQL() renders them
// with positional placeholders.
//
// True and False are first-class values so combinators can collapse
// identities without inspecting SQL text: Or drops False children and
// short-circuits on True, And mirrors it.
type Predicate interface {
	render(w *sqlWriter)
	isPredicate()
}

type truePred struct{}
type falsePred struct{}

type inPred struct {
	col string
	ids []int64
}

type eqPred struct {
	col string
	val any
}

type andPred struct{ children []Predicate }
type orPred struct{ children []Predicate }
type notPred struct{ child Predicate }

func (truePred) isPredicate()  {}
func (falsePred) isPredicate() {}
func (inPred) isPredicate()    {}
func (eqPred) isPredicate()    {}
func (andPred) isPredicate()   {}
func (orPred) isPredicate()    {}
func (notPred) isPredicate()   {}

// True is the predicate matching every row.
func True() Predicate { return truePred{} }

// False is the predicate matching no row.
func False() Predicate { return falsePred{} }

// ColIn restricts a column to a set of ids. An empty set collapses to
// False: there is no row whose column is in the empty set.
func ColIn(col string, ids []int64) Predicate {
	if len(ids) == 0 {
		return falsePred{}
	}
	return inPred{col: col, ids: dedupeSorted(append([]int64(nil), ids...))}
}

// ColEq compares a column with a single value.
func ColEq(col string, val any) Predicate {
	return eqPred{col: col, val: val}
}

// AllOf conjoins predicates, collapsing identities: True children vanish
// and any False child makes the whole conjunction False.
func AllOf(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		switch p.(type) {
		case truePred:
		case falsePred:
			return falsePred{}
		default:
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return truePred{}
	case 1:
		return kept[0]
	}
	return andPred{children: kept}
}

// AnyOf disjoins predicates, collapsing identities: False children vanish
// and any True child makes the whole disjunction True.
func AnyOf(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		switch p.(type) {
		case falsePred:
		case truePred:
			return truePred{}
		default:
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return falsePred{}
	case 1:
		return kept[0]
	}
	return orPred{children: kept}
}

// Negate inverts a predicate, flipping True and False.
func Negate(p Predicate) Predicate {
	switch p.(type) {
	case truePred:
		return falsePred{}
	case falsePred:
		return truePred{}
	}
	if n, ok := p.(notPred); ok {
		return n.child
	}
	return notPred{child: p}
}

// sqlWriter accumulates SQL text and positional arguments.
type sqlWriter struct {
	sb   strings.Builder
	args []any
}

func (w *sqlWriter) write(s string) {
	w.sb.WriteString(s)
}

func (w *sqlWriter) placeholder(v any) {
	w.args = append(w.args, v)
	fmt.Fprintf(&w.sb, "$%d", len(w.args))
}

func (truePred) render(w *sqlWriter)  { w.write("TRUE") }
func (falsePred) render(w *sqlWriter) { w.write("FALSE") }

func (p inPred) render(w *sqlWriter) {
	w.write(p.col)
	w.write(" IN (")
	for i, id := range p.ids {
		if i > 0 {
			w.write(", ")
		}
		w.placeholder(id)
	}
	w.write(")")
}

func (p eqPred) render(w *sqlWriter) {
	w.write(p.col)
	w.write(" = ")
	w.placeholder(p.val)
}

func (p andPred) render(w *sqlWriter) {
	for i, c := range p.children {
		if i > 0 {
			w.write(" AND ")
		}
		w.write("(")
		c.render(w)
		w.write(")")
	}
}

func (p orPred) render(w *sqlWriter) {
	for i, c := range p.children {
		if i > 0 {
			w.write(" OR ")
		}
		w.write("(")
		c.render(w)
		w.write(")")
	}
}

func (p notPred) render(w *sqlWriter) {
	w.write("NOT (")
	p.child.render(w)
	w.write(")")
}

// joinClause is one rendered join of a SelectQuery.
type joinClause struct {
	kind  string // "LEFT OUTER JOIN", "JOIN"
	table string
	on    string
}

// SelectQuery is an inspectable select statement. Unlike an opaque SQL
// string it exposes its leading table and its joins, which is what the
// rewriter needs: it must resolve the target model and must not duplicate
// a join the caller already added.
//
// The zero query selects every column of its table. All mutating methods
// return the query for chaining and operate in place; AccessibleQuery
// clones before appending, so the caller's query is never modified.
type SelectQuery struct {
	table   string
	columns []string
	joins   []joinClause
	preds   []Predicate
	orderBy []string
}

// Select starts a query over the given table. With no columns, the
// rendered statement selects "table.*".
func Select(table string, columns ...string) *SelectQuery {
	return &SelectQuery{table: table, columns: columns}
}

// Table returns the query's leading table.
func (q *SelectQuery) Table() string { return q.table }

// Columns returns the projected columns.
func (q *SelectQuery) Columns() []string { return q.columns }

// Where appends a conjunct.
func (q *SelectQuery) Where(p Predicate) *SelectQuery {
	q.preds = append(q.preds, p)
	return q
}

// Join appends an inner join.
func (q *SelectQuery) Join(table, on string) *SelectQuery {
	q.joins = append(q.joins, joinClause{kind: "JOIN", table: table, on: on})
	return q
}

// LeftOuterJoin appends a left outer join.
func (q *SelectQuery) LeftOuterJoin(table, on string) *SelectQuery {
	q.joins = append(q.joins, joinClause{kind: "LEFT OUTER JOIN", table: table, on: on})
	return q
}

// OrderBy appends ordering terms.
func (q *SelectQuery) OrderBy(terms ...string) *SelectQuery {
	q.orderBy = append(q.orderBy, terms...)
	return q
}

// hasJoin reports whether an equivalent join is already present, comparing
// table and ON clause regardless of join kind.
func (q *SelectQuery) hasJoin(table, on string) bool {
	for _, j := range q.joins {
		if j.table == table && j.on == on {
			return true
		}
	}
	return false
}

// clone copies the query so appends do not leak into the original.
func (q *SelectQuery) clone() *SelectQuery {
	return &SelectQuery{
		table:   q.table,
		columns: append([]string(nil), q.columns...),
		joins:   append([]joinClause(nil), q.joins...),
		preds:   append([]Predicate(nil), q.preds...),
		orderBy: append([]string(nil), q.orderBy...),
	}
}

// SQL renders the statement with positional placeholders and its argument
// list.
func (q *SelectQuery) SQL() (string, []any) {
	w := &sqlWriter{}
	w.write("SELECT ")
	if len(q.columns) == 0 {
		w.write(q.table + ".*")
	} else {
		w.write(strings.Join(q.columns, ", "))
	}
	w.write(" FROM " + q.table)
	for _, j := range q.joins {
		w.write(" " + j.kind + " " + j.table + " ON " + j.on)
	}
	if len(q.preds) > 0 {
		w.write(" WHERE ")
		AllOf(q.preds...).render(w)
	}
	if len(q.orderBy) > 0 {
		w.write(" ORDER BY " + strings.Join(q.orderBy, ", "))
	}
	return w.sb.String(), w.args
}

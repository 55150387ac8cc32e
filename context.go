package relauth

import (
	"fmt"
	"sort"

	"github.com/giusedb/relauth/schema"
)

// Context is an immutable reference to a single row: the model plus its
// primary key. Contexts are the unit at which roles are granted and the
// currency of the traversal engine.
type Context struct {
	Model *schema.Model
	ID    int64
}

// GlobalTable is the context table name denoting the global context.
const GlobalTable = "global"

// GlobalContext is the sentinel context meaning "every row of every model".
// Its model is nil and its id zero; it is valid only as a grant target.
var GlobalContext = Context{}

// Table returns the context's table name, or "global" for the sentinel.
func (c Context) Table() string {
	if c.Model == nil {
		return GlobalTable
	}
	return c.Model.Table
}

// IsGlobal reports whether c is the global context.
func (c Context) IsGlobal() bool {
	return c.Model == nil
}

// String returns the canonical representation "table:id".
func (c Context) String() string {
	return fmt.Sprintf("%s:%d", c.Table(), c.ID)
}

// Set promotes the context to a single-element ContextSet.
func (c Context) Set() ContextSet {
	return ContextSet{Model: c.Model, IDs: []int64{c.ID}}
}

// isValue marks Context as a traversal Value.
func (Context) isValue() {}

// ContextSet is a same-model batch of contexts. IDs are kept sorted and
// unique; the empty set is represented by the zero value (callers treat
// absence and emptiness alike).
type ContextSet struct {
	Model *schema.Model
	IDs   []int64
}

// NewContextSet builds a set from the given ids, deduplicating and sorting.
func NewContextSet(model *schema.Model, ids ...int64) ContextSet {
	return ContextSet{Model: model, IDs: dedupeSorted(ids)}
}

// Empty reports whether the set holds no contexts.
func (s ContextSet) Empty() bool {
	return len(s.IDs) == 0
}

// Len returns the number of contexts in the set.
func (s ContextSet) Len() int {
	return len(s.IDs)
}

// Contains reports whether the set holds the given context.
func (s ContextSet) Contains(c Context) bool {
	if c.Model != s.Model {
		return false
	}
	i := sort.Search(len(s.IDs), func(i int) bool { return s.IDs[i] >= c.ID })
	return i < len(s.IDs) && s.IDs[i] == c.ID
}

// Contexts returns the members as individual Context values, in id order.
func (s ContextSet) Contexts() []Context {
	out := make([]Context, len(s.IDs))
	for i, id := range s.IDs {
		out[i] = Context{Model: s.Model, ID: id}
	}
	return out
}

// Union merges two same-model sets. Joining sets over different models is a
// caller bug and fails with ErrModelMismatch. An empty set is the identity.
func (s ContextSet) Union(other ContextSet) (ContextSet, error) {
	if s.Empty() {
		return other, nil
	}
	if other.Empty() {
		return s, nil
	}
	if s.Model != other.Model {
		return ContextSet{}, fmt.Errorf("%w: %s vs %s", ErrModelMismatch, s.Model.Name, other.Model.Name)
	}
	merged := make([]int64, 0, len(s.IDs)+len(other.IDs))
	merged = append(merged, s.IDs...)
	merged = append(merged, other.IDs...)
	return ContextSet{Model: s.Model, IDs: dedupeSorted(merged)}, nil
}

// Add returns the set extended with a context of the same model.
func (s ContextSet) Add(c Context) (ContextSet, error) {
	return s.Union(c.Set())
}

// String returns "table:[id id ...]".
func (s ContextSet) String() string {
	table := GlobalTable
	if s.Model != nil {
		table = s.Model.Table
	}
	return fmt.Sprintf("%s:%v", table, s.IDs)
}

// isValue marks ContextSet as a traversal Value.
func (ContextSet) isValue() {}

// Scalars is a batch of plain column values reached at the end of a
// traversal path, such as the owner ids an Owner checker compares against.
type Scalars []int64

// Contains reports whether v is among the scalars.
func (s Scalars) Contains(v int64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// isValue marks Scalars as a traversal Value.
func (Scalars) isValue() {}

// Value is one item yielded while walking a relationship path: a Context, a
// ContextSet, or a Scalars batch for a terminal column segment.
type Value interface {
	isValue()
}

// dedupeSorted sorts ids and removes duplicates in place.
func dedupeSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// IDSet is an unordered set of integer ids (groups, roles).
type IDSet map[int64]struct{}

// NewIDSet builds a set from the given ids.
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s IDSet) Contains(id int64) bool {
	_, ok := s[id]
	return ok
}

// Intersects reports whether the two sets share any element.
func (s IDSet) Intersects(other IDSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			return true
		}
	}
	return false
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

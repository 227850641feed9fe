package query

import (
	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/types"
)

// outputColumn is one resolved select-list entry: an alias paired
// with the entry id and declared type its dotted_path resolved to at
// compile time.
type outputColumn struct {
	alias    string
	entryID  int64
	dataType types.Kind
}

// Compiled is a query bound against a specific Entry Store catalogue
// (column paths resolved to ids once, at Compile time). It satisfies
// the Subscription Engine's Query interface and is re-evaluated
// against fresh entry state on every relevant ChangeSet, never
// re-parsed.
type Compiled struct {
	columns []outputColumn
	where   *node
	refs    []int64
}

// ReferencedIDs returns every entry id this query reads, from both the
// select list and the WHERE clause.
func (c *Compiled) ReferencedIDs() []int64 { return c.refs }

// Evaluate implements spec.md §4.8: no row if the predicate is false
// or any selected field still has no current value; one row of
// alias→value otherwise. lookup need not be the live store directly —
// any read-only accessor over entry snapshots works.
func (c *Compiled) Evaluate(lookup func(id int64) (*entrystore.Entry, bool)) (map[string]types.Value, bool) {
	if c.where != nil && !c.evalBool(c.where, lookup) {
		return nil, false
	}

	row := make(map[string]types.Value, len(c.columns))
	for _, col := range c.columns {
		v := c.columnValue(col.entryID, lookup)
		if v.IsFailure() {
			return nil, false
		}
		row[col.alias] = v
	}
	return row, true
}

func (c *Compiled) columnValue(id int64, lookup func(int64) (*entrystore.Entry, bool)) types.Value {
	e, ok := lookup(id)
	if !ok || e.CurrentValue == nil {
		return types.NewFailure("no current value")
	}
	return e.CurrentValue.Value
}

func (c *Compiled) evalValue(n *node, lookup func(int64) (*entrystore.Entry, bool)) types.Value {
	switch n.kind {
	case nodeLiteral:
		return n.lit
	case nodeColumn:
		return c.columnValue(n.entryID, lookup)
	case nodeCast:
		return castValue(c.evalValue(n.operand, lookup), n.dataType)
	default:
		return types.NewFailure("not a value expression")
	}
}

// evalBool implements the three-valued-logic-flattened-to-false rule
// of spec.md §4.8: any comparison touching a Failure-kind value
// (column with no current value yet) evaluates to false rather than
// panicking or propagating an error.
func (c *Compiled) evalBool(n *node, lookup func(int64) (*entrystore.Entry, bool)) bool {
	switch n.kind {
	case nodeUnaryNot:
		return !c.evalBool(n.operand, lookup)
	case nodeBetween:
		v := c.evalValue(n.operand, lookup)
		lo := c.evalValue(n.low, lookup)
		hi := c.evalValue(n.high, lookup)
		loCmp, ok1 := compareValues(v, lo)
		hiCmp, ok2 := compareValues(v, hi)
		if !ok1 || !ok2 {
			return false
		}
		in := loCmp >= 0 && hiCmp <= 0
		if n.notBetween {
			return !in
		}
		return in
	case nodeBinary:
		switch n.op {
		case opAnd:
			return c.evalBool(n.left, lookup) && c.evalBool(n.right, lookup)
		case opOr:
			return c.evalBool(n.left, lookup) || c.evalBool(n.right, lookup)
		default:
			return compareOp(n.op, c.evalValue(n.left, lookup), c.evalValue(n.right, lookup))
		}
	default:
		return false
	}
}

func compareOp(op operator, a, b types.Value) bool {
	if a.IsFailure() || b.IsFailure() {
		return false
	}
	switch op {
	case opEq:
		return a.Equal(b)
	case opNotEq:
		return !a.Equal(b)
	default:
		cmp, ok := compareValues(a, b)
		if !ok {
			return false
		}
		switch op {
		case opLt:
			return cmp < 0
		case opLe:
			return cmp <= 0
		case opGt:
			return cmp > 0
		case opGe:
			return cmp >= 0
		default:
			return false
		}
	}
}
